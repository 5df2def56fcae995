// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/compute"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// maxScalesetSize is the platform cap for the image, optionally lowered by
// deployment configuration.
func (s *Service) maxScalesetSize(image string) int64 {
	max := api.ImageMaxScalesetSize(image)
	if s.ScalesetMaxSizeOverride > 0 && s.ScalesetMaxSizeOverride < max {
		max = s.ScalesetMaxSizeOverride
	}
	return max
}

// CreateScaleset stores a new scaleset in init state. Size is clamped to
// the image's platform cap.
func (s *Service) CreateScaleset(ctx context.Context, poolName, vmSku, image, region string, size int64, spotInstances, ephemeralOSDisks bool, tags map[string]string) (*api.Scaleset, *api.Error) {
	pools, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {poolName}},
	}, 1)
	if err != nil {
		return nil, api.Errorf(api.ErrorUnableToFind, "failed to load pool: %v", err)
	}
	if len(pools) == 0 {
		return nil, api.Errorf(api.ErrorUnableToFind, "pool %q does not exist", poolName)
	}
	pool := pools[0]
	if !pool.Managed {
		return nil, api.Errorf(api.ErrorInvalidRequest, "pool %q is unmanaged", poolName)
	}
	if size <= 0 {
		return nil, api.Errorf(api.ErrorInvalidRequest, "scaleset size must be positive")
	}
	if max := s.maxScalesetSize(image); size > max {
		size = max
	}

	scaleset := &api.Scaleset{
		PoolName:         poolName,
		ScalesetID:       uuid.New(),
		State:            api.ScalesetInit,
		VMSku:            vmSku,
		Image:            image,
		Region:           region,
		Size:             size,
		SpotInstances:    spotInstances,
		EphemeralOSDisks: ephemeralOSDisks,
		Tags:             tags,
	}
	if err := s.Scalesets.Insert(ctx, scaleset); err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to store scaleset: %v", err)
	}
	s.Events.Emit(ctx, api.EventScalesetCreated{
		ScalesetID: scaleset.ScalesetID,
		PoolName:   poolName,
		VMSku:      vmSku,
		Image:      image,
		Region:     region,
		Size:       size,
	})
	return scaleset, nil
}

// ProcessScalesets drives scalesets needing work, and runs node cleanup on
// the steady-state ones.
func (s *Service) ProcessScalesets(ctx context.Context) error {
	if err := forEach(ctx, s, s.Scalesets, statesQuery("state", api.ScalesetStatesNeedingWork), "scaleset", s.processScaleset); err != nil {
		return err
	}
	return forEach(ctx, s, s.Scalesets, statesQuery("state", []api.ScalesetState{api.ScalesetRunning, api.ScalesetResize}), "scaleset", s.cleanupNodes)
}

func (s *Service) processScaleset(ctx context.Context, ss *api.Scaleset) error {
	for i := 0; i < maxStateUpdates; i++ {
		before := ss.State
		var err error
		switch ss.State {
		case api.ScalesetInit:
			err = s.scalesetInit(ctx, ss)
		case api.ScalesetSetup:
			err = s.scalesetSetup(ctx, ss)
		case api.ScalesetResize:
			err = s.scalesetResize(ctx, ss)
		case api.ScalesetShutdown:
			err = s.scalesetShutdown(ctx, ss, false)
		case api.ScalesetHalt:
			err = s.scalesetShutdown(ctx, ss, true)
		default:
			return nil
		}
		if compute.IsConflict(err) {
			// an update is already in flight, observe it next tick
			return nil
		}
		if err != nil || ss.State == before {
			return err
		}
	}
	return nil
}

func (s *Service) failScaleset(ctx context.Context, ss *api.Scaleset, apiErr *api.Error) error {
	ss.State = api.ScalesetCreationFailed
	ss.Error = apiErr
	if err := s.Scalesets.Replace(ctx, ss); err != nil {
		return err
	}
	s.Events.Emit(ctx, api.EventScalesetFailed{
		ScalesetID: ss.ScalesetID,
		PoolName:   ss.PoolName,
		Error:      *apiErr,
	})
	return nil
}

// scalesetInit checks the image against the pool OS, mints credentials, and
// starts the cloud create.
func (s *Service) scalesetInit(ctx context.Context, ss *api.Scaleset) error {
	pools, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {ss.PoolName}},
	}, 1)
	if err != nil {
		return errors.Wrap(err, "failed to load pool")
	}
	if len(pools) == 0 {
		return s.failScaleset(ctx, ss, api.Errorf(api.ErrorUnableToFind, "pool %q does not exist", ss.PoolName))
	}
	pool := pools[0]

	imageOS, err := s.Compute.ImageOS(ctx, ss.Region, ss.Image)
	if err != nil {
		return s.failScaleset(ctx, ss, api.Errorf(api.ErrorInvalidImage, "failed to resolve image %q: %v", ss.Image, err))
	}
	if imageOS != pool.OS {
		return s.failScaleset(ctx, ss, api.Errorf(api.ErrorInvalidRequest,
			"image OS %q does not match pool OS %q", imageOS, pool.OS))
	}

	if ss.Auth == nil {
		auth, err := newAuthentication()
		if err != nil {
			return err
		}
		ss.Auth = auth
	}

	subnetID, err := s.Compute.EnsureSubnet(ctx, ss.Region, s.InstanceConfig.NetworkConfig)
	if err != nil {
		return errors.Wrap(err, "failed to ensure worker subnet")
	}
	if subnetID == "" {
		return nil
	}

	if err := queue.NewShrinkQueue(s.Queues, ss.ScalesetID).Create(ctx); err != nil {
		return errors.Wrap(err, "failed to create scaleset shrink queue")
	}

	tags := map[string]string{"pool": ss.PoolName}
	for k, v := range s.InstanceConfig.VMSSTags {
		tags[k] = v
	}
	for k, v := range ss.Tags {
		tags[k] = v
	}
	err = s.Compute.CreateScaleset(ctx, compute.ScalesetSpec{
		Name:             ss.ScalesetID.String(),
		Region:           ss.Region,
		VMSku:            ss.VMSku,
		Image:            ss.Image,
		OS:               pool.OS,
		Capacity:         ss.Size,
		SpotInstances:    ss.SpotInstances,
		EphemeralOSDisks: ss.EphemeralOSDisks,
		SSHPublicKey:     ss.Auth.PublicKey,
		AdminPassword:    ss.Auth.Password,
		Extensions:       s.InstanceConfig.Extensions,
		Tags:             tags,
		SubnetID:         subnetID,
	})
	if err != nil {
		if compute.IsConflict(err) {
			return nil
		}
		return s.failScaleset(ctx, ss, api.Errorf(api.ErrorVMCreateFailed, "failed to create scaleset: %v", err))
	}
	ss.State = api.ScalesetSetup
	return s.Scalesets.Replace(ctx, ss)
}

// scalesetSetup waits for the cloud create to finish.
func (s *Service) scalesetSetup(ctx context.Context, ss *api.Scaleset) error {
	info, err := s.Compute.GetScaleset(ctx, ss.ScalesetID.String())
	if compute.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to probe scaleset")
	}
	switch info.ProvisioningState {
	case compute.ProvisioningSucceeded:
		ss.State = api.ScalesetRunning
		return s.Scalesets.Replace(ctx, ss)
	case compute.ProvisioningFailed:
		return s.failScaleset(ctx, ss, api.Errorf(api.ErrorVMCreateFailed, "scaleset provisioning failed"))
	default:
		return nil
	}
}

// scalesetResize reconciles cloud capacity with the desired size. Growth is
// a direct capacity bump; shrinkage is cooperative, driven by halt tokens so
// in-flight work drains first.
func (s *Service) scalesetResize(ctx context.Context, ss *api.Scaleset) error {
	shrink := queue.NewShrinkQueue(s.Queues, ss.ScalesetID)

	info, err := s.Compute.GetScaleset(ctx, ss.ScalesetID.String())
	if compute.IsNotFound(err) {
		s.Log.Info("scaleset vanished during resize, tearing down", "scalesetID", ss.ScalesetID)
		ss.State = api.ScalesetHalt
		return s.Scalesets.Replace(ctx, ss)
	}
	if err != nil {
		return errors.Wrap(err, "failed to probe scaleset")
	}

	switch {
	case info.Capacity == ss.Size:
		if err := shrink.Clear(ctx); err != nil {
			return err
		}
		ss.State = api.ScalesetRunning
		return s.Scalesets.Replace(ctx, ss)
	case info.Capacity < ss.Size:
		if err := shrink.Clear(ctx); err != nil {
			return err
		}
		return s.Compute.ResizeScaleset(ctx, ss.ScalesetID.String(), ss.Size)
	default:
		return shrink.SetSize(ctx, int(info.Capacity-ss.Size))
	}
}

// scalesetShutdown drains (or halts) the scaleset's nodes, then deletes the
// cloud resource and the entity.
func (s *Service) scalesetShutdown(ctx context.Context, ss *api.Scaleset, halt bool) error {
	nodes, err := s.Nodes.Search(ctx, storage.Query{
		Eq: map[string][]string{"scaleset_id": {ss.ScalesetID.String()}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list scaleset nodes")
	}

	if !halt {
		for _, node := range nodes {
			if err := s.SetNodeShutdown(ctx, node); err != nil {
				return err
			}
		}
		if len(nodes) > 0 {
			return nil
		}
		ss.State = api.ScalesetHalt
		return s.Scalesets.Replace(ctx, ss)
	}

	for _, node := range nodes {
		if err := s.DeleteNode(ctx, node); err != nil {
			return err
		}
	}
	if err := queue.NewShrinkQueue(s.Queues, ss.ScalesetID).Delete(ctx); err != nil {
		return errors.Wrap(err, "failed to delete scaleset shrink queue")
	}
	gone, err := s.Compute.DeleteScaleset(ctx, ss.ScalesetID.String())
	if err != nil {
		return errors.Wrap(err, "failed to delete scaleset")
	}
	if !gone {
		return nil
	}
	if err := s.Scalesets.Delete(ctx, ss); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.Events.Emit(ctx, api.EventScalesetDeleted{ScalesetID: ss.ScalesetID, PoolName: ss.PoolName})
	return nil
}

// cleanupNodes reconciles node entities with cloud instances: drops rows for
// vanished instances, recycles dead and over-age nodes, and applies pending
// reimage/delete requests in batches.
func (s *Service) cleanupNodes(ctx context.Context, ss *api.Scaleset) error {
	instances, err := s.Compute.ListInstanceIDs(ctx, ss.ScalesetID.String())
	if compute.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to list scaleset instances")
	}

	nodes, err := s.Nodes.Search(ctx, storage.Query{
		Eq: map[string][]string{"scaleset_id": {ss.ScalesetID.String()}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list scaleset nodes")
	}

	// track instances whose agent never registered so a silent one still
	// hits the dead-node sweep below
	registered := make(map[uuid.UUID]bool, len(nodes))
	for _, node := range nodes {
		registered[node.MachineID] = true
	}
	for machineID, instanceID := range instances {
		if registered[machineID] {
			continue
		}
		id := instanceID
		node := &api.Node{
			PoolName:   ss.PoolName,
			MachineID:  machineID,
			ScalesetID: &ss.ScalesetID,
			InstanceID: &id,
			Version:    s.Version,
			State:      api.NodeInit,
		}
		if err := s.Nodes.Upsert(ctx, node); err != nil {
			return errors.Wrap(err, "failed to store unregistered node")
		}
		s.Events.Emit(ctx, api.EventNodeCreated{
			MachineID:  machineID,
			ScalesetID: node.ScalesetID,
			PoolName:   ss.PoolName,
		})
		nodes = append(nodes, node)
	}

	now := s.now().UTC()
	var toReimage, toDelete []*api.Node
	for _, node := range nodes {
		instanceID, inCloud := instances[node.MachineID]
		if !inCloud {
			if err := s.DeleteNode(ctx, node); err != nil {
				return err
			}
			continue
		}
		if node.InstanceID == nil {
			node.InstanceID = &instanceID
			if err := s.Nodes.Replace(ctx, node); err != nil {
				return err
			}
		}
		if node.DebugKeepNode {
			continue
		}

		expired := node.Heartbeat != nil && node.Heartbeat.Before(now.Add(-nodeExpirationTime))
		// a node that never heartbeat at all is judged by its row age
		if node.Heartbeat == nil && node.StorageTimestamp().Before(now.Add(-nodeExpirationTime)) {
			expired = true
		}
		if expired && !node.State.ReadyForReset() {
			s.Log.Info("recycling dead node", "machineID", node.MachineID, "heartbeat", node.Heartbeat)
			if err := s.markTasksStoppedEarly(ctx, node, api.Errorf(api.ErrorTaskFailed,
				"node became unresponsive: %s", node.MachineID)); err != nil {
				return err
			}
			if err := s.ToReimage(ctx, node, true); err != nil {
				return err
			}
		} else if node.StorageTimestamp().Before(now.Add(-nodeReimageTime)) && !node.State.ReadyForReset() {
			s.Log.Info("recycling over-age node", "machineID", node.MachineID)
			if err := s.ToReimage(ctx, node, false); err != nil {
				return err
			}
		}

		switch {
		case node.DeleteRequested && node.State.ReadyForReset():
			toDelete = append(toDelete, node)
		case node.ReimageRequested && node.State.ReadyForReset():
			if s.DisposalStrategy == api.DisposalAggressiveDelete {
				toDelete = append(toDelete, node)
			} else {
				toReimage = append(toReimage, node)
			}
		}
	}

	if len(toReimage) > 0 {
		ids := make([]string, 0, len(toReimage))
		for _, node := range toReimage {
			ids = append(ids, instances[node.MachineID])
		}
		if err := s.Compute.ReimageInstances(ctx, ss.ScalesetID.String(), ids); err != nil {
			if compute.IsConflict(err) {
				return nil
			}
			return errors.Wrap(err, "failed to reimage instances")
		}
		// reimaged agents come back and re-register under the same machine id
		for _, node := range toReimage {
			if err := s.DeleteNode(ctx, node); err != nil {
				return err
			}
		}
	}
	if len(toDelete) > 0 {
		ids := make([]string, 0, len(toDelete))
		for _, node := range toDelete {
			ids = append(ids, instances[node.MachineID])
		}
		if err := s.Compute.DeleteInstances(ctx, ss.ScalesetID.String(), ids); err != nil {
			if compute.IsConflict(err) {
				return nil
			}
			return errors.Wrap(err, "failed to delete instances")
		}
		for _, node := range toDelete {
			if err := s.DeleteNode(ctx, node); err != nil {
				return err
			}
		}
		if ss.Size > int64(len(instances)-len(toDelete)) {
			ss.Size = int64(len(instances) - len(toDelete))
			if ss.Size < 0 {
				ss.Size = 0
			}
			if err := s.Scalesets.Replace(ctx, ss); err != nil {
				return err
			}
		}
	}
	return nil
}
