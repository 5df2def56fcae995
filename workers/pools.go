// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// CreatePool stores a new pool in init state. Pool names are unique; a
// live pool with the same name rejects the create.
func (s *Service) CreatePool(ctx context.Context, name string, os api.OS, arch api.Architecture, managed bool, autoscale *api.AutoscaleConfig, clientID *string) (*api.Pool, *api.Error) {
	existing, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {name}},
	}, 1)
	if err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to probe pool name: %v", err)
	}
	if len(existing) > 0 {
		return nil, api.Errorf(api.ErrorInvalidRequest, "pool %q already exists", name)
	}
	if autoscale != nil {
		if !managed {
			return nil, api.Errorf(api.ErrorInvalidRequest, "unmanaged pools cannot autoscale")
		}
		if apiErr := validateAutoscale(autoscale); apiErr != nil {
			return nil, apiErr
		}
	}

	pool := &api.Pool{
		PoolID:    uuid.New(),
		Name:      name,
		OS:        os,
		Arch:      arch,
		Managed:   managed,
		State:     api.PoolInit,
		Autoscale: autoscale,
		ClientID:  clientID,
	}
	if err := s.Pools.Insert(ctx, pool); err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to store pool: %v", err)
	}
	s.Events.Emit(ctx, api.EventPoolCreated{
		PoolName:  name,
		OS:        os,
		Arch:      arch,
		Managed:   managed,
		Autoscale: autoscale,
	})
	return pool, nil
}

func validateAutoscale(cfg *api.AutoscaleConfig) *api.Error {
	if cfg.MinSize < 0 || cfg.MaxSize < cfg.MinSize {
		return api.Errorf(api.ErrorInvalidRequest, "autoscale bounds are invalid: min=%d max=%d", cfg.MinSize, cfg.MaxSize)
	}
	if cfg.ScalesetSize <= 0 {
		return api.Errorf(api.ErrorInvalidRequest, "autoscale scaleset_size must be positive")
	}
	if cfg.VMSku == "" || cfg.Image == "" || cfg.Region == "" {
		return api.Errorf(api.ErrorInvalidRequest, "autoscale requires vm_sku, image, and region")
	}
	return nil
}

// StopPool begins pool teardown. With now set the pool is halted instead of
// drained.
func (s *Service) StopPool(ctx context.Context, pool *api.Pool, now bool) error {
	if now {
		pool.State = api.PoolHalt
	} else if pool.State != api.PoolHalt {
		pool.State = api.PoolShutdown
	}
	return s.Pools.Replace(ctx, pool)
}

// ProcessPools drives pools needing work.
func (s *Service) ProcessPools(ctx context.Context) error {
	return forEach(ctx, s, s.Pools, statesQuery("state", api.PoolStatesNeedingWork), "pool", s.processPool)
}

func (s *Service) processPool(ctx context.Context, pool *api.Pool) error {
	for i := 0; i < maxStateUpdates; i++ {
		before := pool.State
		var err error
		switch pool.State {
		case api.PoolInit:
			err = s.poolInit(ctx, pool)
		case api.PoolShutdown:
			err = s.poolShutdown(ctx, pool, false)
		case api.PoolHalt:
			err = s.poolShutdown(ctx, pool, true)
		default:
			return nil
		}
		if err != nil || pool.State == before {
			return err
		}
	}
	return nil
}

// poolInit creates the pool's work queue and shrink queue, then opens the
// pool for work.
func (s *Service) poolInit(ctx context.Context, pool *api.Pool) error {
	if err := s.Queues.Create(ctx, queue.PoolQueueName(pool.PoolID)); err != nil {
		return errors.Wrap(err, "failed to create pool work queue")
	}
	if err := queue.NewShrinkQueue(s.Queues, pool.PoolID).Create(ctx); err != nil {
		return errors.Wrap(err, "failed to create pool shrink queue")
	}
	pool.State = api.PoolRunning
	return s.Pools.Replace(ctx, pool)
}

// poolShutdown drains or halts the pool's scalesets and nodes, deleting the
// pool once nothing references it.
func (s *Service) poolShutdown(ctx context.Context, pool *api.Pool, halt bool) error {
	scalesets, err := s.Scalesets.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list pool scalesets")
	}
	for _, ss := range scalesets {
		target := api.ScalesetShutdown
		if halt {
			target = api.ScalesetHalt
		}
		if ss.State != target && ss.State != api.ScalesetHalt {
			ss.State = target
			if err := s.Scalesets.Replace(ctx, ss); err != nil {
				return err
			}
		}
	}

	nodes, err := s.Nodes.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list pool nodes")
	}
	for _, node := range nodes {
		var err error
		if halt {
			err = s.SetNodeHalt(ctx, node)
		} else {
			err = s.SetNodeShutdown(ctx, node)
		}
		if err != nil {
			return err
		}
	}

	if len(scalesets) > 0 || len(nodes) > 0 {
		return nil
	}

	if err := s.Queues.Delete(ctx, queue.PoolQueueName(pool.PoolID)); err != nil {
		return errors.Wrap(err, "failed to delete pool work queue")
	}
	if err := queue.NewShrinkQueue(s.Queues, pool.PoolID).Delete(ctx); err != nil {
		return errors.Wrap(err, "failed to delete pool shrink queue")
	}
	if err := s.Pools.Delete(ctx, pool); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.Events.Emit(ctx, api.EventPoolDeleted{PoolName: pool.Name})
	return nil
}
