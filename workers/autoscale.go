// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// maxWorksetPeek bounds how far into the pool queue the autoscaler looks
// when estimating demand.
const maxWorksetPeek = 30

// AutoscalePools sizes every managed pool with an autoscale config to its
// current demand.
func (s *Service) AutoscalePools(ctx context.Context) error {
	return forEach(ctx, s, s.Pools, statesQuery("state", api.PoolStatesAvailable), "pool", func(ctx context.Context, pool *api.Pool) error {
		if !pool.Managed || pool.Autoscale == nil {
			return nil
		}
		return s.autoscalePool(ctx, pool)
	})
}

func (s *Service) autoscalePool(ctx context.Context, pool *api.Pool) error {
	scalesets, err := s.Scalesets.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list pool scalesets")
	}

	// sizes are only trusted in steady states; mid-transition scalesets make
	// the arithmetic a lie, so wait the tick out
	var current int64
	for _, ss := range scalesets {
		counted := false
		for _, st := range api.ScalesetStatesIncludeAutoscaleCount {
			if ss.State == st {
				counted = true
				break
			}
		}
		if !counted {
			return nil
		}
		current += ss.Size
	}

	demand, err := s.poolDemand(ctx, pool)
	if err != nil {
		return err
	}
	need := demand
	if need < pool.Autoscale.MinSize {
		need = pool.Autoscale.MinSize
	}
	if need > pool.Autoscale.MaxSize {
		need = pool.Autoscale.MaxSize
	}

	switch {
	case need > current:
		return s.scaleUp(ctx, pool, scalesets, need-current)
	case need < current:
		return s.scaleDown(ctx, pool, scalesets, current-need)
	default:
		return s.settleScaleDown(ctx, pool, scalesets)
	}
}

// poolDemand estimates how many nodes the pool needs right now: queued
// worksets waiting for a node plus nodes already working.
func (s *Service) poolDemand(ctx context.Context, pool *api.Pool) (int64, error) {
	worksets, err := queue.PeekJSON[api.WorkSet](ctx, s.Queues, queue.PoolQueueName(pool.PoolID), maxWorksetPeek)
	if err != nil && !errors.Is(err, queue.ErrQueueNotFound) {
		return 0, errors.Wrap(err, "failed to peek pool queue")
	}
	var demand int64
	for _, ws := range worksets {
		// synthetic worksets wake idle agents during a scale-down; they are
		// not demand
		if len(ws.WorkUnits) > 0 {
			demand++
		}
	}

	q := statesQuery("state", api.NodeStatesInUse)
	q.Eq["pool_name"] = []string{pool.Name}
	nodes, err := s.Nodes.Search(ctx, q, 0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list in-use nodes")
	}
	return demand + int64(len(nodes)), nil
}

// scaleUp grows existing updatable scalesets to their cap, then creates new
// ones for the remainder.
func (s *Service) scaleUp(ctx context.Context, pool *api.Pool, scalesets []*api.Scaleset, remaining int64) error {
	// growth supersedes any halt authorizations still in flight
	if err := queue.NewShrinkQueue(s.Queues, pool.PoolID).Clear(ctx); err != nil {
		return errors.Wrap(err, "failed to clear pool shrink queue")
	}
	for _, ss := range scalesets {
		if err := queue.NewShrinkQueue(s.Queues, ss.ScalesetID).Clear(ctx); err != nil {
			return errors.Wrap(err, "failed to clear scaleset shrink queue")
		}
	}

	cfg := pool.Autoscale
	for _, ss := range scalesets {
		if remaining <= 0 {
			return nil
		}
		if !ss.State.CanUpdate() {
			continue
		}
		limit := s.maxScalesetSize(ss.Image)
		if cfg.ScalesetSize > 0 && cfg.ScalesetSize < limit {
			limit = cfg.ScalesetSize
		}
		if ss.Size >= limit {
			continue
		}
		grow := limit - ss.Size
		if grow > remaining {
			grow = remaining
		}
		s.Log.Info("growing scaleset", "scalesetID", ss.ScalesetID, "pool", pool.Name, "by", grow)
		ss.Size += grow
		ss.State = api.ScalesetResize
		if err := s.Scalesets.Replace(ctx, ss); err != nil {
			return err
		}
		remaining -= grow
	}

	for remaining > 0 {
		size := remaining
		if cfg.ScalesetSize > 0 && size > cfg.ScalesetSize {
			size = cfg.ScalesetSize
		}
		if max := s.maxScalesetSize(cfg.Image); size > max {
			size = max
		}
		s.Log.Info("creating scaleset", "pool", pool.Name, "size", size)
		if _, apiErr := s.CreateScaleset(ctx, pool.Name, cfg.VMSku, cfg.Image, cfg.Region,
			size, cfg.SpotInstances, cfg.EphemeralOSDisks, nil); apiErr != nil {
			return errors.New(apiErr.Error())
		}
		remaining -= size
	}
	return nil
}

// scaleDown authorizes the surplus nodes to halt and wakes idle agents so
// they notice. Actual shrinkage is cooperative: nodes consume a token when
// they next ask for work or report free. Tokens land on the scaleset queues
// first, attributing the shrinkage to specific scalesets; any remainder goes
// on the pool queue.
func (s *Service) scaleDown(ctx context.Context, pool *api.Pool, scalesets []*api.Scaleset, surplus int64) error {
	s.Log.Info("scaling down pool", "pool", pool.Name, "surplus", surplus)
	remaining := surplus
	for _, ss := range scalesets {
		grant := ss.Size
		if grant > remaining {
			grant = remaining
		}
		if grant <= 0 {
			continue
		}
		if err := queue.NewShrinkQueue(s.Queues, ss.ScalesetID).SetSize(ctx, int(grant)); err != nil {
			return errors.Wrap(err, "failed to size scaleset shrink queue")
		}
		remaining -= grant
	}
	if err := queue.NewShrinkQueue(s.Queues, pool.PoolID).SetSize(ctx, int(remaining)); err != nil {
		return errors.Wrap(err, "failed to size pool shrink queue")
	}

	for i := int64(0); i < surplus; i++ {
		if err := queue.SendJSON(ctx, s.Queues, queue.PoolQueueName(pool.PoolID), api.WorkSet{}, nil); err != nil {
			return errors.Wrap(err, "failed to enqueue synthetic workset")
		}
	}

	q := statesQuery("state", []api.NodeState{api.NodeFree})
	q.Eq["pool_name"] = []string{pool.Name}
	return forEach(ctx, s, s.Nodes, q, "node", func(ctx context.Context, node *api.Node) error {
		return s.stopIfFree(ctx, node)
	})
}

// settleScaleDown runs once the pool is at target: revoke leftover halt
// authorizations, drain synthetic worksets, and halt scalesets that
// shrank to nothing.
func (s *Service) settleScaleDown(ctx context.Context, pool *api.Pool, scalesets []*api.Scaleset) error {
	if err := queue.NewShrinkQueue(s.Queues, pool.PoolID).Clear(ctx); err != nil {
		return errors.Wrap(err, "failed to clear pool shrink queue")
	}
	if err := s.clearSyntheticWorksets(ctx, pool); err != nil {
		return err
	}
	for _, ss := range scalesets {
		// resize-driven shrink queues stay; scalesetResize owns those tokens
		if ss.State == api.ScalesetRunning {
			if err := queue.NewShrinkQueue(s.Queues, ss.ScalesetID).Clear(ctx); err != nil {
				return errors.Wrap(err, "failed to clear scaleset shrink queue")
			}
		}
		if ss.Size == 0 && ss.State == api.ScalesetRunning {
			s.Log.Info("halting empty scaleset", "scalesetID", ss.ScalesetID, "pool", pool.Name)
			ss.State = api.ScalesetHalt
			if err := s.Scalesets.Replace(ctx, ss); err != nil {
				return err
			}
		}
	}
	return nil
}

// clearSyntheticWorksets removes wake-up worksets left over from a
// scale-down. Real worksets are put back by letting their visibility lapse.
func (s *Service) clearSyntheticWorksets(ctx context.Context, pool *api.Pool) error {
	name := queue.PoolQueueName(pool.PoolID)
	msgs, err := s.Queues.Receive(ctx, name, 32, 10*time.Second)
	if err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to receive pool queue messages")
	}
	for _, msg := range msgs {
		var ws api.WorkSet
		if err := json.Unmarshal(msg.Body, &ws); err != nil {
			continue
		}
		if len(ws.WorkUnits) == 0 {
			if err := s.Queues.DeleteMessage(ctx, name, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// CanScheduleNewWork is the agent-facing gate consulted before a node takes
// a workset: a node pending reset refuses work, and a node holding a shrink
// token trades the work for a shutdown.
func (s *Service) CanScheduleNewWork(ctx context.Context, node *api.Node) (bool, error) {
	if !node.CanProcessNewWork() {
		return false, nil
	}
	halted, err := s.consumeShrinkToken(ctx, node)
	if err != nil {
		return false, err
	}
	return !halted, nil
}

// consumeShrinkToken redeems one pending halt authorization for the node,
// scaleset tokens before pool tokens. Consuming a token halts the node.
func (s *Service) consumeShrinkToken(ctx context.Context, node *api.Node) (bool, error) {
	if node.ScalesetID != nil {
		shrunk, err := queue.NewShrinkQueue(s.Queues, *node.ScalesetID).ShouldShrink(ctx)
		if err != nil {
			return false, err
		}
		if shrunk {
			return true, s.SetNodeHalt(ctx, node)
		}
	}
	if node.PoolID != nil {
		shrunk, err := queue.NewShrinkQueue(s.Queues, *node.PoolID).ShouldShrink(ctx)
		if err != nil {
			return false, err
		}
		if shrunk {
			return true, s.SetNodeHalt(ctx, node)
		}
	}
	return false, nil
}
