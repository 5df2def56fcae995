// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"testing"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// makeAutoscalePool creates a managed pool with an autoscale policy and
// drives it to running.
func (h *testHarness) makeAutoscalePool(t *testing.T, name string, cfg api.AutoscaleConfig) *api.Pool {
	t.Helper()
	ctx := context.Background()
	pool, apiErr := h.svc.CreatePool(ctx, name, api.Linux, api.X86_64, true, &cfg, nil)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if err := h.svc.ProcessPools(ctx); err != nil {
		t.Fatal(err)
	}
	pool, err := h.svc.Pools.Get(ctx, pool.Name, pool.PoolID.String())
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func autoscaleDefaults() api.AutoscaleConfig {
	return api.AutoscaleConfig{
		MinSize:      2,
		MaxSize:      10,
		ScalesetSize: 10,
		VMSku:        "Standard_D2s_v3",
		Image:        testImage,
		Region:       "eastus",
	}
}

func TestAutoscaleCreatesScalesetForMinSize(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makeAutoscalePool(t, "pool-as-min", autoscaleDefaults())
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	scalesets, err := h.svc.Scalesets.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(scalesets).To(HaveLen(1))
	g.Expect(scalesets[0].Size).To(Equal(int64(2)))
	g.Expect(scalesets[0].State).To(Equal(api.ScalesetInit))
}

func TestAutoscaleSplitsAcrossScalesetSizeCap(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	cfg := autoscaleDefaults()
	cfg.MinSize = 5
	cfg.ScalesetSize = 2
	pool := h.makeAutoscalePool(t, "pool-as-split", cfg)
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	scalesets, err := h.svc.Scalesets.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(scalesets).To(HaveLen(3))
	var total int64
	for _, ss := range scalesets {
		g.Expect(ss.Size).To(BeNumerically("<=", 2))
		total += ss.Size
	}
	g.Expect(total).To(Equal(int64(5)))
}

func TestAutoscaleSkipsPoolMidTransition(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makeAutoscalePool(t, "pool-as-skip", autoscaleDefaults())
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	// the fresh scaleset is still in init, so the next pass must not stack
	// another one on top
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())
	scalesets, err := h.svc.Scalesets.Search(ctx, storage.Query{
		Eq: map[string][]string{"pool_name": {pool.Name}},
	}, 0)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(scalesets).To(HaveLen(1))
}

func TestAutoscaleGrowsExistingScalesetOnDemand(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	cfg := autoscaleDefaults()
	cfg.MinSize = 1
	pool := h.makeAutoscalePool(t, "pool-as-grow", cfg)
	ss := h.makeScaleset(t, pool.Name, 1)

	// queued work raises demand past the current size
	for i := 0; i < 3; i++ {
		ws := api.WorkSet{WorkUnits: []api.WorkUnit{{JobID: uuid.New(), TaskID: uuid.New()}}}
		g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), ws, nil)).To(Succeed())
	}

	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())
	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.Size).To(Equal(int64(3)))
	g.Expect(ss.State).To(Equal(api.ScalesetResize))
}

func TestAutoscaleScaleDownAuthorizesSurplus(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	cfg := autoscaleDefaults()
	cfg.MinSize = 0
	pool := h.makeAutoscalePool(t, "pool-as-down", cfg)
	ss := h.makeScaleset(t, pool.Name, 2)
	machines := h.registerScalesetNodes(t, ss)

	// no queued work and no busy nodes: demand is zero
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	// two wake-up worksets, and the surplus attributed to the scaleset
	worksets, err := queue.PeekJSON[api.WorkSet](ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(worksets).To(HaveLen(2))
	for _, ws := range worksets {
		g.Expect(ws.WorkUnits).To(BeEmpty())
	}

	// an idle node asking for work trades it for a shutdown
	node := h.reloadNode(t, machines[0])
	ok, err := h.svc.CanScheduleNewWork(ctx, node)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())
	g.Expect(h.reloadNode(t, machines[0]).State).To(Equal(api.NodeHalt))

	// one token left for the second node, none spilled onto the pool queue
	consumed, err := queue.NewShrinkQueue(h.svc.Queues, ss.ScalesetID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeTrue())
	consumed, err = queue.NewShrinkQueue(h.svc.Queues, ss.ScalesetID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
	consumed, err = queue.NewShrinkQueue(h.svc.Queues, pool.PoolID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
}

func TestAutoscaleSettleHaltsEmptyScalesets(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	cfg := autoscaleDefaults()
	cfg.MinSize = 0
	pool := h.makeAutoscalePool(t, "pool-as-settle", cfg)
	ss := h.makeScaleset(t, pool.Name, 2)

	// authorize the shrink, then pretend the nodes drained away
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())
	ss = h.reloadScaleset(t, ss)
	ss.Size = 0
	g.Expect(h.svc.Scalesets.Replace(ctx, ss)).To(Succeed())

	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.State).To(Equal(api.ScalesetHalt))

	// leftover authorizations are revoked and wake-up worksets drained
	consumed, err := queue.NewShrinkQueue(h.svc.Queues, pool.PoolID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
	consumed, err = queue.NewShrinkQueue(h.svc.Queues, ss.ScalesetID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
	worksets, err := queue.PeekJSON[api.WorkSet](ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(worksets).To(BeEmpty())
}

func TestAutoscaleScaleUpRevokesHaltTokens(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	cfg := autoscaleDefaults()
	cfg.MinSize = 0
	pool := h.makeAutoscalePool(t, "pool-as-flip", cfg)
	ss := h.makeScaleset(t, pool.Name, 2)
	h.registerScalesetNodes(t, ss)

	// idle pool: the autoscaler authorizes both nodes to halt
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	// demand returns before any node volunteered
	for i := 0; i < 3; i++ {
		ws := api.WorkSet{WorkUnits: []api.WorkUnit{{JobID: uuid.New(), TaskID: uuid.New()}}}
		g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), ws, nil)).To(Succeed())
	}
	g.Expect(h.svc.AutoscalePools(ctx)).To(Succeed())

	// the stale authorizations are gone and the scaleset grows instead
	consumed, err := queue.NewShrinkQueue(h.svc.Queues, ss.ScalesetID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
	consumed, err = queue.NewShrinkQueue(h.svc.Queues, pool.PoolID).ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(consumed).To(BeFalse())
	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.Size).To(Equal(int64(3)))
	g.Expect(ss.State).To(Equal(api.ScalesetResize))
}

func TestPoolDemandIgnoresSyntheticWorksets(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makeAutoscalePool(t, "pool-as-demand", autoscaleDefaults())

	real := api.WorkSet{WorkUnits: []api.WorkUnit{{JobID: uuid.New(), TaskID: uuid.New()}}}
	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), real, nil)).To(Succeed())
	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), api.WorkSet{}, nil)).To(Succeed())

	// one busy node in the pool
	machineID := uuid.New()
	_, err := h.svc.RegisterNode(ctx, pool.Name, machineID, nil, "1.0.0")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(h.svc.setNodeState(ctx, h.reloadNode(t, machineID), api.NodeBusy)).To(Succeed())

	demand, err := h.svc.poolDemand(ctx, pool)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(demand).To(Equal(int64(2)))
}
