// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/gomega"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
)

const testImage = "Canonical:UbuntuServer:18.04-LTS:latest"

// makeScaleset creates a scaleset on the pool and drives it to running.
func (h *testHarness) makeScaleset(t *testing.T, poolName string, size int64) *api.Scaleset {
	t.Helper()
	ctx := context.Background()
	ss, apiErr := h.svc.CreateScaleset(ctx, poolName, "Standard_D2s_v3", testImage, "eastus", size, false, false, nil)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if err := h.svc.ProcessScalesets(ctx); err != nil {
		t.Fatal(err)
	}
	ss, err := h.svc.Scalesets.Get(ctx, ss.PoolName, ss.ScalesetID.String())
	if err != nil {
		t.Fatal(err)
	}
	return ss
}

func (h *testHarness) reloadScaleset(t *testing.T, ss *api.Scaleset) *api.Scaleset {
	t.Helper()
	out, err := h.svc.Scalesets.Get(context.Background(), ss.PoolName, ss.ScalesetID.String())
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// registerScalesetNodes registers one agent per cloud instance, as the real
// agents would after the VMSS provisions.
func (h *testHarness) registerScalesetNodes(t *testing.T, ss *api.Scaleset) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	instances, err := h.svc.Compute.ListInstanceIDs(ctx, ss.ScalesetID.String())
	if err != nil {
		t.Fatal(err)
	}
	var out []uuid.UUID
	for machineID := range instances {
		if _, err := h.svc.RegisterNode(ctx, ss.PoolName, machineID, &ss.ScalesetID, "1.0.0"); err != nil {
			t.Fatal(err)
		}
		out = append(out, machineID)
	}
	return out
}

func TestScalesetProvisioning(t *testing.T) {
	g := NewWithT(t)
	h := newTestService(t)

	h.makePool(t, "pool-provision")
	ss := h.makeScaleset(t, "pool-provision", 3)

	g.Expect(ss.State).To(Equal(api.ScalesetRunning))
	g.Expect(ss.Auth).NotTo(BeNil())
	g.Expect(ss.Auth.PublicKey).NotTo(BeEmpty())

	created := h.cloud.Scalesets[ss.ScalesetID.String()]
	g.Expect(created).NotTo(BeNil())
	g.Expect(created.Capacity).To(Equal(int64(3)))
	g.Expect(created.Spec.Tags).To(HaveKeyWithValue("pool", "pool-provision"))
	g.Expect(h.sawEvent(api.EventTypeScalesetCreated)).To(BeTrue())
}

func TestScalesetImageOSMismatchFails(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	h.makePool(t, "pool-mismatch")
	ss, apiErr := h.svc.CreateScaleset(ctx, "pool-mismatch", "Standard_D2s_v3",
		"MicrosoftWindowsDesktop:Windows-10:win10-21h2-pro:latest", "eastus", 2, false, false, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.State).To(Equal(api.ScalesetCreationFailed))
	g.Expect(ss.Error).NotTo(BeNil())
	g.Expect(h.sawEvent(api.EventTypeScalesetFailed)).To(BeTrue())
}

func TestScalesetSizeClampedToImageCap(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	h.makePool(t, "pool-clamp")
	ss, apiErr := h.svc.CreateScaleset(ctx, "pool-clamp", "Standard_D2s_v3", testImage, "eastus", 5000, false, false, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(ss.Size).To(Equal(int64(api.MaxScalesetSizeMarketplace)))

	h.svc.ScalesetMaxSizeOverride = 100
	ss, apiErr = h.svc.CreateScaleset(ctx, "pool-clamp", "Standard_D2s_v3", testImage, "eastus", 5000, false, false, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(ss.Size).To(Equal(int64(100)))
}

func TestScalesetResizeGrows(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	h.makePool(t, "pool-grow")
	ss := h.makeScaleset(t, "pool-grow", 2)

	ss.Size = 5
	ss.State = api.ScalesetResize
	g.Expect(h.svc.Scalesets.Replace(ctx, ss)).To(Succeed())

	// first pass issues the cloud resize, second observes it settle
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.State).To(Equal(api.ScalesetRunning))
	g.Expect(h.cloud.Scalesets[ss.ScalesetID.String()].Capacity).To(Equal(int64(5)))
}

func TestScalesetShrinkIssuesHaltTokens(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	h.makePool(t, "pool-shrink")
	ss := h.makeScaleset(t, "pool-shrink", 5)

	ss.Size = 2
	ss.State = api.ScalesetResize
	g.Expect(h.svc.Scalesets.Replace(ctx, ss)).To(Succeed())
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	// shrinking by three leaves exactly three halt authorizations
	shrink := queue.NewShrinkQueue(h.svc.Queues, ss.ScalesetID)
	for i := 0; i < 3; i++ {
		ok, err := shrink.ShouldShrink(ctx)
		g.Expect(err).NotTo(HaveOccurred())
		g.Expect(ok).To(BeTrue(), "token %d", i)
	}
	ok, err := shrink.ShouldShrink(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	// cloud capacity is untouched until nodes volunteer
	g.Expect(h.cloud.Scalesets[ss.ScalesetID.String()].Capacity).To(Equal(int64(5)))
}

func TestCleanupRecyclesDeadNode(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-dead")
	job := h.makeJob(t, 24)
	task := h.makeFuzzTask(t, job, pool.Name)
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())

	ss := h.makeScaleset(t, pool.Name, 1)
	machines := h.registerScalesetNodes(t, ss)
	g.Expect(machines).To(HaveLen(1))
	machineID := machines[0]

	g.Expect(h.svc.OnNodeEvent(ctx, api.NodeEvent{
		MachineID:   machineID,
		WorkerEvent: &api.WorkerEvent{Running: &api.WorkerRunningEvent{TaskID: task.TaskID}},
	})).To(Succeed())

	// the node goes silent
	node := h.reloadNode(t, machineID)
	stale := h.clock.Now().Add(-2 * nodeExpirationTime)
	node.Heartbeat = &stale
	g.Expect(h.svc.Nodes.Replace(ctx, node)).To(Succeed())

	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	task = h.reloadTask(t, task)
	g.Expect(task.State).To(Equal(api.TaskStopping))
	g.Expect(task.Error).NotTo(BeNil())
	g.Expect(task.Error.Errors[0]).To(ContainSubstring("unresponsive"))

	// the instance was reimaged and the node row dropped for re-registration
	g.Expect(h.cloud.Scalesets[ss.ScalesetID.String()].Reimaged).To(HaveLen(1))
	g.Expect(h.reloadNode(t, machineID)).To(BeNil())
}

func TestCleanupAggressiveDisposalDeletesInstances(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)
	h.svc.DisposalStrategy = api.DisposalAggressiveDelete

	pool := h.makePool(t, "pool-aggressive")
	ss := h.makeScaleset(t, pool.Name, 2)
	machines := h.registerScalesetNodes(t, ss)

	node := h.reloadNode(t, machines[0])
	g.Expect(h.svc.ToReimage(ctx, node, true)).To(Succeed())

	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	cloud := h.cloud.Scalesets[ss.ScalesetID.String()]
	g.Expect(cloud.Reimaged).To(BeEmpty())
	g.Expect(cloud.Deleted).To(HaveLen(1))
	g.Expect(h.reloadNode(t, machines[0])).To(BeNil())

	// the desired size follows the shrink
	ss = h.reloadScaleset(t, ss)
	g.Expect(ss.Size).To(Equal(int64(1)))
}

func TestCleanupDropsNodeRowsForVanishedInstances(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-vanished")
	ss := h.makeScaleset(t, pool.Name, 1)

	// an agent registered under a machine id the cloud no longer knows
	ghost := uuid.New()
	_, err := h.svc.RegisterNode(ctx, pool.Name, ghost, &ss.ScalesetID, "1.0.0")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())
	g.Expect(h.reloadNode(t, ghost)).To(BeNil())
}

func TestCleanupReimagesOverAgeNodes(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-overage")
	ss := h.makeScaleset(t, pool.Name, 1)
	machines := h.registerScalesetNodes(t, ss)

	// storage timestamps are wall-clock; move the service clock past the
	// reimage horizon instead. A fresh heartbeat keeps the node out of the
	// dead sweep so only its age is at issue.
	h.clock.Advance(nodeReimageTime + time.Hour)
	node := h.reloadNode(t, machines[0])
	beat := h.clock.Now()
	node.Heartbeat = &beat
	g.Expect(h.svc.Nodes.Replace(ctx, node)).To(Succeed())

	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())
	node = h.reloadNode(t, machines[0])
	g.Expect(node).NotTo(BeNil())
	g.Expect(node.ReimageRequested).To(BeTrue())
	// not done yet: the agent drains before the reset applies
	g.Expect(node.State).To(Equal(api.NodeInit))
}

func TestCleanupTracksUnregisteredInstances(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-unregistered")
	ss := h.makeScaleset(t, pool.Name, 2)

	// no agent has registered yet; cleanup still tracks every cloud instance
	instances, err := h.svc.Compute.ListInstanceIDs(ctx, ss.ScalesetID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(instances).To(HaveLen(2))
	for machineID := range instances {
		node := h.reloadNode(t, machineID)
		g.Expect(node).NotTo(BeNil())
		g.Expect(node.State).To(Equal(api.NodeInit))
		g.Expect(node.InstanceID).NotTo(BeNil())
	}

	// instances that stay silent past the expiration window are recycled
	h.clock.Advance(2 * nodeExpirationTime)
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())
	g.Expect(h.cloud.Scalesets[ss.ScalesetID.String()].Reimaged).To(HaveLen(2))
}

func TestCleanupRecyclesSilentRegisteredNode(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-silent")
	ss := h.makeScaleset(t, pool.Name, 1)
	machines := h.registerScalesetNodes(t, ss)

	// the agent registered but never heartbeat at all
	h.clock.Advance(2 * nodeExpirationTime)
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	g.Expect(h.cloud.Scalesets[ss.ScalesetID.String()].Reimaged).To(HaveLen(1))
	g.Expect(h.reloadNode(t, machines[0])).To(BeNil())
}

func TestResizeVanishedScalesetHalts(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-vanishedresize")
	ss := h.makeScaleset(t, pool.Name, 2)
	machines := h.registerScalesetNodes(t, ss)

	ss.Size = 4
	ss.State = api.ScalesetResize
	g.Expect(h.svc.Scalesets.Replace(ctx, ss)).To(Succeed())

	// the VMSS disappears out from under the resize
	delete(h.cloud.Scalesets, ss.ScalesetID.String())

	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	for _, machineID := range machines {
		g.Expect(h.reloadNode(t, machineID)).To(BeNil())
	}
	_, err := h.svc.Scalesets.Get(ctx, ss.PoolName, ss.ScalesetID.String())
	g.Expect(err).To(HaveOccurred())
	g.Expect(h.sawEvent(api.EventTypeScalesetDeleted)).To(BeTrue())
}

func TestScalesetHaltTearsEverythingDown(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-halt")
	ss := h.makeScaleset(t, pool.Name, 2)
	machines := h.registerScalesetNodes(t, ss)

	ss.State = api.ScalesetHalt
	g.Expect(h.svc.Scalesets.Replace(ctx, ss)).To(Succeed())

	// first pass deletes nodes and issues the cloud delete, second observes
	// the delete finish
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())
	g.Expect(h.svc.ProcessScalesets(ctx)).To(Succeed())

	for _, machineID := range machines {
		g.Expect(h.reloadNode(t, machineID)).To(BeNil())
	}
	g.Expect(h.cloud.Scalesets).NotTo(HaveKey(ss.ScalesetID.String()))
	_, err := h.svc.Scalesets.Get(ctx, ss.PoolName, ss.ScalesetID.String())
	g.Expect(err).To(HaveOccurred())
	g.Expect(h.sawEvent(api.EventTypeScalesetDeleted)).To(BeTrue())
}
