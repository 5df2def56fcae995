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
)

func TestNodeHeartbeatStamped(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	h.makePool(t, "pool-hb")
	machineID := uuid.New()
	_, err := h.svc.RegisterNode(ctx, "pool-hb", machineID, nil, "1.0.0")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(h.reloadNode(t, machineID).Heartbeat).To(BeNil())

	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.NodeHeartbeat,
		map[string]uuid.UUID{"node_id": machineID}, nil)).To(Succeed())
	g.Expect(h.svc.ProcessNodeHeartbeats(ctx)).To(Succeed())

	g.Expect(h.reloadNode(t, machineID).Heartbeat).NotTo(BeNil())
}

func TestTaskHeartbeatStamped(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-thb")
	job := h.makeJob(t, 24)
	task := h.makeFuzzTask(t, job, pool.Name)

	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.TaskHeartbeat, map[string]uuid.UUID{
		"task_id":    task.TaskID,
		"job_id":     task.JobID,
		"machine_id": uuid.New(),
	}, nil)).To(Succeed())
	g.Expect(h.svc.ProcessTaskHeartbeats(ctx)).To(Succeed())

	g.Expect(h.reloadTask(t, task).Heartbeat).NotTo(BeNil())
}

func TestUnparseableHeartbeatIsDropped(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	g.Expect(h.svc.Queues.Send(ctx, queue.NodeHeartbeat, []byte("not json"), nil)).To(Succeed())
	g.Expect(h.svc.ProcessNodeHeartbeats(ctx)).To(Succeed())

	// the poison message is consumed, not retried forever
	msgs, err := h.svc.Queues.Peek(ctx, queue.NodeHeartbeat, 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(msgs).To(BeEmpty())
}

func TestProxyHeartbeatRecorded(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	proxy, err := h.svc.GetOrCreateProxy(ctx, "eastus")
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.Proxy, api.ProxyHeartbeatData{
		Region:  "eastus",
		ProxyID: proxy.ProxyID,
	}, nil)).To(Succeed())
	g.Expect(h.svc.ProcessProxyHeartbeats(ctx)).To(Succeed())

	proxy, err = h.svc.Proxies.Get(ctx, "eastus", proxy.ProxyID.String())
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(proxy.Heartbeat).NotTo(BeNil())
	g.Expect(proxy.Heartbeat.Timestamp.IsZero()).To(BeFalse())
}

func TestFileChangeNotifiesMonitoringTasks(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-files")
	job := h.makeJob(t, 24)

	containers := []api.TaskContainer{
		{Type: api.ContainerSetup, Name: "fc-setup"},
		{Type: api.ContainerReadonlyInputs, Name: "fc-inputs"},
		{Type: api.ContainerCoverage, Name: "fc-coverage"},
	}
	for _, tc := range containers {
		g.Expect(h.svc.Blobs.CreateContainer(ctx, tc.Name)).To(Succeed())
	}
	task, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
		JobID:      job.JobID,
		Task:       api.TaskDetails{Type: api.TaskTypeLibfuzzerCoverage, Duration: 1, TargetExe: "setup/fuzz.exe"},
		Pool:       &api.TaskPool{Count: 1, PoolName: pool.Name},
		Containers: containers,
	}, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(h.svc.ProcessTasks(ctx)).To(Succeed())

	blobURL := "https://account.blob.core.windows.net/fc-inputs/corpus/new-input"
	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.FileChanges, map[string]interface{}{
		"data": map[string]string{"url": blobURL},
	}, nil)).To(Succeed())
	g.Expect(h.svc.ProcessFileChanges(ctx)).To(Succeed())

	g.Expect(h.sawEvent(api.EventTypeFileAdded)).To(BeTrue())

	notifications, err := queue.PeekJSON[map[string]string](ctx, h.svc.Queues, queue.TaskQueueName(task.TaskID), 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(notifications).To(HaveLen(1))
	g.Expect(notifications[0]).To(HaveKeyWithValue("url", blobURL))
}

func TestFileChangeIgnoresUnmonitoredContainer(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-files-other")
	job := h.makeJob(t, 24)
	task := h.makeFuzzTask(t, job, pool.Name)

	g.Expect(queue.SendJSON(ctx, h.svc.Queues, queue.FileChanges, map[string]interface{}{
		"data": map[string]string{"url": "https://account.blob.core.windows.net/somewhere/else"},
	}, nil)).To(Succeed())
	g.Expect(h.svc.ProcessFileChanges(ctx)).To(Succeed())

	// libfuzzer_fuzz has no monitor queue, so nothing lands anywhere
	_, err := h.svc.Queues.Peek(ctx, queue.TaskQueueName(task.TaskID), 10)
	g.Expect(err).To(MatchError(queue.ErrQueueNotFound))
}
