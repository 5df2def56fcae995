// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
	"github.com/microsoft/onefuzz/compute"
	"github.com/microsoft/onefuzz/config"
	"github.com/microsoft/onefuzz/events"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// testClock is a controllable time source. Every read advances it by a
// microsecond so two consecutive reads never collide (node message ids are
// timestamp-derived).
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Microsecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testHarness struct {
	svc      *Service
	cloud    *compute.Fake
	recorder *events.Recorder
	clock    *testClock
}

func newTestService(t *testing.T) *testHarness {
	t.Helper()
	recorder := &events.Recorder{}
	cloud := compute.NewFake()
	clock := newTestClock()

	svc := NewService(
		logr.Discard(),
		storage.NewMemStore(),
		queue.NewMemQueue(),
		blobs.NewMemBlobs(),
		cloud,
		recorder,
		&config.Settings{
			InstanceName:     "test-instance",
			ResourceGroup:    "test-rg",
			DisposalStrategy: api.DisposalScaleIn,
		},
		api.DefaultInstanceConfig(),
		"1.0.0",
	)
	svc.now = clock.Now
	if err := svc.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return &testHarness{svc: svc, cloud: cloud, recorder: recorder, clock: clock}
}

// sawEvent reports whether the recorder saw at least one event of the type.
func (h *testHarness) sawEvent(et api.EventType) bool {
	for _, seen := range h.recorder.TypesSeen() {
		if seen == et {
			return true
		}
	}
	return false
}

// makePool creates a managed linux pool and drives it to running.
func (h *testHarness) makePool(t *testing.T, name string) *api.Pool {
	t.Helper()
	ctx := context.Background()
	pool, apiErr := h.svc.CreatePool(ctx, name, api.Linux, api.X86_64, true, nil, nil)
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

// makeJob creates a job and drives it to enabled.
func (h *testHarness) makeJob(t *testing.T, durationHours uint64) *api.Job {
	t.Helper()
	ctx := context.Background()
	job, apiErr := h.svc.CreateJob(ctx, api.JobConfig{
		Project:  "proj",
		Name:     "target",
		Build:    "1",
		Duration: durationHours,
	}, nil)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if err := h.svc.ProcessJobs(ctx); err != nil {
		t.Fatal(err)
	}
	job, err := h.svc.Jobs.Get(ctx, job.JobID.String(), job.JobID.String())
	if err != nil {
		t.Fatal(err)
	}
	return job
}

// fuzzContainers creates the four containers a libfuzzer_fuzz task needs and
// returns the task container bindings.
func (h *testHarness) fuzzContainers(t *testing.T, prefix string) []api.TaskContainer {
	t.Helper()
	ctx := context.Background()
	out := []api.TaskContainer{
		{Type: api.ContainerSetup, Name: prefix + "-setup"},
		{Type: api.ContainerCrashes, Name: prefix + "-crashes"},
		{Type: api.ContainerInputs, Name: prefix + "-inputs"},
		{Type: api.ContainerReadonlyInputs, Name: prefix + "-readonly"},
	}
	for _, tc := range out {
		if err := h.svc.Blobs.CreateContainer(ctx, tc.Name); err != nil {
			t.Fatal(err)
		}
	}
	return out
}

// makeFuzzTask creates a libfuzzer_fuzz task on the pool and drives it
// through init to waiting.
func (h *testHarness) makeFuzzTask(t *testing.T, job *api.Job, poolName string) *api.Task {
	t.Helper()
	ctx := context.Background()
	task, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
		JobID: job.JobID,
		Task: api.TaskDetails{
			Type:          api.TaskTypeLibfuzzerFuzz,
			Duration:      1,
			TargetExe:     "setup/fuzz.exe",
			TargetWorkers: 1,
		},
		Pool:       &api.TaskPool{Count: 1, PoolName: poolName},
		Containers: h.fuzzContainers(t, "fz-"+uuid.NewString()[:8]),
	}, nil)
	if apiErr != nil {
		t.Fatal(apiErr)
	}
	if err := h.svc.ProcessTasks(ctx); err != nil {
		t.Fatal(err)
	}
	task, err := h.svc.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	if err != nil {
		t.Fatal(err)
	}
	return task
}

// reloadTask re-reads a task row.
func (h *testHarness) reloadTask(t *testing.T, task *api.Task) *api.Task {
	t.Helper()
	out, err := h.svc.Tasks.Get(context.Background(), task.JobID.String(), task.TaskID.String())
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// reloadNode re-reads a node row; nil means deleted.
func (h *testHarness) reloadNode(t *testing.T, machineID uuid.UUID) *api.Node {
	t.Helper()
	node, err := h.svc.findNode(context.Background(), machineID)
	if err != nil {
		t.Fatal(err)
	}
	return node
}
