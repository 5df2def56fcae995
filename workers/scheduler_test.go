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

func TestRenderTaskConfigExactFeatures(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-render")
	job := h.makeJob(t, 24)
	task := h.makeFuzzTask(t, job, pool.Name)

	cfg, err := h.svc.renderTaskConfig(ctx, task)
	g.Expect(err).NotTo(HaveOccurred())

	want := map[string]bool{
		"job_id":          true,
		"task_id":         true,
		"task_type":       true,
		"instance_name":   true,
		"heartbeat_queue": true,
		"containers":      true,
	}
	for _, feature := range api.Definitions[api.TaskTypeLibfuzzerFuzz].Features {
		want[string(feature)] = true
	}
	for key := range cfg {
		g.Expect(want).To(HaveKey(key), "undeclared config key %q", key)
	}
	for key := range want {
		g.Expect(cfg).To(HaveKey(key), "missing config key %q", key)
	}

	// libfuzzer_fuzz has no monitor queue, so no input queue is rendered
	g.Expect(cfg).NotTo(HaveKey("input_queue"))
	// and no feature it does not declare leaks in
	g.Expect(cfg).NotTo(HaveKey("check_retry_count"))
	g.Expect(cfg).NotTo(HaveKey("supervisor_exe"))

	containers, ok := cfg["containers"].([]map[string]interface{})
	g.Expect(ok).To(BeTrue())
	g.Expect(containers).To(HaveLen(len(api.Definitions[api.TaskTypeLibfuzzerFuzz].Containers)))
	for _, c := range containers {
		g.Expect(c["url"]).NotTo(BeEmpty())
	}
}

func TestRenderMonitoredTaskIncludesInputQueue(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-render-cov")
	job := h.makeJob(t, 24)

	containers := []api.TaskContainer{
		{Type: api.ContainerSetup, Name: "rc-setup"},
		{Type: api.ContainerReadonlyInputs, Name: "rc-inputs"},
		{Type: api.ContainerCoverage, Name: "rc-coverage"},
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

	cfg, err := h.svc.renderTaskConfig(ctx, h.reloadTask(t, task))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(cfg).To(HaveKey("input_queue"))
}

func TestColocatedTasksShareWorkset(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-colocate")
	job := h.makeJob(t, 24)

	makeTask := func(prefix string, count uint64) *api.Task {
		task, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
			JobID: job.JobID,
			Task: api.TaskDetails{
				Type:          api.TaskTypeLibfuzzerFuzz,
				Duration:      1,
				TargetExe:     "setup/fuzz.exe",
				TargetWorkers: 1,
			},
			Pool:       &api.TaskPool{Count: count, PoolName: pool.Name},
			Containers: h.fuzzContainers(t, prefix),
			Colocate:   true,
		}, nil)
		g.Expect(apiErr).To(BeNil())
		return task
	}
	t1 := makeTask("co-a", 1)
	t2 := makeTask("co-b", 3)
	g.Expect(h.svc.ProcessTasks(ctx)).To(Succeed())
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())

	// one shared workset, replicated to the larger task count
	worksets, err := queue.PeekJSON[api.WorkSet](ctx, h.svc.Queues, queue.PoolQueueName(pool.PoolID), 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(worksets).To(HaveLen(3))
	g.Expect(worksets[0].WorkUnits).To(HaveLen(2))

	g.Expect(h.reloadTask(t, t1).State).To(Equal(api.TaskScheduled))
	g.Expect(h.reloadTask(t, t2).State).To(Equal(api.TaskScheduled))
}

func TestSchedulerWaitsForPrereqs(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-prereq")
	job := h.makeJob(t, 24)
	first := h.makeFuzzTask(t, job, pool.Name)

	second, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
		JobID:       job.JobID,
		PrereqTasks: []uuid.UUID{first.TaskID},
		Task: api.TaskDetails{
			Type:          api.TaskTypeLibfuzzerFuzz,
			Duration:      1,
			TargetExe:     "setup/fuzz.exe",
			TargetWorkers: 1,
		},
		Pool:       &api.TaskPool{Count: 1, PoolName: pool.Name},
		Containers: h.fuzzContainers(t, "pr-b"),
	}, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(h.svc.ProcessTasks(ctx)).To(Succeed())

	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())
	g.Expect(h.reloadTask(t, first).State).To(Equal(api.TaskScheduled))
	g.Expect(h.reloadTask(t, second).State).To(Equal(api.TaskWaiting))

	// the dependent schedules once the prereq has started
	g.Expect(h.svc.OnTaskStarting(ctx, h.reloadTask(t, first))).To(Succeed())
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())
	g.Expect(h.reloadTask(t, second).State).To(Equal(api.TaskScheduled))
}

func TestSchedulerFailsDependentWhenPrereqNeverStarts(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-prereq-dead")
	job := h.makeJob(t, 24)
	first := h.makeFuzzTask(t, job, pool.Name)

	second, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
		JobID:       job.JobID,
		PrereqTasks: []uuid.UUID{first.TaskID},
		Task: api.TaskDetails{
			Type:          api.TaskTypeLibfuzzerFuzz,
			Duration:      1,
			TargetExe:     "setup/fuzz.exe",
			TargetWorkers: 1,
		},
		Pool:       &api.TaskPool{Count: 1, PoolName: pool.Name},
		Containers: h.fuzzContainers(t, "pr-dead"),
	}, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(h.svc.ProcessTasks(ctx)).To(Succeed())

	// the prereq is torn down before any worker picked it up
	g.Expect(h.svc.MarkTaskStopping(ctx, h.reloadTask(t, first))).To(Succeed())
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())

	second = h.reloadTask(t, second)
	g.Expect(second.State).To(Equal(api.TaskStopping))
	g.Expect(second.Error).NotTo(BeNil())
	g.Expect(second.Error.Errors[0]).To(ContainSubstring("prereq"))

	// a prereq that ran before stopping still satisfies its dependents
	third := h.makeFuzzTask(t, job, pool.Name)
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())
	g.Expect(h.svc.OnTaskStarting(ctx, h.reloadTask(t, third))).To(Succeed())
	g.Expect(h.svc.MarkTaskStopping(ctx, h.reloadTask(t, third))).To(Succeed())
	fourth, apiErr := h.svc.CreateTask(ctx, api.TaskConfig{
		JobID:       job.JobID,
		PrereqTasks: []uuid.UUID{third.TaskID},
		Task: api.TaskDetails{
			Type:          api.TaskTypeLibfuzzerFuzz,
			Duration:      1,
			TargetExe:     "setup/fuzz.exe",
			TargetWorkers: 1,
		},
		Pool:       &api.TaskPool{Count: 1, PoolName: pool.Name},
		Containers: h.fuzzContainers(t, "pr-ran"),
	}, nil)
	g.Expect(apiErr).To(BeNil())
	g.Expect(h.svc.ProcessTasks(ctx)).To(Succeed())
	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())
	g.Expect(h.reloadTask(t, fourth).State).To(Equal(api.TaskScheduled))
}

func TestSchedulerFailsTaskOnMissingContainer(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	h := newTestService(t)

	pool := h.makePool(t, "pool-badrender")
	job := h.makeJob(t, 24)
	task := h.makeFuzzTask(t, job, pool.Name)

	// break the config after validation: drop a required container
	task.Config.Containers = task.Config.Containers[1:]
	g.Expect(h.svc.Tasks.Replace(ctx, task)).To(Succeed())

	g.Expect(h.svc.ScheduleTasks(ctx)).To(Succeed())
	task = h.reloadTask(t, task)
	g.Expect(task.State).To(Equal(api.TaskStopping))
	g.Expect(task.Error).NotTo(BeNil())
	g.Expect(task.Error.Code).To(Equal(api.ErrorUnableToCreate))
}
