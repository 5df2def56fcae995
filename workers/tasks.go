// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// CreateTask validates the config against the job, the pool, and the task
// type's capability table, then stores the task in init state.
func (s *Service) CreateTask(ctx context.Context, cfg api.TaskConfig, userInfo *api.UserInfo) (*api.Task, *api.Error) {
	job, err := s.Jobs.Get(ctx, cfg.JobID.String(), cfg.JobID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, api.Errorf(api.ErrorInvalidJob, "job %s does not exist", cfg.JobID)
	}
	if err != nil {
		return nil, api.Errorf(api.ErrorUnableToFind, "failed to load job: %v", err)
	}
	if job.State == api.JobStopping || job.State == api.JobStopped {
		return nil, api.Errorf(api.ErrorInvalidJob, "job %s is shutting down", cfg.JobID)
	}

	pool, apiErr := s.checkTaskConfig(ctx, cfg)
	if apiErr != nil {
		return nil, apiErr
	}

	task := &api.Task{
		JobID:    cfg.JobID,
		TaskID:   uuid.New(),
		State:    api.TaskInit,
		OS:       pool.OS,
		Config:   cfg,
		UserInfo: userInfo,
	}
	if err := s.Tasks.Insert(ctx, task); err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to store task: %v", err)
	}
	s.Events.Emit(ctx, api.EventTaskCreated{
		JobID:    task.JobID,
		TaskID:   task.TaskID,
		Config:   cfg,
		UserInfo: userInfo,
	})
	return task, nil
}

func (s *Service) checkTaskConfig(ctx context.Context, cfg api.TaskConfig) (*api.Pool, *api.Error) {
	def, ok := api.Definitions[cfg.Task.Type]
	if !ok {
		return nil, api.Errorf(api.ErrorInvalidRequest, "unsupported task type %q", cfg.Task.Type)
	}
	if cfg.Task.Duration < api.MinDurationHours || cfg.Task.Duration > api.MaxDurationHours {
		return nil, api.Errorf(api.ErrorInvalidRequest,
			"duration must be within [%d, %d] hours", api.MinDurationHours, api.MaxDurationHours)
	}
	if cfg.Pool == nil || cfg.Pool.PoolName == "" {
		return nil, api.Errorf(api.ErrorInvalidRequest, "task requires a pool")
	}
	if cfg.Pool.Count == 0 {
		return nil, api.Errorf(api.ErrorInvalidRequest, "task count must be positive")
	}

	pools, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {cfg.Pool.PoolName}},
	}, 1)
	if err != nil {
		return nil, api.Errorf(api.ErrorUnableToFind, "failed to load pool: %v", err)
	}
	if len(pools) == 0 {
		return nil, api.Errorf(api.ErrorUnableToFind, "pool %q does not exist", cfg.Pool.PoolName)
	}
	pool := pools[0]

	declared := map[api.ContainerType]bool{}
	for _, cd := range def.Containers {
		declared[cd.Type] = true
	}
	for _, tc := range cfg.Containers {
		if !declared[tc.Type] {
			return nil, api.Errorf(api.ErrorInvalidRequest,
				"container type %q is not used by task type %q", tc.Type, cfg.Task.Type)
		}
		exists, err := s.Blobs.ContainerExists(ctx, tc.Name)
		if err != nil {
			return nil, api.Errorf(api.ErrorInvalidContainer, "failed to probe container %q: %v", tc.Name, err)
		}
		if !exists {
			return nil, api.Errorf(api.ErrorInvalidContainer, "container %q does not exist", tc.Name)
		}
	}
	for _, cd := range def.Containers {
		if _, ok := cfg.Container(cd.Type); !ok {
			return nil, api.Errorf(api.ErrorInvalidRequest,
				"task type %q requires a %q container", cfg.Task.Type, cd.Type)
		}
	}

	for _, prereq := range cfg.PrereqTasks {
		if _, err := s.Tasks.Get(ctx, cfg.JobID.String(), prereq.String()); err != nil {
			return nil, api.Errorf(api.ErrorInvalidRequest, "prereq task %s does not exist", prereq)
		}
	}
	return pool, nil
}

// ProcessTasks expires overdue tasks and drives the ones needing work.
func (s *Service) ProcessTasks(ctx context.Context) error {
	if err := s.expireTasks(ctx); err != nil {
		return err
	}
	return forEach(ctx, s, s.Tasks, statesQuery("state", api.TaskStatesNeedingWork), "task", s.processTask)
}

func (s *Service) expireTasks(ctx context.Context) error {
	q := statesQuery("state", api.TaskStatesAvailable)
	q.Before = map[string]time.Time{"end_time": s.now().UTC()}
	return forEach(ctx, s, s.Tasks, q, "task", func(ctx context.Context, task *api.Task) error {
		s.Log.Info("task expired", "taskID", task.TaskID, "jobID", task.JobID)
		return s.MarkTaskStopping(ctx, task)
	})
}

func (s *Service) processTask(ctx context.Context, task *api.Task) error {
	for i := 0; i < maxStateUpdates; i++ {
		before := task.State
		var err error
		switch task.State {
		case api.TaskInit:
			err = s.taskInit(ctx, task)
		case api.TaskStopping:
			err = s.taskStopping(ctx, task)
		default:
			return nil
		}
		if err != nil || task.State == before {
			return err
		}
	}
	return nil
}

// taskInit sets up the task's input queue when its type monitors a
// container, stamps the end time, then hands the task to the scheduler.
func (s *Service) taskInit(ctx context.Context, task *api.Task) error {
	def := api.Definitions[task.Config.Task.Type]
	if def.MonitorQueue != "" {
		if err := s.Queues.Create(ctx, queue.TaskQueueName(task.TaskID)); err != nil {
			return errors.Wrap(err, "failed to create task input queue")
		}
	}
	endTime := s.now().UTC().Add(time.Duration(task.Config.Task.Duration) * time.Hour)
	task.EndTime = &endTime
	task.State = api.TaskWaiting
	if err := s.Tasks.Replace(ctx, task); err != nil {
		return err
	}
	s.emitTaskState(ctx, task)
	return nil
}

// taskStopping tells every node running the task to stop it, then tears the
// task down once nothing references it.
func (s *Service) taskStopping(ctx context.Context, task *api.Task) error {
	assignments, err := s.NodeTasks.Search(ctx, storage.Query{
		Eq: map[string][]string{"task_id": {task.TaskID.String()}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list task assignments")
	}
	for _, nt := range assignments {
		if err := s.StopNodeTask(ctx, nt.MachineID, task.TaskID); err != nil {
			s.Log.Error(err, "failed to signal task stop", "machineID", nt.MachineID, "taskID", task.TaskID)
		}
		// debug SSH relays into the task's nodes go away with the task
		if err := s.removeNodeForwards(ctx, nt.MachineID); err != nil {
			return err
		}
	}
	if len(assignments) > 0 {
		return nil
	}

	if err := s.Queues.Delete(ctx, queue.TaskQueueName(task.TaskID)); err != nil {
		return errors.Wrap(err, "failed to delete task input queue")
	}

	task.State = api.TaskStopped
	if task.EndTime == nil {
		endTime := s.now().UTC()
		task.EndTime = &endTime
	}
	if err := s.Tasks.Replace(ctx, task); err != nil {
		return err
	}
	s.emitTaskState(ctx, task)
	s.Events.Emit(ctx, api.EventTaskStopped{
		JobID:    task.JobID,
		TaskID:   task.TaskID,
		UserInfo: task.UserInfo,
		Config:   task.Config,
	})
	return nil
}

// MarkTaskStopping is the idempotent entry into teardown.
func (s *Service) MarkTaskStopping(ctx context.Context, task *api.Task) error {
	if task.State.ShuttingDown() {
		return nil
	}
	task.State = api.TaskStopping
	if err := s.Tasks.Replace(ctx, task); err != nil {
		return err
	}
	s.emitTaskState(ctx, task)
	return nil
}

// MarkTaskFailed records the first error and begins teardown. A task already
// shutting down keeps its original error.
func (s *Service) MarkTaskFailed(ctx context.Context, task *api.Task, taskErr *api.Error) error {
	if task.State.ShuttingDown() {
		return nil
	}
	if task.Error == nil {
		task.Error = taskErr
	}
	s.Events.Emit(ctx, api.EventTaskFailed{
		JobID:    task.JobID,
		TaskID:   task.TaskID,
		Error:    *taskErr,
		UserInfo: task.UserInfo,
		Config:   task.Config,
	})
	return s.MarkTaskStopping(ctx, task)
}

// OnTaskStarting moves a scheduled task to running when its first worker
// reports in, and marks the owning job enabled if it was still initializing.
func (s *Service) OnTaskStarting(ctx context.Context, task *api.Task) error {
	if task.State != api.TaskScheduled && task.State != api.TaskSettingUp {
		return nil
	}
	task.State = api.TaskRunning
	if task.StartTime == nil {
		started := s.now().UTC()
		task.StartTime = &started
	}
	if err := s.Tasks.Replace(ctx, task); err != nil {
		return err
	}
	s.emitTaskState(ctx, task)

	job, err := s.Jobs.Get(ctx, task.JobID.String(), task.JobID.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.State == api.JobInit {
		return s.jobInit(ctx, job)
	}
	return nil
}

func (s *Service) emitTaskState(ctx context.Context, task *api.Task) {
	s.Events.Emit(ctx, api.EventTaskStateUpdated{
		JobID:   task.JobID,
		TaskID:  task.TaskID,
		State:   task.State,
		EndTime: task.EndTime,
		Config:  task.Config,
	})
}

// PrereqsSatisfied reports whether every prereq task has started. A prereq
// that was torn down before it ever started can no longer satisfy the
// dependency, so the dependent task fails rather than waiting forever.
func (s *Service) PrereqsSatisfied(ctx context.Context, task *api.Task) (bool, error) {
	for _, prereq := range task.Config.PrereqTasks {
		p, err := s.Tasks.Get(ctx, task.JobID.String(), prereq.String())
		if errors.Is(err, storage.ErrNotFound) {
			return false, s.MarkTaskFailed(ctx, task, api.Errorf(api.ErrorTaskFailed,
				"prereq task %s no longer exists", prereq))
		}
		if err != nil {
			return false, err
		}
		if p.StartTime != nil {
			continue
		}
		// the prereq never reached running; if it is already tearing down
		// it never will
		if p.State.ShuttingDown() {
			return false, s.MarkTaskFailed(ctx, task, api.Errorf(api.ErrorTaskFailed,
				"prereq task %s stopped before it started", prereq))
		}
		return false, nil
	}
	return true, nil
}
