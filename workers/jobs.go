// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/storage"
)

// CreateJob validates and stores a new job in init state.
func (s *Service) CreateJob(ctx context.Context, cfg api.JobConfig, userInfo *api.UserInfo) (*api.Job, *api.Error) {
	if apiErr := cfg.Validate(); apiErr != nil {
		return nil, apiErr
	}
	job := &api.Job{
		JobID:    uuid.New(),
		State:    api.JobInit,
		Config:   cfg,
		UserInfo: userInfo,
	}
	if err := s.Jobs.Insert(ctx, job); err != nil {
		return nil, api.Errorf(api.ErrorUnableToCreate, "failed to store job: %v", err)
	}
	s.Events.Emit(ctx, api.EventJobCreated{JobID: job.JobID, Config: cfg, UserInfo: userInfo})
	return job, nil
}

// StopJob requests a job shutdown. Stopping an already stopping or stopped
// job is a no-op.
func (s *Service) StopJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.Jobs.Get(ctx, jobID.String(), jobID.String())
	if err != nil {
		return err
	}
	if job.State == api.JobStopping || job.State == api.JobStopped {
		return nil
	}
	job.State = api.JobStopping
	return s.Jobs.Replace(ctx, job)
}

// ProcessJobs expires overdue jobs and drives the ones needing work.
func (s *Service) ProcessJobs(ctx context.Context) error {
	if err := s.expireJobs(ctx); err != nil {
		return err
	}
	return forEach(ctx, s, s.Jobs, statesQuery("state", api.JobStatesNeedingWork), "job", s.processJob)
}

func (s *Service) expireJobs(ctx context.Context) error {
	q := statesQuery("state", api.JobStatesAvailable)
	q.Before = map[string]time.Time{"end_time": s.now().UTC()}
	return forEach(ctx, s, s.Jobs, q, "job", func(ctx context.Context, job *api.Job) error {
		s.Log.Info("job expired", "jobID", job.JobID)
		job.State = api.JobStopping
		return s.Jobs.Replace(ctx, job)
	})
}

func (s *Service) processJob(ctx context.Context, job *api.Job) error {
	for i := 0; i < maxStateUpdates; i++ {
		before := job.State
		var err error
		switch job.State {
		case api.JobInit:
			err = s.jobInit(ctx, job)
		case api.JobStopping:
			err = s.jobStopping(ctx, job)
		default:
			return nil
		}
		if err != nil || job.State == before {
			return err
		}
	}
	return nil
}

func (s *Service) jobInit(ctx context.Context, job *api.Job) error {
	endTime := s.now().UTC().Add(time.Duration(job.Config.Duration) * time.Hour)
	job.EndTime = &endTime
	job.State = api.JobEnabled
	return s.Jobs.Replace(ctx, job)
}

// jobStopping asks every live task to stop, then finishes once they all
// have.
func (s *Service) jobStopping(ctx context.Context, job *api.Job) error {
	tasks, err := s.Tasks.Search(ctx, storage.Query{
		Eq: map[string][]string{"job_id": {job.JobID.String()}},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list job tasks")
	}

	anyRunning := false
	var taskInfo []api.JobTaskStopped
	for _, task := range tasks {
		if task.State != api.TaskStopped {
			anyRunning = true
		}
		if !task.State.ShuttingDown() {
			if err := s.MarkTaskStopping(ctx, task); err != nil {
				return err
			}
		}
		taskInfo = append(taskInfo, api.JobTaskStopped{
			TaskID:   task.TaskID,
			TaskType: task.Config.Task.Type,
			Error:    task.Error,
		})
	}
	if anyRunning {
		return nil
	}

	job.State = api.JobStopped
	if err := s.Jobs.Replace(ctx, job); err != nil {
		return err
	}
	s.Events.Emit(ctx, api.EventJobStopped{
		JobID:    job.JobID,
		Config:   job.Config,
		UserInfo: job.UserInfo,
		TaskInfo: taskInfo,
	})
	return nil
}
