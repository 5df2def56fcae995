// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// JobState is the job lifecycle state machine.
type JobState string

const (
	JobInit     JobState = "init"
	JobEnabled  JobState = "enabled"
	JobStopping JobState = "stopping"
	JobStopped  JobState = "stopped"
)

// JobStatesNeedingWork are the states the job reconciler drives.
var JobStatesNeedingWork = []JobState{JobInit, JobStopping}

// JobStatesAvailable are the states in which a job accepts new tasks and is
// subject to the expiration sweep.
var JobStatesAvailable = []JobState{JobInit, JobEnabled}

// JobConfig is the user-supplied job definition. Duration is in hours,
// bounded to [1, 168].
type JobConfig struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Build    string `json:"build"`
	Duration uint64 `json:"duration"`
}

const (
	MinDurationHours = 1
	MaxDurationHours = 168
)

// Validate rejects out-of-range durations at create time.
func (c JobConfig) Validate() *Error {
	if c.Duration < MinDurationHours || c.Duration > MaxDurationHours {
		return Errorf(ErrorInvalidRequest, "duration must be within [%d, %d] hours", MinDurationHours, MaxDurationHours)
	}
	return nil
}

// Job is a user-submitted container for related tasks.
type Job struct {
	storage.Meta
	JobID    uuid.UUID  `json:"job_id"`
	State    JobState   `json:"state"`
	Config   JobConfig  `json:"config"`
	Error    *string    `json:"error,omitempty"`
	EndTime  *time.Time `json:"end_time,omitempty"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
}

// JobDescriptor maps jobs onto the store.
var JobDescriptor = storage.Descriptor{
	Table:          "Job",
	PartitionField: "job_id",
	RowField:       "job_id",
}

// JobTaskStopped summarizes one stopped task in a job_stopped event.
type JobTaskStopped struct {
	TaskID   uuid.UUID `json:"task_id"`
	TaskType TaskType  `json:"task_type"`
	Error    *Error    `json:"error,omitempty"`
}
