// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// TaskState is the task lifecycle state machine.
type TaskState string

const (
	TaskInit      TaskState = "init"
	TaskWaiting   TaskState = "waiting"
	TaskScheduled TaskState = "scheduled"
	TaskSettingUp TaskState = "setting_up"
	TaskRunning   TaskState = "running"
	TaskStopping  TaskState = "stopping"
	TaskStopped   TaskState = "stopped"
	TaskWaitJob   TaskState = "wait_job"
)

// TaskStatesNeedingWork are the states the task reconciler drives.
var TaskStatesNeedingWork = []TaskState{TaskInit, TaskStopping}

// TaskStatesAvailable are states subject to the expiration sweep.
var TaskStatesAvailable = []TaskState{
	TaskInit, TaskWaiting, TaskScheduled, TaskSettingUp, TaskRunning,
}

// TaskStatesShuttingDown marks tasks past the point of accepting work.
var TaskStatesShuttingDown = []TaskState{TaskStopping, TaskStopped}

// TaskStatesHasStarted are states at or past running.
var TaskStatesHasStarted = []TaskState{TaskRunning, TaskStopping, TaskStopped}

// ShuttingDown reports whether the state is stopping or stopped.
func (s TaskState) ShuttingDown() bool {
	return s == TaskStopping || s == TaskStopped
}

// HasStarted reports whether the task has reached running.
func (s TaskState) HasStarted() bool {
	for _, state := range TaskStatesHasStarted {
		if s == state {
			return true
		}
	}
	return false
}

// TaskDebugFlag requests node retention for post-mortem debugging.
type TaskDebugFlag string

const (
	KeepNodeOnFailure    TaskDebugFlag = "keep_node_on_failure"
	KeepNodeOnCompletion TaskDebugFlag = "keep_node_on_completion"
)

// StatsFormat names the fuzzer statistics file format.
type StatsFormat string

const StatsFormatAFL StatsFormat = "AFL"

// TaskDetails is the type-specific portion of a task definition. Which
// fields apply is declared per task type in Definitions; the scheduler
// renders exactly the declared fields into the agent config.
type TaskDetails struct {
	Type     TaskType `json:"type"`
	Duration uint64   `json:"duration"`

	TargetExe     string            `json:"target_exe,omitempty"`
	TargetEnv     map[string]string `json:"target_env,omitempty"`
	TargetOptions []string          `json:"target_options,omitempty"`
	TargetWorkers uint64            `json:"target_workers,omitempty"`
	TargetTimeout uint64            `json:"target_timeout,omitempty"`

	TargetOptionsMerge   bool   `json:"target_options_merge,omitempty"`
	CheckAsanLog         bool   `json:"check_asan_log,omitempty"`
	CheckDebugger        bool   `json:"check_debugger,omitempty"`
	CheckRetryCount      uint64 `json:"check_retry_count,omitempty"`
	CheckFuzzerHelp      bool   `json:"check_fuzzer_help,omitempty"`
	ExpectCrashOnFailure bool   `json:"expect_crash_on_failure,omitempty"`
	RebootAfterSetup     bool   `json:"reboot_after_setup,omitempty"`

	RenameOutput     bool              `json:"rename_output,omitempty"`
	GeneratorExe     string            `json:"generator_exe,omitempty"`
	GeneratorEnv     map[string]string `json:"generator_env,omitempty"`
	GeneratorOptions []string          `json:"generator_options,omitempty"`

	SupervisorExe         string            `json:"supervisor_exe,omitempty"`
	SupervisorEnv         map[string]string `json:"supervisor_env,omitempty"`
	SupervisorOptions     []string          `json:"supervisor_options,omitempty"`
	SupervisorInputMarker string            `json:"supervisor_input_marker,omitempty"`

	AnalyzerExe     string            `json:"analyzer_exe,omitempty"`
	AnalyzerEnv     map[string]string `json:"analyzer_env,omitempty"`
	AnalyzerOptions []string          `json:"analyzer_options,omitempty"`

	StatsFile   string      `json:"stats_file,omitempty"`
	StatsFormat StatsFormat `json:"stats_format,omitempty"`

	EnsembleSyncDelay       *uint64  `json:"ensemble_sync_delay,omitempty"`
	PreserveExistingOutputs bool     `json:"preserve_existing_outputs,omitempty"`
	ReportList              []string `json:"report_list,omitempty"`
	MinimizedStackDepth     *uint64  `json:"minimized_stack_depth,omitempty"`
	WaitForFiles            string   `json:"wait_for_files,omitempty"`
}

// TaskPool binds a task to a managed pool.
type TaskPool struct {
	Count    uint64 `json:"count"`
	PoolName string `json:"pool_name"`
}

// TaskVM binds a task to unmanaged, task-owned VMs.
type TaskVM struct {
	Region           string `json:"region"`
	SKU              string `json:"sku"`
	Image            string `json:"image"`
	Count            uint64 `json:"count"`
	SpotInstances    bool   `json:"spot_instances,omitempty"`
	RebootAfterSetup bool   `json:"reboot_after_setup,omitempty"`
}

// TaskContainer references one container by role.
type TaskContainer struct {
	Type ContainerType `json:"type"`
	Name string        `json:"name"`
}

// TaskConfig is the user-supplied task definition.
type TaskConfig struct {
	JobID       uuid.UUID         `json:"job_id"`
	PrereqTasks []uuid.UUID       `json:"prereq_tasks,omitempty"`
	Task        TaskDetails       `json:"task"`
	Pool        *TaskPool         `json:"pool,omitempty"`
	VM          *TaskVM           `json:"vm,omitempty"`
	Containers  []TaskContainer   `json:"containers"`
	Tags        map[string]string `json:"tags,omitempty"`
	Debug       []TaskDebugFlag   `json:"debug,omitempty"`
	Colocate    bool              `json:"colocate,omitempty"`
}

// HasDebugFlag reports whether the config requests the given flag.
func (c TaskConfig) HasDebugFlag(flag TaskDebugFlag) bool {
	for _, f := range c.Debug {
		if f == flag {
			return true
		}
	}
	return false
}

// Container returns the first container of the given type, if declared.
func (c TaskConfig) Container(t ContainerType) (TaskContainer, bool) {
	for _, tc := range c.Containers {
		if tc.Type == t {
			return tc, true
		}
	}
	return TaskContainer{}, false
}

// Task is one fuzzing activity within a job.
type Task struct {
	storage.Meta
	JobID     uuid.UUID       `json:"job_id"`
	TaskID    uuid.UUID       `json:"task_id"`
	State     TaskState       `json:"state"`
	OS        OS              `json:"os"`
	Config    TaskConfig      `json:"config"`
	Error     *Error          `json:"error,omitempty"`
	Auth      *Authentication `json:"auth,omitempty"`
	Heartbeat *time.Time      `json:"heartbeat,omitempty"`
	StartTime *time.Time      `json:"start_time,omitempty"`
	EndTime   *time.Time      `json:"end_time,omitempty"`
	UserInfo  *UserInfo       `json:"user_info,omitempty"`
}

// TaskDescriptor maps tasks onto the store, partitioned by owning job.
var TaskDescriptor = storage.Descriptor{
	Table:          "Task",
	PartitionField: "job_id",
	RowField:       "task_id",
}

// TaskEvent is an append-only log row recording a worker event for a task.
type TaskEvent struct {
	storage.Meta
	TaskID    uuid.UUID   `json:"task_id"`
	EventID   uuid.UUID   `json:"event_id"`
	MachineID uuid.UUID   `json:"machine_id"`
	Data      WorkerEvent `json:"data"`
}

// TaskEventDescriptor maps task events onto the store.
var TaskEventDescriptor = storage.Descriptor{
	Table:          "TaskEvent",
	PartitionField: "task_id",
	RowField:       "event_id",
}
