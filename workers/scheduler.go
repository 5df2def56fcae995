// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/blobs"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// schedulerBucket groups tasks that may share a workset. Colocated tasks
// from the same job and pool ride together; everything else schedules alone.
type schedulerBucket struct {
	poolName string
	tasks    []*api.Task
	count    uint64
}

// ScheduleTasks builds worksets for waiting tasks whose prereqs have
// started and enqueues them on their pool queues.
func (s *Service) ScheduleTasks(ctx context.Context) error {
	waiting, err := s.Tasks.Search(ctx, statesQuery("state", []api.TaskState{api.TaskWaiting}), 0)
	if err != nil {
		return errors.Wrap(err, "failed to list waiting tasks")
	}

	buckets := map[string]*schedulerBucket{}
	order := []string{}
	for _, task := range waiting {
		ok, err := s.PrereqsSatisfied(ctx, task)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if task.Config.Pool == nil {
			continue
		}

		key := task.TaskID.String()
		if task.Config.Colocate {
			key = fmt.Sprintf("%s/%s", task.JobID, task.Config.Pool.PoolName)
		}
		bucket, exists := buckets[key]
		if !exists {
			bucket = &schedulerBucket{poolName: task.Config.Pool.PoolName}
			buckets[key] = bucket
			order = append(order, key)
		}
		bucket.tasks = append(bucket.tasks, task)
		if task.Config.Pool.Count > bucket.count {
			bucket.count = task.Config.Pool.Count
		}
	}

	for _, key := range order {
		bucket := buckets[key]
		if err := s.scheduleBucket(ctx, bucket); err != nil {
			s.Log.Error(err, "failed to schedule workset", "pool", bucket.poolName)
		}
	}
	return nil
}

func (s *Service) scheduleBucket(ctx context.Context, bucket *schedulerBucket) error {
	pools, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {bucket.poolName}},
	}, 1)
	if err != nil {
		return errors.Wrap(err, "failed to load pool")
	}
	if len(pools) == 0 {
		return errors.Errorf("pool %q does not exist", bucket.poolName)
	}
	pool := pools[0]
	available := false
	for _, st := range api.PoolStatesAvailable {
		if pool.State == st {
			available = true
		}
	}
	if !available {
		return nil
	}

	workSet := api.WorkSet{}
	for _, task := range bucket.tasks {
		unit, err := s.buildWorkUnit(ctx, task)
		if err != nil {
			if markErr := s.MarkTaskFailed(ctx, task, api.Errorf(api.ErrorUnableToCreate,
				"failed to build task config: %v", err)); markErr != nil {
				return markErr
			}
			continue
		}
		workSet.WorkUnits = append(workSet.WorkUnits, *unit)
		workSet.Reboot = workSet.Reboot || task.Config.Task.RebootAfterSetup

		if setup, ok := task.Config.Container(api.ContainerSetup); ok && workSet.SetupURL == "" {
			url, err := s.sas.ContainerSASURL(ctx, setup.Name, blobs.Permissions{Read: true, List: true},
				time.Duration(task.Config.Task.Duration)*time.Hour)
			if err != nil {
				return errors.Wrap(err, "failed to mint setup container SAS")
			}
			workSet.SetupURL = url
		}
	}
	if len(workSet.WorkUnits) == 0 {
		return nil
	}

	count := bucket.count
	if count == 0 {
		count = 1
	}
	for i := uint64(0); i < count; i++ {
		if err := queue.SendJSON(ctx, s.Queues, queue.PoolQueueName(pool.PoolID), workSet, nil); err != nil {
			return errors.Wrap(err, "failed to enqueue workset")
		}
	}

	for _, task := range bucket.tasks {
		if task.State != api.TaskWaiting {
			continue
		}
		task.State = api.TaskScheduled
		if err := s.Tasks.Replace(ctx, task); err != nil {
			return err
		}
		s.emitTaskState(ctx, task)
	}
	return nil
}

// buildWorkUnit renders the agent config for one task, uploads it to the
// task-configs container, and wraps it in a work unit.
func (s *Service) buildWorkUnit(ctx context.Context, task *api.Task) (*api.WorkUnit, error) {
	cfg, err := s.renderTaskConfig(ctx, task)
	if err != nil {
		return nil, err
	}
	rendered, err := json.Marshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal task config")
	}
	if err := s.Blobs.Upload(ctx, blobs.ContainerTaskConfigs,
		fmt.Sprintf("%s/config.json", task.TaskID), rendered); err != nil {
		return nil, errors.Wrap(err, "failed to upload task config")
	}
	return &api.WorkUnit{
		JobID:    task.JobID,
		TaskID:   task.TaskID,
		TaskType: task.Config.Task.Type,
		Config:   string(rendered),
	}, nil
}

// renderTaskConfig produces the agent-side task config: identity, the
// heartbeat queue, scoped container SAS URLs, and exactly the feature fields
// the task type declares.
func (s *Service) renderTaskConfig(ctx context.Context, task *api.Task) (map[string]interface{}, error) {
	def, ok := api.Definitions[task.Config.Task.Type]
	if !ok {
		return nil, errors.Errorf("unsupported task type %q", task.Config.Task.Type)
	}
	expiry := time.Duration(task.Config.Task.Duration) * time.Hour

	heartbeat, err := s.Queues.SASURL(ctx, queue.TaskHeartbeat, queue.Permissions{Add: true}, expiry)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mint heartbeat queue SAS")
	}

	cfg := map[string]interface{}{
		"job_id":          task.JobID,
		"task_id":         task.TaskID,
		"task_type":       task.Config.Task.Type,
		"instance_name":   s.InstanceName,
		"heartbeat_queue": heartbeat,
	}

	containers := make([]map[string]interface{}, 0, len(def.Containers))
	for _, cd := range def.Containers {
		tc, ok := task.Config.Container(cd.Type)
		if !ok {
			return nil, errors.Errorf("task is missing required container %q", cd.Type)
		}
		url, err := s.sas.ContainerSASURL(ctx, tc.Name, blobs.FromContainerPermissions(cd.Permissions), expiry)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to mint SAS for container %q", tc.Name)
		}
		containers = append(containers, map[string]interface{}{
			"type": cd.Type,
			"name": tc.Name,
			"url":  url,
		})
	}
	cfg["containers"] = containers

	if def.MonitorQueue != "" {
		url, err := s.Queues.SASURL(ctx, queue.TaskQueueName(task.TaskID), queue.Permissions{
			Read:    true,
			Process: true,
		}, expiry)
		if err != nil {
			return nil, errors.Wrap(err, "failed to mint input queue SAS")
		}
		cfg["input_queue"] = url
	}

	details := task.Config.Task
	for _, feature := range def.Features {
		switch feature {
		case api.FeatureTargetExe:
			cfg["target_exe"] = details.TargetExe
		case api.FeatureTargetEnv:
			cfg["target_env"] = orEmptyMap(details.TargetEnv)
		case api.FeatureTargetOptions:
			cfg["target_options"] = orEmptyList(details.TargetOptions)
		case api.FeatureTargetOptionsMerge:
			cfg["target_options_merge"] = details.TargetOptionsMerge
		case api.FeatureTargetWorkers:
			cfg["target_workers"] = details.TargetWorkers
		case api.FeatureTargetTimeout:
			cfg["target_timeout"] = details.TargetTimeout
		case api.FeatureCheckAsanLog:
			cfg["check_asan_log"] = details.CheckAsanLog
		case api.FeatureCheckDebugger:
			cfg["check_debugger"] = details.CheckDebugger
		case api.FeatureCheckRetryCount:
			cfg["check_retry_count"] = details.CheckRetryCount
		case api.FeatureCheckFuzzerHelp:
			cfg["check_fuzzer_help"] = details.CheckFuzzerHelp
		case api.FeatureExpectCrashOnFailure:
			cfg["expect_crash_on_failure"] = details.ExpectCrashOnFailure
		case api.FeatureRenameOutput:
			cfg["rename_output"] = details.RenameOutput
		case api.FeatureGeneratorExe:
			cfg["generator_exe"] = details.GeneratorExe
		case api.FeatureGeneratorEnv:
			cfg["generator_env"] = orEmptyMap(details.GeneratorEnv)
		case api.FeatureGeneratorOptions:
			cfg["generator_options"] = orEmptyList(details.GeneratorOptions)
		case api.FeatureSupervisorExe:
			cfg["supervisor_exe"] = details.SupervisorExe
		case api.FeatureSupervisorEnv:
			cfg["supervisor_env"] = orEmptyMap(details.SupervisorEnv)
		case api.FeatureSupervisorOptions:
			cfg["supervisor_options"] = orEmptyList(details.SupervisorOptions)
		case api.FeatureSupervisorInputMarker:
			cfg["supervisor_input_marker"] = details.SupervisorInputMarker
		case api.FeatureAnalyzerExe:
			cfg["analyzer_exe"] = details.AnalyzerExe
		case api.FeatureAnalyzerEnv:
			cfg["analyzer_env"] = orEmptyMap(details.AnalyzerEnv)
		case api.FeatureAnalyzerOptions:
			cfg["analyzer_options"] = orEmptyList(details.AnalyzerOptions)
		case api.FeatureStatsFile:
			cfg["stats_file"] = details.StatsFile
		case api.FeatureStatsFormat:
			cfg["stats_format"] = details.StatsFormat
		case api.FeatureEnsembleSyncDelay:
			cfg["ensemble_sync_delay"] = details.EnsembleSyncDelay
		case api.FeaturePreserveExistingOutputs:
			cfg["preserve_existing_outputs"] = details.PreserveExistingOutputs
		case api.FeatureReportList:
			cfg["report_list"] = orEmptyList(details.ReportList)
		case api.FeatureMinimizedStackDepth:
			cfg["minimized_stack_depth"] = details.MinimizedStackDepth
		case api.FeatureWaitForFiles:
			cfg["wait_for_files"] = details.WaitForFiles
		case api.FeatureInputQueueFromContainer:
			// handled above via the task's input queue
		}
	}
	return cfg, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
