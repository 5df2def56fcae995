// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

// TaskType names a fuzzing activity the agent knows how to run.
type TaskType string

const (
	TaskTypeLibfuzzerFuzz        TaskType = "libfuzzer_fuzz"
	TaskTypeLibfuzzerCoverage    TaskType = "libfuzzer_coverage"
	TaskTypeLibfuzzerCrashReport TaskType = "libfuzzer_crash_report"
	TaskTypeLibfuzzerMerge       TaskType = "libfuzzer_merge"
	TaskTypeLibfuzzerRegression  TaskType = "libfuzzer_regression"
	TaskTypeGenericAnalysis      TaskType = "generic_analysis"
	TaskTypeGenericSupervisor    TaskType = "generic_supervisor"
	TaskTypeGenericMerge         TaskType = "generic_merge"
	TaskTypeGenericGenerator     TaskType = "generic_generator"
	TaskTypeGenericCrashReport   TaskType = "generic_crash_report"
	TaskTypeGenericRegression    TaskType = "generic_regression"
)

// TaskFeature names one field of the agent's TaskUnitConfig. The scheduler
// renders exactly the features a task type declares, no more and no fewer.
type TaskFeature string

const (
	FeatureInputQueueFromContainer TaskFeature = "input_queue_from_container"
	FeatureTargetExe               TaskFeature = "target_exe"
	FeatureTargetEnv               TaskFeature = "target_env"
	FeatureTargetOptions           TaskFeature = "target_options"
	FeatureTargetOptionsMerge      TaskFeature = "target_options_merge"
	FeatureTargetWorkers           TaskFeature = "target_workers"
	FeatureTargetTimeout           TaskFeature = "target_timeout"
	FeatureCheckAsanLog            TaskFeature = "check_asan_log"
	FeatureCheckDebugger           TaskFeature = "check_debugger"
	FeatureCheckRetryCount         TaskFeature = "check_retry_count"
	FeatureCheckFuzzerHelp         TaskFeature = "check_fuzzer_help"
	FeatureExpectCrashOnFailure    TaskFeature = "expect_crash_on_failure"
	FeatureRenameOutput            TaskFeature = "rename_output"
	FeatureGeneratorExe            TaskFeature = "generator_exe"
	FeatureGeneratorEnv            TaskFeature = "generator_env"
	FeatureGeneratorOptions        TaskFeature = "generator_options"
	FeatureSupervisorExe           TaskFeature = "supervisor_exe"
	FeatureSupervisorEnv           TaskFeature = "supervisor_env"
	FeatureSupervisorOptions       TaskFeature = "supervisor_options"
	FeatureSupervisorInputMarker   TaskFeature = "supervisor_input_marker"
	FeatureAnalyzerExe             TaskFeature = "analyzer_exe"
	FeatureAnalyzerEnv             TaskFeature = "analyzer_env"
	FeatureAnalyzerOptions         TaskFeature = "analyzer_options"
	FeatureStatsFile               TaskFeature = "stats_file"
	FeatureStatsFormat             TaskFeature = "stats_format"
	FeatureEnsembleSyncDelay       TaskFeature = "ensemble_sync_delay"
	FeaturePreserveExistingOutputs TaskFeature = "preserve_existing_outputs"
	FeatureReportList              TaskFeature = "report_list"
	FeatureMinimizedStackDepth     TaskFeature = "minimized_stack_depth"
	FeatureWaitForFiles            TaskFeature = "wait_for_files"
)

// ContainerDefinition declares one container a task type uses and the SAS
// permissions its agent needs on it.
type ContainerDefinition struct {
	Type        ContainerType
	Permissions []ContainerPermission
}

// TaskDefinition declares the shape of one task type: the config features
// the agent consumes, the containers it touches, and whether its input
// queue monitors a container for new files.
type TaskDefinition struct {
	Features     []TaskFeature
	Containers   []ContainerDefinition
	MonitorQueue ContainerType
}

var (
	rw  = []ContainerPermission{PermRead, PermWrite, PermList, PermCreate}
	ro  = []ContainerPermission{PermRead, PermList}
	rwd = []ContainerPermission{PermRead, PermWrite, PermList, PermCreate, PermDelete}
)

// Definitions is the task-type capability table consulted at create time
// (checkConfig) and by the scheduler when rendering agent configs.
var Definitions = map[TaskType]TaskDefinition{
	TaskTypeLibfuzzerFuzz: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureTargetWorkers, FeatureEnsembleSyncDelay,
			FeatureCheckFuzzerHelp, FeatureExpectCrashOnFailure,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerCrashes, rw},
			{ContainerInputs, rwd},
			{ContainerReadonlyInputs, ro},
		},
	},
	TaskTypeLibfuzzerCoverage: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerReadonlyInputs, ro},
			{ContainerCoverage, rw},
		},
		MonitorQueue: ContainerReadonlyInputs,
	},
	TaskTypeLibfuzzerCrashReport: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureTargetTimeout, FeatureCheckRetryCount,
			FeatureCheckFuzzerHelp, FeatureMinimizedStackDepth,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerCrashes, ro},
			{ContainerNoRepro, rw},
			{ContainerReports, rw},
			{ContainerUniqueReports, rw},
		},
		MonitorQueue: ContainerCrashes,
	},
	TaskTypeLibfuzzerMerge: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureCheckFuzzerHelp, FeaturePreserveExistingOutputs,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerUniqueInputs, rw},
			{ContainerInputs, ro},
		},
	},
	TaskTypeLibfuzzerRegression: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureTargetTimeout, FeatureCheckRetryCount,
			FeatureCheckFuzzerHelp, FeatureReportList,
			FeatureMinimizedStackDepth,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerRegressionReports, rw},
			{ContainerCrashes, ro},
			{ContainerUniqueReports, ro},
			{ContainerReports, ro},
			{ContainerNoRepro, ro},
			{ContainerReadonlyInputs, ro},
		},
	},
	TaskTypeGenericAnalysis: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetOptions,
			FeatureAnalyzerExe, FeatureAnalyzerEnv, FeatureAnalyzerOptions,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerAnalysis, rw},
			{ContainerCrashes, ro},
			{ContainerTools, ro},
		},
		MonitorQueue: ContainerCrashes,
	},
	TaskTypeGenericSupervisor: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetOptions,
			FeatureSupervisorExe, FeatureSupervisorEnv,
			FeatureSupervisorOptions, FeatureSupervisorInputMarker,
			FeatureWaitForFiles, FeatureStatsFile, FeatureStatsFormat,
			FeatureEnsembleSyncDelay,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerTools, ro},
			{ContainerCrashes, rw},
			{ContainerInputs, rwd},
			{ContainerUniqueReports, rw},
			{ContainerReports, rw},
			{ContainerNoRepro, rw},
			{ContainerCoverage, rw},
		},
	},
	TaskTypeGenericMerge: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureSupervisorExe, FeatureSupervisorEnv,
			FeatureSupervisorOptions, FeatureSupervisorInputMarker,
			FeatureStatsFile, FeatureStatsFormat,
			FeaturePreserveExistingOutputs,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerTools, ro},
			{ContainerUniqueInputs, rw},
			{ContainerInputs, ro},
		},
	},
	TaskTypeGenericGenerator: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureGeneratorExe, FeatureGeneratorEnv, FeatureGeneratorOptions,
			FeatureRenameOutput, FeatureTargetTimeout,
			FeatureCheckAsanLog, FeatureCheckDebugger, FeatureCheckRetryCount,
			FeatureEnsembleSyncDelay,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerTools, ro},
			{ContainerCrashes, rw},
			{ContainerReadonlyInputs, ro},
		},
	},
	TaskTypeGenericCrashReport: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureTargetTimeout,
			FeatureCheckAsanLog, FeatureCheckDebugger, FeatureCheckRetryCount,
			FeatureMinimizedStackDepth,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerCrashes, ro},
			{ContainerNoRepro, rw},
			{ContainerReports, rw},
			{ContainerUniqueReports, rw},
		},
		MonitorQueue: ContainerCrashes,
	},
	TaskTypeGenericRegression: {
		Features: []TaskFeature{
			FeatureTargetExe, FeatureTargetEnv, FeatureTargetOptions,
			FeatureTargetTimeout,
			FeatureCheckAsanLog, FeatureCheckDebugger, FeatureCheckRetryCount,
			FeatureReportList, FeatureMinimizedStackDepth,
		},
		Containers: []ContainerDefinition{
			{ContainerSetup, ro},
			{ContainerRegressionReports, rw},
			{ContainerCrashes, ro},
			{ContainerUniqueReports, ro},
			{ContainerReports, ro},
			{ContainerNoRepro, ro},
			{ContainerReadonlyInputs, ro},
		},
	},
}
