// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package api holds the entity and wire types shared by the orchestrator,
// its storage layer, and the agent-facing surface. Field names follow the
// persisted JSON layout.
package api

// OS identifies a worker operating system.
type OS string

const (
	Linux   OS = "linux"
	Windows OS = "windows"
)

// Architecture identifies a worker CPU architecture.
type Architecture string

const (
	X86_64 Architecture = "x86_64"
)

// ContainerType names the role a blob container plays for a task.
type ContainerType string

const (
	ContainerAnalysis          ContainerType = "analysis"
	ContainerCoverage          ContainerType = "coverage"
	ContainerCrashes           ContainerType = "crashes"
	ContainerInputs            ContainerType = "inputs"
	ContainerNoRepro           ContainerType = "no_repro"
	ContainerReadonlyInputs    ContainerType = "readonly_inputs"
	ContainerReports           ContainerType = "reports"
	ContainerSetup             ContainerType = "setup"
	ContainerTools             ContainerType = "tools"
	ContainerUniqueInputs      ContainerType = "unique_inputs"
	ContainerUniqueReports     ContainerType = "unique_reports"
	ContainerRegressionReports ContainerType = "regression_reports"
)

// ContainerPermission is one grant inside a container SAS.
type ContainerPermission string

const (
	PermRead   ContainerPermission = "read"
	PermWrite  ContainerPermission = "write"
	PermList   ContainerPermission = "list"
	PermDelete ContainerPermission = "delete"
	PermCreate ContainerPermission = "create"
)

// Authentication is the credential set stamped onto worker VMs. Secrets are
// write-only: once persisted they are used by the cloud glue and never
// surfaced back through the API.
type Authentication struct {
	Password   string `json:"password"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// UserInfo identifies the principal that created a job or task.
type UserInfo struct {
	ApplicationID string `json:"application_id,omitempty"`
	ObjectID      string `json:"object_id,omitempty"`
	UPN           string `json:"upn,omitempty"`
}

// NodeDisposalStrategy selects how spent nodes are recycled.
type NodeDisposalStrategy string

const (
	// DisposalScaleIn reimages nodes in place and lets the autoscaler shrink.
	DisposalScaleIn NodeDisposalStrategy = "scale_in"
	// DisposalAggressiveDelete deletes instances instead of reimaging.
	DisposalAggressiveDelete NodeDisposalStrategy = "aggressive_delete"
)
