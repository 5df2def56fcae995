// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// PoolState is the pool lifecycle state machine.
type PoolState string

const (
	PoolInit     PoolState = "init"
	PoolRunning  PoolState = "running"
	PoolShutdown PoolState = "shutdown"
	PoolHalt     PoolState = "halt"
)

// PoolStatesNeedingWork are the states the pool reconciler drives.
var PoolStatesNeedingWork = []PoolState{PoolInit, PoolShutdown, PoolHalt}

// PoolStatesAvailable are the states in which a pool accepts work.
var PoolStatesAvailable = []PoolState{PoolInit, PoolRunning}

// AutoscaleConfig sizes a managed pool.
type AutoscaleConfig struct {
	MinSize          int64  `json:"min_size"`
	MaxSize          int64  `json:"max_size"`
	VMSku            string `json:"vm_sku"`
	Image            string `json:"image"`
	Region           string `json:"region"`
	SpotInstances    bool   `json:"spot_instances,omitempty"`
	EphemeralOSDisks bool   `json:"ephemeral_os_disks,omitempty"`
	// ScalesetSize caps the size of any single scaleset created for the pool.
	ScalesetSize int64 `json:"scaleset_size"`
}

// Pool is a named group of worker VMs sharing OS, architecture, and an
// autoscale policy. Its name is unique across the instance.
type Pool struct {
	storage.Meta
	PoolID    uuid.UUID        `json:"pool_id"`
	Name      string           `json:"name"`
	OS        OS               `json:"os"`
	Arch      Architecture     `json:"arch"`
	Managed   bool             `json:"managed"`
	State     PoolState        `json:"state"`
	Autoscale *AutoscaleConfig `json:"autoscale,omitempty"`
	ClientID  *string          `json:"client_id,omitempty"`
}

// PoolDescriptor maps pools onto the store. The in-memory views of the
// pool's queue, nodes, and scalesets are never written.
var PoolDescriptor = storage.Descriptor{
	Table:            "Pool",
	PartitionField:   "name",
	RowField:         "pool_id",
	ExcludeFromWrite: []string{"work_queue", "nodes", "scaleset_summary"},
}
