// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// NodeState is the node lifecycle state machine. Transitions into
// ReadyForReset states are monotone: a node never returns to free or busy.
type NodeState string

const (
	NodeInit      NodeState = "init"
	NodeFree      NodeState = "free"
	NodeSettingUp NodeState = "setting_up"
	NodeRebooting NodeState = "rebooting"
	NodeReady     NodeState = "ready"
	NodeBusy      NodeState = "busy"
	NodeDone      NodeState = "done"
	NodeShutdown  NodeState = "shutdown"
	NodeHalt      NodeState = "halt"
)

// NodeStatesReadyForReset are terminal-ish states: no further work is
// assigned, the node is awaiting reimage or deletion.
var NodeStatesReadyForReset = []NodeState{NodeDone, NodeShutdown, NodeHalt}

// NodeStatesInUse count against pool demand in the autoscaler.
var NodeStatesInUse = []NodeState{NodeSettingUp, NodeRebooting, NodeReady, NodeBusy}

// ReadyForReset reports whether the state is done, shutdown, or halt.
func (s NodeState) ReadyForReset() bool {
	for _, state := range NodeStatesReadyForReset {
		if s == state {
			return true
		}
	}
	return false
}

// Node is a single VM within a scaleset, running an agent that pulls
// worksets from the pool queue.
type Node struct {
	storage.Meta
	PoolName   string     `json:"pool_name"`
	MachineID  uuid.UUID  `json:"machine_id"`
	PoolID     *uuid.UUID `json:"pool_id,omitempty"`
	Version    string     `json:"version"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	InstanceID *string    `json:"instance_id,omitempty"`
	Heartbeat  *time.Time `json:"heartbeat,omitempty"`
	State      NodeState  `json:"state"`

	ReimageRequested bool `json:"reimage_requested"`
	DeleteRequested  bool `json:"delete_requested"`
	DebugKeepNode    bool `json:"debug_keep_node"`
}

// NodeDescriptor maps nodes onto the store, partitioned by pool name. The
// in-memory task view is never written.
var NodeDescriptor = storage.Descriptor{
	Table:            "Node",
	PartitionField:   "pool_name",
	RowField:         "machine_id",
	ExcludeFromWrite: []string{"tasks", "messages"},
}

// CanProcessNewWork reports whether new work may be assigned to the node.
// Nodes marked for reimage or deletion refuse work even before the agent's
// next poll.
func (n *Node) CanProcessNewWork() bool {
	if n.State.ReadyForReset() {
		return false
	}
	if n.ReimageRequested || n.DeleteRequested {
		return false
	}
	return true
}

// NodeTaskState tracks assignment progress on a node.
type NodeTaskState string

const (
	NodeTaskInit      NodeTaskState = "init"
	NodeTaskSettingUp NodeTaskState = "setting_up"
	NodeTaskRunning   NodeTaskState = "running"
)

// NodeTask is the many-to-many row linking a node to a task it is
// executing. Rows are deleted when the task finishes or the node is
// reimaged.
type NodeTask struct {
	storage.Meta
	MachineID uuid.UUID     `json:"machine_id"`
	TaskID    uuid.UUID     `json:"task_id"`
	State     NodeTaskState `json:"state"`
}

// NodeTaskDescriptor maps node-task assignments onto the store.
var NodeTaskDescriptor = storage.Descriptor{
	Table:          "NodeTasks",
	PartitionField: "machine_id",
	RowField:       "task_id",
}

// NodeMessage is one pending command in a node's FIFO. MessageID is
// monotonic (nanosecond epoch), so lexical row order is delivery order.
type NodeMessage struct {
	storage.Meta
	MachineID uuid.UUID   `json:"machine_id"`
	MessageID string      `json:"message_id"`
	Message   NodeCommand `json:"message"`
}

// NodeMessageDescriptor maps node messages onto the store.
var NodeMessageDescriptor = storage.Descriptor{
	Table:          "NodeMessage",
	PartitionField: "machine_id",
	RowField:       "message_id",
}
