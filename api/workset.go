// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// WorkUnit is one task instance inside a workset. Config is the rendered
// TaskUnitConfig JSON for the agent.
type WorkUnit struct {
	JobID    uuid.UUID `json:"job_id"`
	TaskID   uuid.UUID `json:"task_id"`
	TaskType TaskType  `json:"task_type"`
	Config   string    `json:"config"`
}

// WorkSet is the message an agent pops from the pool queue. A workset with
// no work units is synthetic: it exists to wake idle agents during a
// scale-down and is discarded.
type WorkSet struct {
	Reboot    bool       `json:"reboot"`
	SetupURL  string     `json:"setup_url"`
	Script    bool       `json:"script"`
	WorkUnits []WorkUnit `json:"work_units"`
}

// StopNodeCommand asks the agent to stop all work and shut down.
type StopNodeCommand struct{}

// StopTaskNodeCommand asks the agent to stop one task.
type StopTaskNodeCommand struct {
	TaskID uuid.UUID `json:"task_id"`
}

// SSHKeyInfo delivers a temporary SSH public key to the node.
type SSHKeyInfo struct {
	PublicKey string `json:"public_key"`
}

// StopIfFreeNodeCommand asks an idle agent to re-poll so it can observe a
// pending reimage or shrink.
type StopIfFreeNodeCommand struct{}

// NodeCommand is a tagged union: exactly one arm must be set. Payloads with
// zero or multiple arms are rejected at the boundary.
type NodeCommand struct {
	Stop       *StopNodeCommand       `json:"stop,omitempty"`
	StopTask   *StopTaskNodeCommand   `json:"stop_task,omitempty"`
	AddSSHKey  *SSHKeyInfo            `json:"add_ssh_key,omitempty"`
	StopIfFree *StopIfFreeNodeCommand `json:"stop_if_free,omitempty"`
}

// Validate enforces the exactly-one-arm rule.
func (c NodeCommand) Validate() error {
	count := 0
	if c.Stop != nil {
		count++
	}
	if c.StopTask != nil {
		count++
	}
	if c.AddSSHKey != nil {
		count++
	}
	if c.StopIfFree != nil {
		count++
	}
	if count != 1 {
		return errors.Errorf("node command must set exactly one arm, got %d", count)
	}
	return nil
}

// MarshalJSON implements json.Marshaler, rejecting malformed unions before
// they reach a node.
func (c NodeCommand) MarshalJSON() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	type alias NodeCommand
	return json.Marshal(alias(c))
}

// UnmarshalJSON implements json.Unmarshaler with the same validation.
func (c *NodeCommand) UnmarshalJSON(data []byte) error {
	type alias NodeCommand
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	out := NodeCommand(a)
	if err := out.Validate(); err != nil {
		return err
	}
	*c = out
	return nil
}

// NodeCommandEnvelope is one delivered command with its ack handle.
type NodeCommandEnvelope struct {
	Command   NodeCommand `json:"command"`
	MessageID string      `json:"message_id"`
}

// ExitStatus reports how a task process ended.
type ExitStatus struct {
	Code    *int `json:"code,omitempty"`
	Signal  *int `json:"signal,omitempty"`
	Success bool `json:"success"`
}

// WorkerRunningEvent reports that a task started on the node.
type WorkerRunningEvent struct {
	TaskID uuid.UUID `json:"task_id"`
}

// WorkerDoneEvent reports that a task finished on the node. Stdout and
// stderr carry only the tail of the streams.
type WorkerDoneEvent struct {
	TaskID     uuid.UUID  `json:"task_id"`
	ExitStatus ExitStatus `json:"exit_status"`
	Stderr     string     `json:"stderr"`
	Stdout     string     `json:"stdout"`
}

// WorkerEvent is a tagged union: exactly one arm must be set.
type WorkerEvent struct {
	Running *WorkerRunningEvent `json:"running,omitempty"`
	Done    *WorkerDoneEvent    `json:"done,omitempty"`
}

// Validate enforces the exactly-one-arm rule.
func (e WorkerEvent) Validate() error {
	count := 0
	if e.Running != nil {
		count++
	}
	if e.Done != nil {
		count++
	}
	if count != 1 {
		return errors.Errorf("worker event must set exactly one arm, got %d", count)
	}
	return nil
}

// NodeStateUpdate is the agent's report of its own state. Data carries
// state-specific payloads (task ids while setting up, error details when
// done).
type NodeStateUpdate struct {
	State NodeState            `json:"state"`
	Data  *NodeStateUpdateData `json:"data,omitempty"`
}

// NodeStateUpdateData is the optional payload of a state update.
type NodeStateUpdateData struct {
	Tasks        []uuid.UUID `json:"tasks,omitempty"`
	Error        string      `json:"error,omitempty"`
	ScriptOutput string      `json:"script_output,omitempty"`
}

// NodeEvent is the envelope posted to the agent events endpoint: exactly
// one of a state update or a worker event.
type NodeEvent struct {
	MachineID   uuid.UUID        `json:"machine_id"`
	StateUpdate *NodeStateUpdate `json:"state_update,omitempty"`
	WorkerEvent *WorkerEvent     `json:"worker_event,omitempty"`
}

// Validate enforces the exactly-one-arm rule.
func (e NodeEvent) Validate() error {
	count := 0
	if e.StateUpdate != nil {
		count++
	}
	if e.WorkerEvent != nil {
		count++
	}
	if count != 1 {
		return errors.Errorf("node event must set exactly one arm, got %d", count)
	}
	return nil
}

// AgentRegistrationResponse tells a freshly registered agent where to pull
// work, post events, and poll commands.
type AgentRegistrationResponse struct {
	WorkQueue   string `json:"work_queue"`
	EventsURL   string `json:"events_url"`
	CommandsURL string `json:"commands_url"`
}
