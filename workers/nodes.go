// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

const (
	// nodeExpirationTime is how stale a node heartbeat may be before the node
	// is declared dead and recycled.
	nodeExpirationTime = time.Hour
	// nodeReimageTime bounds node lifetime; long-lived nodes accumulate
	// fuzzing residue and are reimaged on schedule.
	nodeReimageTime = 7 * 24 * time.Hour
	// outputTailBytes is how much of a worker's stdout/stderr tail survives
	// into task errors and events.
	outputTailBytes = 4096
)

// RegisterNode records an agent coming online. Re-registration after a
// reimage is the same call: any tasks still assigned to the machine are
// stopped early and the node starts over in init.
func (s *Service) RegisterNode(ctx context.Context, poolName string, machineID uuid.UUID, scalesetID *uuid.UUID, version string) (*api.AgentRegistrationResponse, error) {
	pools, err := s.Pools.Search(ctx, storage.Query{
		Eq: map[string][]string{"name": {poolName}},
	}, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pool")
	}
	if len(pools) == 0 {
		return nil, errors.Errorf("pool %q does not exist", poolName)
	}
	pool := pools[0]

	if existing, err := s.findNode(ctx, machineID); err == nil && existing != nil {
		if err := s.markTasksStoppedEarly(ctx, existing, api.Errorf(api.ErrorTaskFailed,
			"node reimaged during task execution")); err != nil {
			return nil, err
		}
		if err := s.clearNodeMessages(ctx, machineID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	node := &api.Node{
		PoolName:   poolName,
		MachineID:  machineID,
		PoolID:     &pool.PoolID,
		Version:    version,
		ScalesetID: scalesetID,
		State:      api.NodeInit,
	}
	if err := s.Nodes.Upsert(ctx, node); err != nil {
		return nil, errors.Wrap(err, "failed to store node")
	}
	s.Events.Emit(ctx, api.EventNodeCreated{
		MachineID:  machineID,
		ScalesetID: scalesetID,
		PoolName:   poolName,
	})

	workQueue, err := s.Queues.SASURL(ctx, queue.PoolQueueName(pool.PoolID), queue.Permissions{
		Read:    true,
		Process: true,
	}, 24*time.Hour)
	if err != nil {
		return nil, errors.Wrap(err, "failed to mint work queue SAS")
	}
	base := fmt.Sprintf("https://%s.azurewebsites.net/api/agents", s.InstanceName)
	return &api.AgentRegistrationResponse{
		WorkQueue:   workQueue,
		EventsURL:   base + "/events",
		CommandsURL: base + "/commands",
	}, nil
}

// findNode locates a node by machine id; nil without error means unknown.
func (s *Service) findNode(ctx context.Context, machineID uuid.UUID) (*api.Node, error) {
	nodes, err := s.Nodes.Search(ctx, storage.Query{
		Eq: map[string][]string{"machine_id": {machineID.String()}},
	}, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up node")
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	return nodes[0], nil
}

// sendNodeCommand appends a command to the node's FIFO. Message ids are
// nanosecond timestamps zero-padded so lexical row order is delivery order.
func (s *Service) sendNodeCommand(ctx context.Context, machineID uuid.UUID, cmd api.NodeCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	msg := &api.NodeMessage{
		MachineID: machineID,
		MessageID: fmt.Sprintf("%020d", s.now().UTC().UnixNano()),
		Message:   cmd,
	}
	return s.NodeMessages.Upsert(ctx, msg)
}

// GetNodeCommands returns up to max pending commands in delivery order.
// Commands stay queued until acked.
func (s *Service) GetNodeCommands(ctx context.Context, machineID uuid.UUID, max int) ([]api.NodeCommandEnvelope, error) {
	msgs, err := s.NodeMessages.Search(ctx, storage.Query{
		Eq: map[string][]string{"machine_id": {machineID.String()}},
	}, max)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list node commands")
	}
	out := make([]api.NodeCommandEnvelope, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, api.NodeCommandEnvelope{
			Command:   msg.Message,
			MessageID: msg.MessageID,
		})
	}
	return out, nil
}

// AckNodeCommand removes a delivered command. Acking twice is a no-op.
func (s *Service) AckNodeCommand(ctx context.Context, machineID uuid.UUID, messageID string) error {
	err := s.NodeMessages.DeleteKeys(ctx, machineID.String(), messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) clearNodeMessages(ctx context.Context, machineID uuid.UUID) error {
	msgs, err := s.NodeMessages.Search(ctx, storage.Query{
		Eq: map[string][]string{"machine_id": {machineID.String()}},
	}, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if err := s.NodeMessages.Delete(ctx, msg); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// AddSSHKey queues a temporary SSH public key onto the node for debugging.
func (s *Service) AddSSHKey(ctx context.Context, machineID uuid.UUID, publicKey string) error {
	if err := validateSSHPublicKey(publicKey); err != nil {
		return err
	}
	node, err := s.findNode(ctx, machineID)
	if err != nil {
		return err
	}
	if node == nil {
		return errors.Errorf("node %s does not exist", machineID)
	}
	return s.sendNodeCommand(ctx, machineID, api.NodeCommand{
		AddSSHKey: &api.SSHKeyInfo{PublicKey: strings.TrimSpace(publicKey)},
	})
}

// StopNodeTask asks the node's agent to stop one task.
func (s *Service) StopNodeTask(ctx context.Context, machineID, taskID uuid.UUID) error {
	return s.sendNodeCommand(ctx, machineID, api.NodeCommand{
		StopTask: &api.StopTaskNodeCommand{TaskID: taskID},
	})
}

// OnNodeEvent dispatches an agent-posted event.
func (s *Service) OnNodeEvent(ctx context.Context, ev api.NodeEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	node, err := s.findNode(ctx, ev.MachineID)
	if err != nil {
		return err
	}
	if node == nil {
		return errors.Errorf("event from unknown node %s", ev.MachineID)
	}
	if ev.StateUpdate != nil {
		return s.onStateUpdate(ctx, node, *ev.StateUpdate)
	}
	return s.onWorkerEvent(ctx, node, *ev.WorkerEvent)
}

func (s *Service) onStateUpdate(ctx context.Context, node *api.Node, update api.NodeStateUpdate) error {
	switch update.State {
	case api.NodeFree:
		if node.ReimageRequested || node.DeleteRequested {
			s.Log.Info("stopping free node with pending reset", "machineID", node.MachineID)
			return s.stopIfFree(ctx, node)
		}
		halted, err := s.consumeShrinkToken(ctx, node)
		if err != nil {
			return err
		}
		if halted {
			return nil
		}
	case api.NodeInit:
		if node.DeleteRequested {
			return s.sendNodeCommand(ctx, node.MachineID, api.NodeCommand{Stop: &api.StopNodeCommand{}})
		}
		// the agent came back from a reimage; the request is satisfied
		if node.ReimageRequested {
			node.ReimageRequested = false
			if err := s.Nodes.Replace(ctx, node); err != nil {
				return err
			}
		}
	case api.NodeSettingUp:
		if update.Data != nil {
			for _, taskID := range update.Data.Tasks {
				if err := s.onTaskSettingUp(ctx, node, taskID); err != nil {
					return err
				}
			}
		}
	case api.NodeDone:
		var taskErr *api.Error
		if update.Data != nil && update.Data.Error != "" {
			taskErr = api.NewError(api.ErrorTaskFailed,
				fmt.Sprintf("node error: %s", update.Data.Error),
				fmt.Sprintf("script output: %s", tail(update.Data.ScriptOutput, outputTailBytes)))
		}
		if err := s.markTasksStoppedEarly(ctx, node, taskErr); err != nil {
			return err
		}
		if err := s.setNodeState(ctx, node, api.NodeDone); err != nil {
			return err
		}
		return s.ToReimage(ctx, node, true)
	}
	return s.setNodeState(ctx, node, update.State)
}

func (s *Service) onTaskSettingUp(ctx context.Context, node *api.Node, taskID uuid.UUID) error {
	if err := s.NodeTasks.Upsert(ctx, &api.NodeTask{
		MachineID: node.MachineID,
		TaskID:    taskID,
		State:     api.NodeTaskSettingUp,
	}); err != nil {
		return err
	}
	task, err := s.findTask(ctx, taskID)
	if err != nil || task == nil {
		return err
	}
	if task.State == api.TaskScheduled {
		task.State = api.TaskSettingUp
		if err := s.Tasks.Replace(ctx, task); err != nil {
			return err
		}
		s.emitTaskState(ctx, task)
	}
	return nil
}

func (s *Service) onWorkerEvent(ctx context.Context, node *api.Node, ev api.WorkerEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Running != nil {
		return s.onWorkerRunning(ctx, node, *ev.Running, ev)
	}
	return s.onWorkerDone(ctx, node, *ev.Done, ev)
}

func (s *Service) onWorkerRunning(ctx context.Context, node *api.Node, running api.WorkerRunningEvent, raw api.WorkerEvent) error {
	if err := s.NodeTasks.Upsert(ctx, &api.NodeTask{
		MachineID: node.MachineID,
		TaskID:    running.TaskID,
		State:     api.NodeTaskRunning,
	}); err != nil {
		return err
	}
	if node.State != api.NodeBusy {
		if err := s.setNodeState(ctx, node, api.NodeBusy); err != nil {
			return err
		}
	}
	task, err := s.findTask(ctx, running.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errors.Errorf("running event for unknown task %s", running.TaskID)
	}
	if err := s.appendTaskEvent(ctx, task.TaskID, node.MachineID, raw); err != nil {
		return err
	}
	return s.OnTaskStarting(ctx, task)
}

func (s *Service) onWorkerDone(ctx context.Context, node *api.Node, done api.WorkerDoneEvent, raw api.WorkerEvent) error {
	task, err := s.findTask(ctx, done.TaskID)
	if err != nil {
		return err
	}
	if task != nil {
		if err := s.appendTaskEvent(ctx, task.TaskID, node.MachineID, raw); err != nil {
			return err
		}
		if done.ExitStatus.Success {
			s.Log.Info("task worker finished", "taskID", done.TaskID, "machineID", node.MachineID)
			if err := s.MarkTaskStopping(ctx, task); err != nil {
				return err
			}
		} else {
			taskErr := api.NewError(api.ErrorTaskFailed,
				fmt.Sprintf("task failed. exit_status:%+v", done.ExitStatus),
				tail(done.Stdout, outputTailBytes),
				tail(done.Stderr, outputTailBytes))
			if err := s.MarkTaskFailed(ctx, task, taskErr); err != nil {
				return err
			}
		}

		keepOnFailure := task.Config.HasDebugFlag(api.KeepNodeOnFailure) && !done.ExitStatus.Success
		keepOnCompletion := task.Config.HasDebugFlag(api.KeepNodeOnCompletion) && done.ExitStatus.Success
		if keepOnFailure || keepOnCompletion {
			s.Log.Info("keeping node for debugging", "machineID", node.MachineID, "taskID", done.TaskID)
			node.DebugKeepNode = true
			if err := s.Nodes.Replace(ctx, node); err != nil {
				return err
			}
		}
	}

	err = s.NodeTasks.Delete(ctx, &api.NodeTask{MachineID: node.MachineID, TaskID: done.TaskID})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return s.ToReimage(ctx, node, true)
}

func (s *Service) findTask(ctx context.Context, taskID uuid.UUID) (*api.Task, error) {
	tasks, err := s.Tasks.Search(ctx, storage.Query{
		Eq: map[string][]string{"task_id": {taskID.String()}},
	}, 1)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up task")
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return tasks[0], nil
}

func (s *Service) appendTaskEvent(ctx context.Context, taskID, machineID uuid.UUID, ev api.WorkerEvent) error {
	return s.TaskEvents.Insert(ctx, &api.TaskEvent{
		TaskID:    taskID,
		EventID:   uuid.New(),
		MachineID: machineID,
		Data:      ev,
	})
}

// markTasksStoppedEarly fails every task still assigned to the node. Called
// when a node dies, reimages, or reports done with work outstanding.
func (s *Service) markTasksStoppedEarly(ctx context.Context, node *api.Node, taskErr *api.Error) error {
	if taskErr == nil {
		taskErr = api.Errorf(api.ErrorTaskFailed, "node halted before task completion: %s", node.MachineID)
	}
	assignments, err := s.NodeTasks.Search(ctx, storage.Query{
		Eq: map[string][]string{"machine_id": {node.MachineID.String()}},
	}, 0)
	if err != nil {
		return err
	}
	for _, nt := range assignments {
		task, err := s.findTask(ctx, nt.TaskID)
		if err != nil {
			return err
		}
		if task != nil {
			if err := s.MarkTaskFailed(ctx, task, taskErr); err != nil {
				return err
			}
		}
		if err := s.NodeTasks.Delete(ctx, nt); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *Service) setNodeState(ctx context.Context, node *api.Node, state api.NodeState) error {
	if node.State == state {
		return nil
	}
	node.State = state
	if err := s.Nodes.Replace(ctx, node); err != nil {
		return err
	}
	s.Events.Emit(ctx, api.EventNodeStateUpdated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
		State:      state,
	})
	return nil
}

func (s *Service) stopIfFree(ctx context.Context, node *api.Node) error {
	return s.sendNodeCommand(ctx, node.MachineID, api.NodeCommand{
		StopIfFree: &api.StopIfFreeNodeCommand{},
	})
}

// ToReimage marks the node for recycling. With done set the node also
// leaves the work rotation immediately. Nodes kept for debugging are marked
// but never queued for reimage.
func (s *Service) ToReimage(ctx context.Context, node *api.Node, done bool) error {
	if done && !node.State.ReadyForReset() {
		node.State = api.NodeDone
	}
	if !node.ReimageRequested && !node.DeleteRequested {
		node.ReimageRequested = true
	}
	if node.DebugKeepNode {
		node.ReimageRequested = false
	}
	if err := s.Nodes.Replace(ctx, node); err != nil {
		return err
	}
	return s.stopIfFree(ctx, node)
}

// SetNodeHalt tells the node to stop everything and marks it for deletion.
func (s *Service) SetNodeHalt(ctx context.Context, node *api.Node) error {
	node.DeleteRequested = true
	if err := s.Nodes.Replace(ctx, node); err != nil {
		return err
	}
	if err := s.sendNodeCommand(ctx, node.MachineID, api.NodeCommand{Stop: &api.StopNodeCommand{}}); err != nil {
		return err
	}
	return s.setNodeState(ctx, node, api.NodeHalt)
}

// SetNodeShutdown lets the node finish current work, then halts it.
func (s *Service) SetNodeShutdown(ctx context.Context, node *api.Node) error {
	if node.State == api.NodeFree {
		return s.SetNodeHalt(ctx, node)
	}
	node.DeleteRequested = true
	if err := s.Nodes.Replace(ctx, node); err != nil {
		return err
	}
	return s.stopIfFree(ctx, node)
}

// DeleteNode removes the node row and everything hanging off it.
func (s *Service) DeleteNode(ctx context.Context, node *api.Node) error {
	if err := s.markTasksStoppedEarly(ctx, node, nil); err != nil {
		return err
	}
	if err := s.clearNodeMessages(ctx, node.MachineID); err != nil {
		return err
	}
	if err := s.Nodes.Delete(ctx, node); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	s.Events.Emit(ctx, api.EventNodeDeleted{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})
	return nil
}

// ProcessNodes runs the node sweeps: retire agents running an outdated
// version, recycle busy nodes that lost their work, and collect unmanaged
// nodes that finished.
func (s *Service) ProcessNodes(ctx context.Context) error {
	return forEach(ctx, s, s.Nodes, storage.Query{}, "node", func(ctx context.Context, node *api.Node) error {
		if outdated, major := s.versionOutdated(node.Version); outdated {
			if major {
				s.Log.Info("halting node on incompatible agent version",
					"machineID", node.MachineID, "version", node.Version)
				return s.SetNodeHalt(ctx, node)
			}
			return s.stopIfFree(ctx, node)
		}

		if node.State == api.NodeBusy {
			assignments, err := s.NodeTasks.Search(ctx, storage.Query{
				Eq: map[string][]string{"machine_id": {node.MachineID.String()}},
			}, 1)
			if err != nil {
				return err
			}
			if len(assignments) == 0 {
				s.Log.Info("recycling busy node with no assigned work", "machineID", node.MachineID)
				return s.ToReimage(ctx, node, true)
			}
		}

		if node.ScalesetID == nil && node.State.ReadyForReset() {
			return s.DeleteNode(ctx, node)
		}
		return nil
	})
}

// versionOutdated compares an agent version against the service version.
// The second result reports a major or minor mismatch, which forces a halt
// rather than a polite re-poll.
func (s *Service) versionOutdated(nodeVersion string) (outdated, major bool) {
	if nodeVersion == s.Version {
		return false, false
	}
	nv, err1 := semver.ParseTolerant(nodeVersion)
	sv, err2 := semver.ParseTolerant(s.Version)
	if err1 != nil || err2 != nil {
		return true, true
	}
	return true, nv.Major != sv.Major || nv.Minor != sv.Minor
}

// tail returns the last n bytes of a stream capture.
func tail(data string, n int) string {
	if len(data) <= n {
		return data
	}
	return data[len(data)-n:]
}
