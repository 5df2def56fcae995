// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package workers

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
)

// heartbeatBatch is how many queue messages one pass consumes.
const heartbeatBatch = 32

// nodeHeartbeatEntry is the agent's liveness ping.
type nodeHeartbeatEntry struct {
	NodeID uuid.UUID `json:"node_id"`
}

// taskHeartbeatEntry is the worker's per-task liveness ping.
type taskHeartbeatEntry struct {
	TaskID    uuid.UUID `json:"task_id"`
	JobID     uuid.UUID `json:"job_id"`
	MachineID uuid.UUID `json:"machine_id"`
}

func (s *Service) drainQueue(ctx context.Context, name string, handle func(context.Context, []byte)) error {
	msgs, err := s.Queues.Receive(ctx, name, heartbeatBatch, 30*time.Second)
	if err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			return nil
		}
		return errors.Wrapf(err, "failed to receive from %s", name)
	}
	for _, msg := range msgs {
		handle(ctx, msg.Body)
		if err := s.Queues.DeleteMessage(ctx, name, msg); err != nil {
			s.Log.Error(err, "failed to delete consumed message", "queue", name)
		}
	}
	return nil
}

// ProcessNodeHeartbeats stamps node heartbeat times from the agent queue.
func (s *Service) ProcessNodeHeartbeats(ctx context.Context) error {
	return s.drainQueue(ctx, queue.NodeHeartbeat, func(ctx context.Context, body []byte) {
		var entry nodeHeartbeatEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			s.Log.Error(err, "dropping unparseable node heartbeat")
			return
		}
		node, err := s.findNode(ctx, entry.NodeID)
		if err != nil || node == nil {
			return
		}
		now := s.now().UTC()
		node.Heartbeat = &now
		if err := s.Nodes.Replace(ctx, node); err != nil {
			s.Log.Error(err, "failed to stamp node heartbeat", "machineID", entry.NodeID)
		}
	})
}

// ProcessTaskHeartbeats stamps task heartbeat times from the worker queue.
func (s *Service) ProcessTaskHeartbeats(ctx context.Context) error {
	return s.drainQueue(ctx, queue.TaskHeartbeat, func(ctx context.Context, body []byte) {
		var entry taskHeartbeatEntry
		if err := json.Unmarshal(body, &entry); err != nil {
			s.Log.Error(err, "dropping unparseable task heartbeat")
			return
		}
		task, err := s.Tasks.Get(ctx, entry.JobID.String(), entry.TaskID.String())
		if err != nil {
			return
		}
		now := s.now().UTC()
		task.Heartbeat = &now
		if err := s.Tasks.Replace(ctx, task); err != nil {
			s.Log.Error(err, "failed to stamp task heartbeat", "taskID", entry.TaskID)
		}
	})
}

// ProcessProxyHeartbeats records proxy liveness and forward state from the
// proxy queue.
func (s *Service) ProcessProxyHeartbeats(ctx context.Context) error {
	return s.drainQueue(ctx, queue.Proxy, func(ctx context.Context, body []byte) {
		var data api.ProxyHeartbeatData
		if err := json.Unmarshal(body, &data); err != nil {
			s.Log.Error(err, "dropping unparseable proxy heartbeat")
			return
		}
		proxy, err := s.Proxies.Get(ctx, data.Region, data.ProxyID.String())
		if err != nil {
			s.Log.Info("heartbeat from unknown proxy", "region", data.Region, "proxyID", data.ProxyID)
			return
		}
		data.Timestamp = s.now().UTC()
		proxy.Heartbeat = &data
		if err := s.Proxies.Replace(ctx, proxy); err != nil {
			s.Log.Error(err, "failed to stamp proxy heartbeat", "proxyID", data.ProxyID)
		}
	})
}

// fileChangeEvent is the storage notification for a new blob, trimmed to
// what the consumer needs.
type fileChangeEvent struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// ProcessFileChanges fans out new-blob notifications: an event for
// subscribers plus a message on the input queue of every task monitoring
// the container.
func (s *Service) ProcessFileChanges(ctx context.Context) error {
	return s.drainQueue(ctx, queue.FileChanges, func(ctx context.Context, body []byte) {
		var ev fileChangeEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			s.Log.Error(err, "dropping unparseable file change")
			return
		}
		container, filename, ok := parseBlobURL(ev.Data.URL)
		if !ok {
			return
		}
		s.Events.Emit(ctx, api.EventFileAdded{Container: container, Filename: filename})

		tasks, err := s.Tasks.Search(ctx, statesQuery("state", api.TaskStatesAvailable), 0)
		if err != nil {
			s.Log.Error(err, "failed to list tasks for file change")
			return
		}
		for _, task := range tasks {
			def, ok := api.Definitions[task.Config.Task.Type]
			if !ok || def.MonitorQueue == "" {
				continue
			}
			monitored, ok := task.Config.Container(def.MonitorQueue)
			if !ok || monitored.Name != container {
				continue
			}
			if err := queue.SendJSON(ctx, s.Queues, queue.TaskQueueName(task.TaskID), map[string]string{
				"url": ev.Data.URL,
			}, nil); err != nil {
				s.Log.Error(err, "failed to notify task input queue", "taskID", task.TaskID)
			}
		}
	})
}

// parseBlobURL extracts container and blob path from a storage URL.
func parseBlobURL(raw string) (container, filename string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
