// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package queue

import (
	"strings"

	"github.com/google/uuid"
)

// Well-known queue names.
const (
	NodeHeartbeat = "node-heartbeat"
	TaskHeartbeat = "task-heartbeat"
	Proxy         = "proxy"
	Webhooks      = "webhooks"
	FileChanges   = "file-changes"
	SignalREvents = "signalr-events"
	Update        = "update-queue"
)

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// PoolQueueName returns the work queue owned by a pool.
func PoolQueueName(poolID uuid.UUID) string {
	return "pool-" + shortID(poolID)
}

// TaskQueueName returns the per-task input queue.
func TaskQueueName(taskID uuid.UUID) string {
	return "task-" + shortID(taskID)
}
