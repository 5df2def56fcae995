// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package queue provides named FIFO queues with visibility timeouts.
// Message bodies travel as base64-encoded JSON so the transport is opaque.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrQueueNotFound is returned by receivers when the queue does not exist.
// Producers treat a missing queue as a loggable condition, not a failure.
var ErrQueueNotFound = errors.New("queue not found")

// Message is one received queue message. The pop receipt is required to
// delete the message before its visibility timeout expires.
type Message struct {
	ID         string
	PopReceipt string
	Body       []byte
}

// SendOptions control message visibility and retention.
type SendOptions struct {
	// VisibilityTimeout hides the message for the given duration.
	VisibilityTimeout time.Duration
	// TimeToLive discards the message after the given duration; zero means
	// the backend default.
	TimeToLive time.Duration
}

// Permissions scope a queue SAS URL.
type Permissions struct {
	Read    bool
	Add     bool
	Update  bool
	Process bool
}

// Client is the named-queue collaborator.
type Client interface {
	// Create creates the queue; existing queues are not an error.
	Create(ctx context.Context, name string) error
	// Delete removes the queue and all messages; absent queues are not an error.
	Delete(ctx context.Context, name string) error
	// Clear removes all messages from the queue.
	Clear(ctx context.Context, name string) error
	// Send enqueues a message.
	Send(ctx context.Context, name string, body []byte, opts *SendOptions) error
	// Peek returns up to max message bodies (max 32) without consuming them.
	Peek(ctx context.Context, name string, max int) ([][]byte, error)
	// Receive pops up to max messages, hiding them for the visibility timeout.
	Receive(ctx context.Context, name string, max int, visibility time.Duration) ([]Message, error)
	// DeleteMessage removes a received message.
	DeleteMessage(ctx context.Context, name string, msg Message) error
	// ReceiveAndDeleteOne consumes a single message, reporting whether one
	// existed. A missing queue reports false.
	ReceiveAndDeleteOne(ctx context.Context, name string) (bool, error)
	// SASURL returns a scoped, time-limited URL for direct queue access.
	SASURL(ctx context.Context, name string, perms Permissions, expiry time.Duration) (string, error)
}

// SendJSON marshals the model and enqueues it.
func SendJSON(ctx context.Context, c Client, name string, v interface{}, opts *SendOptions) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal message for queue %s", name)
	}
	return c.Send(ctx, name, body, opts)
}

// PeekJSON peeks up to max messages and unmarshals each into T. Messages
// that do not parse are skipped; a queue may carry stale payloads across a
// service upgrade.
func PeekJSON[T any](ctx context.Context, c Client, name string, max int) ([]T, error) {
	bodies, err := c.Peek(ctx, name, max)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(bodies))
	for _, body := range bodies {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
