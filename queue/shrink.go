// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package queue

import (
	"context"

	"github.com/google/uuid"
)

// ShrinkQueue is a per-scope token bucket built on a named queue. Each
// message is an authorization for exactly one node to halt itself; consuming
// a token with ShouldShrink removes it, giving ordered, at-most-n shrinkage
// without locks.
type ShrinkQueue struct {
	client Client
	name   string
}

type shrinkEntry struct {
	ShrinkID uuid.UUID `json:"shrink_id"`
}

// NewShrinkQueue binds the shrink domain (a scaleset or pool id) to the
// queue service.
func NewShrinkQueue(client Client, scope uuid.UUID) *ShrinkQueue {
	return &ShrinkQueue{client: client, name: ShrinkQueueName(scope)}
}

// ShrinkQueueName returns the queue name for a shrink scope.
func ShrinkQueueName(scope uuid.UUID) string {
	return "to-shrink-" + shortID(scope)
}

// Create creates the backing queue.
func (q *ShrinkQueue) Create(ctx context.Context) error {
	return q.client.Create(ctx, q.name)
}

// Delete removes the backing queue and any outstanding tokens.
func (q *ShrinkQueue) Delete(ctx context.Context) error {
	return q.client.Delete(ctx, q.name)
}

// Clear revokes all outstanding tokens.
func (q *ShrinkQueue) Clear(ctx context.Context) error {
	return q.client.Clear(ctx, q.name)
}

// AddEntry grants one halt authorization.
func (q *ShrinkQueue) AddEntry(ctx context.Context) error {
	return SendJSON(ctx, q.client, q.name, shrinkEntry{ShrinkID: uuid.New()}, nil)
}

// SetSize resets the outstanding authorizations to exactly size.
func (q *ShrinkQueue) SetSize(ctx context.Context, size int) error {
	if err := q.Clear(ctx); err != nil {
		return err
	}
	for i := 0; i < size; i++ {
		if err := q.AddEntry(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ShouldShrink consumes one authorization, reporting whether one was
// available. A missing queue reports false.
func (q *ShrinkQueue) ShouldShrink(ctx context.Context) (bool, error) {
	return q.client.ReceiveAndDeleteOne(ctx, q.name)
}
