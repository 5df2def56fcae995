// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemQueue is an in-memory Client used for local development and tests.
// Visibility timeouts are honored against the wall clock.
type MemQueue struct {
	mu     sync.Mutex
	queues map[string][]*memMessage
	serial uint64
}

type memMessage struct {
	id         string
	popReceipt string
	body       []byte
	visibleAt  time.Time
	expiresAt  time.Time
}

// NewMemQueue returns an empty in-memory queue service.
func NewMemQueue() *MemQueue {
	return &MemQueue{queues: map[string][]*memMessage{}}
}

// Create implements Client.
func (q *MemQueue) Create(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		q.queues[name] = nil
	}
	return nil
}

// Delete implements Client.
func (q *MemQueue) Delete(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, name)
	return nil
}

// Clear implements Client.
func (q *MemQueue) Clear(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; ok {
		q.queues[name] = nil
	}
	return nil
}

// Send implements Client.
func (q *MemQueue) Send(_ context.Context, name string, body []byte, opts *SendOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		return ErrQueueNotFound
	}
	q.serial++
	msg := &memMessage{
		id:   strconv.FormatUint(q.serial, 10),
		body: append([]byte(nil), body...),
	}
	now := time.Now()
	if opts != nil {
		if opts.VisibilityTimeout > 0 {
			msg.visibleAt = now.Add(opts.VisibilityTimeout)
		}
		if opts.TimeToLive > 0 {
			msg.expiresAt = now.Add(opts.TimeToLive)
		}
	}
	q.queues[name] = append(q.queues[name], msg)
	return nil
}

func (q *MemQueue) visible(name string, now time.Time) []*memMessage {
	var out []*memMessage
	var kept []*memMessage
	for _, msg := range q.queues[name] {
		if !msg.expiresAt.IsZero() && now.After(msg.expiresAt) {
			continue
		}
		kept = append(kept, msg)
		if now.Before(msg.visibleAt) {
			continue
		}
		out = append(out, msg)
	}
	q.queues[name] = kept
	return out
}

// Peek implements Client.
func (q *MemQueue) Peek(_ context.Context, name string, max int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		return nil, ErrQueueNotFound
	}
	if max <= 0 || max > 32 {
		max = 32
	}
	var out [][]byte
	for _, msg := range q.visible(name, time.Now()) {
		out = append(out, append([]byte(nil), msg.body...))
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Receive implements Client.
func (q *MemQueue) Receive(_ context.Context, name string, max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		return nil, nil
	}
	if max <= 0 || max > 32 {
		max = 32
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	now := time.Now()
	var out []Message
	for _, msg := range q.visible(name, now) {
		msg.visibleAt = now.Add(visibility)
		q.serial++
		msg.popReceipt = fmt.Sprintf("pr-%d", q.serial)
		out = append(out, Message{
			ID:         msg.id,
			PopReceipt: msg.popReceipt,
			Body:       append([]byte(nil), msg.body...),
		})
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// DeleteMessage implements Client.
func (q *MemQueue) DeleteMessage(_ context.Context, name string, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs, ok := q.queues[name]
	if !ok {
		return ErrQueueNotFound
	}
	for i, m := range msgs {
		if m.id == msg.ID && m.popReceipt == msg.PopReceipt {
			q.queues[name] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// ReceiveAndDeleteOne implements Client.
func (q *MemQueue) ReceiveAndDeleteOne(_ context.Context, name string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queues[name]; !ok {
		return false, nil
	}
	visible := q.visible(name, time.Now())
	if len(visible) == 0 {
		return false, nil
	}
	target := visible[0]
	msgs := q.queues[name]
	for i, m := range msgs {
		if m == target {
			q.queues[name] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	return true, nil
}

// SASURL implements Client with an unsigned placeholder URL.
func (q *MemQueue) SASURL(_ context.Context, name string, _ Permissions, expiry time.Duration) (string, error) {
	return fmt.Sprintf("memqueue://%s?expiry=%ds", name, int(expiry.Seconds())), nil
}
