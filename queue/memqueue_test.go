// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package queue

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestMemQueueSendReceiveDelete(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("one"), nil)).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("two"), nil)).To(Succeed())

	msgs, err := q.Receive(ctx, "work", 10, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(msgs).To(HaveLen(2))
	g.Expect(string(msgs[0].Body)).To(Equal("one"))
	g.Expect(string(msgs[1].Body)).To(Equal("two"))

	// both are invisible until the timeout lapses
	again, err := q.Receive(ctx, "work", 10, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(again).To(BeEmpty())

	g.Expect(q.DeleteMessage(ctx, "work", msgs[0])).To(Succeed())
	// deleting twice is harmless
	g.Expect(q.DeleteMessage(ctx, "work", msgs[0])).To(Succeed())

	bodies, err := q.Peek(ctx, "work", 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(bodies).To(BeEmpty())
}

func TestMemQueueVisibilityTimeout(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("payload"), nil)).To(Succeed())

	msgs, err := q.Receive(ctx, "work", 1, 20*time.Millisecond)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(msgs).To(HaveLen(1))

	// the message reappears after the visibility window
	g.Eventually(func() ([]Message, error) {
		return q.Receive(ctx, "work", 1, time.Minute)
	}).WithTimeout(time.Second).WithPolling(5 * time.Millisecond).ShouldNot(BeEmpty())
}

func TestMemQueueDelayedDelivery(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("later"), &SendOptions{
		VisibilityTimeout: 20 * time.Millisecond,
	})).To(Succeed())

	bodies, err := q.Peek(ctx, "work", 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(bodies).To(BeEmpty())

	g.Eventually(func() ([][]byte, error) {
		return q.Peek(ctx, "work", 10)
	}).WithTimeout(time.Second).WithPolling(5 * time.Millisecond).ShouldNot(BeEmpty())
}

func TestMemQueueMessageExpiry(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("short-lived"), &SendOptions{
		TimeToLive: 10 * time.Millisecond,
	})).To(Succeed())

	g.Eventually(func() ([][]byte, error) {
		return q.Peek(ctx, "work", 10)
	}).WithTimeout(time.Second).WithPolling(5 * time.Millisecond).Should(BeEmpty())
}

func TestMemQueueMissingQueueSemantics(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Send(ctx, "nope", []byte("x"), nil)).To(MatchError(ErrQueueNotFound))

	_, err := q.Peek(ctx, "nope", 1)
	g.Expect(err).To(MatchError(ErrQueueNotFound))

	// receive paths treat a missing queue as empty so pollers stay quiet
	msgs, err := q.Receive(ctx, "nope", 1, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(msgs).To(BeEmpty())

	ok, err := q.ReceiveAndDeleteOne(ctx, "nope")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(ok).To(BeFalse())

	g.Expect(q.Delete(ctx, "nope")).To(Succeed())
	g.Expect(q.Clear(ctx, "nope")).To(Succeed())
}

func TestMemQueueClear(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("one"), nil)).To(Succeed())
	g.Expect(q.Clear(ctx, "work")).To(Succeed())

	bodies, err := q.Peek(ctx, "work", 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(bodies).To(BeEmpty())

	// the queue itself survives a clear
	g.Expect(q.Send(ctx, "work", []byte("two"), nil)).To(Succeed())
}

func TestPeekJSONSkipsPoisonMessages(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()
	q := NewMemQueue()

	type payload struct {
		Name string `json:"name"`
	}

	g.Expect(q.Create(ctx, "work")).To(Succeed())
	g.Expect(SendJSON(ctx, q, "work", payload{Name: "first"}, nil)).To(Succeed())
	g.Expect(q.Send(ctx, "work", []byte("not json"), nil)).To(Succeed())
	g.Expect(SendJSON(ctx, q, "work", payload{Name: "second"}, nil)).To(Succeed())

	out, err := PeekJSON[payload](ctx, q, "work", 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(HaveLen(2))
	g.Expect(out[0].Name).To(Equal("first"))
	g.Expect(out[1].Name).To(Equal("second"))
}
