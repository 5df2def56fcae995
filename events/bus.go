// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package events publishes instance events: every event is broadcast on the
// SignalR queue, and fanned out to each webhook subscribed to its type via a
// persistent delivery log and the webhook delivery queue.
package events

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

// Sink accepts events from the reconcilers. Emit is best effort: event loss
// must never fail the state change that produced the event.
type Sink interface {
	Emit(ctx context.Context, event api.Event)
}

// Bus is the production Sink.
type Bus struct {
	log          logr.Logger
	queues       queue.Client
	webhooks     *storage.Collection[api.Webhook]
	messageLogs  *storage.Collection[api.WebhookMessageLog]
	instanceID   uuid.UUID
	instanceName string
}

// NewBus builds the event bus for one instance.
func NewBus(log logr.Logger, queues queue.Client, store storage.Client, instanceID uuid.UUID, instanceName string) *Bus {
	return &Bus{
		log:          log,
		queues:       queues,
		webhooks:     storage.NewCollection[api.Webhook](store, api.WebhookDescriptor),
		messageLogs:  storage.NewCollection[api.WebhookMessageLog](store, api.WebhookMessageLogDescriptor),
		instanceID:   instanceID,
		instanceName: instanceName,
	}
}

// Emit implements Sink.
func (b *Bus) Emit(ctx context.Context, event api.Event) {
	envelope := api.EventEnvelope{
		EventID:      uuid.New(),
		EventType:    event.EventType(),
		Event:        event,
		InstanceID:   b.instanceID,
		InstanceName: b.instanceName,
	}

	if err := queue.SendJSON(ctx, b.queues, queue.SignalREvents, envelope, nil); err != nil {
		b.log.Error(err, "failed to broadcast event", "eventType", envelope.EventType, "eventID", envelope.EventID)
	}

	if err := b.fanOut(ctx, envelope); err != nil {
		b.log.Error(err, "failed to fan out event to webhooks", "eventType", envelope.EventType, "eventID", envelope.EventID)
	}
}

func (b *Bus) fanOut(ctx context.Context, envelope api.EventEnvelope) error {
	hooks, err := b.webhooks.Search(ctx, storage.Query{}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list webhooks")
	}
	for _, hook := range hooks {
		if !hook.Subscribed(envelope.EventType) {
			continue
		}
		if err := b.enqueueDelivery(ctx, hook, envelope); err != nil {
			b.log.Error(err, "failed to enqueue webhook delivery", "webhookID", hook.WebhookID, "eventID", envelope.EventID)
		}
	}
	return nil
}

func (b *Bus) enqueueDelivery(ctx context.Context, hook *api.Webhook, envelope api.EventEnvelope) error {
	delivered := envelope
	delivered.WebhookID = &hook.WebhookID

	record := &api.WebhookMessageLog{
		WebhookID:    hook.WebhookID,
		EventID:      envelope.EventID,
		EventType:    envelope.EventType,
		Event:        &delivered,
		State:        api.WebhookMessageQueued,
		InstanceID:   envelope.InstanceID,
		InstanceName: envelope.InstanceName,
	}
	if err := b.messageLogs.Upsert(ctx, record); err != nil {
		return errors.Wrap(err, "failed to record delivery")
	}
	return queue.SendJSON(ctx, b.queues, queue.Webhooks, api.WebhookMessageQueueObj{
		WebhookID: hook.WebhookID,
		EventID:   envelope.EventID,
	}, nil)
}

// NullSink discards events. Used where a component needs a Sink but event
// publication is not wired, and in tests that do not assert on events.
type NullSink struct{}

// Emit implements Sink.
func (NullSink) Emit(context.Context, api.Event) {}

// Recorder is a Sink that remembers every event, for tests.
type Recorder struct {
	Events []api.Event
}

// Emit implements Sink.
func (r *Recorder) Emit(_ context.Context, event api.Event) {
	r.Events = append(r.Events, event)
}

// TypesSeen returns the event types in emission order.
func (r *Recorder) TypesSeen() []api.EventType {
	out := make([]api.EventType, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.EventType()
	}
	return out
}
