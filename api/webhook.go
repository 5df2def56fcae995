// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"github.com/google/uuid"

	"github.com/microsoft/onefuzz/storage"
)

// Webhook is a registered event subscriber.
type Webhook struct {
	storage.Meta
	WebhookID   uuid.UUID   `json:"webhook_id"`
	Name        string      `json:"name"`
	URL         string      `json:"url"`
	EventTypes  []EventType `json:"event_types"`
	SecretToken *string     `json:"secret_token,omitempty"`
}

// Subscribed reports whether the webhook wants the given event type.
func (w *Webhook) Subscribed(t EventType) bool {
	for _, et := range w.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// WebhookDescriptor maps webhooks onto the store.
var WebhookDescriptor = storage.Descriptor{
	Table:          "Webhook",
	PartitionField: "webhook_id",
	RowField:       "name",
}

// WebhookMessageState tracks delivery progress of one event to one webhook.
type WebhookMessageState string

const (
	WebhookMessageQueued    WebhookMessageState = "queued"
	WebhookMessageRetrying  WebhookMessageState = "retrying"
	WebhookMessageSucceeded WebhookMessageState = "succeeded"
	WebhookMessageFailed    WebhookMessageState = "failed"
)

// WebhookMessageLog is the persisted delivery record: one row per
// (webhook, event), with TryCount incremented across retries. Rows are
// pruned after seven days.
type WebhookMessageLog struct {
	storage.Meta
	WebhookID    uuid.UUID           `json:"webhook_id"`
	EventID      uuid.UUID           `json:"event_id"`
	EventType    EventType           `json:"event_type"`
	Event        *EventEnvelope      `json:"event"`
	State        WebhookMessageState `json:"state"`
	TryCount     int                 `json:"try_count"`
	InstanceID   uuid.UUID           `json:"instance_id"`
	InstanceName string              `json:"instance_name"`
}

// WebhookMessageLogDescriptor maps delivery records onto the store.
var WebhookMessageLogDescriptor = storage.Descriptor{
	Table:          "WebhookMessageLog",
	PartitionField: "webhook_id",
	RowField:       "event_id",
}

// WebhookMessageQueueObj is the queue payload pointing at a delivery record.
type WebhookMessageQueueObj struct {
	WebhookID uuid.UUID `json:"webhook_id"`
	EventID   uuid.UUID `json:"event_id"`
}
