// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/microsoft/onefuzz/api"
	"github.com/microsoft/onefuzz/queue"
	"github.com/microsoft/onefuzz/storage"
)

const (
	// webhookMaxTries bounds delivery attempts per (webhook, event).
	webhookMaxTries = 5
	// webhookVisibility is how long a popped delivery stays hidden, and the
	// delay before a failed delivery is retried.
	webhookVisibility = 30 * time.Second
	// webhookLogRetention is how long delivery records are kept.
	webhookLogRetention = 7 * 24 * time.Hour

	headerEventType = "X-Onefuzz-Event"
	headerEventID   = "X-Onefuzz-Event-Id"
	headerDigest    = "X-Onefuzz-Digest"
)

// Deliverer drains the webhook delivery queue: it POSTs each queued event to
// its webhook, tracking attempts in the delivery log. Retries are driven by
// re-enqueueing with a visibility delay rather than blocking the worker.
type Deliverer struct {
	log         logr.Logger
	queues      queue.Client
	webhooks    *storage.Collection[api.Webhook]
	messageLogs *storage.Collection[api.WebhookMessageLog]
	client      *retryablehttp.Client
	now         func() time.Time
}

// NewDeliverer builds the delivery worker.
func NewDeliverer(log logr.Logger, queues queue.Client, store storage.Client) *Deliverer {
	client := retryablehttp.NewClient()
	// the queue owns retry policy; a failed POST goes back on the queue
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = 30 * time.Second
	return &Deliverer{
		log:         log,
		queues:      queues,
		webhooks:    storage.NewCollection[api.Webhook](store, api.WebhookDescriptor),
		messageLogs: storage.NewCollection[api.WebhookMessageLog](store, api.WebhookMessageLogDescriptor),
		client:      client,
		now:         time.Now,
	}
}

// ProcessQueue pops up to max pending deliveries and attempts each one.
func (d *Deliverer) ProcessQueue(ctx context.Context, max int) error {
	msgs, err := d.queues.Receive(ctx, queue.Webhooks, max, webhookVisibility)
	if err != nil {
		if errors.Is(err, queue.ErrQueueNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to receive webhook deliveries")
	}
	for _, msg := range msgs {
		var obj api.WebhookMessageQueueObj
		if err := json.Unmarshal(msg.Body, &obj); err != nil {
			d.log.Error(err, "dropping unparseable webhook delivery message")
			_ = d.queues.DeleteMessage(ctx, queue.Webhooks, msg)
			continue
		}
		if err := d.deliver(ctx, obj); err != nil {
			d.log.Error(err, "webhook delivery attempt failed", "webhookID", obj.WebhookID, "eventID", obj.EventID)
		}
		// the delivery log carries retry state; the queue message itself is
		// single use
		if err := d.queues.DeleteMessage(ctx, queue.Webhooks, msg); err != nil {
			d.log.Error(err, "failed to delete webhook delivery message", "webhookID", obj.WebhookID)
		}
	}
	return nil
}

func (d *Deliverer) deliver(ctx context.Context, obj api.WebhookMessageQueueObj) error {
	record, err := d.messageLogs.Get(ctx, obj.WebhookID.String(), obj.EventID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to load delivery record")
	}
	if record.State == api.WebhookMessageSucceeded || record.State == api.WebhookMessageFailed {
		return nil
	}

	hooks, err := d.webhooks.Search(ctx, storage.Query{
		Eq: map[string][]string{"webhook_id": {obj.WebhookID.String()}},
	}, 1)
	if err != nil {
		return errors.Wrap(err, "failed to look up webhook")
	}
	if len(hooks) == 0 {
		// subscriber unregistered while the delivery was in flight
		record.State = api.WebhookMessageFailed
		return d.messageLogs.Replace(ctx, record)
	}
	hook := hooks[0]

	record.TryCount++
	sendErr := d.send(ctx, hook, record.Event)
	if sendErr == nil {
		record.State = api.WebhookMessageSucceeded
		return d.messageLogs.Replace(ctx, record)
	}

	if record.TryCount >= webhookMaxTries {
		d.log.Info("webhook delivery exhausted retries",
			"webhookID", hook.WebhookID, "eventID", record.EventID, "tries", record.TryCount)
		record.State = api.WebhookMessageFailed
		if err := d.messageLogs.Replace(ctx, record); err != nil {
			return err
		}
		return sendErr
	}

	record.State = api.WebhookMessageRetrying
	if err := d.messageLogs.Replace(ctx, record); err != nil {
		return err
	}
	if err := queue.SendJSON(ctx, d.queues, queue.Webhooks, obj, &queue.SendOptions{
		VisibilityTimeout: webhookVisibility,
	}); err != nil {
		return errors.Wrap(err, "failed to requeue webhook delivery")
	}
	return sendErr
}

func (d *Deliverer) send(ctx context.Context, hook *api.Webhook, envelope *api.EventEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event envelope")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "onefuzz-webhook")
	req.Header.Set(headerEventType, string(envelope.EventType))
	req.Header.Set(headerEventID, envelope.EventID.String())
	if hook.SecretToken != nil && *hook.SecretToken != "" {
		req.Header.Set(headerDigest, Digest(*hook.SecretToken, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to POST to webhook %s", hook.WebhookID)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("webhook %s returned status %d", hook.WebhookID, resp.StatusCode)
	}
	return nil
}

// Digest is the hex HMAC-SHA512 of the request body, keyed by the webhook's
// secret token. Receivers recompute it to authenticate the sender.
func Digest(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ping sends a synthetic ping event through the webhook delivery path and
// returns the ping payload so callers can match it against what arrives.
func (d *Deliverer) Ping(ctx context.Context, bus *Bus, webhookID uuid.UUID) (*api.EventPing, error) {
	hooks, err := d.webhooks.Search(ctx, storage.Query{
		Eq: map[string][]string{"webhook_id": {webhookID.String()}},
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, storage.ErrNotFound
	}
	ping := api.EventPing{PingID: uuid.New()}
	bus.Emit(ctx, ping)
	return &ping, nil
}

// PruneLogs deletes delivery records older than the retention window.
func (d *Deliverer) PruneLogs(ctx context.Context) error {
	cutoff := d.now().UTC().Add(-webhookLogRetention)
	stale, err := d.messageLogs.Search(ctx, storage.Query{
		Before: map[string]time.Time{"Timestamp": cutoff},
	}, 0)
	if err != nil {
		return errors.Wrap(err, "failed to list stale delivery records")
	}
	for _, record := range stale {
		if err := d.messageLogs.Delete(ctx, record); err != nil && !errors.Is(err, storage.ErrNotFound) {
			d.log.Error(err, "failed to prune delivery record",
				"webhookID", record.WebhookID, "eventID", record.EventID)
		}
	}
	return nil
}
