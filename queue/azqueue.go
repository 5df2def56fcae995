// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package queue

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/sas"
	"github.com/pkg/errors"
)

// StorageQueue is the Azure Queue storage backend. Bodies are base64
// encoded on the wire; the shared key credential is needed to mint SAS URLs
// for agents.
type StorageQueue struct {
	service    *azqueue.ServiceClient
	credential *azqueue.SharedKeyCredential
}

// NewStorageQueue wraps an azqueue service client.
func NewStorageQueue(service *azqueue.ServiceClient, credential *azqueue.SharedKeyCredential) *StorageQueue {
	return &StorageQueue{service: service, credential: credential}
}

func queueMissing(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// Create implements Client.
func (s *StorageQueue) Create(ctx context.Context, name string) error {
	_, err := s.service.NewQueueClient(name).Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
			return nil
		}
		return errors.Wrapf(err, "failed to create queue %s", name)
	}
	return nil
}

// Delete implements Client.
func (s *StorageQueue) Delete(ctx context.Context, name string) error {
	_, err := s.service.NewQueueClient(name).Delete(ctx, nil)
	if err != nil && !queueMissing(err) {
		return errors.Wrapf(err, "failed to delete queue %s", name)
	}
	return nil
}

// Clear implements Client.
func (s *StorageQueue) Clear(ctx context.Context, name string) error {
	_, err := s.service.NewQueueClient(name).ClearMessages(ctx, nil)
	if err != nil && !queueMissing(err) {
		return errors.Wrapf(err, "failed to clear queue %s", name)
	}
	return nil
}

// Send implements Client.
func (s *StorageQueue) Send(ctx context.Context, name string, body []byte, opts *SendOptions) error {
	options := &azqueue.EnqueueMessageOptions{}
	if opts != nil {
		if opts.VisibilityTimeout > 0 {
			options.VisibilityTimeout = to.Ptr(int32(opts.VisibilityTimeout / time.Second))
		}
		if opts.TimeToLive > 0 {
			options.TimeToLive = to.Ptr(int32(opts.TimeToLive / time.Second))
		}
	}
	content := base64.StdEncoding.EncodeToString(body)
	_, err := s.service.NewQueueClient(name).EnqueueMessage(ctx, content, options)
	if queueMissing(err) {
		return ErrQueueNotFound
	}
	return errors.Wrapf(err, "failed to enqueue to %s", name)
}

func decodeBody(text *string) []byte {
	if text == nil {
		return nil
	}
	body, err := base64.StdEncoding.DecodeString(*text)
	if err != nil {
		// not all producers base64-encode; pass raw text through
		return []byte(*text)
	}
	return body
}

// Peek implements Client.
func (s *StorageQueue) Peek(ctx context.Context, name string, max int) ([][]byte, error) {
	if max <= 0 || max > 32 {
		max = 32
	}
	resp, err := s.service.NewQueueClient(name).PeekMessages(ctx, &azqueue.PeekMessagesOptions{
		NumberOfMessages: to.Ptr(int32(max)),
	})
	if err != nil {
		if queueMissing(err) {
			return nil, ErrQueueNotFound
		}
		return nil, errors.Wrapf(err, "failed to peek queue %s", name)
	}
	var out [][]byte
	for _, msg := range resp.Messages {
		out = append(out, decodeBody(msg.MessageText))
	}
	return out, nil
}

// Receive implements Client.
func (s *StorageQueue) Receive(ctx context.Context, name string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 || max > 32 {
		max = 32
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	resp, err := s.service.NewQueueClient(name).DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(int32(max)),
		VisibilityTimeout: to.Ptr(int32(visibility / time.Second)),
	})
	if err != nil {
		if queueMissing(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to receive from %s", name)
	}
	var out []Message
	for _, msg := range resp.Messages {
		m := Message{Body: decodeBody(msg.MessageText)}
		if msg.MessageID != nil {
			m.ID = *msg.MessageID
		}
		if msg.PopReceipt != nil {
			m.PopReceipt = *msg.PopReceipt
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteMessage implements Client.
func (s *StorageQueue) DeleteMessage(ctx context.Context, name string, msg Message) error {
	_, err := s.service.NewQueueClient(name).DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	if err != nil && !queueMissing(err) {
		return errors.Wrapf(err, "failed to delete message from %s", name)
	}
	return nil
}

// ReceiveAndDeleteOne implements Client.
func (s *StorageQueue) ReceiveAndDeleteOne(ctx context.Context, name string) (bool, error) {
	msgs, err := s.Receive(ctx, name, 1, 30*time.Second)
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	if err := s.DeleteMessage(ctx, name, msgs[0]); err != nil {
		return false, err
	}
	return true, nil
}

// SASURL implements Client.
func (s *StorageQueue) SASURL(ctx context.Context, name string, perms Permissions, expiry time.Duration) (string, error) {
	if s.credential == nil {
		return "", errors.New("queue SAS requires a shared key credential")
	}
	permissions := sas.QueuePermissions{
		Read:    perms.Read,
		Add:     perms.Add,
		Update:  perms.Update,
		Process: perms.Process,
	}
	values := sas.QueueSignatureValues{
		Protocol:    sas.ProtocolHTTPS,
		StartTime:   time.Now().UTC().Add(-10 * time.Minute),
		ExpiryTime:  time.Now().UTC().Add(expiry),
		Permissions: permissions.String(),
		QueueName:   name,
	}
	params, err := values.SignWithSharedKey(s.credential)
	if err != nil {
		return "", errors.Wrapf(err, "failed to sign SAS for queue %s", name)
	}
	return s.service.NewQueueClient(name).URL() + "?" + params.Encode(), nil
}
