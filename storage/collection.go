// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Meta carries store-assigned row metadata. Entity types embed Meta; the
// etag and timestamp are never part of the serialized entity.
type Meta struct {
	etag      string
	timestamp time.Time
}

// SetStorageMeta records the row metadata after a read or write.
func (m *Meta) SetStorageMeta(etag string, timestamp time.Time) {
	m.etag = etag
	m.timestamp = timestamp
}

// StorageETag returns the etag from the last read or write, or "" for an
// entity that has never been stored.
func (m *Meta) StorageETag() string { return m.etag }

// StorageTimestamp returns the store-assigned last-modified time.
func (m *Meta) StorageTimestamp() time.Time { return m.timestamp }

type metaHolder interface {
	SetStorageMeta(etag string, timestamp time.Time)
	StorageETag() string
}

// Descriptor declares how an entity kind maps onto the table store: which
// table it lives in, which fields form its identity, and which fields are
// computed in memory only and must never be written.
type Descriptor struct {
	Table            string
	PartitionField   string
	RowField         string
	ExcludeFromWrite []string
}

// Collection is the typed view of one entity kind. E must marshal to a JSON
// object and embed Meta.
type Collection[E any] struct {
	client Client
	desc   Descriptor
}

// NewCollection binds an entity kind to a backend.
func NewCollection[E any](client Client, desc Descriptor) *Collection[E] {
	return &Collection[E]{client: client, desc: desc}
}

// Init creates the backing table.
func (c *Collection[E]) Init(ctx context.Context) error {
	return c.client.CreateTable(ctx, c.desc.Table)
}

func (c *Collection[E]) encode(e *E) (*Row, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s entity", c.desc.Table)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "%s entity is not a JSON object", c.desc.Table)
	}
	pk, ok := fields[c.desc.PartitionField]
	if !ok || pk == nil {
		return nil, errors.Errorf("%s entity is missing partition field %q", c.desc.Table, c.desc.PartitionField)
	}
	rk, ok := fields[c.desc.RowField]
	if !ok || rk == nil {
		return nil, errors.Errorf("%s entity is missing row field %q", c.desc.Table, c.desc.RowField)
	}
	for _, f := range c.desc.ExcludeFromWrite {
		delete(fields, f)
	}
	return &Row{
		PartitionKey: fmt.Sprintf("%v", pk),
		RowKey:       fmt.Sprintf("%v", rk),
		Fields:       fields,
	}, nil
}

func (c *Collection[E]) decode(row *Row) (*E, error) {
	data, err := json.Marshal(row.Fields)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to re-marshal %s row", c.desc.Table)
	}
	e := new(E)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal %s row %s/%s", c.desc.Table, row.PartitionKey, row.RowKey)
	}
	if m, ok := any(e).(metaHolder); ok {
		m.SetStorageMeta(row.ETag, row.Timestamp)
	}
	return e, nil
}

// Get returns the entity or ErrNotFound.
func (c *Collection[E]) Get(ctx context.Context, partitionKey, rowKey string) (*E, error) {
	row, err := c.client.Get(ctx, c.desc.Table, partitionKey, rowKey)
	if err != nil {
		return nil, err
	}
	return c.decode(row)
}

// Search returns entities matching the query; limit 0 means unbounded.
func (c *Collection[E]) Search(ctx context.Context, q Query, limit int) ([]*E, error) {
	rows, err := c.client.Search(ctx, c.desc.Table, q, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*E, 0, len(rows))
	for _, row := range rows {
		e, err := c.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Insert stores a new entity, returning ErrAlreadyExists if present.
func (c *Collection[E]) Insert(ctx context.Context, e *E) error {
	row, err := c.encode(e)
	if err != nil {
		return err
	}
	etag, err := c.client.Insert(ctx, c.desc.Table, row)
	if err != nil {
		return err
	}
	c.setMeta(e, etag)
	return nil
}

// Replace writes the entity back. If the entity carries an etag from a prior
// read the write is conditional and returns ErrConflict on a lost race;
// an entity with no etag is written unconditionally.
func (c *Collection[E]) Replace(ctx context.Context, e *E) error {
	row, err := c.encode(e)
	if err != nil {
		return err
	}
	var requireETag string
	if m, ok := any(e).(metaHolder); ok {
		requireETag = m.StorageETag()
	}
	etag, err := c.client.Update(ctx, c.desc.Table, row, requireETag)
	if err != nil {
		return err
	}
	c.setMeta(e, etag)
	return nil
}

// Upsert writes the entity unconditionally, creating it if absent.
func (c *Collection[E]) Upsert(ctx context.Context, e *E) error {
	row, err := c.encode(e)
	if err != nil {
		return err
	}
	etag, err := c.client.Update(ctx, c.desc.Table, row, "")
	if err != nil {
		return err
	}
	c.setMeta(e, etag)
	return nil
}

// Delete removes the entity. Deleting an absent entity returns ErrNotFound.
func (c *Collection[E]) Delete(ctx context.Context, e *E) error {
	row, err := c.encode(e)
	if err != nil {
		return err
	}
	return c.client.Delete(ctx, c.desc.Table, row.PartitionKey, row.RowKey)
}

// DeleteKeys removes the row by identity without encoding an entity. Needed
// for kinds whose non-key fields do not marshal from a zero value.
func (c *Collection[E]) DeleteKeys(ctx context.Context, partitionKey, rowKey string) error {
	return c.client.Delete(ctx, c.desc.Table, partitionKey, rowKey)
}

func (c *Collection[E]) setMeta(e *E, etag string) {
	if m, ok := any(e).(metaHolder); ok {
		m.SetStorageMeta(etag, time.Now().UTC())
	}
}
