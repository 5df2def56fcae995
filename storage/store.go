// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package storage provides the entity store: typed CRUD with optimistic
// concurrency over a partitioned key/value table. Backends implement the
// Client interface; entity types are mapped through a Collection.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrAlreadyExists is returned by Insert when the row is already present.
	ErrAlreadyExists = errors.New("entity already exists")
	// ErrConflict is returned when a write's etag precondition fails,
	// meaning another worker advanced the entity first.
	ErrConflict = errors.New("etag mismatch")
)

// Row is the backend-neutral representation of a stored entity. Fields holds
// JSON-compatible values (string, bool, float64, nested maps and slices);
// nested values are the backend's problem to flatten.
type Row struct {
	PartitionKey string
	RowKey       string
	ETag         string
	Timestamp    time.Time
	Fields       map[string]interface{}
}

// Query is a conjunction of predicates. Eq matches a field against any of
// the given values; Before and After compare a field against a point in
// time. An empty Query matches every row in the table.
type Query struct {
	Eq     map[string][]string
	Before map[string]time.Time
	After  map[string]time.Time
}

// Matches reports whether the row satisfies every predicate. Backends with a
// server-side query language compile the Query instead; this is the
// reference semantics and the in-memory implementation.
func (q Query) Matches(row *Row) bool {
	for field, values := range q.Eq {
		got, ok := fieldString(row, field)
		if !ok {
			return false
		}
		any := false
		for _, v := range values {
			if got == v {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for field, t := range q.Before {
		got, ok := fieldTime(row, field)
		if !ok || !got.Before(t) {
			return false
		}
	}
	for field, t := range q.After {
		got, ok := fieldTime(row, field)
		if !ok || !got.After(t) {
			return false
		}
	}
	return true
}

func fieldString(row *Row, field string) (string, bool) {
	if field == "Timestamp" {
		return row.Timestamp.UTC().Format(time.RFC3339Nano), true
	}
	v, ok := row.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func fieldTime(row *Row, field string) (time.Time, bool) {
	if field == "Timestamp" {
		return row.Timestamp, true
	}
	v, ok := row.Fields[field]
	if !ok || v == nil {
		return time.Time{}, false
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Client is the raw table backend. All writes return the row's new etag.
type Client interface {
	// CreateTable creates the named table; existing tables are not an error.
	CreateTable(ctx context.Context, table string) error
	// Get returns the row or ErrNotFound.
	Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error)
	// Search returns rows matching the query, up to limit (0 means no limit).
	Search(ctx context.Context, table string, q Query, limit int) ([]*Row, error)
	// Insert adds a new row, returning ErrAlreadyExists if present.
	Insert(ctx context.Context, table string, row *Row) (string, error)
	// Update replaces a row. With a non-empty etag the write fails with
	// ErrConflict unless the stored etag matches; with an empty etag the
	// row is replaced or created unconditionally.
	Update(ctx context.Context, table string, row *Row, etag string) (string, error)
	// Delete removes a row; deleting an absent row returns ErrNotFound.
	Delete(ctx context.Context, table, partitionKey, rowKey string) error
}
