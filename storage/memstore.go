// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-memory Client used for local development and tests. It
// implements the same etag semantics as the table backend.
type MemStore struct {
	mu     sync.Mutex
	tables map[string]map[memKey]*Row
	serial uint64
}

type memKey struct {
	partitionKey string
	rowKey       string
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tables: map[string]map[memKey]*Row{}}
}

func (s *MemStore) nextETag() string {
	s.serial++
	return "W/\"mem-" + strconv.FormatUint(s.serial, 10) + "\""
}

func (s *MemStore) table(name string) map[memKey]*Row {
	t, ok := s.tables[name]
	if !ok {
		t = map[memKey]*Row{}
		s.tables[name] = t
	}
	return t
}

func copyRow(row *Row) *Row {
	// deep copy through JSON so callers cannot alias stored state
	data, _ := json.Marshal(row.Fields)
	fields := map[string]interface{}{}
	_ = json.Unmarshal(data, &fields)
	return &Row{
		PartitionKey: row.PartitionKey,
		RowKey:       row.RowKey,
		ETag:         row.ETag,
		Timestamp:    row.Timestamp,
		Fields:       fields,
	}
}

// CreateTable implements Client.
func (s *MemStore) CreateTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(table)
	return nil
}

// Get implements Client.
func (s *MemStore) Get(_ context.Context, table, partitionKey, rowKey string) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.table(table)[memKey{partitionKey, rowKey}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(row), nil
}

// Search implements Client.
func (s *MemStore) Search(_ context.Context, table string, q Query, limit int) ([]*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Row
	for _, row := range s.table(table) {
		if q.Matches(row) {
			out = append(out, copyRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartitionKey != out[j].PartitionKey {
			return out[i].PartitionKey < out[j].PartitionKey
		}
		return out[i].RowKey < out[j].RowKey
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Insert implements Client.
func (s *MemStore) Insert(_ context.Context, table string, row *Row) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	key := memKey{row.PartitionKey, row.RowKey}
	if _, ok := t[key]; ok {
		return "", ErrAlreadyExists
	}
	stored := copyRow(row)
	stored.ETag = s.nextETag()
	stored.Timestamp = time.Now().UTC()
	t[key] = stored
	return stored.ETag, nil
}

// Update implements Client.
func (s *MemStore) Update(_ context.Context, table string, row *Row, etag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	key := memKey{row.PartitionKey, row.RowKey}
	existing, ok := t[key]
	if etag != "" {
		if !ok {
			return "", ErrNotFound
		}
		if existing.ETag != etag {
			return "", ErrConflict
		}
	}
	stored := copyRow(row)
	stored.ETag = s.nextETag()
	stored.Timestamp = time.Now().UTC()
	t[key] = stored
	return stored.ETag, nil
}

// Delete implements Client.
func (s *MemStore) Delete(_ context.Context, table, partitionKey, rowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	key := memKey{partitionKey, rowKey}
	if _, ok := t[key]; !ok {
		return ErrNotFound
	}
	delete(t, key)
	return nil
}
