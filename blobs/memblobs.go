// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package blobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MemBlobs is an in-memory Client used for local development and tests.
type MemBlobs struct {
	mu         sync.Mutex
	containers map[string]map[string][]byte
}

// NewMemBlobs returns an empty in-memory blob store.
func NewMemBlobs() *MemBlobs {
	return &MemBlobs{containers: map[string]map[string][]byte{}}
}

// CreateContainer implements Client.
func (s *MemBlobs) CreateContainer(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container]; !ok {
		s.containers[container] = map[string][]byte{}
	}
	return nil
}

// ContainerExists implements Client.
func (s *MemBlobs) ContainerExists(_ context.Context, container string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.containers[container]
	return ok, nil
}

// Upload implements Client.
func (s *MemBlobs) Upload(_ context.Context, container, path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[container]
	if !ok {
		return ErrContainerNotFound
	}
	c[path] = append([]byte(nil), data...)
	return nil
}

// Download implements Client.
func (s *MemBlobs) Download(_ context.Context, container, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[container]
	if !ok {
		return nil, ErrContainerNotFound
	}
	data, ok := c[path]
	if !ok {
		return nil, errors.Errorf("blob %s/%s not found", container, path)
	}
	return append([]byte(nil), data...), nil
}

// ContainerSASURL implements Client with an unsigned placeholder URL.
func (s *MemBlobs) ContainerSASURL(_ context.Context, container string, perms Permissions, expiry time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[container]; !ok {
		return "", ErrContainerNotFound
	}
	return fmt.Sprintf("memblob://%s?perms=%+v&expiry=%ds", container, perms, int(expiry.Seconds())), nil
}
