// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package ttllru provides a typed LRU cache whose entries also expire after
// a fixed time to live.
package ttllru

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Cache is an LRU cache with bounded length whose items expire after the
// configured time to live. A hit refreshes the item's clock.
type Cache[K comparable, V any] struct {
	timeToLive time.Duration
	cache      *lru.Cache
	mu         sync.Mutex

	// now is swapped in tests
	now func() time.Time
}

type ttlItem[V any] struct {
	lastTouch time.Time
	value     V
}

// New creates a Cache holding at most size items for at most timeToLive.
func New[K comparable, V any](size int, timeToLive time.Duration) (*Cache[K, V], error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build LRU cache")
	}
	return &Cache[K, V]{timeToLive: timeToLive, cache: c, now: time.Now}, nil
}

// Get returns the live value for key, refreshing its time to live.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	val, ok := c.cache.Get(key)
	if !ok {
		return zero, false
	}
	item := val.(*ttlItem[V])
	if c.now().Sub(item.lastTouch) > c.timeToLive {
		c.cache.Remove(key)
		return zero, false
	}
	item.lastTouch = c.now()
	return item.value, true
}

// Add stores a value for key with a fresh time to live.
func (c *Cache[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, &ttlItem[V]{value: value, lastTouch: c.now()})
}

// Delete drops key from the cache.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}
