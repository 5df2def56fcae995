// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package blobs

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const sasCacheSize = 256

// SASCache memoizes container SAS URLs behind a short TTL so hot scheduling
// paths do not mint a fresh signature for every workset. Entries expire well
// before the underlying SAS does, so a cached URL always outlives its users.
type SASCache struct {
	client Client
	ttl    time.Duration
	cache  *lru.Cache

	// now is swapped in tests
	now func() time.Time
}

type sasCacheEntry struct {
	url     string
	expires time.Time
}

// NewSASCache wraps client with a TTL-bounded LRU of minted URLs.
func NewSASCache(client Client, ttl time.Duration) *SASCache {
	// New fails only for a non-positive size
	cache, err := lru.New(sasCacheSize)
	if err != nil {
		panic(err)
	}
	return &SASCache{client: client, ttl: ttl, cache: cache, now: time.Now}
}

// ContainerSASURL returns a cached URL when a fresh one is available,
// minting through the underlying client otherwise.
func (c *SASCache) ContainerSASURL(ctx context.Context, container string, perms Permissions, expiry time.Duration) (string, error) {
	key := fmt.Sprintf("%s/%+v/%d", container, perms, expiry)
	if v, ok := c.cache.Get(key); ok {
		entry := v.(sasCacheEntry)
		if c.now().Before(entry.expires) {
			return entry.url, nil
		}
		c.cache.Remove(key)
	}
	url, err := c.client.ContainerSASURL(ctx, container, perms, expiry)
	if err != nil {
		return "", err
	}
	ttl := c.ttl
	if expiry < ttl {
		ttl = expiry / 2
	}
	c.cache.Add(key, sasCacheEntry{url: url, expires: c.now().Add(ttl)})
	return url, nil
}
