// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ttllru

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestCacheHitAndMiss(t *testing.T) {
	g := NewWithT(t)

	cache, err := New[string, int](4, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())

	_, ok := cache.Get("missing")
	g.Expect(ok).To(BeFalse())

	cache.Add("a", 1)
	v, ok := cache.Get("a")
	g.Expect(ok).To(BeTrue())
	g.Expect(v).To(Equal(1))
}

func TestCacheExpiry(t *testing.T) {
	g := NewWithT(t)

	cache, err := New[string, int](4, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Add("a", 1)

	// a hit inside the window refreshes the clock
	now = now.Add(45 * time.Second)
	_, ok := cache.Get("a")
	g.Expect(ok).To(BeTrue())

	now = now.Add(45 * time.Second)
	_, ok = cache.Get("a")
	g.Expect(ok).To(BeTrue())

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get("a")
	g.Expect(ok).To(BeFalse())
}

func TestCacheBoundedLength(t *testing.T) {
	g := NewWithT(t)

	cache, err := New[int, int](2, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())

	cache.Add(1, 1)
	cache.Add(2, 2)
	cache.Add(3, 3)

	_, ok := cache.Get(1)
	g.Expect(ok).To(BeFalse())
	_, ok = cache.Get(3)
	g.Expect(ok).To(BeTrue())
}

func TestCacheDeleteAndPurge(t *testing.T) {
	g := NewWithT(t)

	cache, err := New[string, int](4, time.Minute)
	g.Expect(err).NotTo(HaveOccurred())

	cache.Add("a", 1)
	cache.Add("b", 2)
	cache.Delete("a")
	_, ok := cache.Get("a")
	g.Expect(ok).To(BeFalse())

	cache.Purge()
	_, ok = cache.Get("b")
	g.Expect(ok).To(BeFalse())
}
