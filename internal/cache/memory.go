package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxMemoryTTL bounds how long the LRU itself keeps any entry; per-entry
// lifetimes shorter than that are checked on read.
const maxMemoryTTL = 10 * time.Minute

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryBackend is a bounded in-process store for single-instance
// deployments and tests.
type MemoryBackend struct {
	lru *expirable.LRU[string, memEntry]
	now func() time.Time
}

// NewMemoryBackend creates a MemoryBackend holding at most size entries.
func NewMemoryBackend(size int) *MemoryBackend {
	if size <= 0 {
		size = 1000
	}
	return &MemoryBackend{
		lru: expirable.NewLRU[string, memEntry](size, nil, maxMemoryTTL),
		now: time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := b.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !b.now().Before(e.expiresAt) {
		b.lru.Remove(key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, data []byte, ttl time.Duration) error {
	b.lru.Add(key, memEntry{data: data, expiresAt: b.now().Add(ttl)})
	return nil
}

func (b *MemoryBackend) DeletePattern(_ context.Context, pattern string) (int64, error) {
	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("invalid key pattern %q", pattern)
	}
	var n int64
	for _, key := range b.lru.Keys() {
		if ok, _ := doublestar.Match(pattern, key); ok {
			if b.lru.Remove(key) {
				n++
			}
		}
	}
	return n, nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }

func (b *MemoryBackend) Name() string { return "memory" }

// Len returns the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	return b.lru.Len()
}
