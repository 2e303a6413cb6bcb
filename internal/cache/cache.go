// Package cache holds short-lived copies of dispatch records (satellites,
// elsets, telescope metadata) so the scheduler does not hammer the API
// inside tight loops. Single-station daemons use the in-memory store;
// stations running several daemons can point them at one Redis.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is a byte cache with per-entry TTL. Get reports a miss with
// found=false and a nil error; errors are reserved for backend failures.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Key joins namespace parts into one cache key.
func Key(parts ...string) string {
	return "citrascope:" + strings.Join(parts, ":")
}

// Entries above this count trigger an expired-entry sweep on write.
const memorySweepThreshold = 4096

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is the default single-process store.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(entry.expires) {
		delete(m.items, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) >= memorySweepThreshold {
		now := m.now()
		for k, e := range m.items {
			if now.After(e.expires) {
				delete(m.items, k)
			}
		}
	}
	m.items[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
