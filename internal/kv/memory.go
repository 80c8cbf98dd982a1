// Package kv provides the external key/value store and the single-instance
// scan lock, with Redis and in-memory implementations.
package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KeyValue for development and tests.
type Memory struct {
	mu   sync.Mutex
	data map[string]memoryEntry
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string]memoryEntry{}}
}

// Get returns the value and whether the key exists and is unexpired.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expires.IsZero() && time.Now().After(entry.expires) {
		delete(m.data, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores the value; ttl <= 0 means no expiry.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

// Delete removes the key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
