// Package kvstore provides the local key-value collaborator: a small,
// synchronous get/set surface the stores use as their per-device cache.
package kvstore

import "sync"

// Store is the synchronous local cache contract. Reads and writes are fast
// and never suspend; durable implementations absorb their own I/O errors
// because a cache miss is always recoverable from the remote store.
type Store interface {
	// Get returns the value stored under key and whether the key was present.
	Get(key string) (string, bool)
	// Set stores value under key, replacing any previous value.
	Set(key, value string)
}

// Memory is a map-backed Store, used in tests and as a throwaway cache.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok
}

// Set implements Store.
func (m *Memory) Set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}
