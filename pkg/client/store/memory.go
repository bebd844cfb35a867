package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process KV used for ephemeral sessions and tests.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool

	// Error injection
	getErr error
	setErr error

	// Call accounting
	sets int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get retrieves a value
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, false, ErrClosed
	}
	if m.getErr != nil {
		return nil, false, m.getErr
	}

	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores a copy of value
func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.setErr != nil {
		return m.setErr
	}

	m.sets++
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a value
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Keys lists stored keys with the given prefix
func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Test helpers

// SetGetError sets an error to return from Get()
func (m *Memory) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// SetSetError sets an error to return from Set()
func (m *Memory) SetSetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// SetCount returns how many successful writes happened
func (m *Memory) SetCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets
}
