package kv

import (
	"context"
	"sync"
)

// Memory is an in-memory Store, safe for concurrent use. Intended for tests
// and for running without a data directory.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	opts   *Options
	closed bool
}

// NewMemory creates an empty in-memory Store. Pass nil for default options.
func NewMemory(opts *Options) *Memory {
	return &Memory{data: make(map[string][]byte), opts: opts}
}

func (m *Memory) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		v, ok := m.data[string(m.opts.encode(key))]
		if !ok {
			continue
		}
		out[key] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for key, v := range values {
		m.data[string(m.opts.encode(key))] = append([]byte(nil), v...)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.data, string(m.opts.encode(key)))
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
