// Package cache is a best-effort, namespaced key/value store for
// resource counters and other evictable state. Values may vanish at
// any time; callers must be able to rebuild them from the database.
package cache

import (
	"errors"
	"sync"
)

// ErrMiss is returned when a key is absent or was evicted.
var ErrMiss = errors.New("cache: miss")

// ErrExists is returned by Add when the key is already present.
var ErrExists = errors.New("cache: key exists")

// Cache is the operation surface rules and counters depend on. The
// in-memory implementation below is the default; a shared backend can
// replace it without touching callers.
type Cache interface {
	// Get returns the value under namespace/key, or ErrMiss.
	Get(namespace, key string) (int64, error)
	// Add stores value only if the key is absent.
	Add(namespace, key string, value int64) error
	// Set stores value unconditionally.
	Set(namespace, key string, value int64)
	// Incr adds delta to an existing key and returns the new value,
	// or ErrMiss if the key is absent.
	Incr(namespace, key string, delta int64) (int64, error)
	// Delete removes a key. Missing keys are not an error.
	Delete(namespace, key string)
	// Flush drops every key in the namespace.
	Flush(namespace string)
}

type entry map[string]int64

// Memory is a process-local Cache. Safe for concurrent use.
type Memory struct {
	mu         sync.Mutex
	namespaces map[string]entry
}

func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]entry)}
}

func (m *Memory) Get(namespace, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		return 0, ErrMiss
	}
	v, ok := ns[key]
	if !ok {
		return 0, ErrMiss
	}
	return v, nil
}

func (m *Memory) Add(namespace, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(entry)
		m.namespaces[namespace] = ns
	}
	if _, ok := ns[key]; ok {
		return ErrExists
	}
	ns[key] = value
	return nil
}

func (m *Memory) Set(namespace, key string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(entry)
		m.namespaces[namespace] = ns
	}
	ns[key] = value
}

func (m *Memory) Incr(namespace, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[namespace]
	if !ok {
		return 0, ErrMiss
	}
	v, ok := ns[key]
	if !ok {
		return 0, ErrMiss
	}
	v += delta
	ns[key] = v
	return v, nil
}

func (m *Memory) Delete(namespace, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.namespaces[namespace]; ok {
		delete(ns, key)
	}
}

func (m *Memory) Flush(namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.namespaces, namespace)
}
