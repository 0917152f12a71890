package opstate

import (
	"sort"
	"sync"
)

// MemStore is an in-memory settings store with the same semantics as
// [Store]. It backs `serve -ephemeral` runs and tests.
type MemStore struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string]string)}
}

// Get returns the value or "" if missing.
func (m *MemStore) Get(namespace, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[namespace][key], nil
}

// Set stores value under namespace/key.
func (m *MemStore) Set(namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(namespace, key, value)
	return nil
}

// SetMany stores all values under one lock.
func (m *MemStore) SetMany(namespace string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.setLocked(namespace, k, v)
	}
	return nil
}

func (m *MemStore) setLocked(namespace, key, value string) {
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string]string)
		m.data[namespace] = ns
	}
	ns[key] = value
}

// Delete removes namespace/key.
func (m *MemStore) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[namespace], key)
	if len(m.data[namespace]) == 0 {
		delete(m.data, namespace)
	}
	return nil
}

// DeleteNamespace removes every key in namespace.
func (m *MemStore) DeleteNamespace(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, namespace)
	return nil
}

// List returns a copy of namespace. The map is never nil.
func (m *MemStore) List(namespace string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data[namespace]))
	for k, v := range m.data[namespace] {
		out[k] = v
	}
	return out, nil
}

// Namespaces lists non-empty namespaces, sorted.
func (m *MemStore) Namespaces() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for ns := range m.data {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}
