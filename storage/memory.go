package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Adapter backed by a map. It never persists
// across restarts; it exists for tests and for ephemeral workspaces that
// intentionally never touch disk.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys map[string]Key
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
		keys: make(map[string]Key),
	}
}

func (m *Memory) Load(ctx context.Context, key Key) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key.String()]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Save(ctx context.Context, key Key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	k := key.String()
	m.data[k] = cp
	m.keys[k] = key
	return nil
}

func (m *Memory) Remove(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	delete(m.data, k)
	delete(m.keys, k)
	return nil
}

func (m *Memory) LoadRange(ctx context.Context, prefix Key) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []Entry
	for k, key := range m.keys {
		if key.HasPrefix(prefix) {
			v := m.data[k]
			cp := make([]byte, len(v))
			copy(cp, v)
			entries = append(entries, Entry{Key: key, Bytes: cp})
		}
	}
	sortEntries(entries)
	return entries, nil
}

func (m *Memory) RemoveRange(ctx context.Context, prefix Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, key := range m.keys {
		if key.HasPrefix(prefix) {
			delete(m.data, k)
			delete(m.keys, k)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.keys = make(map[string]Key)
	return nil
}
