package store

import (
	"context"
	"sync"
	"time"

	"github.com/kieran-voss/fluxflag/core"
)

// Memory is the synchronous, mutex-guarded reference Store implementation.
// It never blocks and is the store the façade, cache, and evaluator tests
// are written against.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]FlagWithMeta
	version core.VersionVector
	clock   func() time.Time
}

// NewMemory constructs an empty Memory store with a freshly minted
// VersionVector.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock constructs an empty Memory store using clock as its
// time source, for deterministic tests.
func NewMemoryWithClock(clock func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]FlagWithMeta),
		version: core.Make("", "memory-store", clock().UnixMilli()),
		clock:   clock,
	}
}

func (m *Memory) Get(_ context.Context, key string) (FlagWithMeta, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, entry FlagWithMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory) List(_ context.Context) ([]FlagWithMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]FlagWithMeta, 0, len(m.entries))
	for _, entry := range m.entries {
		out = append(out, entry)
	}
	return out, nil
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for key := range m.entries {
		out = append(out, key)
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]FlagWithMeta)
	return nil
}

func (m *Memory) GetVersion(_ context.Context) (core.VersionVector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *Memory) SetVersion(_ context.Context, version core.VersionVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	return nil
}

// Compact is a no-op for Memory: there is no underlying storage layout to
// reclaim or reorder.
func (m *Memory) Compact(_ context.Context) error {
	return nil
}

// Flush is a no-op for Memory: every write is already durable for the
// lifetime of the process (there is nothing to fsync).
func (m *Memory) Flush(_ context.Context) error {
	return nil
}

func (m *Memory) Merge(_ context.Context, remote []FlagWithMeta) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accepted := DecideMergeWrites(func(key string) (FlagWithMeta, bool) {
		entry, ok := m.entries[key]
		return entry, ok
	}, remote)

	for _, entry := range accepted {
		m.entries[entry.Flag.Key] = entry
	}
	if len(accepted) > 0 {
		m.version = core.Increment(m.version, mergeSeed, m.clock().UnixMilli())
	}
	return len(accepted), nil
}
