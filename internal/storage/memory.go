package storage

import (
	"context"
	"sync"

	"github.com/kartikbazzad/lmcs/internal/walfmt"
)

// MemoryStorage is an ordered in-memory list of deep-cloned entries
// (spec §4.3.1).
type MemoryStorage struct {
	mu      sync.Mutex
	entries []*walfmt.LogEntry
}

// NewMemoryStorage constructs an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Initialize(ctx context.Context) error { return nil }

func (m *MemoryStorage) Append(ctx context.Context, entry *walfmt.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry.Clone())
	return nil
}

func (m *MemoryStorage) ReadStream(ctx context.Context) (<-chan StreamItem, error) {
	m.mu.Lock()
	snapshot := make([]*walfmt.LogEntry, len(m.entries))
	copy(snapshot, m.entries)
	m.mu.Unlock()

	ch := make(chan StreamItem, len(snapshot))
	for _, e := range snapshot {
		ch <- StreamItem{Entry: e.Clone()}
	}
	close(ch)
	return ch, nil
}

func (m *MemoryStorage) Flush(ctx context.Context) error { return nil }

func (m *MemoryStorage) Close(ctx context.Context) error { return nil }

// Clear discards all entries.
func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = nil
	return nil
}

// Compact folds history: iterate in order, maintain a map keyed
// collection:id, INSERT/UPDATE overwrite, DELETE removes, transaction
// envelope ops are ignored; replace the list with the map's values in
// insertion order (spec §4.3.1).
func (m *MemoryStorage) Compact(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := make(map[string]*walfmt.LogEntry)
	order := make([]string, 0, len(m.entries))

	for _, e := range m.entries {
		if e.Op.IsEnvelope() {
			continue
		}
		key := e.Collection + ":" + e.ID
		if _, exists := state[key]; !exists {
			order = append(order, key)
		}
		if e.Op == walfmt.OpDelete {
			delete(state, key)
			continue
		}
		state[key] = e
	}

	compacted := make([]*walfmt.LogEntry, 0, len(order))
	for _, key := range order {
		if e, ok := state[key]; ok {
			compacted = append(compacted, e)
		}
	}

	m.entries = compacted
	return nil
}
