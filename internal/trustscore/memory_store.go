package trustscore

import (
	"context"
	"sort"
	"sync"
)

// MemorySnapshotStore keeps snapshots in memory.
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	byUser map[string][]*Snapshot
}

// NewMemorySnapshotStore creates an in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{byUser: make(map[string][]*Snapshot)}
}

func (m *MemorySnapshotStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.byUser[snap.UserID] = append(m.byUser[snap.UserID], &cp)
	return nil
}

func (m *MemorySnapshotStore) Latest(_ context.Context, userID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Snapshot
	for _, s := range m.byUser[userID] {
		// Saves are append-only, so a tie goes to the later save.
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrSnapshotNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemorySnapshotStore) Query(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Snapshot
	for _, s := range m.byUser[q.UserID] {
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		cp := *s
		results = append(results, &cp)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if limit := q.limit(); len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

var _ SnapshotStore = (*MemorySnapshotStore)(nil)
