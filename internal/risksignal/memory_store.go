package risksignal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	signals map[string]*Signal
	byUser  map[string][]string // userID → signal IDs, append order
}

// NewMemoryStore creates an in-memory risk signal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signals: make(map[string]*Signal),
		byUser:  make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s *Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.signals[s.ID] = copySignal(s)
	m.byUser[s.UserID] = append(m.byUser[s.UserID], s.ID)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.signals[id]
	if !ok {
		return nil, ErrSignalNotFound
	}
	return copySignal(s), nil
}

func (m *MemoryStore) ListActive(ctx context.Context, userID string) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Signal
	ids := m.byUser[userID]
	for i := len(ids) - 1; i >= 0; i-- {
		if s := m.signals[ids[i]]; !s.Resolved {
			result = append(result, copySignal(s))
		}
	}
	newestFirst(result)
	return result, nil
}

func (m *MemoryStore) List(ctx context.Context, userID string, limit int) ([]*Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	result := make([]*Signal, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, copySignal(m.signals[ids[i]]))
	}
	newestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.signals[id]
	if !ok {
		return ErrSignalNotFound
	}
	if s.Resolved {
		return nil
	}
	s.Resolved = true
	s.ResolvedAt = &at
	return nil
}

func (m *MemoryStore) ResolveWhere(ctx context.Context, userID string, f Filter, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range m.byUser[userID] {
		s := m.signals[id]
		if s.Resolved || !f.matches(s) {
			continue
		}
		s.Resolved = true
		resolvedAt := at
		s.ResolvedAt = &resolvedAt
		n++
	}
	return n, nil
}

// newestFirst expects list in reverse insertion order, so equal timestamps
// keep the latest insert first.
func newestFirst(list []*Signal) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
