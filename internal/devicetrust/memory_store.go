package devicetrust

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[string]map[string]*Device // userID → deviceID → device
}

// NewMemoryStore creates an in-memory device store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{devices: make(map[string]map[string]*Device)}
}

func (m *MemoryStore) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[userID][deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) Insert(ctx context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byDevice, ok := m.devices[d.UserID]
	if !ok {
		byDevice = make(map[string]*Device)
		m.devices[d.UserID] = byDevice
	}
	if _, exists := byDevice[d.DeviceID]; exists {
		return ErrConflict
	}
	cp := *d
	cp.Version = 1
	byDevice[d.DeviceID] = &cp
	d.Version = 1
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Device, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.devices[d.UserID][d.DeviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	cp := *d
	cp.CreatedAt = cur.CreatedAt
	cp.Version = expectedVersion + 1
	m.devices[d.UserID][d.DeviceID] = &cp
	d.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Device, 0, len(m.devices[userID]))
	for _, d := range m.devices[userID] {
		cp := *d
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastUsedAt.After(result[j].LastUsedAt)
	})
	return result, nil
}

func (m *MemoryStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.devices[userID])
	delete(m.devices, userID)
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
