package trustscore

import (
	"context"
	"sort"
	"sync"
)

// RecordStore holds the evidence, peer verification and external rating
// records the engine scores.
type RecordStore interface {
	AddEvidence(ctx context.Context, item *EvidenceItem) error
	// VerifyEvidence marks an item verified. It returns ErrRecordNotFound
	// when userID has no item with that id.
	VerifyEvidence(ctx context.Context, userID, itemID string) (*EvidenceItem, error)
	ListEvidence(ctx context.Context, userID string) ([]EvidenceItem, error)

	// AddPeerVerification records that verifierID vouched for subjectID.
	// Recording the same pair twice is a no-op.
	AddPeerVerification(ctx context.Context, verifierID, subjectID string) error
	// MutualVerifications counts users who vouched for userID and were
	// vouched for by userID.
	MutualVerifications(ctx context.Context, userID string) (int, error)

	AddRating(ctx context.Context, r *ExternalRating) error
	ListRatings(ctx context.Context, userID string) ([]ExternalRating, error)
}

type pair struct{ from, to string }

// MemoryRecordStore keeps scoring records in memory.
type MemoryRecordStore struct {
	mu       sync.RWMutex
	evidence map[string][]EvidenceItem
	vouches  map[pair]struct{}
	ratings  map[string][]ExternalRating
}

// NewMemoryRecordStore creates an in-memory record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		evidence: make(map[string][]EvidenceItem),
		vouches:  make(map[pair]struct{}),
		ratings:  make(map[string][]ExternalRating),
	}
}

func (m *MemoryRecordStore) AddEvidence(_ context.Context, item *EvidenceItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence[item.UserID] = append(m.evidence[item.UserID], *item)
	return nil
}

func (m *MemoryRecordStore) VerifyEvidence(_ context.Context, userID, itemID string) (*EvidenceItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.evidence[userID]
	for i := range items {
		if items[i].ID == itemID {
			items[i].Verified = true
			cp := items[i]
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (m *MemoryRecordStore) ListEvidence(_ context.Context, userID string) ([]EvidenceItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]EvidenceItem(nil), m.evidence[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRecordStore) AddPeerVerification(_ context.Context, verifierID, subjectID string) error {
	if verifierID == "" || subjectID == "" || verifierID == subjectID {
		return ErrInvalidRecord
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vouches[pair{verifierID, subjectID}] = struct{}{}
	return nil
}

func (m *MemoryRecordStore) MutualVerifications(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for p := range m.vouches {
		if p.to != userID {
			continue
		}
		if _, ok := m.vouches[pair{userID, p.from}]; ok {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRecordStore) AddRating(_ context.Context, r *ExternalRating) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		cp.ExpiresAt = &t
	}
	m.ratings[r.UserID] = append(m.ratings[r.UserID], cp)
	return nil
}

func (m *MemoryRecordStore) ListRatings(_ context.Context, userID string) ([]ExternalRating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ExternalRating(nil), m.ratings[userID]...), nil
}

var _ RecordStore = (*MemoryRecordStore)(nil)
