package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[string][]*LoginAttempt       // userID → attempts, append order
	evidence map[string][]*EvidenceSubmission // userID → submissions, append order
}

// NewMemoryStore creates an in-memory telemetry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string][]*LoginAttempt),
		evidence: make(map[string][]*EvidenceSubmission),
	}
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, attempt *LoginAttempt) error {
	if err := attempt.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *attempt
	s.attempts[a.UserID] = append(s.attempts[a.UserID], &a)
	return nil
}

func (s *MemoryStore) Attempt(ctx context.Context, userID, id string) (*LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts[userID] {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAttemptNotFound
}

func (s *MemoryStore) AttemptsSince(ctx context.Context, userID string, since time.Time) ([]*LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*LoginAttempt
	all := s.attempts[userID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].AttemptedAt.Before(since) {
			continue
		}
		a := *all[i]
		result = append(result, &a)
	}
	sortAttempts(result)
	return result, nil
}

func (s *MemoryStore) SuccessfulAttempts(ctx context.Context, userID string, limit int) ([]*LoginAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*LoginAttempt
	all := s.attempts[userID]
	for i := len(all) - 1; i >= 0; i-- {
		if !all[i].Success {
			continue
		}
		a := *all[i]
		result = append(result, &a)
	}
	sortAttempts(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) RecordEvidence(ctx context.Context, sub *EvidenceSubmission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *sub
	s.evidence[e.UserID] = append(s.evidence[e.UserID], &e)
	return nil
}

func (s *MemoryStore) EvidenceSince(ctx context.Context, userID string, since time.Time) ([]*EvidenceSubmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*EvidenceSubmission
	all := s.evidence[userID]
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].SubmittedAt.Before(since) {
			continue
		}
		e := *all[i]
		result = append(result, &e)
	}
	sortEvidence(result)
	return result, nil
}

// Caller-supplied timestamps may arrive out of order.
func sortAttempts(list []*LoginAttempt) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].AttemptedAt.After(list[j].AttemptedAt)
	})
}

func sortEvidence(list []*EvidenceSubmission) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].SubmittedAt.After(list[j].SubmittedAt)
	})
}

var _ Store = (*MemoryStore)(nil)
