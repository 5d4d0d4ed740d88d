package trustscore

import (
	"context"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/validation"
)

// RecordService creates the records the engine scores.
type RecordService struct {
	store RecordStore
	now   func() time.Time
}

// NewRecordService creates a record service over store.
func NewRecordService(store RecordStore) *RecordService {
	return &RecordService{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (s *RecordService) WithClock(now func() time.Time) *RecordService {
	s.now = now
	return s
}

// AddEvidence records an evidence item for userID.
func (s *RecordService) AddEvidence(ctx context.Context, userID string, typ EvidenceType, verified bool) (*EvidenceItem, error) {
	if !validation.IsValidIdentifier(userID) {
		return nil, ErrInvalidUser
	}
	item := &EvidenceItem{
		ID:        idgen.WithPrefix("evi_"),
		UserID:    userID,
		Type:      typ,
		Verified:  verified,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddEvidence(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// VerifyEvidence marks an evidence item verified.
func (s *RecordService) VerifyEvidence(ctx context.Context, userID, itemID string) (*EvidenceItem, error) {
	if !validation.IsValidIdentifier(userID) {
		return nil, ErrInvalidUser
	}
	return s.store.VerifyEvidence(ctx, userID, itemID)
}

// AddPeerVerification records that verifierID vouched for subjectID.
func (s *RecordService) AddPeerVerification(ctx context.Context, verifierID, subjectID string) error {
	if !validation.IsValidIdentifier(verifierID) || !validation.IsValidIdentifier(subjectID) {
		return ErrInvalidUser
	}
	return s.store.AddPeerVerification(ctx, verifierID, subjectID)
}

// AddRating imports an external rating. A nil expiresAt never expires.
func (s *RecordService) AddRating(ctx context.Context, userID, platform string, rating, maxRating, weight float64, expiresAt *time.Time) (*ExternalRating, error) {
	if !validation.IsValidIdentifier(userID) {
		return nil, ErrInvalidUser
	}
	r := &ExternalRating{
		ID:        idgen.WithPrefix("ext_"),
		UserID:    userID,
		Platform:  platform,
		Rating:    rating,
		MaxRating: maxRating,
		Weight:    weight,
		ExpiresAt: expiresAt,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AddRating(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}
