package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/validation"
)

// Service manages user records.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an account service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create registers a user. The email is normalized before storage.
func (s *Service) Create(ctx context.Context, email string) (*User, error) {
	normalized := validation.NormalizeEmail(email)
	if normalized == "" {
		return nil, fmt.Errorf("%w: email %q is not valid", ErrInvalidUser, email)
	}
	u := &User{
		ID:        idgen.WithPrefix("usr_"),
		Email:     normalized,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", u.ID)
	return u, nil
}

// Get returns a user or ErrUserNotFound.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	return s.store.Get(ctx, id)
}

// FindByEmail looks up a user by email. Malformed addresses are reported as
// not found.
func (s *Service) FindByEmail(ctx context.Context, email string) (*User, error) {
	normalized := validation.NormalizeEmail(email)
	if normalized == "" {
		return nil, ErrUserNotFound
	}
	return s.store.GetByEmail(ctx, normalized)
}

// UpdateVerification sets verification flags.
func (s *Service) UpdateVerification(ctx context.Context, id string, v Verification) (*User, error) {
	u, err := s.store.UpdateVerification(ctx, id, v)
	if err != nil {
		return nil, err
	}
	s.logger.Info("user verification updated", "user_id", id,
		"email", u.EmailVerified, "phone", u.PhoneVerified, "identity", u.IdentityVerified)
	return u, nil
}

// ListIDs returns every user id.
func (s *Service) ListIDs(ctx context.Context) ([]string, error) {
	return s.store.ListIDs(ctx)
}
