package risksignal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/traces"
)

// ErrSelfReport is returned when a user files a concern report about themselves.
var ErrSelfReport = errors.New("risksignal: cannot report yourself")

// Service validates and records signals and computes per-user risk scores.
type Service struct {
	store   Store
	reports ratelimit.Counter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a risk signal service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithReportLimiter sets the per-reporter limiter for concern reports.
func (s *Service) WithReportLimiter(c ratelimit.Counter) *Service {
	s.reports = c
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates and persists a new signal.
func (s *Service) Create(ctx context.Context, userID string, kind Kind, severity int, message string, metadata map[string]string) (*Signal, error) {
	sig := &Signal{
		ID:        idgen.WithPrefix("sig_"),
		UserID:    userID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "risksignal.Create", traces.UserID(userID))
	defer span.End()

	if err := s.store.Create(ctx, sig); err != nil {
		return nil, err
	}
	metrics.RiskSignalsTotal.WithLabelValues(string(kind)).Inc()
	s.logger.Info("risk signal created",
		"signal_id", sig.ID, "user_id", userID, "kind", kind, "severity", severity)
	return sig, nil
}

// Get returns a single signal.
func (s *Service) Get(ctx context.Context, id string) (*Signal, error) {
	return s.store.Get(ctx, id)
}

// ListActive returns the unresolved signals of a user, newest first.
func (s *Service) ListActive(ctx context.Context, userID string) ([]*Signal, error) {
	return s.store.ListActive(ctx, userID)
}

// List returns the most recent signals of a user including resolved ones.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]*Signal, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.List(ctx, userID, limit)
}

// Resolve marks a signal resolved. Idempotent.
func (s *Service) Resolve(ctx context.Context, id string) error {
	if err := s.store.Resolve(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.Info("risk signal resolved", "signal_id", id)
	return nil
}

// ResolveWhere resolves the active signals of a user matching f.
func (s *Service) ResolveWhere(ctx context.Context, userID string, f Filter) (int, error) {
	n, err := s.store.ResolveWhere(ctx, userID, f, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("risk signals resolved", "user_id", userID, "count", n)
	}
	return n, nil
}

// RiskScore aggregates the active signals of a user into [0,100]. The
// signals are read once; the score is never cached.
func (s *Service) RiskScore(ctx context.Context, userID string) (int, error) {
	active, err := s.store.ListActive(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("risk score for %s: %w", userID, err)
	}
	return Aggregate(active), nil
}

// Report files a peer concern report against subjectID.
func (s *Service) Report(ctx context.Context, reporterID, subjectID string, severity int, message string) (*Signal, error) {
	if reporterID == "" || subjectID == "" {
		return nil, ErrInvalidUser
	}
	if reporterID == subjectID {
		return nil, ErrSelfReport
	}
	if severity < MinSeverity || severity > MaxSeverity {
		return nil, ErrInvalidSeverity
	}

	if s.reports != nil {
		d, err := s.reports.Allow(ctx, reporterID)
		if err != nil {
			return nil, fmt.Errorf("report rate limit: %w", err)
		}
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("report").Inc()
			return nil, ratelimit.ErrLimited
		}
	}

	return s.Create(ctx, subjectID, KindReportedByPeer, severity, message, map[string]string{
		"reporter_id": reporterID,
	})
}
