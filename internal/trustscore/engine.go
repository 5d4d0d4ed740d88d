package trustscore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

// Engine computes and persists trust scores.
type Engine struct {
	provider InputProvider
	store    SnapshotStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine reading inputs from provider and writing
// snapshots to store.
func NewEngine(provider InputProvider, store SnapshotStore, logger *slog.Logger) *Engine {
	return &Engine{
		provider: provider,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Recompute computes a fresh score for userID and stores it as a new
// snapshot.
func (e *Engine) Recompute(ctx context.Context, userID string) (*Snapshot, error) {
	if !validation.IsValidIdentifier(userID) {
		return nil, ErrInvalidUser
	}
	ctx, span := traces.StartSpan(ctx, "trustscore.Recompute", traces.UserID(userID))
	defer span.End()

	start := time.Now()
	snap, err := e.compute(ctx, userID)
	metrics.TrustScoreDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TrustScoreComputations.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TrustScoreComputations.WithLabelValues("ok").Inc()
	metrics.TrustScoreValues.Observe(float64(snap.Score))
	span.SetAttributes(traces.Score(snap.Score))

	e.logger.Debug("trust score computed",
		"user_id", userID, "score", snap.Score, "label", snap.Label)
	return snap, nil
}

func (e *Engine) compute(ctx context.Context, userID string) (*Snapshot, error) {
	in, err := e.provider.Inputs(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	comps, factors := Compute(in, now)
	score := ScoreFor(comps)

	snap := &Snapshot{
		ID:         idgen.WithPrefix("tss_"),
		UserID:     userID,
		Score:      score,
		Label:      LabelFor(score),
		Components: comps,
		Factors:    factors,
		CreatedAt:  now,
	}
	if err := e.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("trustscore: save snapshot: %w", err)
	}
	return snap, nil
}

// Current returns the latest snapshot of userID, computing one when none
// exists yet.
func (e *Engine) Current(ctx context.Context, userID string) (*Snapshot, error) {
	if !validation.IsValidIdentifier(userID) {
		return nil, ErrInvalidUser
	}
	snap, err := e.store.Latest(ctx, userID)
	if errors.Is(err, ErrSnapshotNotFound) {
		return e.Recompute(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// History returns past snapshots, newest first.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	if !validation.IsValidIdentifier(q.UserID) {
		return nil, ErrInvalidUser
	}
	return e.store.Query(ctx, q)
}
