package trustscore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
)

const defaultBatchConcurrency = 4

// ComputationError is the failure of one user in a batch run.
type ComputationError struct {
	UserID  string `json:"userId"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (e *ComputationError) Error() string {
	return fmt.Sprintf("trustscore: recompute %s: %v", e.UserID, e.Err)
}

func (e *ComputationError) Unwrap() error { return e.Err }

// Report summarizes a batch run.
type Report struct {
	StartedAt  time.Time           `json:"startedAt"`
	FinishedAt time.Time           `json:"finishedAt"`
	Users      int                 `json:"users"`
	Succeeded  int                 `json:"succeeded"`
	Skipped    int                 `json:"skipped"`
	Failures   []*ComputationError `json:"failures"`
}

// Batch recomputes every user's score once per Run. It holds no schedule;
// an external scheduler invokes Run.
type Batch struct {
	engine      *Engine
	provider    InputProvider
	concurrency int
	logger      *slog.Logger
}

// NewBatch creates a batch over the engine's population.
func NewBatch(engine *Engine, logger *slog.Logger) *Batch {
	return &Batch{
		engine:      engine,
		provider:    engine.provider,
		concurrency: defaultBatchConcurrency,
		logger:      logger,
	}
}

// WithConcurrency sets how many users are recomputed at once.
func (b *Batch) WithConcurrency(n int) *Batch {
	if n > 0 {
		b.concurrency = n
	}
	return b
}

// Run recomputes every user. A failing user is recorded in the report and
// the run continues. Users not reached before ctx is done are counted as
// skipped and ctx.Err() is returned with the report.
func (b *Batch) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), Failures: []*ComputationError{}}

	ids, err := b.provider.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("trustscore: list users: %w", err)
	}
	report.Users = len(ids)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		jobs = make(chan string)
	)
	for i := 0; i < b.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				_, err := b.engine.Recompute(ctx, id)
				mu.Lock()
				if err != nil {
					report.Failures = append(report.Failures, &ComputationError{UserID: id, Message: err.Error(), Err: err})
				} else {
					report.Succeeded++
				}
				mu.Unlock()
				if err != nil {
					b.logger.Warn("trust score recompute failed", "user_id", id, "error", err)
				}
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, id := range ids {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- id:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()

	report.Skipped = len(ids) - dispatched
	report.FinishedAt = time.Now().UTC()

	metrics.BatchLastRunUsers.WithLabelValues("ok").Set(float64(report.Succeeded))
	metrics.BatchLastRunUsers.WithLabelValues("failed").Set(float64(len(report.Failures)))
	metrics.BatchLastRunUsers.WithLabelValues("skipped").Set(float64(report.Skipped))

	b.logger.Info("trust score batch completed",
		"users", report.Users, "succeeded", report.Succeeded,
		"failed", len(report.Failures), "skipped", report.Skipped,
		"duration", report.FinishedAt.Sub(report.StartedAt))

	return report, ctx.Err()
}
