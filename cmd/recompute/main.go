// Command recompute runs one full-population TrustScore recomputation and
// exits. It is meant for a scheduler (cron, Kubernetes CronJob).
//
// Exit status is 1 when configuration, the database or the user listing
// fails, and 2 when the run finished but some users failed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/trustgate/internal/config"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/trustscore"
)

func main() {
	os.Exit(run())
}

func run() int {
	concurrency := flag.Int("concurrency", 4, "users recomputed in parallel")
	timeout := flag.Duration("timeout", 30*time.Minute, "deadline for the whole run")
	flag.Parse()

	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing init failed, continuing without traces", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	engine := trustscore.NewEngine(
		trustscore.NewPostgresProvider(db),
		trustscore.NewPostgresSnapshotStore(db),
		logger,
	)
	batch := trustscore.NewBatch(engine, logger).WithConcurrency(*concurrency)

	report, err := batch.Run(ctx)
	if report == nil {
		logger.Error("recompute failed", "error", err)
		return 1
	}

	logger.Info("recompute finished",
		"users", report.Users,
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
		"duration_ms", report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	)
	if err != nil {
		logger.Warn("recompute interrupted", "error", err)
	}
	if len(report.Failures) > 0 || err != nil {
		return 2
	}
	return 0
}
