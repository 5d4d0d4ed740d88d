package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/credential"
	"github.com/mbd888/trustgate/internal/devicetrust"
	"github.com/mbd888/trustgate/internal/history"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/risksignal"
	"github.com/mbd888/trustgate/internal/trustscore"
)

// stores is the set of backing stores chosen from configuration.
type stores struct {
	accounts    account.Store
	history     history.Store
	signals     risksignal.Store
	devices     devicetrust.Store
	credentials credential.Store
	snapshots   trustscore.SnapshotStore
	records     trustscore.RecordStore
	inputs      trustscore.InputProvider
}

func postgresStores(db *sql.DB) stores {
	return stores{
		accounts:    account.NewPostgresStore(db),
		history:     history.NewPostgresStore(db),
		signals:     risksignal.NewPostgresStore(db),
		devices:     devicetrust.NewPostgresStore(db),
		credentials: credential.NewPostgresStore(db),
		snapshots:   trustscore.NewPostgresSnapshotStore(db),
		records:     trustscore.NewPostgresRecordStore(db),
		inputs:      trustscore.NewPostgresProvider(db),
	}
}

func memoryStores() stores {
	st := stores{
		accounts:    account.NewMemoryStore(),
		history:     history.NewMemoryStore(),
		signals:     risksignal.NewMemoryStore(),
		devices:     devicetrust.NewMemoryStore(),
		credentials: credential.NewMemoryStore(),
		snapshots:   trustscore.NewMemorySnapshotStore(),
	}
	records := trustscore.NewMemoryRecordStore()
	st.records = records
	st.inputs = trustscore.NewStoreProvider(st.accounts, st.signals, records)
	return st
}

// openDB opens and pings the Postgres pool.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// openRedis parses a redis:// URL and pings the server.
func openRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// limiters holds the three fixed-window scopes.
type limiters struct {
	otp    ratelimit.Counter
	report ratelimit.Counter
	api    ratelimit.Counter

	stop []func()
}

func (s *Server) newLimiters() limiters {
	otpCfg := ratelimit.Config{Limit: s.cfg.OTPRateLimit, Window: s.cfg.OTPRateWindow}
	reportCfg := ratelimit.Config{Limit: s.cfg.ReportRateLimit, Window: s.cfg.ReportRateWindow}
	apiCfg := ratelimit.Config{Limit: s.cfg.APIRateLimit, Window: s.cfg.APIRateWindow}

	if s.redis != nil {
		return limiters{
			otp:    ratelimit.NewRedisWindow(s.redis, "trustgate:rl:otp:", otpCfg),
			report: ratelimit.NewRedisWindow(s.redis, "trustgate:rl:report:", reportCfg),
			api:    ratelimit.NewRedisWindow(s.redis, "trustgate:rl:api:", apiCfg),
		}
	}

	otp := ratelimit.NewMemoryWindow(otpCfg)
	report := ratelimit.NewMemoryWindow(reportCfg)
	api := ratelimit.NewMemoryWindow(apiCfg)
	return limiters{
		otp:    otp,
		report: report,
		api:    api,
		stop:   []func(){otp.Stop, report.Stop, api.Stop},
	}
}

func (s *Server) newChallengeStore() challenge.Store {
	if s.redis != nil {
		return challenge.NewRedisStore(s.redis, "trustgate:challenge:")
	}
	return challenge.NewMemoryStore()
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
