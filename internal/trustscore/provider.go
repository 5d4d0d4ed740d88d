package trustscore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/risksignal"
)

// StoreProvider assembles inputs from the individual stores. Signals are
// read in a single call, so the risk baseline reflects one point in time.
type StoreProvider struct {
	accounts account.Store
	signals  risksignal.Store
	records  RecordStore
}

// NewStoreProvider creates a provider over the account, risk signal and
// record stores.
func NewStoreProvider(accounts account.Store, signals risksignal.Store, records RecordStore) *StoreProvider {
	return &StoreProvider{accounts: accounts, signals: signals, records: records}
}

func (p *StoreProvider) Inputs(ctx context.Context, userID string) (*Inputs, error) {
	u, err := p.accounts.Get(ctx, userID)
	if errors.Is(err, account.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	evidence, err := p.records.ListEvidence(ctx, userID)
	if err != nil {
		return nil, err
	}
	mutual, err := p.records.MutualVerifications(ctx, userID)
	if err != nil {
		return nil, err
	}
	ratings, err := p.records.ListRatings(ctx, userID)
	if err != nil {
		return nil, err
	}
	signals, err := p.signals.ListActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Inputs{
		User:                *u,
		Evidence:            evidence,
		MutualVerifications: mutual,
		Ratings:             ratings,
		ActiveSignals:       signals,
	}, nil
}

func (p *StoreProvider) ListUserIDs(ctx context.Context) ([]string, error) {
	return p.accounts.ListIDs(ctx)
}

// PostgresProvider reads every input inside one read-only REPEATABLE READ
// transaction.
type PostgresProvider struct {
	db *sql.DB
}

// NewPostgresProvider creates a provider over db.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) Inputs(ctx context.Context, userID string) (*Inputs, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in := &Inputs{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, email, email_verified, phone_verified, identity_verified, created_at
		FROM users WHERE id = $1
	`, userID).Scan(&in.User.ID, &in.User.Email, &in.User.EmailVerified,
		&in.User.PhoneVerified, &in.User.IdentityVerified, &in.User.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}

	if in.Evidence, err = listEvidence(ctx, tx, userID); err != nil {
		return nil, err
	}
	if in.MutualVerifications, err = mutualVerifications(ctx, tx, userID); err != nil {
		return nil, err
	}
	if in.Ratings, err = listRatings(ctx, tx, userID); err != nil {
		return nil, err
	}
	if in.ActiveSignals, err = activeSignals(ctx, tx, userID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to end snapshot read: %w", err)
	}
	return in, nil
}

func (p *PostgresProvider) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// activeSignals reads only what the score needs from unresolved signals.
func activeSignals(ctx context.Context, q querier, userID string) ([]*risksignal.Signal, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, kind, severity, created_at
		FROM risk_signals
		WHERE user_id = $1 AND resolved = FALSE
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*risksignal.Signal
	for rows.Next() {
		s := &risksignal.Signal{UserID: userID}
		var kind string
		if err := rows.Scan(&s.ID, &kind, &s.Severity, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk signal: %w", err)
		}
		s.Kind = risksignal.Kind(kind)
		out = append(out, s)
	}
	return out, rows.Err()
}

var (
	_ InputProvider = (*StoreProvider)(nil)
	_ InputProvider = (*PostgresProvider)(nil)
)
