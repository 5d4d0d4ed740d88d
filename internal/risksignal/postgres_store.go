package risksignal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists risk signals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const signalColumns = `id, user_id, kind, severity, message, metadata, created_at, resolved, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, s *Signal) error {
	if err := s.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(metadataOrEmpty(s.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_signals (id, user_id, kind, severity, message, metadata, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
	`,
		s.ID,
		s.UserID,
		string(s.Kind),
		s.Severity,
		s.Message,
		meta,
		s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create risk signal: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Signal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM risk_signals WHERE id = $1`, id)
	s, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSignalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get risk signal: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListActive(ctx context.Context, userID string) ([]*Signal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM risk_signals
		WHERE user_id = $1 AND resolved = FALSE
		ORDER BY created_at DESC, seq DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active risk signals: %w", err)
	}
	return scanSignals(rows)
}

func (p *PostgresStore) List(ctx context.Context, userID string, limit int) ([]*Signal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+signalColumns+`
		FROM risk_signals
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk signals: %w", err)
	}
	return scanSignals(rows)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, at time.Time) error {
	// COALESCE keeps the first resolution time on repeat calls.
	res, err := p.db.ExecContext(ctx, `
		UPDATE risk_signals
		SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $2)
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to resolve risk signal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve risk signal: %w", err)
	}
	if n == 0 {
		return ErrSignalNotFound
	}
	return nil
}

func (p *PostgresStore) ResolveWhere(ctx context.Context, userID string, f Filter, at time.Time) (int, error) {
	kinds := make([]string, 0, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds = append(kinds, string(k))
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE risk_signals
		SET resolved = TRUE, resolved_at = $2
		WHERE user_id = $1
		  AND resolved = FALSE
		  AND (cardinality($3::text[]) = 0 OR kind = ANY($3::text[]))
		  AND ($4::text = '' OR metadata ->> $4::text = $5::text)
	`, userID, at, pq.Array(kinds), f.MetadataKey, f.MetadataValue)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve risk signals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve risk signals: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (*Signal, error) {
	var s Signal
	var kind string
	var meta []byte
	var resolvedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &kind, &s.Severity, &s.Message, &meta, &s.CreatedAt, &s.Resolved, &resolvedAt); err != nil {
		return nil, err
	}
	s.Kind = Kind(kind)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		s.ResolvedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		if len(s.Metadata) == 0 {
			s.Metadata = nil
		}
	}
	return &s, nil
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk signal: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Store = (*PostgresStore)(nil)
