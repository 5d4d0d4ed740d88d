package trustscore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// PostgresSnapshotStore persists snapshots in PostgreSQL. Rows are only
// ever inserted.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

const snapshotColumns = `id, user_id, score, label,
	identity_score, evidence_score, behavior_score, peer_score, external_score,
	factors, created_at`

func (p *PostgresSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	factors, err := json.Marshal(snap.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trust_score_snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		snap.ID,
		snap.UserID,
		snap.Score,
		string(snap.Label),
		snap.Components.Identity,
		snap.Components.Evidence,
		snap.Components.Behavior,
		snap.Components.Peer,
		snap.Components.External,
		factors,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trust score snapshot: %w", err)
	}
	return nil
}

func (p *PostgresSnapshotStore) Latest(ctx context.Context, userID string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM trust_score_snapshots
		WHERE user_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, userID)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest trust score: %w", err)
	}
	return s, nil
}

func (p *PostgresSnapshotStore) Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM trust_score_snapshots WHERE user_id = $1`
	args := []any{q.UserID}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}
	query += " ORDER BY created_at DESC, seq DESC LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, q.limit())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trust score history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trust score snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (*Snapshot, error) {
	var s Snapshot
	var label string
	var factors []byte
	if err := row.Scan(&s.ID, &s.UserID, &s.Score, &label,
		&s.Components.Identity, &s.Components.Evidence, &s.Components.Behavior,
		&s.Components.Peer, &s.Components.External,
		&factors, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Label = Label(label)
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &s.Factors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal factors: %w", err)
		}
	}
	return &s, nil
}

var _ SnapshotStore = (*PostgresSnapshotStore)(nil)
