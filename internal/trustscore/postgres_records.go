package trustscore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx so reads can run inside the
// provider's snapshot transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresRecordStore persists scoring records in PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a PostgreSQL-backed record store.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (p *PostgresRecordStore) AddEvidence(ctx context.Context, item *EvidenceItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence_items (id, user_id, type, verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.UserID, string(item.Type), item.Verified, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add evidence item: %w", err)
	}
	return nil
}

func (p *PostgresRecordStore) VerifyEvidence(ctx context.Context, userID, itemID string) (*EvidenceItem, error) {
	var it EvidenceItem
	var typ string
	err := p.db.QueryRowContext(ctx, `
		UPDATE evidence_items SET verified = TRUE
		WHERE user_id = $1 AND id = $2
		RETURNING id, user_id, type, verified, created_at
	`, userID, itemID).Scan(&it.ID, &it.UserID, &typ, &it.Verified, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify evidence item: %w", err)
	}
	it.Type = EvidenceType(typ)
	return &it, nil
}

func (p *PostgresRecordStore) ListEvidence(ctx context.Context, userID string) ([]EvidenceItem, error) {
	return listEvidence(ctx, p.db, userID)
}

func (p *PostgresRecordStore) AddPeerVerification(ctx context.Context, verifierID, subjectID string) error {
	if verifierID == "" || subjectID == "" || verifierID == subjectID {
		return ErrInvalidRecord
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO peer_verifications (verifier_id, subject_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (verifier_id, subject_id) DO NOTHING
	`, verifierID, subjectID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add peer verification: %w", err)
	}
	return nil
}

func (p *PostgresRecordStore) MutualVerifications(ctx context.Context, userID string) (int, error) {
	return mutualVerifications(ctx, p.db, userID)
}

func (p *PostgresRecordStore) AddRating(ctx context.Context, r *ExternalRating) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO external_ratings (id, user_id, platform, rating, max_rating, weight, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.UserID, r.Platform, r.Rating, r.MaxRating, r.Weight, nullTime(r.ExpiresAt), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add external rating: %w", err)
	}
	return nil
}

func (p *PostgresRecordStore) ListRatings(ctx context.Context, userID string) ([]ExternalRating, error) {
	return listRatings(ctx, p.db, userID)
}

func listEvidence(ctx context.Context, q querier, userID string) ([]EvidenceItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, type, verified, created_at
		FROM evidence_items
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EvidenceItem
	for rows.Next() {
		var it EvidenceItem
		var typ string
		if err := rows.Scan(&it.ID, &it.UserID, &typ, &it.Verified, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence item: %w", err)
		}
		it.Type = EvidenceType(typ)
		out = append(out, it)
	}
	return out, rows.Err()
}

func mutualVerifications(ctx context.Context, q querier, userID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM peer_verifications a
		JOIN peer_verifications b
		  ON b.verifier_id = a.subject_id AND b.subject_id = a.verifier_id
		WHERE a.subject_id = $1
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mutual verifications: %w", err)
	}
	return n, nil
}

func listRatings(ctx context.Context, q querier, userID string) ([]ExternalRating, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, platform, rating, max_rating, weight, expires_at, created_at
		FROM external_ratings
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list external ratings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ExternalRating
	for rows.Next() {
		var r ExternalRating
		var expires sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Platform, &r.Rating, &r.MaxRating, &r.Weight, &expires, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan external rating: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			r.ExpiresAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ RecordStore = (*PostgresRecordStore)(nil)
