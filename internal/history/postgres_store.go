package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists telemetry in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed telemetry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt *LoginAttempt) error {
	if err := attempt.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO login_attempts (id, user_id, device_id, auth_method, success, ip_address, user_agent, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		attempt.ID,
		attempt.UserID,
		attempt.DeviceID,
		attempt.AuthMethod,
		attempt.Success,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.AttemptedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record login attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) Attempt(ctx context.Context, userID, id string) (*LoginAttempt, error) {
	var a LoginAttempt
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, device_id, auth_method, success, ip_address, user_agent, attempted_at
		FROM login_attempts
		WHERE user_id = $1 AND id = $2
	`, userID, id).Scan(&a.ID, &a.UserID, &a.DeviceID, &a.AuthMethod, &a.Success, &a.IPAddress, &a.UserAgent, &a.AttemptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get login attempt: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) AttemptsSince(ctx context.Context, userID string, since time.Time) ([]*LoginAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, auth_method, success, ip_address, user_agent, attempted_at
		FROM login_attempts
		WHERE user_id = $1 AND attempted_at >= $2
		ORDER BY attempted_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list login attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *PostgresStore) SuccessfulAttempts(ctx context.Context, userID string, limit int) ([]*LoginAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, auth_method, success, ip_address, user_agent, attempted_at
		FROM login_attempts
		WHERE user_id = $1 AND success = TRUE
		ORDER BY attempted_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list successful attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (s *PostgresStore) RecordEvidence(ctx context.Context, sub *EvidenceSubmission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_submissions (id, user_id, evidence_id, evidence_type, external_url, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		sub.ID,
		sub.UserID,
		sub.EvidenceID,
		sub.EvidenceType,
		sub.ExternalURL,
		sub.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record evidence submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) EvidenceSince(ctx context.Context, userID string, since time.Time) ([]*EvidenceSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, evidence_id, evidence_type, external_url, submitted_at
		FROM evidence_submissions
		WHERE user_id = $1 AND submitted_at >= $2
		ORDER BY submitted_at DESC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*EvidenceSubmission
	for rows.Next() {
		var e EvidenceSubmission
		if err := rows.Scan(&e.ID, &e.UserID, &e.EvidenceID, &e.EvidenceType, &e.ExternalURL, &e.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evidence submission: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func scanAttempts(rows *sql.Rows) ([]*LoginAttempt, error) {
	defer func() { _ = rows.Close() }()

	var result []*LoginAttempt
	for rows.Next() {
		var a LoginAttempt
		if err := rows.Scan(&a.ID, &a.UserID, &a.DeviceID, &a.AuthMethod, &a.Success, &a.IPAddress, &a.UserAgent, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
