package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-webauthn/webauthn/webauthn"
)

// PostgresStore persists passkey credentials in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Save(ctx context.Context, userID string, cred webauthn.Credential) error {
	if userID == "" || len(cred.ID) == 0 {
		return ErrInvalidCredential
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webauthn_credentials (user_id, credential_id, public_key, sign_count, clone_warning, backup_eligible, backup_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, credential_id) DO UPDATE
		SET public_key = EXCLUDED.public_key,
		    sign_count = EXCLUDED.sign_count,
		    clone_warning = EXCLUDED.clone_warning
	`,
		userID,
		cred.ID,
		cred.PublicKey,
		int64(cred.Authenticator.SignCount),
		cred.Authenticator.CloneWarning,
		cred.Flags.BackupEligible,
		cred.Flags.BackupState,
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, userID string, credentialID []byte) (*webauthn.Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT credential_id, public_key, sign_count, clone_warning, backup_eligible, backup_state
		FROM webauthn_credentials
		WHERE user_id = $1 AND credential_id = $2
	`, userID, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	creds, err := scanCredentials(rows)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrCredentialNotFound
	}
	return &creds[0], nil
}

func (p *PostgresStore) List(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT credential_id, public_key, sign_count, clone_warning, backup_eligible, backup_state
		FROM webauthn_credentials
		WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return scanCredentials(rows)
}

func (p *PostgresStore) UpdateSignCount(ctx context.Context, userID string, credentialID []byte, from, to uint32) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webauthn_credentials
		SET sign_count = $4, last_used_at = NOW()
		WHERE user_id = $1 AND credential_id = $2 AND sign_count = $3
	`, userID, credentialID, int64(from), int64(to))
	if err != nil {
		return false, fmt.Errorf("failed to update sign count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to update sign count: %w", err)
	}
	return n == 1, nil
}

func (p *PostgresStore) MarkCloneWarning(ctx context.Context, userID string, credentialID []byte) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webauthn_credentials SET clone_warning = TRUE
		WHERE user_id = $1 AND credential_id = $2
	`, userID, credentialID)
	if err != nil {
		return fmt.Errorf("failed to flag credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webauthn_credentials WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete credentials: %w", err)
	}
	return int(n), nil
}

func scanCredentials(rows *sql.Rows) ([]webauthn.Credential, error) {
	defer func() { _ = rows.Close() }()

	var creds []webauthn.Credential
	for rows.Next() {
		var (
			c         webauthn.Credential
			signCount int64
		)
		if err := rows.Scan(&c.ID, &c.PublicKey, &signCount, &c.Authenticator.CloneWarning,
			&c.Flags.BackupEligible, &c.Flags.BackupState); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		if signCount < 0 {
			return nil, errors.New("credential: negative sign count in storage")
		}
		c.Authenticator.SignCount = uint32(signCount) //nolint:gosec // checked above, column holds uint32 values
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
