package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, email, email_verified, phone_verified, identity_verified, created_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_verified, phone_verified, identity_verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.Email, u.EmailVerified, u.PhoneVerified, u.IdentityVerified, u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	return p.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (p *PostgresStore) UpdateVerification(ctx context.Context, id string, v Verification) (*User, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE users SET
			email_verified    = COALESCE($2::boolean, email_verified),
			phone_verified    = COALESCE($3::boolean, phone_verified),
			identity_verified = COALESCE($4::boolean, identity_verified)
		WHERE id = $1
		RETURNING `+userColumns,
		id, nullBool(v.EmailVerified), nullBool(v.PhoneVerified), nullBool(v.IdentityVerified),
	)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update user verification: %w", err)
	}
	return u, nil
}

func (p *PostgresStore) ListIDs(ctx context.Context) ([]string, error) {
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

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.PhoneVerified, &u.IdentityVerified, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
