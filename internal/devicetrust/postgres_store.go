package devicetrust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists devices in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed device store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const deviceColumns = `user_id, device_id, trust_level, login_count, last_ip, last_used_at, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		FROM auth_devices
		WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Insert(ctx context.Context, d *Device) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_devices (user_id, device_id, trust_level, login_count, last_ip, last_used_at, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		ON CONFLICT (user_id, device_id) DO NOTHING
	`,
		d.UserID,
		d.DeviceID,
		string(d.Level),
		d.LoginCount,
		d.LastIP,
		nullTime(d.LastUsedAt),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return wrapConflict("insert device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert device: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	d.Version = 1
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, d *Device, expectedVersion int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auth_devices
		SET trust_level = $3, login_count = $4, last_ip = $5, last_used_at = $6,
		    updated_at = $7, version = version + 1
		WHERE user_id = $1 AND device_id = $2 AND version = $8
	`,
		d.UserID,
		d.DeviceID,
		string(d.Level),
		d.LoginCount,
		d.LastIP,
		nullTime(d.LastUsedAt),
		d.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return wrapConflict("update device", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if n == 0 {
		// Either the row is gone or another writer bumped the version.
		if _, getErr := p.Get(ctx, d.UserID, d.DeviceID); errors.Is(getErr, ErrDeviceNotFound) {
			return ErrDeviceNotFound
		}
		return ErrConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM auth_devices
		WHERE user_id = $1
		ORDER BY last_used_at DESC NULLS LAST
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM auth_devices WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to delete devices: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var d Device
	var level string
	var lastUsed sql.NullTime
	if err := row.Scan(&d.UserID, &d.DeviceID, &level, &d.LoginCount, &d.LastIP, &lastUsed, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Level = Level(level)
	if lastUsed.Valid {
		d.LastUsedAt = lastUsed.Time
	}
	return &d, nil
}

// wrapConflict maps serialization failures and deadlocks to ErrConflict so
// the service retries them like a version mismatch.
func wrapConflict(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", op, ErrConflict)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ Store = (*PostgresStore)(nil)
