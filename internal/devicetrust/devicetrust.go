// Package devicetrust tracks the trust level of each (user, device) pair.
//
// The level is a pure function of the device's successful login count
// (<3 new, 3..9 known, ≥10 trusted) adjusted by explicit events: a failed
// login demotes one step, a suspicious pattern forces Suspicious, and an
// out-of-band action blocks. Blocked is absorbing until an administrator
// unblocks the device. Suspicious clears only after a successful login with a
// strong method.
package devicetrust

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDeviceNotFound = errors.New("devicetrust: device not found")
	ErrConflict       = errors.New("devicetrust: concurrent update conflict")
	ErrInvalidDevice  = errors.New("devicetrust: user and device id are required")
)

// Level is a device trust level.
type Level string

const (
	LevelNew        Level = "new"
	LevelKnown      Level = "known"
	LevelTrusted    Level = "trusted"
	LevelSuspicious Level = "suspicious"
	LevelBlocked    Level = "blocked"
)

// Login count thresholds.
const (
	KnownAfter   = 3
	TrustedAfter = 10
)

// Method is an authentication method.
type Method string

const (
	MethodPasskey     Method = "passkey"
	MethodOAuthApple  Method = "oauth-apple"
	MethodOAuthGoogle Method = "oauth-google"
	MethodEmailOTP    Method = "email-otp"
)

var strongMethods = map[Method]bool{
	MethodPasskey:     true,
	MethodOAuthApple:  true,
	MethodOAuthGoogle: true,
}

// Strong reports whether m can clear a Suspicious device.
func (m Method) Strong() bool {
	return strongMethods[m]
}

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	return m.Strong() || m == MethodEmailOTP
}

// Device is the stored trust state of one (user, device) pair.
type Device struct {
	UserID     string    `json:"userId"`
	DeviceID   string    `json:"deviceId"`
	Level      Level     `json:"trustLevel"`
	LoginCount int       `json:"loginCount"`
	LastIP     string    `json:"lastIp,omitempty"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	Version    int64     `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Event is the outcome of one login attempt from a device.
type Event struct {
	Success bool
	Method  Method
	IP      string
	At      time.Time
	// Suspicious is set when the anomaly detector flagged this device during
	// the attempt.
	Suspicious bool
}

// DeriveLevel maps a successful login count to a level.
func DeriveLevel(loginCount int) Level {
	switch {
	case loginCount >= TrustedAfter:
		return LevelTrusted
	case loginCount >= KnownAfter:
		return LevelKnown
	default:
		return LevelNew
	}
}

// Demote lowers a level by one step. Suspicious and Blocked are unaffected.
func Demote(l Level) Level {
	switch l {
	case LevelTrusted:
		return LevelKnown
	case LevelKnown:
		return LevelNew
	default:
		return l
	}
}

// Transition applies ev to d and returns the new state. It does not touch
// Version or timestamps other than LastUsedAt.
func Transition(d Device, ev Event) Device {
	if d.Level == LevelBlocked {
		return d
	}

	next := d
	if ev.Success {
		next.LoginCount++
		if ev.IP != "" {
			next.LastIP = ev.IP
		}
		next.LastUsedAt = ev.At

		switch {
		case d.Level != LevelSuspicious:
			next.Level = DeriveLevel(next.LoginCount)
		case ev.Method.Strong() && !ev.Suspicious:
			next.Level = DeriveLevel(next.LoginCount)
		}
	} else if d.Level != LevelSuspicious {
		next.Level = Demote(d.Level)
	}

	if ev.Suspicious {
		next.Level = LevelSuspicious
	}
	return next
}

// NewDevice returns the initial state of an unseen device.
func NewDevice(userID, deviceID string, at time.Time) Device {
	return Device{
		UserID:    userID,
		DeviceID:  deviceID,
		Level:     LevelNew,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Store persists devices with optimistic concurrency. Insert fails with
// ErrConflict when the pair already exists; Update fails with ErrConflict
// when the stored version differs from expectedVersion. A successful write
// stores Version = expectedVersion + 1 (1 for Insert).
type Store interface {
	Get(ctx context.Context, userID, deviceID string) (*Device, error)
	Insert(ctx context.Context, d *Device) error
	Update(ctx context.Context, d *Device, expectedVersion int64) error
	ListByUser(ctx context.Context, userID string) ([]*Device, error)
	DeleteByUser(ctx context.Context, userID string) (int, error)
}
