// Package account holds the user records the trust engine reads: verification
// flags for the identity component and the email used for one-time codes.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound = errors.New("account: user not found")
	ErrEmailTaken   = errors.New("account: email already registered")
	ErrInvalidUser  = errors.New("account: invalid user")
)

// User is the subset of a user account the engine depends on.
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	EmailVerified    bool      `json:"emailVerified"`
	PhoneVerified    bool      `json:"phoneVerified"`
	IdentityVerified bool      `json:"identityVerified"`
	CreatedAt        time.Time `json:"createdAt"`
}

// AgeDays returns whole days since the account was created.
func (u *User) AgeDays(now time.Time) int {
	if u.CreatedAt.IsZero() || now.Before(u.CreatedAt) {
		return 0
	}
	return int(now.Sub(u.CreatedAt).Hours() / 24)
}

// Verification is a partial update of the verification flags. Nil fields are
// left unchanged.
type Verification struct {
	EmailVerified    *bool `json:"emailVerified,omitempty"`
	PhoneVerified    *bool `json:"phoneVerified,omitempty"`
	IdentityVerified *bool `json:"identityVerified,omitempty"`
}

func (v Verification) apply(u *User) {
	if v.EmailVerified != nil {
		u.EmailVerified = *v.EmailVerified
	}
	if v.PhoneVerified != nil {
		u.PhoneVerified = *v.PhoneVerified
	}
	if v.IdentityVerified != nil {
		u.IdentityVerified = *v.IdentityVerified
	}
}

// Store persists users. Emails are stored normalized and are unique.
type Store interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateVerification(ctx context.Context, id string, v Verification) (*User, error)
	ListIDs(ctx context.Context) ([]string, error)
}
