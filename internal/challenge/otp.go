package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	otpDigits = 6
	otpPrefix = "otp:"
)

var otpSpace = big.NewInt(1_000_000)

// OTPIssuer issues numeric one-time codes. Only a bcrypt hash of the code is
// stored. A verification attempt consumes the code whether or not it
// matches, so each issued code allows a single guess.
type OTPIssuer struct {
	store Store
	ttl   time.Duration
	cost  int
}

// NewOTPIssuer creates an issuer whose codes live for ttl.
func NewOTPIssuer(store Store, ttl time.Duration) *OTPIssuer {
	return &OTPIssuer{store: store, ttl: ttl, cost: bcrypt.DefaultCost}
}

// WithCost sets the bcrypt cost.
func (o *OTPIssuer) WithCost(cost int) *OTPIssuer {
	o.cost = cost
	return o
}

// TTL returns how long issued codes stay valid.
func (o *OTPIssuer) TTL() time.Duration {
	return o.ttl
}

// Issue creates a code for subject, replacing any outstanding one.
func (o *OTPIssuer) Issue(ctx context.Context, subject string) (string, error) {
	n, err := rand.Int(rand.Reader, otpSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := fmt.Sprintf("%0*d", otpDigits, n.Int64())

	hash, err := bcrypt.GenerateFromPassword([]byte(code), o.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	if err := o.store.Put(ctx, otpPrefix+subject, hash, o.ttl); err != nil {
		return "", err
	}
	return code, nil
}

// Verify consumes the outstanding code for subject. It returns ErrNotFound
// when no code is outstanding and ErrInvalidCode when the code is wrong.
func (o *OTPIssuer) Verify(ctx context.Context, subject, code string) error {
	hash, err := o.store.GetAndConsume(ctx, otpPrefix+subject)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(code)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrInvalidCode
		}
		return fmt.Errorf("failed to compare code: %w", err)
	}
	return nil
}
