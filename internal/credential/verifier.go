package credential

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/mbd888/trustgate/internal/challenge"
)

const maxCounterRaces = 3

// Err returns the sentinel matching a rejected verification, or nil.
func (v Verification) Err() error {
	switch v.Reason {
	case ReasonCounterRegression:
		return ErrCounterRegression
	case ReasonUnknownCredential:
		return ErrCredentialNotFound
	case ReasonSessionInvalid:
		return ErrSessionMismatch
	default:
		return nil
	}
}

// CounterVerifier accepts the upstream authentication result and, for
// passkeys, enforces signature counter monotonicity against the stored
// credential. When a session store is configured, passkey proofs must also
// redeem a challenge session issued to the same user.
type CounterVerifier struct {
	store    Store
	sessions *challenge.SessionStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewCounterVerifier creates a verifier over store.
func NewCounterVerifier(store Store, logger *slog.Logger) *CounterVerifier {
	return &CounterVerifier{store: store, logger: logger, now: time.Now}
}

// WithSessions requires passkey proofs to redeem a challenge session.
func (v *CounterVerifier) WithSessions(s *challenge.SessionStore) *CounterVerifier {
	v.sessions = s
	return v
}

// WithClock overrides the time source.
func (v *CounterVerifier) WithClock(now func() time.Time) *CounterVerifier {
	v.now = now
	return v
}

// Verify implements Verifier.
func (v *CounterVerifier) Verify(ctx context.Context, p Proof) (Verification, error) {
	if !p.Authenticated {
		return Verification{Reason: ReasonNotAuthenticated}, nil
	}
	if p.Method != MethodPasskey {
		return Verification{Valid: true}, nil
	}

	if v.sessions != nil {
		ok, err := v.redeemSession(ctx, p)
		if err != nil {
			return Verification{}, err
		}
		if !ok {
			return Verification{Reason: ReasonSessionInvalid}, nil
		}
	}

	for i := 0; i < maxCounterRaces; i++ {
		cred, err := v.store.Get(ctx, p.UserID, p.CredentialID)
		if errors.Is(err, ErrCredentialNotFound) {
			return Verification{Reason: ReasonUnknownCredential}, nil
		}
		if err != nil {
			return Verification{}, err
		}

		stored := cred.Authenticator.SignCount
		check := webauthn.Authenticator{SignCount: stored}
		check.UpdateCounter(p.SignCount)
		if check.CloneWarning {
			v.logger.Warn("passkey signature counter regressed",
				"user_id", p.UserID, "stored", stored, "presented", p.SignCount)
			if err := v.store.MarkCloneWarning(ctx, p.UserID, p.CredentialID); err != nil {
				v.logger.Warn("failed to flag cloned credential", "user_id", p.UserID, "error", err)
			}
			return Verification{Reason: ReasonCounterRegression, CloneSuspected: true}, nil
		}
		if check.SignCount == stored {
			// Authenticator without a counter: both sides are zero.
			return Verification{Valid: true}, nil
		}

		ok, err := v.store.UpdateSignCount(ctx, p.UserID, p.CredentialID, stored, check.SignCount)
		if err != nil {
			return Verification{}, err
		}
		if ok {
			return Verification{Valid: true}, nil
		}
		// Another use of this credential moved the counter first; re-check
		// against the new value.
	}
	return Verification{Reason: ReasonCounterRegression, CloneSuspected: true}, nil
}

func (v *CounterVerifier) redeemSession(ctx context.Context, p Proof) (bool, error) {
	if p.SessionID == "" {
		return false, nil
	}
	data, err := v.sessions.Take(ctx, p.SessionID)
	if errors.Is(err, challenge.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(data.UserID) != p.UserID {
		v.logger.Warn("challenge session presented for another user", "user_id", p.UserID)
		return false, nil
	}
	if !data.Expires.IsZero() && v.now().After(data.Expires) {
		return false, nil
	}
	return true, nil
}

var _ Verifier = (*CounterVerifier)(nil)
