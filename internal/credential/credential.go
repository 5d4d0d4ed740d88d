// Package credential is the boundary to upstream credential verification.
//
// Signature and OAuth checks happen outside this service and arrive as a
// boolean. What is enforced here is the part the engine owns: a passkey's
// signature counter must strictly increase between uses, otherwise the
// authenticator may have been cloned.
package credential

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/webauthn"
)

var (
	ErrCredentialNotFound = errors.New("credential: not found")
	ErrCounterRegression  = errors.New("credential: signature counter did not increase")
	ErrSessionMismatch    = errors.New("credential: challenge session does not belong to user")
	ErrInvalidCredential  = errors.New("credential: invalid credential")
)

// Method names as they arrive from the auth flow.
const MethodPasskey = "passkey"

// Proof is what the auth flow reports about one authentication.
type Proof struct {
	UserID        string `json:"userId"`
	Method        string `json:"method"`
	CredentialID  []byte `json:"credentialId,omitempty"`
	SignCount     uint32 `json:"signCount"`
	SessionID     string `json:"sessionId,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// Reason explains a rejected proof.
type Reason string

const (
	ReasonOK                Reason = ""
	ReasonNotAuthenticated  Reason = "not_authenticated"
	ReasonUnknownCredential Reason = "unknown_credential"
	ReasonCounterRegression Reason = "counter_regression"
	ReasonSessionInvalid    Reason = "session_invalid"
)

// Verification is the verdict on a Proof.
type Verification struct {
	Valid          bool   `json:"valid"`
	Reason         Reason `json:"reason,omitempty"`
	CloneSuspected bool   `json:"cloneSuspected"`
}

// Verifier checks a credential proof.
type Verifier interface {
	Verify(ctx context.Context, p Proof) (Verification, error)
}

// Store keeps registered passkey credentials. UpdateSignCount is a
// compare-and-set on the stored counter and reports false when another use
// of the credential already moved it.
type Store interface {
	Save(ctx context.Context, userID string, cred webauthn.Credential) error
	Get(ctx context.Context, userID string, credentialID []byte) (*webauthn.Credential, error)
	List(ctx context.Context, userID string) ([]webauthn.Credential, error)
	UpdateSignCount(ctx context.Context, userID string, credentialID []byte, from, to uint32) (bool, error)
	MarkCloneWarning(ctx context.Context, userID string, credentialID []byte) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
}
