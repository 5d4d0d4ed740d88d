package credential

import (
	"context"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/idgen"
)

// RelyingParty configures the WebAuthn relying party.
type RelyingParty struct {
	ID      string
	Name    string
	Origins []string
}

// NewWebAuthn builds the WebAuthn relying party used for login challenges.
func NewWebAuthn(rp RelyingParty) (*webauthn.WebAuthn, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rp.Name,
		RPID:          rp.ID,
		RPOrigins:     rp.Origins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}
	return wa, nil
}

// Challenger issues passkey login challenges. Challenges are discoverable
// (no allow-list), so the response is the same whether or not the user
// exists or has any passkey registered.
type Challenger struct {
	wa       *webauthn.WebAuthn
	sessions *challenge.SessionStore
}

// NewChallenger creates a challenger.
func NewChallenger(wa *webauthn.WebAuthn, sessions *challenge.SessionStore) *Challenger {
	return &Challenger{wa: wa, sessions: sessions}
}

// Begin starts a login ceremony for userID and returns the assertion
// options together with the session id the proof must present.
func (c *Challenger) Begin(ctx context.Context, userID string) (*protocol.CredentialAssertion, string, error) {
	options, session, err := c.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", fmt.Errorf("failed to begin passkey login: %w", err)
	}
	session.UserID = []byte(userID)

	id := idgen.WithPrefix("wses_")
	if err := c.sessions.Save(ctx, id, session); err != nil {
		return nil, "", err
	}
	return options, id, nil
}
