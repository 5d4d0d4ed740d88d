package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

const sessionPrefix = "webauthn:session:"

// SessionStore keeps WebAuthn ceremony state between the begin and finish
// steps of a registration or login.
type SessionStore struct {
	store Store
	ttl   time.Duration
}

// NewSessionStore creates a WebAuthn session store.
func NewSessionStore(store Store, ttl time.Duration) *SessionStore {
	return &SessionStore{store: store, ttl: ttl}
}

// Save stores the session data under sessionID.
func (s *SessionStore) Save(ctx context.Context, sessionID string, data *webauthn.SessionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode webauthn session: %w", err)
	}
	return s.store.Put(ctx, sessionPrefix+sessionID, raw, s.ttl)
}

// Take returns and removes the session data. A session can finish one
// ceremony only.
func (s *SessionStore) Take(ctx context.Context, sessionID string) (*webauthn.SessionData, error) {
	raw, err := s.store.GetAndConsume(ctx, sessionPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	var data webauthn.SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode webauthn session: %w", err)
	}
	return &data, nil
}
