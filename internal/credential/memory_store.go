package credential

import (
	"context"
	"sync"

	"github.com/go-webauthn/webauthn/webauthn"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]map[string]webauthn.Credential // userID → credential id → credential
}

// NewMemoryStore creates an in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]map[string]webauthn.Credential)}
}

func (m *MemoryStore) Save(ctx context.Context, userID string, cred webauthn.Credential) error {
	if userID == "" || len(cred.ID) == 0 {
		return ErrInvalidCredential
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.creds[userID]
	if !ok {
		byID = make(map[string]webauthn.Credential)
		m.creds[userID] = byID
	}
	byID[string(cred.ID)] = copyCredential(cred)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string, credentialID []byte) (*webauthn.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[userID][string(credentialID)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	cp := copyCredential(c)
	return &cp, nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]webauthn.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]webauthn.Credential, 0, len(m.creds[userID]))
	for _, c := range m.creds[userID] {
		result = append(result, copyCredential(c))
	}
	return result, nil
}

func (m *MemoryStore) UpdateSignCount(ctx context.Context, userID string, credentialID []byte, from, to uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[userID][string(credentialID)]
	if !ok {
		return false, ErrCredentialNotFound
	}
	if c.Authenticator.SignCount != from {
		return false, nil
	}
	c.Authenticator.SignCount = to
	m.creds[userID][string(credentialID)] = c
	return true, nil
}

func (m *MemoryStore) MarkCloneWarning(ctx context.Context, userID string, credentialID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[userID][string(credentialID)]
	if !ok {
		return ErrCredentialNotFound
	}
	c.Authenticator.CloneWarning = true
	m.creds[userID][string(credentialID)] = c
	return nil
}

func (m *MemoryStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.creds[userID])
	delete(m.creds, userID)
	return n, nil
}

func copyCredential(c webauthn.Credential) webauthn.Credential {
	c.ID = append([]byte(nil), c.ID...)
	c.PublicKey = append([]byte(nil), c.PublicKey...)
	return c
}

var _ Store = (*MemoryStore)(nil)
