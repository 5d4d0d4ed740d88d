package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/logging"
)

var credID = []byte("cred-1")

func seeded(t *testing.T, signCount uint32) (*MemoryStore, *CounterVerifier) {
	t.Helper()
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "u1", webauthn.Credential{
		ID:            credID,
		PublicKey:     []byte("pk"),
		Authenticator: webauthn.Authenticator{SignCount: signCount},
	}))
	return store, NewCounterVerifier(store, logging.Discard())
}

func passkey(count uint32) Proof {
	return Proof{UserID: "u1", Method: MethodPasskey, CredentialID: credID, SignCount: count, Authenticated: true}
}

func TestCounterVerifier_Increasing(t *testing.T) {
	store, v := seeded(t, 5)
	got, err := v.Verify(context.Background(), passkey(6))
	require.NoError(t, err)
	assert.True(t, got.Valid)
	assert.NoError(t, got.Err())

	c, err := store.Get(context.Background(), "u1", credID)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), c.Authenticator.SignCount)
}

func TestCounterVerifier_Regression(t *testing.T) {
	tests := []struct {
		name    string
		stored  uint32
		present uint32
	}{
		{"equal", 5, 5},
		{"lower", 5, 3},
		{"reset to zero", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, v := seeded(t, tt.stored)
			got, err := v.Verify(context.Background(), passkey(tt.present))
			require.NoError(t, err)
			assert.False(t, got.Valid)
			assert.True(t, got.CloneSuspected)
			assert.ErrorIs(t, got.Err(), ErrCounterRegression)

			c, err := store.Get(context.Background(), "u1", credID)
			require.NoError(t, err)
			assert.Equal(t, tt.stored, c.Authenticator.SignCount)
			assert.True(t, c.Authenticator.CloneWarning)
		})
	}
}

func TestCounterVerifier_ZeroCounterAuthenticator(t *testing.T) {
	_, v := seeded(t, 0)
	got, err := v.Verify(context.Background(), passkey(0))
	require.NoError(t, err)
	assert.True(t, got.Valid)
}

func TestCounterVerifier_UpstreamRejected(t *testing.T) {
	_, v := seeded(t, 1)
	p := passkey(2)
	p.Authenticated = false
	got, err := v.Verify(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, got.Valid)
	assert.Equal(t, ReasonNotAuthenticated, got.Reason)
}

func TestCounterVerifier_NonPasskeyPassesThrough(t *testing.T) {
	_, v := seeded(t, 1)
	got, err := v.Verify(context.Background(), Proof{UserID: "u1", Method: "email-otp", Authenticated: true})
	require.NoError(t, err)
	assert.True(t, got.Valid)
}

func TestCounterVerifier_UnknownCredential(t *testing.T) {
	_, v := seeded(t, 1)
	p := passkey(2)
	p.CredentialID = []byte("other")
	got, err := v.Verify(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownCredential, got.Reason)
}

// Two requests replaying the same counter value: only one can win.
func TestCounterVerifier_ConcurrentReplay(t *testing.T) {
	_, v := seeded(t, 10)

	var wg sync.WaitGroup
	results := make([]Verification, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := v.Verify(context.Background(), passkey(11))
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	valid := 0
	for _, r := range results {
		if r.Valid {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
}

func TestCounterVerifier_RequiresSession(t *testing.T) {
	store, _ := seeded(t, 1)
	sessions := challenge.NewSessionStore(challenge.NewMemoryStore(), time.Minute)
	v := NewCounterVerifier(store, logging.Discard()).WithSessions(sessions)
	ctx := context.Background()

	got, err := v.Verify(ctx, passkey(2))
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionInvalid, got.Reason)

	require.NoError(t, sessions.Save(ctx, "s-other", &webauthn.SessionData{Challenge: "c", UserID: []byte("u2")}))
	p := passkey(2)
	p.SessionID = "s-other"
	got, err = v.Verify(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionInvalid, got.Reason)

	require.NoError(t, sessions.Save(ctx, "s-mine", &webauthn.SessionData{Challenge: "c", UserID: []byte("u1")}))
	p.SessionID = "s-mine"
	got, err = v.Verify(ctx, p)
	require.NoError(t, err)
	assert.True(t, got.Valid)

	// Sessions are single use.
	p.SignCount = 3
	got, err = v.Verify(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionInvalid, got.Reason)
}

func TestChallenger_BeginThenVerify(t *testing.T) {
	wa, err := NewWebAuthn(RelyingParty{ID: "localhost", Name: "Test", Origins: []string{"https://localhost:8080"}})
	require.NoError(t, err)

	store, _ := seeded(t, 1)
	sessions := challenge.NewSessionStore(challenge.NewMemoryStore(), time.Minute)
	ch := NewChallenger(wa, sessions)
	v := NewCounterVerifier(store, logging.Discard()).WithSessions(sessions)

	options, sessionID, err := ch.Begin(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, options)
	assert.NotEmpty(t, options.Response.Challenge)

	p := passkey(2)
	p.SessionID = sessionID
	got, err := v.Verify(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, got.Valid)
}

func TestHandler_ChallengeForUnknownUserLooksNormal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	wa, err := NewWebAuthn(RelyingParty{ID: "localhost", Name: "Test", Origins: []string{"https://localhost:8080"}})
	require.NoError(t, err)
	sessions := challenge.NewSessionStore(challenge.NewMemoryStore(), time.Minute)

	r := gin.New()
	NewHandler(NewChallenger(wa, sessions), NewMemoryStore()).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/users/nobody/passkeys/challenge", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["sessionId"])
	assert.NotNil(t, resp["options"])
}

func TestHandler_SaveAndListCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := NewMemoryStore()
	r := gin.New()
	NewHandler(nil, store).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users/u1/credentials",
		jsonBody(`{"credentialId":"Y3JlZC0x","publicKey":"cGs=","signCount":4}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	c, err := store.Get(context.Background(), "u1", []byte("cred-1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), c.Authenticator.SignCount)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/users/u1/credentials", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestPostgresStore_UpdateSignCountCompareAndSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE webauthn_credentials`)).
		WithArgs("u1", credID, int64(5), int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := NewPostgresStore(db).UpdateSignCount(context.Background(), "u1", credID, 5, 6)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM webauthn_credentials`)).
		WillReturnRows(sqlmock.NewRows([]string{"credential_id", "public_key", "sign_count", "clone_warning", "backup_eligible", "backup_state"}))

	_, err = NewPostgresStore(db).Get(context.Background(), "u1", credID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func jsonBody(s string) *strings.Reader { return strings.NewReader(s) }
