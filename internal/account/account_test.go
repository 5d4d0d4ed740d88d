package account

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/logging"
)

func TestUser_AgeDays(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := &User{CreatedAt: created}
	assert.Equal(t, 0, u.AgeDays(created.Add(23*time.Hour)))
	assert.Equal(t, 30, u.AgeDays(created.Add(30*24*time.Hour)))
	assert.Equal(t, 0, u.AgeDays(created.Add(-time.Hour)))
	assert.Equal(t, 0, (&User{}).AgeDays(created))
}

func TestService_CreateNormalizesEmail(t *testing.T) {
	svc := NewService(NewMemoryStore(), logging.Discard())
	ctx := context.Background()

	u, err := svc.Create(ctx, "  Alice@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.False(t, u.EmailVerified)

	found, err := svc.FindByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	_, err = svc.Create(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Create(ctx, "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidUser)

	_, err = svc.FindByEmail(ctx, "garbage")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestService_UpdateVerificationPartial(t *testing.T) {
	svc := NewService(NewMemoryStore(), logging.Discard())
	ctx := context.Background()
	u, err := svc.Create(ctx, "bob@example.com")
	require.NoError(t, err)

	yes := true
	got, err := svc.UpdateVerification(ctx, u.ID, Verification{EmailVerified: &yes})
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.False(t, got.PhoneVerified)

	got, err = svc.UpdateVerification(ctx, u.ID, Verification{PhoneVerified: &yes})
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)
	assert.True(t, got.PhoneVerified)

	_, err = svc.UpdateVerification(ctx, "usr_missing", Verification{})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestPostgresStore_CreateDuplicateEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err = NewPostgresStore(db).Create(context.Background(), &User{ID: "usr_1", Email: "a@b.co"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestPostgresStore_UpdateVerificationNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE users SET`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "email_verified", "phone_verified", "identity_verified", "created_at"}))

	_, err = NewPostgresStore(db).UpdateVerification(context.Background(), "usr_x", Verification{})
	assert.ErrorIs(t, err, ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandler_CreateAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore(), logging.Discard())
	r := gin.New()
	NewHandler(svc).RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/users", bytes.NewBufferString(`{"email":"carol@example.com"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	ids, err := svc.ListIDs(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 1)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/users/"+ids[0], nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "carol@example.com")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/users/usr_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
