package gate

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/devicetrust"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.gate).RegisterRoutes(r.Group("/v1"))
	return r, f
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_EvaluateLogin(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/logins/evaluate", map[string]any{
		"userId": "u1", "deviceId": "d1", "method": "passkey", "success": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, OutcomeStepUpRequired, resp.Outcome)
	assert.Equal(t, devicetrust.LevelNew, resp.TrustLevel)
	require.NotNil(t, resp.Risk)
	assert.Equal(t, 0, resp.Risk.RiskScore)
}

func TestHandler_EvaluateLogin_BadInput(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/logins/evaluate", map[string]any{
		"userId": "u1", "deviceId": "d1", "method": "carrier-pigeon", "success": true,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/logins/evaluate", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_AllowedMethods(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodGet, "/v1/users/nobody/devices/dx/methods", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view MethodsView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.ElementsMatch(t, AllowedMethods(devicetrust.LevelNew), view.Methods)
	assert.True(t, view.StepUpRequired)
}

func TestHandler_OTPFlow(t *testing.T) {
	r, f := setupRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/otp/request", map[string]string{"email": "eve@example.com"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(600), resp["expiresIn"])

	w = doJSON(r, http.MethodPost, "/v1/otp/verify", map[string]string{"email": "eve@example.com", "code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for i := 0; i < 2; i++ {
		doJSON(r, http.MethodPost, "/v1/otp/request", map[string]string{"email": "eve@example.com"})
	}
	w = doJSON(r, http.MethodPost, "/v1/otp/request", map[string]string{"email": "eve@example.com"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	f.dispatch.Wait()
	assert.Empty(t, f.notes.sent)
}
