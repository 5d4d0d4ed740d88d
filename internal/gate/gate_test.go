package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/anomaly"
	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/credential"
	"github.com/mbd888/trustgate/internal/devicetrust"
	"github.com/mbd888/trustgate/internal/history"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/notify"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/risksignal"
)

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	gate     *Gate
	detector *anomaly.Detector
	devices  *devicetrust.Service
	history  *history.MemoryStore
	signals  *risksignal.Service
	accounts *account.Service
	dispatch *notify.Dispatcher
	notes    *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.Discard()
	clock := func() time.Time { return now }

	hist := history.NewMemoryStore()
	signals := risksignal.NewService(risksignal.NewMemoryStore(), logger).WithClock(clock)
	devices := devicetrust.NewService(devicetrust.NewMemoryStore(), logger).WithClock(clock)
	detector := anomaly.NewDetector(hist, signals, logger).
		WithClock(clock).
		WithDeviceDirectory(NewDeviceDirectory(devices))
	notes := &recordingNotifier{}
	dispatch := notify.NewDispatcher(notes, logger)
	accounts := account.NewService(account.NewMemoryStore(), logger).WithClock(clock)

	limiter := ratelimit.NewMemoryWindow(ratelimit.Config{Limit: 3, Window: 15 * time.Minute})
	t.Cleanup(limiter.Stop)
	issuer := challenge.NewOTPIssuer(challenge.NewMemoryStore(), 10*time.Minute).WithCost(bcrypt.MinCost)

	g := New(devices, detector, hist, logger).
		WithSignals(signals).
		WithNotifier(dispatch).
		WithOTP(issuer, limiter, accounts).
		WithClock(clock)

	return &fixture{gate: g, detector: detector, devices: devices, history: hist, signals: signals, accounts: accounts, dispatch: dispatch, notes: notes}
}

func login(method Method, success bool) LoginRequest {
	return LoginRequest{UserID: "u1", DeviceID: "d1", IPAddress: "10.0.0.1", UserAgent: "test", Method: method, Success: success}
}

func seedAttempt(t *testing.T, h *history.MemoryStore, device, ip string, success bool, at time.Time) {
	t.Helper()
	require.NoError(t, h.RecordAttempt(context.Background(), &history.LoginAttempt{
		ID: fmt.Sprintf("seed_%s_%s_%d", device, ip, at.UnixNano()), UserID: "u1", DeviceID: device,
		AuthMethod: "passkey", Success: success, IPAddress: ip, AttemptedAt: at,
	}))
}

func TestAllowedMethods_Table(t *testing.T) {
	all := []Method{devicetrust.MethodPasskey, devicetrust.MethodOAuthApple, devicetrust.MethodOAuthGoogle, devicetrust.MethodEmailOTP}
	strong := all[:3]

	tests := []struct {
		level devicetrust.Level
		want  []Method
	}{
		{devicetrust.LevelTrusted, all},
		{devicetrust.LevelKnown, all},
		{devicetrust.LevelNew, strong},
		{devicetrust.LevelSuspicious, []Method{devicetrust.MethodPasskey}},
		{devicetrust.LevelBlocked, []Method{}},
		{devicetrust.Level("bogus"), []Method{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, AllowedMethods(tt.level))
		})
	}
}

func TestAllowedMethods_ReturnsCopy(t *testing.T) {
	m := AllowedMethods(devicetrust.LevelTrusted)
	m[0] = "tampered"
	assert.Equal(t, devicetrust.MethodPasskey, AllowedMethods(devicetrust.LevelTrusted)[0])
}

func TestStepUpRequired(t *testing.T) {
	assert.False(t, StepUpRequired(devicetrust.LevelTrusted))
	for _, l := range []devicetrust.Level{devicetrust.LevelKnown, devicetrust.LevelNew, devicetrust.LevelSuspicious, devicetrust.LevelBlocked} {
		assert.True(t, StepUpRequired(l), string(l))
	}
}

func TestAllowedMethodsFor_UnknownUserLooksNew(t *testing.T) {
	f := newFixture(t)
	view, err := f.gate.AllowedMethodsFor(context.Background(), "ghost", "dx")
	require.NoError(t, err)
	assert.ElementsMatch(t, AllowedMethods(devicetrust.LevelNew), view.Methods)
	assert.True(t, view.StepUpRequired)

	_, err = f.gate.AllowedMethodsFor(context.Background(), "", "dx")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEvaluateLogin_FirstLoginNeedsStepUp(t *testing.T) {
	f := newFixture(t)
	res, err := f.gate.EvaluateLogin(context.Background(), login(devicetrust.MethodPasskey, true))
	require.NoError(t, err)

	assert.Equal(t, OutcomeStepUpRequired, res.Outcome)
	assert.Equal(t, devicetrust.LevelNew, res.TrustLevel)
	assert.Equal(t, anomaly.DecisionAllow, res.Risk.Decision)
	assert.NotEmpty(t, res.AttemptID)

	d, err := f.devices.Get(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.LoginCount)
}

func TestEvaluateLogin_PromotesToTrustedAndGrants(t *testing.T) {
	f := newFixture(t)
	var res *LoginResult
	for i := 0; i < 10; i++ {
		var err error
		res, err = f.gate.EvaluateLogin(context.Background(), login(devicetrust.MethodPasskey, true))
		require.NoError(t, err)
	}
	assert.Equal(t, devicetrust.LevelTrusted, res.TrustLevel)
	assert.Equal(t, devicetrust.LevelKnown, res.PreviousLevel)
	assert.Equal(t, OutcomeGranted, res.Outcome)
	assert.False(t, res.StepUpRequired)
	assert.Contains(t, res.AllowedMethods, devicetrust.MethodEmailOTP)
}

func TestEvaluateLogin_EmailOTPRefusedOnNewDevice(t *testing.T) {
	f := newFixture(t)
	res, err := f.gate.EvaluateLogin(context.Background(), login(devicetrust.MethodEmailOTP, true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMethodNotAllowed, res.Outcome)

	_, found, err := f.devices.Lookup(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.False(t, found, "a refused attempt does not transition the device")

	attempts, err := f.history.AttemptsSince(context.Background(), "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.False(t, attempts[0].Success)
}

func TestEvaluateLogin_FailureDemotesOneStep(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		_, err := f.gate.EvaluateLogin(context.Background(), login(devicetrust.MethodPasskey, true))
		require.NoError(t, err)
	}
	res, err := f.gate.EvaluateLogin(context.Background(), login(devicetrust.MethodPasskey, false))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidCredentials, res.Outcome)
	assert.Equal(t, devicetrust.LevelTrusted, res.PreviousLevel)
	assert.Equal(t, devicetrust.LevelKnown, res.TrustLevel)
}

func TestEvaluateLogin_BlockedDeviceIsProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.gate.EvaluateLogin(ctx, login(devicetrust.MethodPasskey, true))
		require.NoError(t, err)
	}
	_, err := f.devices.Block(ctx, "u1", "d1")
	require.NoError(t, err)

	res, err := f.gate.EvaluateLogin(ctx, login(devicetrust.MethodPasskey, true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccountProtected, res.Outcome)
	assert.Equal(t, devicetrust.LevelBlocked, res.TrustLevel)
	assert.Empty(t, res.AllowedMethods)
	assert.Nil(t, res.Risk)

	d, err := f.devices.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, d.LoginCount)

	attempts, err := f.history.AttemptsSince(ctx, "u1", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
}

func TestEvaluateLogin_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	for _, req := range []LoginRequest{
		{DeviceID: "d1", Method: devicetrust.MethodPasskey},
		{UserID: "u1", Method: devicetrust.MethodPasskey},
		{UserID: "u1", DeviceID: "d1", Method: "sms"},
	} {
		_, err := f.gate.EvaluateLogin(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
}

// A known device reappearing from another IP within minutes is forced into
// Suspicious and only a passkey restores it.
func TestEvaluateLogin_TravelFlagsDeviceUntilPasskey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.devices.Apply(ctx, "u1", "d1", devicetrust.Event{Success: true, Method: devicetrust.MethodPasskey, IP: "10.0.0.1", At: now.Add(-10 * time.Minute)})
		require.NoError(t, err)
	}

	req := login(devicetrust.MethodOAuthGoogle, true)
	req.IPAddress = "198.51.100.7"
	res, err := f.gate.EvaluateLogin(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Risk.SuspiciousDevice)
	assert.Equal(t, devicetrust.LevelSuspicious, res.TrustLevel)
	assert.Equal(t, OutcomeStepUpRequired, res.Outcome)
	assert.Equal(t, []Method{devicetrust.MethodPasskey}, res.AllowedMethods)

	active, err := f.signals.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, risksignal.KindDeviceMismatch, active[0].Kind)

	// Email OTP cannot clear it; it is not even accepted.
	otp := login(devicetrust.MethodEmailOTP, true)
	otp.IPAddress = "198.51.100.7"
	res, err = f.gate.EvaluateLogin(ctx, otp)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMethodNotAllowed, res.Outcome)

	pk := login(devicetrust.MethodPasskey, true)
	pk.IPAddress = "198.51.100.7"
	res, err = f.gate.EvaluateLogin(ctx, pk)
	require.NoError(t, err)
	assert.Equal(t, devicetrust.LevelSuspicious, res.PreviousLevel)
	assert.Equal(t, devicetrust.LevelKnown, res.TrustLevel)

	active, err = f.signals.ListActive(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	f.dispatch.Wait()
	assert.Contains(t, f.notes.kinds(), notify.KindDeviceFlagged)
}

// seedPressure prepares a known device d1 last used ten minutes ago from
// 10.0.0.1, ten failed attempts and successful logins from extraIPs within
// the last hour.
func seedPressure(t *testing.T, f *fixture, extraIPs []string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.devices.Apply(ctx, "u1", "d1", devicetrust.Event{Success: true, Method: devicetrust.MethodPasskey, IP: "10.0.0.1", At: now.Add(-10 * time.Minute)})
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		seedAttempt(t, f.history, "d2", "203.0.113.9", false, now.Add(-20*time.Minute).Add(time.Duration(i)*time.Second))
	}
	for i, ip := range extraIPs {
		seedAttempt(t, f.history, "d9", ip, true, now.Add(-5*time.Minute).Add(time.Duration(i)*time.Second))
	}
}

func TestEvaluateLogin_NotifyDecision(t *testing.T) {
	f := newFixture(t)
	seedPressure(t, f, []string{"192.0.2.1", "192.0.2.2"})

	req := login(devicetrust.MethodPasskey, true)
	req.IPAddress = "198.51.100.7"
	res, err := f.gate.EvaluateLogin(context.Background(), req)
	require.NoError(t, err)

	// failed logins 10 + rapid IP change 6 + travel 7 across three kinds.
	assert.Equal(t, 37, res.Risk.RiskScore)
	assert.Equal(t, anomaly.DecisionAllowNotify, res.Risk.Decision)

	f.dispatch.Wait()
	assert.Contains(t, f.notes.kinds(), notify.KindSuspiciousLogin)
}

func TestEvaluateLogin_StepUpDecision(t *testing.T) {
	f := newFixture(t)
	seedPressure(t, f, []string{"192.0.2.1", "192.0.2.2", "192.0.2.3", "192.0.2.4"})
	for i := 0; i < 20; i++ {
		seedAttempt(t, f.history, "d1", "10.0.0.1", true, time.Date(2026, 2, 20, 0, 30, i, 0, time.UTC))
	}

	req := login(devicetrust.MethodPasskey, true)
	req.IPAddress = "198.51.100.7"
	res, err := f.gate.EvaluateLogin(context.Background(), req)
	require.NoError(t, err)

	// 10 + 10 + 7 + 3 across four kinds.
	assert.Equal(t, 57, res.Risk.RiskScore)
	assert.Equal(t, anomaly.DecisionStepUp, res.Risk.Decision)
	assert.Equal(t, OutcomeStepUpRequired, res.Outcome)
	assert.Len(t, res.Risk.SignalIDs, 3)
}

func TestEvaluateLogin_CloneSuspected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creds := credential.NewMemoryStore()
	require.NoError(t, creds.Save(ctx, "u1", webauthn.Credential{ID: []byte("c1"), Authenticator: webauthn.Authenticator{SignCount: 5}}))
	f.gate.WithVerifier(credential.NewCounterVerifier(creds, logging.Discard()))

	req := login(devicetrust.MethodPasskey, true)
	req.Credential = &CredentialProof{CredentialID: []byte("c1"), SignCount: 6}
	res, err := f.gate.EvaluateLogin(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, OutcomeInvalidCredentials, res.Outcome)

	// Same counter again.
	res, err = f.gate.EvaluateLogin(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidCredentials, res.Outcome)

	active, err := f.signals.ListActive(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, risksignal.KindCloneSuspected, active[0].Kind)

	f.dispatch.Wait()
	assert.Contains(t, f.notes.kinds(), notify.KindCloneSuspected)
}

func TestOTP_RequestAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u, err := f.accounts.Create(ctx, "alice@example.com")
	require.NoError(t, err)

	ttl, err := f.gate.RequestOTP(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	f.dispatch.Wait()
	require.Len(t, f.notes.sent, 1)
	code := f.notes.sent[0].Message
	assert.Equal(t, u.ID, f.notes.sent[0].UserID)

	got, err := f.gate.VerifyOTP(ctx, "alice@example.com", code)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.gate.VerifyOTP(ctx, "alice@example.com", code)
	assert.ErrorIs(t, err, ErrOTPInvalid)
}

func TestOTP_UnknownEmailBehavesTheSame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ttl, err := f.gate.RequestOTP(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)

	f.dispatch.Wait()
	assert.Empty(t, f.notes.sent)

	_, err = f.gate.VerifyOTP(ctx, "nobody@example.com", "123456")
	assert.ErrorIs(t, err, ErrOTPInvalid)
}

func TestOTP_RateLimitedPerEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.gate.RequestOTP(ctx, "carol@example.com")
		require.NoError(t, err)
	}
	_, err := f.gate.RequestOTP(ctx, "CAROL@example.com")
	assert.ErrorIs(t, err, ratelimit.ErrLimited)

	_, err = f.gate.RequestOTP(ctx, "dave@example.com")
	assert.NoError(t, err)

	_, err = f.gate.RequestOTP(ctx, "not an email")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// history that blocks the device while the attempt is being recorded,
// between the gate's first read of the device and its trust update.
type blockingHistory struct {
	*history.MemoryStore
	block func()
}

func (h *blockingHistory) RecordAttempt(ctx context.Context, a *history.LoginAttempt) error {
	h.block()
	return h.MemoryStore.RecordAttempt(ctx, a)
}

func TestEvaluateLogin_BlockedDuringEvaluation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := f.devices.Apply(ctx, "u1", "d1", devicetrust.Event{Success: true, Method: devicetrust.MethodPasskey, IP: "10.0.0.1", At: now.Add(-time.Hour)})
		require.NoError(t, err)
	}

	logger := logging.Discard()
	hist := &blockingHistory{MemoryStore: f.history, block: func() {
		_, err := f.devices.Block(ctx, "u1", "d1")
		require.NoError(t, err)
	}}
	detector := anomaly.NewDetector(hist, f.signals, logger).WithClock(func() time.Time { return now })
	g := New(f.devices, detector, hist, logger).WithClock(func() time.Time { return now })

	res, err := g.EvaluateLogin(ctx, login(devicetrust.MethodPasskey, true))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccountProtected, res.Outcome)
	assert.Equal(t, devicetrust.LevelBlocked, res.TrustLevel)

	d, err := f.devices.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, devicetrust.LevelBlocked, d.Level)
	assert.Equal(t, 4, d.LoginCount)
}

func recordLogin(t *testing.T, d *anomaly.Detector, p anomaly.LoginPayload) *anomaly.Result {
	t.Helper()
	payload, err := json.Marshal(p)
	require.NoError(t, err)
	res, err := d.RecordEvent(context.Background(), "u1", anomaly.EventLogin, payload)
	require.NoError(t, err)
	return res
}

func TestRecordEvent_TravelFlagsDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.devices.Apply(ctx, "u1", "d1", devicetrust.Event{Success: true, Method: devicetrust.MethodPasskey, IP: "10.0.0.1", At: now.Add(-10 * time.Minute)})
		require.NoError(t, err)
	}

	res := recordLogin(t, f.detector, anomaly.LoginPayload{
		DeviceID: "d1", AuthMethod: "oauth-google", Success: true, IPAddress: "198.51.100.7", AttemptedAt: now,
	})
	assert.True(t, res.SuspiciousDevice)

	d, err := f.devices.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, devicetrust.LevelSuspicious, d.Level)
	view, err := f.gate.AllowedMethodsFor(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, []Method{devicetrust.MethodPasskey}, view.Methods)
}

func TestRecordEvent_UnseenDeviceIsCreatedSuspicious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAttempt(t, f.history, "d0", "10.0.0.1", true, now.Add(-30*time.Minute))
	seedAttempt(t, f.history, "d0", "10.0.0.2", true, now.Add(-20*time.Minute))

	res := recordLogin(t, f.detector, anomaly.LoginPayload{
		DeviceID: "d1", AuthMethod: "passkey", Success: true, IPAddress: "10.0.0.3", AttemptedAt: now,
	})
	require.True(t, res.SuspiciousDevice)

	d, err := f.devices.Get(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, devicetrust.LevelSuspicious, d.Level)
	assert.Equal(t, 0, d.LoginCount)
}

// Each attempt reported through both entry points is logged once.
func TestRecordEvent_ReusesEvaluatedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var res *anomaly.Result
	for i := 0; i < 3; i++ {
		out, err := f.gate.EvaluateLogin(ctx, login(devicetrust.MethodPasskey, false))
		require.NoError(t, err)
		res = recordLogin(t, f.detector, anomaly.LoginPayload{
			AttemptID: out.AttemptID, DeviceID: "d1", AuthMethod: "passkey", Success: false, IPAddress: "10.0.0.1",
		})
		assert.Equal(t, out.AttemptID, res.AttemptID)
	}
	assert.Empty(t, res.Anomalies)

	attempts, err := f.history.AttemptsSince(ctx, "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	// A retried report with the same id is not counted again either.
	fresh := anomaly.LoginPayload{AttemptID: "att_client_1", DeviceID: "d1", AuthMethod: "passkey", IPAddress: "10.0.0.1", AttemptedAt: now}
	recordLogin(t, f.detector, fresh)
	recordLogin(t, f.detector, fresh)
	attempts, err = f.history.AttemptsSince(ctx, "u1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, attempts, 4)
}
