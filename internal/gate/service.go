package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/anomaly"
	"github.com/mbd888/trustgate/internal/challenge"
	"github.com/mbd888/trustgate/internal/credential"
	"github.com/mbd888/trustgate/internal/devicetrust"
	"github.com/mbd888/trustgate/internal/history"
	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/notify"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/risksignal"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

const cloneSeverity = 8

// SignalWriter records risk signals raised by the gate itself.
type SignalWriter interface {
	Create(ctx context.Context, userID string, kind risksignal.Kind, severity int, message string, metadata map[string]string) (*risksignal.Signal, error)
}

// AccountFinder resolves users by email for one-time codes.
type AccountFinder interface {
	FindByEmail(ctx context.Context, email string) (*account.User, error)
}

// Gate evaluates login attempts.
type Gate struct {
	devices   *devicetrust.Service
	directory *DeviceDirectory
	detector  *anomaly.Detector
	history   history.Store
	verifier  credential.Verifier
	signals   SignalWriter
	notifier  *notify.Dispatcher
	logger    *slog.Logger
	now       func() time.Time

	otp        *challenge.OTPIssuer
	otpLimiter ratelimit.Counter
	accounts   AccountFinder
}

// New creates a gate over the device trust service, the anomaly detector and
// the attempt log.
func New(devices *devicetrust.Service, detector *anomaly.Detector, h history.Store, logger *slog.Logger) *Gate {
	return &Gate{
		devices:   devices,
		directory: NewDeviceDirectory(devices),
		detector:  detector,
		history:   h,
		logger:    logger,
		now:       time.Now,
	}
}

// WithVerifier checks credential proofs before anything else.
func (g *Gate) WithVerifier(v credential.Verifier) *Gate {
	g.verifier = v
	return g
}

// WithSignals records clone suspicions as risk signals.
func (g *Gate) WithSignals(s SignalWriter) *Gate {
	g.signals = s
	return g
}

// WithNotifier sets the security notification dispatcher.
func (g *Gate) WithNotifier(d *notify.Dispatcher) *Gate {
	g.notifier = d
	return g
}

// WithOTP enables one-time codes. limiter bounds requests per email.
func (g *Gate) WithOTP(issuer *challenge.OTPIssuer, limiter ratelimit.Counter, accounts AccountFinder) *Gate {
	g.otp = issuer
	g.otpLimiter = limiter
	g.accounts = accounts
	return g
}

// WithClock overrides the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// AllowedMethodsFor returns the methods a device may use. An unseen device,
// including one of a user that does not exist, gets the New set.
func (g *Gate) AllowedMethodsFor(ctx context.Context, userID, deviceID string) (*MethodsView, error) {
	if !validation.IsValidIdentifier(userID) || !validation.IsValidIdentifier(deviceID) {
		return nil, ErrInvalidRequest
	}
	dev, _, err := g.devices.Lookup(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	return &MethodsView{
		Methods:        AllowedMethods(dev.Level),
		StepUpRequired: StepUpRequired(dev.Level),
	}, nil
}

// EvaluateLogin records an attempt, runs anomaly detection, applies the
// device trust transition and decides the outcome.
func (g *Gate) EvaluateLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "gate.EvaluateLogin",
		traces.UserID(req.UserID), traces.DeviceID(req.DeviceID), traces.AuthMethod(string(req.Method)))
	defer span.End()

	now := g.now().UTC()
	success := req.Success

	if g.verifier != nil {
		v, err := g.verifier.Verify(ctx, g.proof(req))
		if err != nil {
			return nil, fmt.Errorf("gate: verify credential: %w", err)
		}
		if !v.Valid && success {
			g.logger.Info("credential proof rejected", "user_id", req.UserID, "device_id", req.DeviceID, "reason", v.Reason)
			success = false
		}
		if v.CloneSuspected {
			g.raiseClone(ctx, req)
		}
	}

	dev, found, err := g.devices.Lookup(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return nil, err
	}

	attempt := &history.LoginAttempt{
		ID:          idgen.WithPrefix("att_"),
		UserID:      req.UserID,
		DeviceID:    req.DeviceID,
		AuthMethod:  string(req.Method),
		Success:     success,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		AttemptedAt: now,
	}

	switch {
	case dev.Level == devicetrust.LevelBlocked:
		return g.refuse(ctx, attempt, dev, OutcomeAccountProtected)
	case !Allows(dev.Level, req.Method):
		attempt.Success = false
		return g.refuse(ctx, attempt, dev, OutcomeMethodNotAllowed)
	}

	dctx, err := g.directory.contextFor(ctx, dev, found)
	if err != nil {
		return nil, err
	}
	if err := g.history.RecordAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	verdict, err := g.detector.InspectLogin(ctx, attempt, dctx)
	if err != nil {
		return nil, err
	}

	// A login refused by the detector does not count toward device trust. The
	// level checks above are repeated under the device lock, since the device
	// may have been blocked or flagged since it was read.
	change, err := g.devices.ApplyIf(ctx, req.UserID, req.DeviceID, devicetrust.Event{
		Success:    success && verdict.Decision != anomaly.DecisionBlock,
		Method:     req.Method,
		IP:         req.IPAddress,
		At:         now,
		Suspicious: verdict.SuspiciousDevice,
	}, func(d devicetrust.Device) bool {
		return d.Level != devicetrust.LevelBlocked && Allows(d.Level, req.Method)
	})
	if err != nil {
		return nil, err
	}
	before, after := change.Before.Level, change.After.Level
	switch {
	case before == devicetrust.LevelBlocked:
		return g.refused(attempt, change.Before, OutcomeAccountProtected), nil
	case !Allows(before, req.Method):
		return g.refused(attempt, change.Before, OutcomeMethodNotAllowed), nil
	}

	outcome := OutcomeGranted
	switch {
	case !success:
		outcome = OutcomeInvalidCredentials
	case verdict.Decision == anomaly.DecisionBlock:
		outcome = OutcomeAccountProtected
	case verdict.Decision == anomaly.DecisionStepUp || StepUpRequired(after):
		outcome = OutcomeStepUpRequired
	}

	if before == devicetrust.LevelSuspicious && after != devicetrust.LevelSuspicious && after != devicetrust.LevelBlocked {
		if err := g.detector.ClearDevice(ctx, req.UserID, req.DeviceID); err != nil {
			g.logger.Warn("failed to resolve device signals", "user_id", req.UserID, "device_id", req.DeviceID, "error", err)
		}
	}
	g.notifyVerdict(req, verdict, before, after)

	span.SetAttributes(traces.Decision(string(outcome)))
	metrics.LoginDecisionsTotal.WithLabelValues(string(outcome)).Inc()
	g.logger.Info("login evaluated",
		"user_id", req.UserID, "device_id", req.DeviceID, "method", req.Method,
		"outcome", outcome, "from", before, "to", after,
		"risk_score", verdict.RiskScore, "decision", verdict.Decision)

	return &LoginResult{
		Outcome:        outcome,
		TrustLevel:     after,
		PreviousLevel:  before,
		StepUpRequired: StepUpRequired(after),
		AllowedMethods: AllowedMethods(after),
		Risk:           verdict,
		AttemptID:      attempt.ID,
	}, nil
}

// refuse records the attempt without running detection or changing trust.
func (g *Gate) refuse(ctx context.Context, attempt *history.LoginAttempt, dev devicetrust.Device, outcome Outcome) (*LoginResult, error) {
	if err := g.history.RecordAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return g.refused(attempt, dev, outcome), nil
}

func (g *Gate) refused(attempt *history.LoginAttempt, dev devicetrust.Device, outcome Outcome) *LoginResult {
	metrics.LoginDecisionsTotal.WithLabelValues(string(outcome)).Inc()
	g.logger.Info("login refused",
		"user_id", attempt.UserID, "device_id", attempt.DeviceID, "method", attempt.AuthMethod,
		"outcome", outcome, "level", dev.Level)

	return &LoginResult{
		Outcome:        outcome,
		TrustLevel:     dev.Level,
		PreviousLevel:  dev.Level,
		StepUpRequired: StepUpRequired(dev.Level),
		AllowedMethods: AllowedMethods(dev.Level),
		AttemptID:      attempt.ID,
	}
}

func (g *Gate) proof(req LoginRequest) credential.Proof {
	p := credential.Proof{
		UserID:        req.UserID,
		Method:        string(req.Method),
		Authenticated: req.Success,
	}
	if req.Credential != nil {
		p.CredentialID = req.Credential.CredentialID
		p.SignCount = req.Credential.SignCount
		p.SessionID = req.Credential.SessionID
	}
	return p
}

func (g *Gate) raiseClone(ctx context.Context, req LoginRequest) {
	if g.signals != nil {
		_, err := g.signals.Create(ctx, req.UserID, risksignal.KindCloneSuspected, cloneSeverity,
			"passkey signature counter did not increase", map[string]string{"device_id": req.DeviceID})
		if err != nil {
			g.logger.Warn("failed to record clone signal", "user_id", req.UserID, "error", err)
		}
	}
	g.notifier.Send(req.UserID, notify.KindCloneSuspected,
		"A sign-in used a passkey that may have been copied. If this was not you, review your passkeys.",
		map[string]string{"device_id": req.DeviceID})
}

func (g *Gate) notifyVerdict(req LoginRequest, verdict *anomaly.Result, before, after devicetrust.Level) {
	data := map[string]string{"device_id": req.DeviceID, "ip_address": req.IPAddress}
	switch verdict.Decision {
	case anomaly.DecisionBlock:
		g.notifier.Send(req.UserID, notify.KindLoginBlocked,
			"We stopped a sign-in to your account that looked unsafe.", data)
	case anomaly.DecisionAllowNotify:
		g.notifier.Send(req.UserID, notify.KindSuspiciousLogin,
			"New sign-in to your account with unusual activity.", data)
	}
	if after == devicetrust.LevelSuspicious && before != devicetrust.LevelSuspicious {
		g.notifier.Send(req.UserID, notify.KindDeviceFlagged,
			"One of your devices was flagged. Sign in with a passkey to restore it.", data)
	}
}

// RequestOTP issues a one-time code for email. The result is the same
// whether or not an account exists for the address.
func (g *Gate) RequestOTP(ctx context.Context, email string) (time.Duration, error) {
	if g.otp == nil {
		return 0, ErrOTPDisabled
	}
	normalized := validation.NormalizeEmail(email)
	if normalized == "" {
		return 0, ErrInvalidRequest
	}

	if g.otpLimiter != nil {
		d, err := g.otpLimiter.Allow(ctx, "otp:"+normalized)
		if err != nil {
			return 0, fmt.Errorf("gate: otp rate limit: %w", err)
		}
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues("otp").Inc()
			return 0, ratelimit.ErrLimited
		}
	}

	// Issue before the lookup so both paths pay the same hashing cost.
	code, err := g.otp.Issue(ctx, normalized)
	if err != nil {
		return 0, err
	}

	user, err := g.accounts.FindByEmail(ctx, normalized)
	switch {
	case errors.Is(err, account.ErrUserNotFound):
		return g.otp.TTL(), nil
	case err != nil:
		return 0, err
	}

	g.notifier.Send(user.ID, notify.KindOneTimeCode, code, map[string]string{"email": normalized})
	return g.otp.TTL(), nil
}

// VerifyOTP consumes the outstanding code for email and returns the account
// it belongs to. Every failure is reported as ErrOTPInvalid.
func (g *Gate) VerifyOTP(ctx context.Context, email, code string) (*account.User, error) {
	if g.otp == nil {
		return nil, ErrOTPDisabled
	}
	normalized := validation.NormalizeEmail(email)
	if normalized == "" || code == "" {
		return nil, ErrOTPInvalid
	}

	err := g.otp.Verify(ctx, normalized, code)
	switch {
	case errors.Is(err, challenge.ErrNotFound), errors.Is(err, challenge.ErrInvalidCode):
		return nil, ErrOTPInvalid
	case err != nil:
		return nil, err
	}

	user, err := g.accounts.FindByEmail(ctx, normalized)
	if errors.Is(err, account.ErrUserNotFound) {
		return nil, ErrOTPInvalid
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func validateRequest(req LoginRequest) error {
	switch {
	case !validation.IsValidIdentifier(req.UserID):
		return fmt.Errorf("%w: userId", ErrInvalidRequest)
	case !validation.IsValidIdentifier(req.DeviceID):
		return fmt.Errorf("%w: deviceId", ErrInvalidRequest)
	case !req.Method.Valid():
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	case len(req.UserAgent) > validation.MaxStringLength:
		return fmt.Errorf("%w: userAgent too long", ErrInvalidRequest)
	}
	return nil
}
