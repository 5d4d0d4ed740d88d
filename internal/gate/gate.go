// Package gate decides, per login attempt, which authentication methods a
// device may use and whether the attempt is granted, needs step-up, or is
// refused.
package gate

import (
	"errors"

	"github.com/mbd888/trustgate/internal/anomaly"
	"github.com/mbd888/trustgate/internal/devicetrust"
)

var (
	ErrInvalidRequest = errors.New("gate: invalid login request")
	ErrOTPInvalid     = errors.New("gate: one-time code is invalid or expired")
	ErrOTPDisabled    = errors.New("gate: one-time codes are not configured")
)

// Method is an authentication method.
type Method = devicetrust.Method

var allMethods = []Method{
	devicetrust.MethodPasskey,
	devicetrust.MethodOAuthApple,
	devicetrust.MethodOAuthGoogle,
	devicetrust.MethodEmailOTP,
}

// allowedByLevel is the step-up table. Email OTP is withheld from unproven
// devices and Suspicious devices accept passkeys only.
var allowedByLevel = map[devicetrust.Level][]Method{
	devicetrust.LevelTrusted: allMethods,
	devicetrust.LevelKnown:   allMethods,
	devicetrust.LevelNew: {
		devicetrust.MethodPasskey,
		devicetrust.MethodOAuthApple,
		devicetrust.MethodOAuthGoogle,
	},
	devicetrust.LevelSuspicious: {devicetrust.MethodPasskey},
	devicetrust.LevelBlocked:    {},
}

// AllowedMethods returns the methods accepted at level. Unknown levels allow
// nothing.
func AllowedMethods(level devicetrust.Level) []Method {
	methods := allowedByLevel[level]
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

// Allows reports whether m is accepted at level.
func Allows(level devicetrust.Level, m Method) bool {
	for _, allowed := range allowedByLevel[level] {
		if allowed == m {
			return true
		}
	}
	return false
}

// StepUpRequired reports whether a device at level must present additional
// proof.
func StepUpRequired(level devicetrust.Level) bool {
	return level != devicetrust.LevelTrusted
}

// Outcome is the user-facing result of a login evaluation.
type Outcome string

const (
	OutcomeGranted            Outcome = "granted"
	OutcomeStepUpRequired     Outcome = "step_up_required"
	OutcomeAccountProtected   Outcome = "account_protected"
	OutcomeInvalidCredentials Outcome = "invalid_credentials"
	OutcomeMethodNotAllowed   Outcome = "method_not_allowed"
)

// CredentialProof carries passkey details for the counter check.
type CredentialProof struct {
	CredentialID []byte `json:"credentialId"`
	SignCount    uint32 `json:"signCount"`
	SessionID    string `json:"sessionId,omitempty"`
}

// LoginRequest is one completed authentication attempt. Success is the
// upstream verdict on the credential.
type LoginRequest struct {
	UserID     string           `json:"userId"`
	DeviceID   string           `json:"deviceId"`
	IPAddress  string           `json:"ipAddress"`
	UserAgent  string           `json:"userAgent"`
	Method     Method           `json:"method"`
	Success    bool             `json:"success"`
	Credential *CredentialProof `json:"credential,omitempty"`
}

// LoginResult is the decision for a LoginRequest.
type LoginResult struct {
	Outcome        Outcome           `json:"outcome"`
	TrustLevel     devicetrust.Level `json:"trustLevel"`
	PreviousLevel  devicetrust.Level `json:"previousLevel"`
	StepUpRequired bool              `json:"stepUpRequired"`
	AllowedMethods []Method          `json:"allowedMethods"`
	Risk           *anomaly.Result   `json:"risk,omitempty"`
	AttemptID      string            `json:"attemptId"`
}

// MethodsView is the pre-authentication answer for a device.
type MethodsView struct {
	Methods        []Method `json:"methods"`
	StepUpRequired bool     `json:"stepUpRequired"`
}
