// Package anomaly implements rule-based anomaly detection over login and
// evidence telemetry.
//
// Every heuristic runs independently against the user's recent history and
// yields zero or one DetectedAnomaly. The anomalies are then combined into a
// single 0-100 score, where several different kinds compound each other and
// repeats of the same kind only add their severities.
package anomaly

import (
	"errors"
	"math"

	"github.com/mbd888/trustgate/internal/risksignal"
)

var (
	ErrUnknownEventKind = errors.New("anomaly: unknown event kind")
	ErrInvalidPayload   = errors.New("anomaly: invalid event payload")
)

// Kind identifies a heuristic.
type Kind string

const (
	KindMultipleFailedLogins   Kind = "multiple_failed_logins"
	KindRapidIPChange          Kind = "rapid_ip_change"
	KindImpossibleTravel       Kind = "impossible_travel"
	KindNewDevice              Kind = "new_device"
	KindUnusualLoginTime       Kind = "unusual_login_time"
	KindEvidenceUploadBurst    Kind = "evidence_upload_burst"
	KindDuplicateExternalLinks Kind = "duplicate_external_links"
)

// SignalKinds maps each anomaly kind to the risk signal it is persisted as.
var SignalKinds = map[Kind]risksignal.Kind{
	KindMultipleFailedLogins:   risksignal.KindCredentialStuffing,
	KindRapidIPChange:          risksignal.KindIPRisk,
	KindImpossibleTravel:       risksignal.KindDeviceMismatch,
	KindNewDevice:              risksignal.KindDeviceMismatch,
	KindUnusualLoginTime:       risksignal.KindSuspiciousLogin,
	KindEvidenceUploadBurst:    risksignal.KindEvidenceSpam,
	KindDuplicateExternalLinks: risksignal.KindEvidenceSpam,
}

// suspiciousDeviceKinds force the device involved into the Suspicious state.
var suspiciousDeviceKinds = map[Kind]bool{
	KindRapidIPChange:    true,
	KindImpossibleTravel: true,
}

// PersistThreshold is the minimum severity at which an anomaly becomes a
// durable risk signal. Lower severities only affect the current decision.
const PersistThreshold = 5

// DetectedAnomaly is one rule hit.
type DetectedAnomaly struct {
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
	Severity    int    `json:"severity"`
}

// Decision is the action implied by a combined score.
type Decision string

const (
	DecisionAllow       Decision = "allow"
	DecisionAllowNotify Decision = "allow_notify"
	DecisionStepUp      Decision = "step_up"
	DecisionBlock       Decision = "block"
)

// Decision thresholds on the combined score.
const (
	BlockThreshold  = 80
	StepUpThreshold = 50
	NotifyThreshold = 30

	MaxScore = 100
)

// Notify reports whether the user should receive a security notification.
func (d Decision) Notify() bool {
	return d == DecisionAllowNotify || d == DecisionBlock
}

// Result is the detector verdict for one event.
type Result struct {
	Anomalies        []DetectedAnomaly `json:"anomalies"`
	RiskScore        int               `json:"riskScore"`
	Decision         Decision          `json:"decision"`
	SuspiciousDevice bool              `json:"suspiciousDevice"`
	SignalIDs        []string          `json:"signalIds,omitempty"`
	AttemptID        string            `json:"attemptId,omitempty"`
}

// Combine folds anomalies into a score in [0,100]:
// round(sum × (1 + 0.3 × (distinctKinds − 1))).
func Combine(anomalies []DetectedAnomaly) int {
	if len(anomalies) == 0 {
		return 0
	}
	sum := 0
	kinds := make(map[Kind]struct{}, len(anomalies))
	for _, a := range anomalies {
		sum += a.Severity
		kinds[a.Kind] = struct{}{}
	}
	multiplier := 1 + 0.3*float64(len(kinds)-1)
	score := int(math.Round(float64(sum) * multiplier))
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Decide maps a combined score to a decision.
func Decide(score int) Decision {
	switch {
	case score >= BlockThreshold:
		return DecisionBlock
	case score >= StepUpThreshold:
		return DecisionStepUp
	case score >= NotifyThreshold:
		return DecisionAllowNotify
	default:
		return DecisionAllow
	}
}

func newResult(anomalies []DetectedAnomaly) *Result {
	if anomalies == nil {
		anomalies = []DetectedAnomaly{}
	}
	score := Combine(anomalies)
	r := &Result{
		Anomalies: anomalies,
		RiskScore: score,
		Decision:  Decide(score),
	}
	for _, a := range anomalies {
		if suspiciousDeviceKinds[a.Kind] {
			r.SuspiciousDevice = true
		}
	}
	return r
}
