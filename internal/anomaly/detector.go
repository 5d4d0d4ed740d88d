package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/trustgate/internal/history"
	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/risksignal"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

// SignalRecorder persists risk signals. *risksignal.Service satisfies it.
type SignalRecorder interface {
	Create(ctx context.Context, userID string, kind risksignal.Kind, severity int, message string, metadata map[string]string) (*risksignal.Signal, error)
	ResolveWhere(ctx context.Context, userID string, f risksignal.Filter) (int, error)
}

// DeviceDirectory resolves the stored state of a device for login inspection
// and forces a device into Suspicious when a verdict implicates it.
type DeviceDirectory interface {
	DeviceContext(ctx context.Context, userID, deviceID string) (DeviceContext, error)
	FlagDevice(ctx context.Context, userID, deviceID string) error
}

// EventKind is the kind of event passed to RecordEvent.
type EventKind string

const (
	EventLogin    EventKind = "login"
	EventEvidence EventKind = "evidence"
)

// LoginPayload is the RecordEvent payload for login events. AttemptID names
// an attempt that is already in the log, for example one returned by login
// evaluation; that attempt is inspected again instead of being recorded twice.
// An unknown AttemptID becomes the id of the new attempt.
type LoginPayload struct {
	AttemptID   string    `json:"attemptId,omitempty"`
	DeviceID    string    `json:"deviceId"`
	AuthMethod  string    `json:"authMethod"`
	Success     bool      `json:"success"`
	IPAddress   string    `json:"ipAddress"`
	UserAgent   string    `json:"userAgent"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// EvidencePayload is the RecordEvent payload for evidence events.
type EvidencePayload struct {
	EvidenceID   string    `json:"evidenceId"`
	EvidenceType string    `json:"evidenceType"`
	ExternalURL  string    `json:"externalUrl"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Detector runs the heuristics against stored history.
type Detector struct {
	history history.Store
	signals SignalRecorder
	devices DeviceDirectory
	logger  *slog.Logger
	now     func() time.Time
}

// NewDetector creates an anomaly detector.
func NewDetector(h history.Store, signals SignalRecorder, logger *slog.Logger) *Detector {
	return &Detector{
		history: h,
		signals: signals,
		logger:  logger,
		now:     time.Now,
	}
}

// WithDeviceDirectory sets the device lookup used by RecordEvent for logins.
func (d *Detector) WithDeviceDirectory(dir DeviceDirectory) *Detector {
	d.devices = dir
	return d
}

// WithClock overrides the time source for events without a timestamp.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// InspectLogin evaluates an attempt that has already been recorded, so the
// history window includes it. dev is the device state before this attempt.
func (d *Detector) InspectLogin(ctx context.Context, attempt *history.LoginAttempt, dev DeviceContext) (*Result, error) {
	return d.inspectLogin(ctx, attempt, dev, true)
}

func (d *Detector) inspectLogin(ctx context.Context, attempt *history.LoginAttempt, dev DeviceContext, persist bool) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "anomaly.InspectLogin",
		traces.UserID(attempt.UserID), traces.DeviceID(attempt.DeviceID))
	defer span.End()

	now := attempt.AttemptedAt
	window, err := d.history.AttemptsSince(ctx, attempt.UserID, now.Add(-failedLoginWindow))
	if err != nil {
		return nil, fmt.Errorf("anomaly: read login window: %w", err)
	}
	successes, err := d.history.SuccessfulAttempts(ctx, attempt.UserID, offHoursSample+1)
	if err != nil {
		return nil, fmt.Errorf("anomaly: read login baseline: %w", err)
	}
	prior := make([]*history.LoginAttempt, 0, len(successes))
	for _, a := range successes {
		if a.ID != attempt.ID {
			prior = append(prior, a)
		}
	}

	var found []DetectedAnomaly
	for _, a := range []*DetectedAnomaly{
		failedLogins(window, now),
		rapidIPChange(window, now),
		impossibleTravel(attempt, dev),
		newDevice(dev),
		unusualLoginTime(attempt, prior),
	} {
		if a != nil {
			found = append(found, *a)
		}
	}

	result := newResult(found)
	span.SetAttributes(traces.Decision(string(result.Decision)))
	if !persist {
		return result, nil
	}
	d.observe(result)

	// Signals are written only after the verdict is fixed.
	result.SignalIDs = d.persist(ctx, attempt.UserID, result.Anomalies, map[string]string{
		"device_id":  attempt.DeviceID,
		"ip_address": attempt.IPAddress,
		"attempt_id": attempt.ID,
	})
	return result, nil
}

// InspectEvidence evaluates a submission that has already been recorded.
func (d *Detector) InspectEvidence(ctx context.Context, sub *history.EvidenceSubmission) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "anomaly.InspectEvidence", traces.UserID(sub.UserID))
	defer span.End()

	now := sub.SubmittedAt
	window, err := d.history.EvidenceSince(ctx, sub.UserID, now.Add(-duplicateLinkWindow))
	if err != nil {
		return nil, fmt.Errorf("anomaly: read evidence window: %w", err)
	}

	var found []DetectedAnomaly
	for _, a := range []*DetectedAnomaly{
		evidenceBurst(window, now),
		duplicateLinks(window, now),
	} {
		if a != nil {
			found = append(found, *a)
		}
	}

	result := newResult(found)
	span.SetAttributes(traces.Decision(string(result.Decision)))
	d.observe(result)

	result.SignalIDs = d.persist(ctx, sub.UserID, result.Anomalies, map[string]string{
		"evidence_id": sub.EvidenceID,
	})
	return result, nil
}

// RecordEvent records a login or evidence event and inspects it.
func (d *Detector) RecordEvent(ctx context.Context, userID string, kind EventKind, payload json.RawMessage) (*Result, error) {
	switch kind {
	case EventLogin:
		var p LoginPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return d.recordLogin(ctx, userID, p)

	case EventEvidence:
		var p EvidencePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		sub := &history.EvidenceSubmission{
			ID:           idgen.WithPrefix("evs_"),
			UserID:       userID,
			EvidenceID:   p.EvidenceID,
			EvidenceType: p.EvidenceType,
			ExternalURL:  p.ExternalURL,
			SubmittedAt:  d.timestamp(p.SubmittedAt),
		}
		if err := sub.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := d.history.RecordEvidence(ctx, sub); err != nil {
			return nil, err
		}
		return d.InspectEvidence(ctx, sub)

	default:
		return nil, ErrUnknownEventKind
	}
}

func (d *Detector) recordLogin(ctx context.Context, userID string, p LoginPayload) (*Result, error) {
	id := p.AttemptID
	if id != "" {
		prior, err := d.history.Attempt(ctx, userID, id)
		switch {
		case err == nil:
			return d.reinspect(ctx, prior)
		case !errors.Is(err, history.ErrAttemptNotFound):
			return nil, err
		}
		if !validation.IsValidIdentifier(id) {
			return nil, fmt.Errorf("%w: attemptId", ErrInvalidPayload)
		}
	} else {
		id = idgen.WithPrefix("att_")
	}

	attempt := &history.LoginAttempt{
		ID:          id,
		UserID:      userID,
		DeviceID:    p.DeviceID,
		AuthMethod:  p.AuthMethod,
		Success:     p.Success,
		IPAddress:   p.IPAddress,
		UserAgent:   p.UserAgent,
		AttemptedAt: d.timestamp(p.AttemptedAt),
	}
	if err := attempt.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	dev, err := d.deviceContext(ctx, userID, attempt.DeviceID)
	if err != nil {
		return nil, err
	}
	if err := d.history.RecordAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	result, err := d.InspectLogin(ctx, attempt, dev)
	if err != nil {
		return nil, err
	}
	if err := d.flag(ctx, attempt, result); err != nil {
		return nil, err
	}
	result.AttemptID = attempt.ID
	return result, nil
}

// reinspect evaluates an attempt that was recorded and inspected earlier.
// That inspection already wrote its signals and settled the device, so this
// one has no side effects; flagging again could undo a later passkey restore.
func (d *Detector) reinspect(ctx context.Context, attempt *history.LoginAttempt) (*Result, error) {
	dev, err := d.deviceContext(ctx, attempt.UserID, attempt.DeviceID)
	if err != nil {
		return nil, err
	}
	result, err := d.inspectLogin(ctx, attempt, dev, false)
	if err != nil {
		return nil, err
	}
	result.AttemptID = attempt.ID
	return result, nil
}

func (d *Detector) deviceContext(ctx context.Context, userID, deviceID string) (DeviceContext, error) {
	if d.devices == nil {
		return DeviceContext{}, nil
	}
	return d.devices.DeviceContext(ctx, userID, deviceID)
}

func (d *Detector) flag(ctx context.Context, attempt *history.LoginAttempt, result *Result) error {
	if !result.SuspiciousDevice || d.devices == nil {
		return nil
	}
	if err := d.devices.FlagDevice(ctx, attempt.UserID, attempt.DeviceID); err != nil {
		return fmt.Errorf("anomaly: flag device: %w", err)
	}
	return nil
}

// ClearDevice resolves the device-scoped signals once a device has proven
// itself again with a strong login.
func (d *Detector) ClearDevice(ctx context.Context, userID, deviceID string) error {
	_, err := d.signals.ResolveWhere(ctx, userID, risksignal.Filter{
		Kinds:         []risksignal.Kind{risksignal.KindIPRisk, risksignal.KindDeviceMismatch},
		MetadataKey:   "device_id",
		MetadataValue: deviceID,
	})
	return err
}

// persist writes anomalies at or above PersistThreshold as risk signals.
// Failures are logged; the verdict already stands.
func (d *Detector) persist(ctx context.Context, userID string, anomalies []DetectedAnomaly, meta map[string]string) []string {
	var ids []string
	for _, a := range anomalies {
		if a.Severity < PersistThreshold {
			continue
		}
		kind, ok := SignalKinds[a.Kind]
		if !ok {
			continue
		}
		m := make(map[string]string, len(meta)+1)
		for k, v := range meta {
			if v != "" {
				m[k] = v
			}
		}
		m["anomaly_kind"] = string(a.Kind)
		m["anomaly_severity"] = strconv.Itoa(a.Severity)

		sig, err := d.signals.Create(ctx, userID, kind, a.Severity, a.Description, m)
		if err != nil {
			d.logger.Warn("failed to persist anomaly signal",
				"user_id", userID, "anomaly", a.Kind, "error", err)
			continue
		}
		ids = append(ids, sig.ID)
	}
	return ids
}

func (d *Detector) observe(r *Result) {
	metrics.DetectorVerdictsTotal.WithLabelValues(string(r.Decision)).Inc()
	for _, a := range r.Anomalies {
		metrics.AnomaliesDetectedTotal.WithLabelValues(string(a.Kind)).Inc()
	}
}

func (d *Detector) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return d.now().UTC()
	}
	return t.UTC()
}
