// Package risksignal implements the durable risk signal log.
//
// Signals are append-only; the only field that ever changes after creation is
// the resolution flag. A user's risk score is recomputed from the unresolved
// signals on every read.
package risksignal

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSeverity = errors.New("risksignal: severity must be between 1 and 10")
	ErrInvalidKind     = errors.New("risksignal: unknown signal kind")
	ErrInvalidUser     = errors.New("risksignal: user id is required")
	ErrSignalNotFound  = errors.New("risksignal: signal not found")
)

const (
	MinSeverity = 1
	MaxSeverity = 10

	// MaxRiskScore caps the aggregated per-user score.
	MaxRiskScore = 100
)

// Kind classifies a signal.
type Kind string

const (
	KindFabricatedEvidence Kind = "fabricated_evidence"
	KindDeviceMismatch     Kind = "device_mismatch"
	KindIPRisk             Kind = "ip_risk"
	KindReportedByPeer     Kind = "reported_by_peer"
	KindCredentialStuffing Kind = "credential_stuffing"
	KindEvidenceSpam       Kind = "evidence_spam"
	KindCloneSuspected     Kind = "clone_suspected"
	KindSuspiciousLogin    Kind = "suspicious_login"
)

// PointRule is the contribution of one unresolved signal: Base plus
// PerSeverity times the signal's severity.
type PointRule struct {
	Base        int
	PerSeverity int
}

// Points is the scoring table. A kind is valid iff it has an entry here.
var Points = map[Kind]PointRule{
	KindFabricatedEvidence: {Base: 30},
	KindDeviceMismatch:     {Base: 10},
	KindIPRisk:             {Base: 5},
	KindReportedByPeer:     {PerSeverity: 10},
	KindCredentialStuffing: {Base: 15},
	KindEvidenceSpam:       {Base: 10},
	KindCloneSuspected:     {Base: 25},
	KindSuspiciousLogin:    {Base: 10},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := Points[k]
	return ok
}

// Signal is a persisted, severity-rated record of a concerning event.
type Signal struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Kind       Kind              `json:"kind"`
	Severity   int               `json:"severity"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
}

// Validate rejects out-of-range input. Severity is never clamped.
func (s *Signal) Validate() error {
	if s.UserID == "" {
		return ErrInvalidUser
	}
	if !s.Kind.Valid() {
		return ErrInvalidKind
	}
	if s.Severity < MinSeverity || s.Severity > MaxSeverity {
		return ErrInvalidSeverity
	}
	return nil
}

// PointsFor returns the contribution of a single signal, 0 once resolved.
func PointsFor(s *Signal) int {
	if s == nil || s.Resolved {
		return 0
	}
	rule := Points[s.Kind]
	return rule.Base + rule.PerSeverity*s.Severity
}

// Aggregate sums the points of unresolved signals, capped at MaxRiskScore.
func Aggregate(signals []*Signal) int {
	total := 0
	for _, s := range signals {
		total += PointsFor(s)
		if total >= MaxRiskScore {
			return MaxRiskScore
		}
	}
	return total
}

// Filter selects signals for ResolveWhere. Empty fields match everything.
type Filter struct {
	Kinds         []Kind
	MetadataKey   string
	MetadataValue string
}

func (f Filter) matches(s *Signal) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if s.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MetadataKey != "" && s.Metadata[f.MetadataKey] != f.MetadataValue {
		return false
	}
	return true
}

// Store persists risk signals. List methods return newest first.
type Store interface {
	Create(ctx context.Context, s *Signal) error
	Get(ctx context.Context, id string) (*Signal, error)
	ListActive(ctx context.Context, userID string) ([]*Signal, error)
	List(ctx context.Context, userID string, limit int) ([]*Signal, error)
	// Resolve marks a signal resolved. Resolving an already resolved signal
	// is a no-op and keeps the original ResolvedAt.
	Resolve(ctx context.Context, id string, at time.Time) error
	// ResolveWhere resolves every active signal of userID matching f and
	// returns how many changed.
	ResolveWhere(ctx context.Context, userID string, f Filter, at time.Time) (int, error)
}

func copySignal(s *Signal) *Signal {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
