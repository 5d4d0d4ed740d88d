// Package trustscore computes the 0-1000 TrustScore of a user.
//
// The score is built from five capped components:
//   - Identity (max 200): verified identity, email, phone and account age
//   - Evidence (max 300): verified evidence items, capped per type
//   - Behavior (max 300): clean record, longevity and risk baseline, minus reports
//   - Peer (max 200): mutual verifications
//   - External (max 200): weighted average of unexpired external ratings
//
// Every computation is persisted as a new Snapshot. Snapshots are never
// updated, so any past score can be re-derived from its components.
package trustscore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/risksignal"
)

var (
	ErrUserNotFound   = errors.New("trustscore: user not found")
	ErrInvalidUser    = errors.New("trustscore: invalid user id")
	ErrInvalidRecord  = errors.New("trustscore: invalid record")
	ErrRecordNotFound = errors.New("trustscore: record not found")

	ErrSnapshotNotFound = errors.New("trustscore: no snapshot")
)

// Component maxima. RawMax is their sum and is fixed.
const (
	MaxIdentity = 200
	MaxEvidence = 300
	MaxBehavior = 300
	MaxPeer     = 200
	MaxExternal = 200

	RawMax   = 1200
	MaxScore = 1000
)

// Identity points.
const (
	identityVerifiedPoints = 150
	emailVerifiedPoints    = 25
	phoneVerifiedPoints    = 15
	matureAccountPoints    = 10
	matureAccountDays      = 30
)

// Behavior parameters.
const (
	reportPenalty     = 50
	maxReportPenalty  = 100
	cleanRecordPoints = 100
	cleanRecordDays   = 90
	baselinePoints    = 100
	baselineAfterDays = 30
)

// longevityTiers are checked in order; the first match wins.
var longevityTiers = []struct {
	Days   int
	Points int
}{
	{365, 100},
	{180, 50},
	{90, 25},
}

const peerPoints = 20

// EvidenceType classifies an evidence item.
type EvidenceType string

const (
	EvidenceDocument          EvidenceType = "document"
	EvidenceReference         EvidenceType = "reference"
	EvidenceExternalLink      EvidenceType = "external_link"
	EvidenceTransactionRecord EvidenceType = "transaction_record"
	EvidencePhoto             EvidenceType = "photo"
)

// EvidenceRule is the per-item value and per-type cap of an evidence type.
type EvidenceRule struct {
	Points int `json:"points"`
	Cap    int `json:"cap"`
}

// EvidenceRules holds the value of each evidence type. Caps sum to MaxEvidence.
var EvidenceRules = map[EvidenceType]EvidenceRule{
	EvidenceDocument:          {Points: 50, Cap: 100},
	EvidenceReference:         {Points: 25, Cap: 75},
	EvidenceExternalLink:      {Points: 10, Cap: 50},
	EvidenceTransactionRecord: {Points: 10, Cap: 50},
	EvidencePhoto:             {Points: 5, Cap: 25},
}

// Valid reports whether t has a rule.
func (t EvidenceType) Valid() bool {
	_, ok := EvidenceRules[t]
	return ok
}

// Label is the human-readable band of a score.
type Label string

const (
	LabelVeryHighTrust Label = "Very High Trust"
	LabelHighTrust     Label = "High Trust"
	LabelGoodTrust     Label = "Good Trust"
	LabelModerateTrust Label = "Moderate Trust"
	LabelLowTrust      Label = "Low Trust"
	LabelHighRisk      Label = "High Risk"
)

// labelLadder maps inclusive lower bounds to labels, highest first.
var labelLadder = []struct {
	Min   int
	Label Label
}{
	{851, LabelVeryHighTrust},
	{701, LabelHighTrust},
	{551, LabelGoodTrust},
	{401, LabelModerateTrust},
	{201, LabelLowTrust},
}

// LabelFor returns the label of a score.
func LabelFor(score int) Label {
	for _, band := range labelLadder {
		if score >= band.Min {
			return band.Label
		}
	}
	return LabelHighRisk
}

// Components is the per-component breakdown of a score.
type Components struct {
	Identity int `json:"identity"`
	Evidence int `json:"evidence"`
	Behavior int `json:"behavior"`
	Peer     int `json:"peer"`
	External int `json:"external"`
}

// Sum returns the raw total, at most RawMax.
func (c Components) Sum() int {
	return c.Identity + c.Evidence + c.Behavior + c.Peer + c.External
}

// InRange reports whether every component is within its bounds.
func (c Components) InRange() bool {
	return within(c.Identity, MaxIdentity) && within(c.Evidence, MaxEvidence) &&
		within(c.Behavior, MaxBehavior) && within(c.Peer, MaxPeer) && within(c.External, MaxExternal)
}

func within(v, limit int) bool { return v >= 0 && v <= limit }

// ScoreFor normalizes components to the 0-1000 scale.
func ScoreFor(c Components) int {
	return int(math.Round(float64(c.Sum()) / RawMax * MaxScore))
}

// EvidenceItem is a piece of evidence a user submitted. Only verified items
// count.
type EvidenceItem struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Type      EvidenceType `json:"type"`
	Verified  bool         `json:"verified"`
	CreatedAt time.Time    `json:"createdAt"`
}

// Validate checks the item before it is stored.
func (e *EvidenceItem) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRecord)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown evidence type %q", ErrInvalidRecord, e.Type)
	}
	return nil
}

// ExternalRating is a rating imported from another platform.
type ExternalRating struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Platform  string     `json:"platform"`
	Rating    float64    `json:"rating"`
	MaxRating float64    `json:"maxRating"`
	Weight    float64    `json:"weight"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Validate checks the rating before it is stored.
func (r *ExternalRating) Validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidRecord)
	case r.Platform == "":
		return fmt.Errorf("%w: platform is required", ErrInvalidRecord)
	case r.MaxRating <= 0:
		return fmt.Errorf("%w: maxRating must be positive", ErrInvalidRecord)
	case r.Rating < 0 || r.Rating > r.MaxRating:
		return fmt.Errorf("%w: rating must be within [0, maxRating]", ErrInvalidRecord)
	case r.Weight <= 0:
		return fmt.Errorf("%w: weight must be positive", ErrInvalidRecord)
	}
	return nil
}

// Active reports whether the rating still counts at now.
func (r *ExternalRating) Active(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Inputs is everything one computation reads, taken at a single point in time.
type Inputs struct {
	User                account.User
	Evidence            []EvidenceItem
	MutualVerifications int
	Ratings             []ExternalRating
	// ActiveSignals are the unresolved risk signals of the user.
	ActiveSignals []*risksignal.Signal
}

// Factors are the derived quantities a computation used. They are stored
// with the snapshot for auditing.
type Factors struct {
	AgeDays             int `json:"ageDays"`
	VerifiedEvidence    int `json:"verifiedEvidence"`
	UpheldReports       int `json:"upheldReports"`
	RiskScore           int `json:"riskScore"`
	MutualVerifications int `json:"mutualVerifications"`
	ActiveRatings       int `json:"activeRatings"`
}

// Snapshot is one persisted computation.
type Snapshot struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Score      int        `json:"score"`
	Label      Label      `json:"label"`
	Components Components `json:"components"`
	Factors    Factors    `json:"factors"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Consistent reports whether the score and label follow from the components.
func (s *Snapshot) Consistent() bool {
	return s.Components.InRange() &&
		s.Score == ScoreFor(s.Components) &&
		s.Label == LabelFor(s.Score)
}

// HistoryQuery selects snapshots of one user. Zero From/To are open bounds.
type HistoryQuery struct {
	UserID string
	From   time.Time
	To     time.Time
	Limit  int
}

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		return maxHistoryLimit
	default:
		return q.Limit
	}
}

// SnapshotStore persists snapshots. Latest returns ErrSnapshotNotFound when
// the user has none.
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context, userID string) (*Snapshot, error)
	Query(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
}

// InputProvider reads the inputs of a computation. Inputs returns
// ErrUserNotFound for an unknown user.
type InputProvider interface {
	Inputs(ctx context.Context, userID string) (*Inputs, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}
