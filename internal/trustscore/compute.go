package trustscore

import (
	"math"
	"time"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/risksignal"
)

// Compute derives the components of in at now. A user with no data gets
// zero components, never an error.
func Compute(in *Inputs, now time.Time) (Components, Factors) {
	f := Factors{
		AgeDays:             in.User.AgeDays(now),
		UpheldReports:       countReports(in.ActiveSignals),
		RiskScore:           risksignal.Aggregate(in.ActiveSignals),
		MutualVerifications: in.MutualVerifications,
	}

	evidence, verified := evidenceScore(in.Evidence)
	f.VerifiedEvidence = verified

	external, active := externalScore(in.Ratings, now)
	f.ActiveRatings = active

	return Components{
		Identity: identityScore(&in.User, f.AgeDays),
		Evidence: evidence,
		Behavior: behaviorScore(f.AgeDays, f.UpheldReports, f.RiskScore),
		Peer:     min(in.MutualVerifications*peerPoints, MaxPeer),
		External: external,
	}, f
}

func identityScore(u *account.User, ageDays int) int {
	score := 0
	if u.IdentityVerified {
		score += identityVerifiedPoints
	}
	if u.EmailVerified {
		score += emailVerifiedPoints
	}
	if u.PhoneVerified {
		score += phoneVerifiedPoints
	}
	if ageDays >= matureAccountDays {
		score += matureAccountPoints
	}
	return score
}

func evidenceScore(items []EvidenceItem) (int, int) {
	perType := make(map[EvidenceType]int, len(EvidenceRules))
	verified := 0
	for _, it := range items {
		rule, ok := EvidenceRules[it.Type]
		if !ok || !it.Verified {
			continue
		}
		verified++
		perType[it.Type] = min(perType[it.Type]+rule.Points, rule.Cap)
	}
	total := 0
	for _, pts := range perType {
		total += pts
	}
	return min(total, MaxEvidence), verified
}

// behaviorScore is clean + longevity + baseline - penalty, clamped to
// [0, MaxBehavior]. The clean-record and baseline credits scale with tenure
// so a days-old account cannot collect them up front.
func behaviorScore(ageDays, reports, riskScore int) int {
	penalty := min(reports*reportPenalty, maxReportPenalty)

	clean := 0
	if reports == 0 {
		clean = int(math.Round(cleanRecordPoints * float64(min(ageDays, cleanRecordDays)) / cleanRecordDays))
	}

	longevity := 0
	for _, tier := range longevityTiers {
		if ageDays >= tier.Days {
			longevity = tier.Points
			break
		}
	}

	baseline := 0
	if ageDays >= baselineAfterDays {
		baseline = int(math.Round(baselinePoints * float64(risksignal.MaxRiskScore-riskScore) / risksignal.MaxRiskScore))
	}

	return max(0, min(clean+longevity+baseline-penalty, MaxBehavior))
}

// externalScore converts the weighted average of unexpired ratings, each
// normalized to 0-100, to 0-200 points.
func externalScore(ratings []ExternalRating, now time.Time) (int, int) {
	var weighted, weights float64
	active := 0
	for i := range ratings {
		r := &ratings[i]
		if !r.Active(now) || r.MaxRating <= 0 || r.Weight <= 0 {
			continue
		}
		norm := math.Max(0, math.Min(100, r.Rating/r.MaxRating*100))
		weighted += norm * r.Weight
		weights += r.Weight
		active++
	}
	if weights == 0 {
		return 0, 0
	}
	return min(int(math.Round(weighted/weights*2)), MaxExternal), active
}

func countReports(signals []*risksignal.Signal) int {
	n := 0
	for _, s := range signals {
		if s.Kind == risksignal.KindReportedByPeer && !s.Resolved {
			n++
		}
	}
	return n
}
