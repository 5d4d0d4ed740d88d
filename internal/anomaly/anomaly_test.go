package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombine(t *testing.T) {
	tests := []struct {
		name      string
		anomalies []DetectedAnomaly
		want      int
	}{
		{"none", nil, 0},
		{"single", []DetectedAnomaly{{Kind: KindNewDevice, Severity: 5}}, 5},
		{
			"same kind does not compound",
			[]DetectedAnomaly{{Kind: KindNewDevice, Severity: 5}, {Kind: KindNewDevice, Severity: 5}},
			10,
		},
		{
			"rapid ip plus failed logins",
			[]DetectedAnomaly{{Kind: KindRapidIPChange, Severity: 6}, {Kind: KindMultipleFailedLogins, Severity: 5}},
			14, // round(11 × 1.3) = round(14.3)
		},
		{
			"three kinds",
			[]DetectedAnomaly{
				{Kind: KindRapidIPChange, Severity: 10},
				{Kind: KindImpossibleTravel, Severity: 7},
				{Kind: KindNewDevice, Severity: 5},
			},
			35, // round(22 × 1.6) = round(35.2)
		},
		{
			"capped at 100",
			[]DetectedAnomaly{
				{Kind: KindMultipleFailedLogins, Severity: 10},
				{Kind: KindRapidIPChange, Severity: 10},
				{Kind: KindImpossibleTravel, Severity: 7},
				{Kind: KindNewDevice, Severity: 5},
				{Kind: KindUnusualLoginTime, Severity: 3},
				{Kind: KindEvidenceUploadBurst, Severity: 8},
				{Kind: KindDuplicateExternalLinks, Severity: 10},
			},
			MaxScore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Combine(tt.anomalies))
		})
	}
}

func TestCombine_AlwaysWithinBounds(t *testing.T) {
	kinds := []Kind{KindMultipleFailedLogins, KindRapidIPChange, KindImpossibleTravel, KindNewDevice, KindUnusualLoginTime}
	var list []DetectedAnomaly
	for sev := 1; sev <= 10; sev++ {
		for _, k := range kinds {
			list = append(list, DetectedAnomaly{Kind: k, Severity: sev})
			score := Combine(list)
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, MaxScore)
		}
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		score int
		want  Decision
	}{
		{0, DecisionAllow},
		{14, DecisionAllow},
		{29, DecisionAllow},
		{30, DecisionAllowNotify},
		{49, DecisionAllowNotify},
		{50, DecisionStepUp},
		{79, DecisionStepUp},
		{80, DecisionBlock},
		{100, DecisionBlock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Decide(tt.score), "score %d", tt.score)
	}
}

func TestDecision_Notify(t *testing.T) {
	assert.False(t, DecisionAllow.Notify())
	assert.True(t, DecisionAllowNotify.Notify())
	assert.False(t, DecisionStepUp.Notify())
	assert.True(t, DecisionBlock.Notify())
}

func TestSignalKinds_CoversEveryAnomaly(t *testing.T) {
	for _, k := range []Kind{
		KindMultipleFailedLogins, KindRapidIPChange, KindImpossibleTravel, KindNewDevice,
		KindUnusualLoginTime, KindEvidenceUploadBurst, KindDuplicateExternalLinks,
	} {
		sk, ok := SignalKinds[k]
		assert.True(t, ok, "missing mapping for %s", k)
		assert.True(t, sk.Valid(), "mapping for %s is not a valid signal kind", k)
	}
}

func TestNewResult_SuspiciousDevice(t *testing.T) {
	assert.False(t, newResult([]DetectedAnomaly{{Kind: KindNewDevice, Severity: 5}}).SuspiciousDevice)
	assert.True(t, newResult([]DetectedAnomaly{{Kind: KindRapidIPChange, Severity: 6}}).SuspiciousDevice)
	assert.True(t, newResult([]DetectedAnomaly{{Kind: KindImpossibleTravel, Severity: 7}}).SuspiciousDevice)
	assert.NotNil(t, newResult(nil).Anomalies)
}
