package anomaly

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/history"
)

const (
	failedLoginWindow    = time.Hour
	failedLoginThreshold = 5

	ipChurnWindow    = time.Hour
	ipChurnSample    = 5
	ipChurnThreshold = 3

	travelWindow   = 30 * time.Minute
	travelSeverity = 7

	newDeviceSeverity = 5

	offHoursMinLogins = 10
	offHoursDeviation = 8.0
	offHoursSeverity  = 3
	offHoursSample    = 200

	evidenceBurstWindow    = time.Hour
	evidenceBurstThreshold = 10
	evidenceBurstMax       = 8

	duplicateLinkWindow = 24 * time.Hour

	maxSeverity = 10
)

// DeviceContext is what the detector knows about the device before the
// current attempt was applied.
type DeviceContext struct {
	Known        bool
	LastIP       string
	LastUsedAt   time.Time
	OtherDevices int
}

// failedLogins flags ≥5 failed attempts in the trailing hour.
func failedLogins(window []*history.LoginAttempt, now time.Time) *DetectedAnomaly {
	cutoff := now.Add(-failedLoginWindow)
	count := 0
	for _, a := range window {
		if !a.Success && !a.AttemptedAt.Before(cutoff) {
			count++
		}
	}
	if count < failedLoginThreshold {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindMultipleFailedLogins,
		Description: fmt.Sprintf("%d failed login attempts in the last hour", count),
		Severity:    min(count, maxSeverity),
	}
}

// rapidIPChange flags ≥3 distinct IPs among the last 5 successful logins
// within the trailing hour. window is newest first.
func rapidIPChange(window []*history.LoginAttempt, now time.Time) *DetectedAnomaly {
	cutoff := now.Add(-ipChurnWindow)
	ips := make(map[string]struct{})
	sampled := 0
	for _, a := range window {
		if sampled == ipChurnSample {
			break
		}
		if !a.Success || a.AttemptedAt.Before(cutoff) {
			continue
		}
		sampled++
		if a.IPAddress != "" {
			ips[a.IPAddress] = struct{}{}
		}
	}
	if len(ips) < ipChurnThreshold {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindRapidIPChange,
		Description: fmt.Sprintf("%d distinct IP addresses across recent successful logins", len(ips)),
		Severity:    min(2*len(ips), maxSeverity),
	}
}

// impossibleTravel flags a known device seen from a new IP within 30 minutes
// of its last use.
func impossibleTravel(attempt *history.LoginAttempt, dev DeviceContext) *DetectedAnomaly {
	if !dev.Known || dev.LastIP == "" || attempt.IPAddress == "" || dev.LastUsedAt.IsZero() {
		return nil
	}
	if attempt.IPAddress == dev.LastIP {
		return nil
	}
	elapsed := attempt.AttemptedAt.Sub(dev.LastUsedAt)
	if elapsed < 0 || elapsed > travelWindow {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindImpossibleTravel,
		Description: fmt.Sprintf("device moved from %s to %s within %s", dev.LastIP, attempt.IPAddress, elapsed.Round(time.Second)),
		Severity:    travelSeverity,
	}
}

// newDevice flags an unseen device when the user already has another one.
// A user's first device is expected and never flagged.
func newDevice(dev DeviceContext) *DetectedAnomaly {
	if dev.Known || dev.OtherDevices < 1 {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindNewDevice,
		Description: fmt.Sprintf("login from an unrecognized device (%d other devices on record)", dev.OtherDevices),
		Severity:    newDeviceSeverity,
	}
}

// unusualLoginTime compares the UTC hour of the attempt against the mean hour
// of prior successful logins. The mean does not wrap around midnight, so a
// user who logs in at 23:00 and 01:00 has a mean of 12:00.
func unusualLoginTime(attempt *history.LoginAttempt, prior []*history.LoginAttempt) *DetectedAnomaly {
	if len(prior) < offHoursMinLogins {
		return nil
	}
	total := 0
	for _, a := range prior {
		total += a.AttemptedAt.UTC().Hour()
	}
	mean := float64(total) / float64(len(prior))
	hour := attempt.AttemptedAt.UTC().Hour()
	deviation := float64(hour) - mean
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation <= offHoursDeviation {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindUnusualLoginTime,
		Description: fmt.Sprintf("login at %02d:00 UTC, usual hour is %.1f", hour, mean),
		Severity:    offHoursSeverity,
	}
}

// evidenceBurst flags more than 10 evidence submissions in the trailing hour.
func evidenceBurst(window []*history.EvidenceSubmission, now time.Time) *DetectedAnomaly {
	cutoff := now.Add(-evidenceBurstWindow)
	count := 0
	for _, e := range window {
		if !e.SubmittedAt.Before(cutoff) {
			count++
		}
	}
	if count <= evidenceBurstThreshold {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindEvidenceUploadBurst,
		Description: fmt.Sprintf("%d evidence submissions in the last hour", count),
		Severity:    min(count/2, evidenceBurstMax),
	}
}

// duplicateLinks flags external URLs submitted more than once in 24 hours.
// Severity is 3 per duplicated URL, capped at 10.
func duplicateLinks(window []*history.EvidenceSubmission, now time.Time) *DetectedAnomaly {
	cutoff := now.Add(-duplicateLinkWindow)
	seen := make(map[string]int)
	for _, e := range window {
		if e.ExternalURL == "" || e.SubmittedAt.Before(cutoff) {
			continue
		}
		seen[normalizeURL(e.ExternalURL)]++
	}
	groups := 0
	for _, n := range seen {
		if n > 1 {
			groups++
		}
	}
	if groups == 0 {
		return nil
	}
	return &DetectedAnomaly{
		Kind:        KindDuplicateExternalLinks,
		Description: fmt.Sprintf("%d external links submitted more than once in 24 hours", groups),
		Severity:    min(3*groups, maxSeverity),
	}
}

// normalizeURL treats scheme and host case, a trailing slash and a fragment
// as insignificant.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(raw, "/"))
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
