// Package history records login and evidence telemetry.
//
// Both record types are append-only audit rows. They are the sole input to the
// anomaly heuristics and are never mutated after they are written.
package history

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidAttempt  = errors.New("history: attempt requires user and device")
	ErrInvalidEvidence = errors.New("history: evidence requires user and evidence id")
	ErrAttemptNotFound = errors.New("history: attempt not found")
)

// LoginAttempt is one authentication attempt from a device.
type LoginAttempt struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	AuthMethod  string    `json:"authMethod"`
	Success     bool      `json:"success"`
	IPAddress   string    `json:"ipAddress"`
	UserAgent   string    `json:"userAgent,omitempty"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

// Validate checks the fields every attempt must carry.
func (a *LoginAttempt) Validate() error {
	if a == nil || a.UserID == "" || a.DeviceID == "" {
		return ErrInvalidAttempt
	}
	return nil
}

// EvidenceSubmission is one evidence upload by a user.
type EvidenceSubmission struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	EvidenceID   string    `json:"evidenceId"`
	EvidenceType string    `json:"evidenceType"`
	ExternalURL  string    `json:"externalUrl,omitempty"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// Validate checks the fields every submission must carry.
func (e *EvidenceSubmission) Validate() error {
	if e == nil || e.UserID == "" || e.EvidenceID == "" {
		return ErrInvalidEvidence
	}
	return nil
}

// Store persists telemetry. List methods return newest first.
type Store interface {
	RecordAttempt(ctx context.Context, attempt *LoginAttempt) error
	// Attempt returns the attempt with id recorded for userID, or
	// ErrAttemptNotFound.
	Attempt(ctx context.Context, userID, id string) (*LoginAttempt, error)
	AttemptsSince(ctx context.Context, userID string, since time.Time) ([]*LoginAttempt, error)
	SuccessfulAttempts(ctx context.Context, userID string, limit int) ([]*LoginAttempt, error)

	RecordEvidence(ctx context.Context, sub *EvidenceSubmission) error
	EvidenceSince(ctx context.Context, userID string, since time.Time) ([]*EvidenceSubmission, error)
}
