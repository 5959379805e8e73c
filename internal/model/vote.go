package model

import (
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Validator is an identity authorized to vote on claims
type Validator struct {
	ID         string      `json:"id"`
	GroupKey   string      `json:"group_key"` // Owner identity group, used only for collusion detection
	Reputation fixed.Point `json:"reputation"`
}

// Vote is one validator's decision on one claim or challenge
type Vote struct {
	ClaimID     string    `json:"claim_id"`
	ValidatorID string    `json:"validator_id"`
	Accept      bool      `json:"accept"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	CastAt      time.Time `json:"cast_at"`
}

// Challenge is a dispute against an accepted claim
type Challenge struct {
	ID          string              `json:"id"`
	ClaimID     string              `json:"claim_id"`
	Challenger  string              `json:"challenger"`
	EvidenceRef string              `json:"evidence_ref"`
	OpenedAt    time.Time           `json:"opened_at"`
	WindowEnd   time.Time           `json:"window_end"`
	Resolution  ChallengeResolution `json:"resolution"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
	Votes       []Vote              `json:"votes,omitempty"` // Accept means "uphold the challenge"
}

// ChallengeResolution is the outcome of a challenge
type ChallengeResolution string

const (
	ResolutionPending   ChallengeResolution = "pending"
	ResolutionUpheld    ChallengeResolution = "upheld"
	ResolutionDismissed ChallengeResolution = "dismissed"
)

// WindowState is the state of a claim's challenge window
type WindowState string

const (
	WindowOpen        WindowState = "open"
	WindowUpheld      WindowState = "upheld_challenge"
	WindowDismissed   WindowState = "dismissed"
	WindowNoChallenge WindowState = "no_challenge"
)
