package model

import (
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Claim is a unit of claimed beneficial work (a benefit claim)
type Claim struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`              // Opaque, already-verified identity handle
	Components Components        `json:"components"`           // Raw component values
	Weights    Weights           `json:"weights"`              // Component weights, sum to 1.0
	Recipients map[Role]string   `json:"recipients,omitempty"` // Distribution roles present in the claim
	Metadata   map[string]string `json:"metadata,omitempty"`

	Composite fixed.Point `json:"composite"` // Score Calculator output
	Adjusted  fixed.Point `json:"adjusted"`  // Composite after anti-gaming adjustments
	Flagged   bool        `json:"flagged"`   // Historical consistency check failed
	Signals   []Signal    `json:"signals,omitempty"`

	Status         ClaimStatus `json:"status"`
	DistributionID string      `json:"distribution_id,omitempty"`
	NoDistribution bool        `json:"no_distribution,omitempty"` // Finalized below the mint threshold
	EvidenceAt     time.Time   `json:"evidence_at"`               // When the backing evidence was generated
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Components holds the three raw component scores
type Components struct {
	Environmental ComponentValue `json:"environmental"`
	Social        ComponentValue `json:"social"`
	Participation ComponentValue `json:"participation"`
}

// ComponentValue is a raw value plus the trust level of the evidence behind it
type ComponentValue struct {
	Value   fixed.Point `json:"value"`
	Trust   fixed.Point `json:"trust"`
	Present bool        `json:"present"` // False means the component is missing (value 0, trust 0)
}

// Weights are the per-component weights applied by the Score Calculator
type Weights struct {
	Environmental fixed.Point `json:"environmental" yaml:"environmental" mapstructure:"environmental"`
	Social        fixed.Point `json:"social" yaml:"social" mapstructure:"social"`
	Participation fixed.Point `json:"participation" yaml:"participation" mapstructure:"participation"`
}

// Sum returns the total weight.
func (w Weights) Sum() (fixed.Point, error) {
	return fixed.Sum(w.Environmental, w.Social, w.Participation)
}

// IsZero reports whether no weight was set.
func (w Weights) IsZero() bool {
	return w.Environmental == 0 && w.Social == 0 && w.Participation == 0
}

// Component identifies one of the three scored components
type Component string

const (
	ComponentEnvironmental Component = "environmental"
	ComponentSocial        Component = "social"
	ComponentParticipation Component = "participation"
)

// Attestable reports whether the component is backed by oracle attestations.
// Participation is internally sourced.
func (c Component) Attestable() bool {
	return c == ComponentEnvironmental || c == ComponentSocial
}

// ClaimStatus is the lifecycle state of a claim
type ClaimStatus string

const (
	StatusPending     ClaimStatus = "pending"     // Created, waiting for scoring or enough validators
	StatusValidating  ClaimStatus = "validating"  // Collecting validator votes
	StatusFlagged     ClaimStatus = "flagged"     // Validating with an additional validator round
	StatusAccepted    ClaimStatus = "accepted"    // Consensus reached, challenge window open
	StatusRejected    ClaimStatus = "rejected"    // Terminal
	StatusFinalized   ClaimStatus = "finalized"   // Challenge window closed clean
	StatusDistributed ClaimStatus = "distributed" // Terminal, distribution emitted
)

// AllStatuses lists statuses in lifecycle order
var AllStatuses = []ClaimStatus{
	StatusPending,
	StatusValidating,
	StatusFlagged,
	StatusAccepted,
	StatusRejected,
	StatusFinalized,
	StatusDistributed,
}

// Voting reports whether the claim currently accepts validator votes.
func (s ClaimStatus) Voting() bool {
	return s == StatusValidating || s == StatusFlagged
}

// Terminal reports whether no further transition is possible.
func (s ClaimStatus) Terminal() bool {
	return s == StatusRejected || s == StatusDistributed
}

// ClaimSnapshot is the externally visible state of a claim at one point in time
type ClaimSnapshot struct {
	ID             string      `json:"id"`
	Subject        string      `json:"subject"`
	Status         ClaimStatus `json:"status"`
	Composite      fixed.Point `json:"composite"`
	Adjusted       fixed.Point `json:"adjusted"`
	Flagged        bool        `json:"flagged"`
	AcceptVotes    int         `json:"accept_votes"`
	RejectVotes    int         `json:"reject_votes"`
	CountedVotes   int         `json:"counted_votes"`
	Voters         []string    `json:"voters,omitempty"` // Validators that voted on the claim round
	ChallengeID    string      `json:"challenge_id,omitempty"`
	WindowEnd      *time.Time  `json:"window_end,omitempty"`
	DistributionID string      `json:"distribution_id,omitempty"`
	NoDistribution bool        `json:"no_distribution,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}
