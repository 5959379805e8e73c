package model

import (
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Attestation is oracle evidence backing one component score
type Attestation struct {
	ClaimID    string      `json:"claim_id"`
	Component  Component   `json:"component"`             // environmental or social
	Tier       SourceTier  `json:"tier"`                  // Source trust classification
	Trust      fixed.Point `json:"trust"`                 // Trust level in [0,1]
	Value      fixed.Point `json:"value"`                 // Raw component value in [0,1]
	Source     string      `json:"source,omitempty"`      // Oracle source id, used for rate limiting
	PayloadRef string      `json:"payload_ref,omitempty"` // Pointer to the measurement payload
	IssuedAt   time.Time   `json:"issued_at"`             // When the evidence was generated
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Expired reports whether the attestation is no longer usable at now.
func (a Attestation) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// SourceTier is the ordered trust classification of an evidence source
type SourceTier int

const (
	TierUnknown   SourceTier = 0 // Not classified, never selected over a known tier
	TierPrimary   SourceTier = 1 // Certified measurement networks, official registries
	TierSecondary SourceTier = 2 // Accredited third-party auditors
	TierTertiary  SourceTier = 3 // Community reports, self-declared data
)

func (t SourceTier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	default:
		return "unknown"
	}
}

// Rank orders tiers, higher is more trusted.
func (t SourceTier) Rank() int {
	switch t {
	case TierPrimary:
		return 3
	case TierSecondary:
		return 2
	case TierTertiary:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether t is strictly more trusted than o.
func (t SourceTier) Outranks(o SourceTier) bool {
	return t.Rank() > o.Rank()
}

// ParseTier converts a tier string to SourceTier
func ParseTier(tier string) SourceTier {
	switch tier {
	case "primary", "1":
		return TierPrimary
	case "secondary", "2":
		return TierSecondary
	case "tertiary", "3":
		return TierTertiary
	default:
		return TierUnknown
	}
}

// Selection is the gateway's answer for one component: the value and trust of
// the best usable attestation, or zeros when none is usable
type Selection struct {
	Value    fixed.Point `json:"value"`
	Trust    fixed.Point `json:"trust"`
	Tier     SourceTier  `json:"tier"`
	IssuedAt time.Time   `json:"issued_at"`
	Found    bool        `json:"found"`
	Fallback bool        `json:"fallback"` // A better attestation existed but expired
}

// Participation holds the raw task pipeline inputs for the participation component
type Participation struct {
	Subject        string        `json:"subject"`
	CompletedTasks int           `json:"completed_tasks"`
	VerifiedTasks  int           `json:"verified_tasks"`
	Contributors   []Contributor `json:"contributors"`
	From           time.Time     `json:"from"`
	To             time.Time     `json:"to"`
}

// Contributor is an agent that contributed to the claimed work
type Contributor struct {
	AgentID    string      `json:"agent_id"`
	Owner      string      `json:"owner"` // Owner identity the agent is bound to
	Reputation fixed.Point `json:"reputation"`
}
