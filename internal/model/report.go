package model

import (
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Score is the transparent breakdown of a composite computation
type Score struct {
	Composite fixed.Point `json:"composite"` // Composite benefit score in [0,1]
	Signals   []Signal    `json:"signals"`   // Per-component contributions and adjustments
}

// Signal represents a diagnostic signal with transparent scoring data
type Signal struct {
	Type        SignalType             `json:"type"`           // Signal classification
	Severity    SignalSeverity         `json:"severity"`       // info, warning, critical
	Description string                 `json:"description"`    // Human-readable description
	Data        map[string]interface{} `json:"data,omitempty"` // Transparent scoring data (formulas, inputs)
}

// SignalType classifies the type of diagnostic signal
type SignalType string

const (
	SignalEnvironmental      SignalType = "environmental"       // Environmental contribution
	SignalSocial             SignalType = "social"              // Social contribution
	SignalParticipation      SignalType = "participation"       // Participation contribution
	SignalMissingComponent   SignalType = "missing_component"   // Component scored as zero
	SignalDecay              SignalType = "decay"               // Time-weighted decay applied
	SignalInconsistent       SignalType = "inconsistent"        // Historical delta exceeded
	SignalDiversityViolation SignalType = "diversity_violation" // Related validators excluded
	SignalSybilCollapse      SignalType = "sybil_collapse"      // Contributors sharing an owner collapsed
)

// SignalSeverity indicates the importance of the signal
type SignalSeverity string

const (
	SeverityInfo     SignalSeverity = "info"
	SeverityWarning  SignalSeverity = "warning"
	SeverityCritical SignalSeverity = "critical"
)

// AuditEntry records a decision or failure that must not be silently dropped
type AuditEntry struct {
	ClaimID    string                 `json:"claim_id"`
	Kind       AuditKind              `json:"kind"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// AuditKind classifies audit entries
type AuditKind string

const (
	AuditLateVote         AuditKind = "late_vote"          // Vote arrived after the decision
	AuditDiversity        AuditKind = "diversity"          // Related validators excluded from tally
	AuditConsensus        AuditKind = "consensus"          // Claim accepted or rejected
	AuditChallenge        AuditKind = "challenge"          // Challenge opened or resolved
	AuditNoDistribution   AuditKind = "no_distribution"    // Finalized below mint threshold
	AuditDistribution     AuditKind = "distribution"       // Distribution emitted
	AuditReconciliation   AuditKind = "reconciliation"     // Ledger retries exhausted
	AuditScoreOutOfRange  AuditKind = "score_out_of_range" // Range error with input context
	AuditEvidenceFallback AuditKind = "evidence_fallback"  // Lower tier or zero used
)

// MetricsSnapshot is one observation of engine health
type MetricsSnapshot struct {
	Sequence       uint64                 `json:"sequence"`
	TakenAt        time.Time              `json:"taken_at"`
	ClaimsByStatus map[ClaimStatus]int    `json:"claims_by_status"`
	TotalClaims    int                    `json:"total_claims"`
	Validators     int                    `json:"validators"`
	Participation  map[string]fixed.Point `json:"participation"` // Validator id -> share of voting claims voted on
	ScoreBuckets   []int                  `json:"score_buckets"` // Adjusted score histogram, 10 buckets over [0,1]
	PendingTasks   int                    `json:"pending_tasks"`
}
