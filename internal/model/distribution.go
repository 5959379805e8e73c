package model

import (
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Role is a distribution recipient role
type Role string

const (
	RoleCompleter  Role = "completer" // Task completer
	RoleVerifier   Role = "verifier"  // Verifier
	RoleCreator    Role = "creator"   // Claim creator
	RoleTreasury   Role = "treasury"  // Subject-domain treasury
	RoleSharedPool Role = "shared_pool"
)

// Roles lists roles in distribution order
var Roles = []Role{RoleCompleter, RoleVerifier, RoleCreator, RoleTreasury, RoleSharedPool}

// Shares maps each role to its fraction of a distribution
type Shares struct {
	Completer  fixed.Point `json:"completer" yaml:"completer" mapstructure:"completer"`
	Verifier   fixed.Point `json:"verifier" yaml:"verifier" mapstructure:"verifier"`
	Creator    fixed.Point `json:"creator" yaml:"creator" mapstructure:"creator"`
	Treasury   fixed.Point `json:"treasury" yaml:"treasury" mapstructure:"treasury"`
	SharedPool fixed.Point `json:"shared_pool" yaml:"shared_pool" mapstructure:"shared_pool"`
}

// Of returns the share configured for a role.
func (s Shares) Of(r Role) fixed.Point {
	switch r {
	case RoleCompleter:
		return s.Completer
	case RoleVerifier:
		return s.Verifier
	case RoleCreator:
		return s.Creator
	case RoleTreasury:
		return s.Treasury
	case RoleSharedPool:
		return s.SharedPool
	}
	return fixed.Zero
}

// Sum returns the total of all shares.
func (s Shares) Sum() (fixed.Point, error) {
	return fixed.Sum(s.Completer, s.Verifier, s.Creator, s.Treasury, s.SharedPool)
}

// DistributionEvent authorizes the external ledger to allocate value
type DistributionEvent struct {
	ID          string       `json:"id"`
	ClaimID     string       `json:"claim_id"`
	Recipients  []Allocation `json:"recipients"`
	Basis       fixed.Point  `json:"basis"` // Score-derived multiplier; the ledger owns currency semantics
	TriggeredAt time.Time    `json:"triggered_at"`
}

// Allocation is one recipient's part of a distribution
type Allocation struct {
	Role      Role        `json:"role"`
	Recipient string      `json:"recipient"`
	Share     fixed.Point `json:"share"`  // Fraction of the distribution
	Amount    fixed.Point `json:"amount"` // Share of the basis
}

// MintConfirmation is the ledger's acknowledgement of a distribution request
type MintConfirmation struct {
	EventID     string    `json:"event_id"`
	Reference   string    `json:"reference"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}
