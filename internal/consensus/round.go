package consensus

import (
	"sort"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
)

// Decision is the outcome of a voting round
type Decision string

const (
	DecisionPending Decision = "pending"
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
)

// Round is one vote over a claim, or over a challenge where accept means
// uphold. It is not safe for concurrent use; callers hold the claim lock.
type Round struct {
	subject  string
	required int
	excluded map[string]bool
	votes    []model.Vote
	voted    map[string]bool
	late     []model.Vote
	decision Decision
	reason   string
}

// RoundState is the persisted form of a round
type RoundState struct {
	Subject  string       `json:"subject"`
	Required int          `json:"required"`
	Excluded []string     `json:"excluded,omitempty"`
	Votes    []model.Vote `json:"votes,omitempty"`
	Late     []model.Vote `json:"late,omitempty"` // Arrived after the decision, audit only
	Decision Decision     `json:"decision"`
	Reason   string       `json:"reason,omitempty"`
}

func newRound(subject string, required int, excluded []string) *Round {
	r := &Round{
		subject:  subject,
		required: required,
		excluded: make(map[string]bool),
		voted:    make(map[string]bool),
		decision: DecisionPending,
	}
	for _, id := range excluded {
		r.excluded[id] = true
	}
	return r
}

// RestoreRound rebuilds a round from its persisted state
func RestoreRound(s RoundState) *Round {
	r := newRound(s.Subject, s.Required, s.Excluded)
	r.votes = append(r.votes, s.Votes...)
	r.late = append(r.late, s.Late...)
	for _, v := range r.votes {
		r.voted[v.ValidatorID] = true
	}
	for _, v := range r.late {
		r.voted[v.ValidatorID] = true
	}
	if s.Decision != "" {
		r.decision = s.Decision
	}
	r.reason = s.Reason
	return r
}

// State returns a copy of the round for persistence and queries
func (r *Round) State() RoundState {
	s := RoundState{
		Subject:  r.subject,
		Required: r.required,
		Votes:    append([]model.Vote(nil), r.votes...),
		Late:     append([]model.Vote(nil), r.late...),
		Decision: r.decision,
		Reason:   r.reason,
	}
	for id := range r.excluded {
		s.Excluded = append(s.Excluded, id)
	}
	sort.Strings(s.Excluded)
	return s
}

// Decision returns the current outcome
func (r *Round) Decision() Decision { return r.decision }

// Required returns the number of counted votes a decision needs
func (r *Round) Required() int { return r.required }

// Voters returns the ids of every validator that voted, late votes included
func (r *Round) Voters() []string {
	out := make([]string, 0, len(r.voted))
	for _, v := range r.votes {
		out = append(out, v.ValidatorID)
	}
	for _, v := range r.late {
		out = append(out, v.ValidatorID)
	}
	return out
}

// HasVoted reports whether the validator already voted in this round
func (r *Round) HasVoted(id string) bool { return r.voted[id] }

// related reports whether a validator is bound to the subject under vote
func (r *Round) related(v model.Validator) bool {
	return v.ID == r.subject || (v.GroupKey != "" && v.GroupKey == r.subject)
}

// eligible reports whether a validator may vote in this round
func (r *Round) eligible(v model.Validator) bool {
	return !r.excluded[v.ID] && !r.related(v)
}

// decide applies the threshold and the minimum count. Acceptance needs
// required counted votes with accept fraction at or above threshold.
// Rejection is early when even all remaining votes accepting could not get
// there.
func decide(accepts, counted, remaining, required int, threshold fixed.Point) (Decision, string) {
	if counted >= required && reached(accepts, counted, threshold) {
		return DecisionAccept, "threshold reached"
	}
	if counted+remaining < required {
		return DecisionReject, "minimum validator count unreachable"
	}
	if !reached(accepts+remaining, counted+remaining, threshold) {
		return DecisionReject, "threshold unreachable"
	}
	return DecisionPending, ""
}

// reached compares accepts/total >= threshold without division
func reached(accepts, total int, threshold fixed.Point) bool {
	if total <= 0 {
		return false
	}
	need, err := threshold.MulInt(int64(total))
	if err != nil {
		return false
	}
	return fixed.FromInt(int64(accepts)) >= need
}
