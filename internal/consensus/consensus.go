// Package consensus decides claims by validator vote. A round counts at
// most max_related votes per owner group, needs a minimum number of counted
// votes and an accept fraction at or above the consensus threshold, and is
// rejected as soon as acceptance becomes unreachable.
package consensus

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/filter"
	"github.com/ppiankov/pob/internal/model"
)

// Module runs voting rounds against the validator registry
type Module struct {
	cfg      *model.Config
	registry *Registry
	logger   *zap.Logger
}

// NewModule creates a consensus module
func NewModule(cfg *model.Config, registry *Registry, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Module{cfg: cfg, registry: registry, logger: logger}
}

// Registry returns the validator registry
func (m *Module) Registry() *Registry { return m.registry }

// Required returns the counted votes needed for a claim. Flagged claims need
// an additional validator round.
func (m *Module) Required(flagged bool) int {
	if flagged {
		return m.cfg.MinValidators + m.cfg.FlaggedExtraValidators
	}
	return m.cfg.MinValidators
}

// NewRound starts a round over subject. Excluded validator ids may not vote.
func (m *Module) NewRound(subject string, required int, excluded ...string) *Round {
	return newRound(subject, required, excluded)
}

// Eligible returns the registered validators allowed to vote in the round
func (m *Module) Eligible(r *Round) []model.Validator {
	var out []model.Validator
	for _, v := range m.registry.All() {
		if m.eligible(r, v) {
			out = append(out, v)
		}
	}
	return out
}

// eligible applies the round's exclusions and the minimum validator
// reputation
func (m *Module) eligible(r *Round, v model.Validator) bool {
	return r.eligible(v) && v.Reputation >= m.cfg.ValidatorMinReputation
}

// Satisfiable reports whether the registry can supply enough independent
// votes for the round to ever be decided by acceptance.
func (m *Module) Satisfiable(r *Round) bool {
	return filter.Capacity(m.Eligible(r), m.cfg.MaxRelated, m.cfg.Filter.Diversity) >= r.required
}

// Tally is the state of a round after counting
type Tally struct {
	Accepts   int
	Rejects   int
	Counted   int
	Remaining int          // Further votes that could still count
	Excluded  []model.Vote // Related votes left out of the count
	Decision  Decision
	Reason    string
	Late      bool // The vote arrived after the decision and was kept for audit
	Dropped   bool // The vote was recorded but excluded by the diversity rule
}

// Cast records a vote and re-tallies the round. Votes arriving after a
// decision are kept for audit and do not change the outcome.
func (m *Module) Cast(r *Round, v model.Vote) (Tally, error) {
	validator, ok := m.registry.Lookup(v.ValidatorID)
	if !ok {
		return Tally{}, fmt.Errorf("%w: %s", model.ErrUnknownValidator, v.ValidatorID)
	}
	if r.voted[v.ValidatorID] {
		return Tally{}, fmt.Errorf("%w: %s", model.ErrDuplicateVote, v.ValidatorID)
	}
	if !m.eligible(r, validator) {
		return Tally{}, fmt.Errorf("%w: %s", model.ErrIneligibleValidator, v.ValidatorID)
	}

	r.voted[v.ValidatorID] = true
	if r.decision != DecisionPending {
		r.late = append(r.late, v)
		t := m.count(r)
		t.Late = true
		return t, nil
	}

	r.votes = append(r.votes, v)
	t := m.Evaluate(r)
	for _, ex := range t.Excluded {
		if ex.ValidatorID == v.ValidatorID {
			t.Dropped = true
		}
	}
	return t, nil
}

// Evaluate re-tallies a pending round, deciding it when possible. It is
// also used when new validators register.
func (m *Module) Evaluate(r *Round) Tally {
	t := m.count(r)
	if r.decision != DecisionPending {
		return t
	}

	t.Decision, t.Reason = decide(t.Accepts, t.Counted, t.Remaining, r.required, m.cfg.ConsensusThreshold)
	if t.Decision != DecisionPending {
		r.decision = t.Decision
		r.reason = t.Reason
		m.logger.Debug("round decided",
			zap.String("subject", r.subject),
			zap.String("decision", string(t.Decision)),
			zap.String("reason", t.Reason),
			zap.Int("accepts", t.Accepts),
			zap.Int("counted", t.Counted),
		)
	}
	return t
}

// Timeout closes a pending round. Anything short of acceptance at timeout
// is a rejection.
func (m *Module) Timeout(r *Round) Tally {
	t := m.count(r)
	if r.decision != DecisionPending {
		return t
	}
	r.decision = DecisionReject
	r.reason = "vote timeout"
	t.Decision = r.decision
	t.Reason = r.reason
	return t
}

func (m *Module) count(r *Round) Tally {
	d := filter.Diversify(r.votes, m.registry.Lookup, m.cfg.MaxRelated, m.cfg.Filter.Diversity)

	t := Tally{
		Counted:  len(d.Counted),
		Excluded: d.Excluded,
		Decision: r.decision,
		Reason:   r.reason,
	}
	for _, v := range d.Counted {
		if v.Accept {
			t.Accepts++
		} else {
			t.Rejects++
		}
	}
	t.Remaining = filter.Remaining(m.Eligible(r), r.voted, d.Used, m.cfg.MaxRelated, m.cfg.Filter.Diversity)
	return t
}
