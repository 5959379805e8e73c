package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/challenge"
	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/filter"
	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/oracle"
	"github.com/ppiankov/pob/internal/scheduler"
	"github.com/ppiankov/pob/internal/score"
	"github.com/ppiankov/pob/internal/store"
)

// ClaimRequest is a benefit claim as submitted
type ClaimRequest struct {
	ID         string                `json:"id,omitempty"`
	Subject    string                `json:"subject"`
	Weights    *model.Weights        `json:"weights,omitempty"` // Overrides the configured weights
	Recipients map[model.Role]string `json:"recipients,omitempty"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	EvidenceAt time.Time             `json:"evidence_at,omitempty"`

	// Participation can be given as a value, as raw pipeline data, or left
	// to the task source.
	ParticipationValue *fixed.Point         `json:"participation_value,omitempty"`
	Participation      *model.Participation `json:"participation,omitempty"`
}

// claimState is everything the engine keeps for one claim. Fields other
// than snapshot are guarded by mu.
type claimState struct {
	mu            sync.Mutex
	claim         model.Claim
	generation    uint64
	scored        bool
	round         *consensus.Round
	tally         consensus.Tally
	voteDeadline  time.Time
	window        *challenge.Window
	participation *model.Participation

	snapshot atomic.Pointer[model.ClaimSnapshot]
}

func restoreClaim(rec store.ClaimRecord) *claimState {
	cs := &claimState{
		claim:         rec.Claim,
		generation:    rec.Generation,
		scored:        rec.Scored,
		voteDeadline:  rec.VoteDeadline,
		participation: rec.Participation,
	}
	if rec.Round != nil {
		cs.round = consensus.RestoreRound(*rec.Round)
	}
	if rec.Window != nil {
		cs.window = challenge.Restore(*rec.Window)
	}
	return cs
}

func (cs *claimState) record() store.ClaimRecord {
	rec := store.ClaimRecord{
		Claim:         cs.claim,
		Generation:    cs.generation,
		Scored:        cs.scored,
		VoteDeadline:  cs.voteDeadline,
		Participation: cs.participation,
	}
	if cs.round != nil {
		state := cs.round.State()
		rec.Round = &state
	}
	if cs.window != nil {
		w := cs.window.Record()
		rec.Window = &w
	}
	return rec
}

// publish stores an immutable snapshot for lock-free readers
func (cs *claimState) publish() {
	c := cs.claim
	snap := model.ClaimSnapshot{
		ID:             c.ID,
		Subject:        c.Subject,
		Status:         c.Status,
		Composite:      c.Composite,
		Adjusted:       c.Adjusted,
		Flagged:        c.Flagged,
		AcceptVotes:    cs.tally.Accepts,
		RejectVotes:    cs.tally.Rejects,
		CountedVotes:   cs.tally.Counted,
		DistributionID: c.DistributionID,
		NoDistribution: c.NoDistribution,
		UpdatedAt:      c.UpdatedAt,
	}
	if cs.round != nil {
		snap.Voters = cs.round.Voters()
	}
	if cs.window != nil {
		end := cs.window.End
		snap.WindowEnd = &end
		if cs.window.Challenge != nil {
			snap.ChallengeID = cs.window.Challenge.ID
		}
	}
	cs.snapshot.Store(&snap)
}

// SubmitClaim registers a new claim in Pending. Weight overrides that do not
// sum to 1.0 are rejected, never renormalised.
func (e *Engine) SubmitClaim(req ClaimRequest) (model.ClaimSnapshot, error) {
	if req.Subject == "" {
		return model.ClaimSnapshot{}, fmt.Errorf("%w: subject is required", model.ErrInvalidClaim)
	}

	weights := e.cfg.Weights
	if req.Weights != nil {
		weights = *req.Weights
	}
	if err := model.ValidateWeights(weights); err != nil {
		return model.ClaimSnapshot{}, err
	}

	for role := range req.Recipients {
		if !knownRole(role) {
			return model.ClaimSnapshot{}, fmt.Errorf("%w: unknown role %q", model.ErrInvalidClaim, role)
		}
	}

	now := e.clock.Now()
	claim := model.Claim{
		ID:         req.ID,
		Subject:    req.Subject,
		Weights:    weights,
		Recipients: req.Recipients,
		Metadata:   req.Metadata,
		Status:     model.StatusPending,
		EvidenceAt: req.EvidenceAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if claim.ID == "" {
		claim.ID = uuid.NewString()
	}

	if v := req.ParticipationValue; v != nil {
		if !v.InUnit() {
			return model.ClaimSnapshot{}, fmt.Errorf("%w: participation %s outside [0,1]", model.ErrInvalidClaim, *v)
		}
		claim.Components.Participation = model.ComponentValue{Value: *v, Trust: fixed.One, Present: true}
	}

	cs := &claimState{claim: claim}
	if p := req.Participation; p != nil {
		if p.CompletedTasks < 0 || p.VerifiedTasks < 0 || p.VerifiedTasks > p.CompletedTasks {
			return model.ClaimSnapshot{}, fmt.Errorf("%w: %d verified of %d completed tasks",
				model.ErrInvalidClaim, p.VerifiedTasks, p.CompletedTasks)
		}
		data := *p
		data.Subject = req.Subject
		cs.participation = &data
	}

	cs.publish()

	e.mu.Lock()
	if _, exists := e.claims[claim.ID]; exists {
		e.mu.Unlock()
		return model.ClaimSnapshot{}, fmt.Errorf("%w: %s already exists", model.ErrInvalidClaim, claim.ID)
	}
	e.claims[claim.ID] = cs
	cs.mu.Lock()
	e.mu.Unlock()
	defer cs.mu.Unlock()

	e.logger.Info("claim submitted",
		zap.String("claim_id", claim.ID),
		zap.String("subject", claim.Subject),
	)
	err := e.commit(cs)
	return *cs.snapshot.Load(), err
}

// AttachAttestation hands oracle evidence for a pending claim to the gateway
func (e *Engine) AttachAttestation(ctx context.Context, a model.Attestation) error {
	if err := e.acceptingEvidence(a.ClaimID); err != nil {
		return err
	}
	if err := e.gateway.Submit(ctx, a); err != nil {
		return err
	}
	return e.saveAttestations(a.ClaimID)
}

// PullAttestations fetches a claim's attestations from an oracle feed
func (e *Engine) PullAttestations(ctx context.Context, feed oracle.Feed, claimID string) (oracle.PullResult, error) {
	if err := e.acceptingEvidence(claimID); err != nil {
		return oracle.PullResult{}, err
	}
	result, err := e.gateway.Pull(ctx, feed, claimID)
	if err != nil {
		return result, err
	}
	return result, e.saveAttestations(claimID)
}

func (e *Engine) acceptingEvidence(claimID string) error {
	cs, err := e.lookup(claimID)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.scored || cs.claim.Status != model.StatusPending {
		return fmt.Errorf("%w: claim %s already scored", model.ErrInvalidAttestation, claimID)
	}
	return nil
}

func (e *Engine) saveAttestations(claimID string) error {
	if err := e.store.SaveAttestations(claimID, e.gateway.Attestations(claimID)); err != nil {
		return fmt.Errorf("persist attestations for %s: %w", claimID, err)
	}
	return nil
}

// Evaluate scores a pending claim and starts its consensus round. A claim
// that cannot gather enough independent validators stays Pending until
// validators register. Claims past Pending are returned unchanged.
func (e *Engine) Evaluate(ctx context.Context, claimID string) (model.ClaimSnapshot, error) {
	cs, err := e.lookup(claimID)
	if err != nil {
		return model.ClaimSnapshot{}, err
	}

	cs.mu.Lock()
	if cs.claim.Status != model.StatusPending {
		cs.mu.Unlock()
		return *cs.snapshot.Load(), nil
	}
	fetch := !cs.scored && e.tasks != nil && cs.participation == nil && !cs.claim.Components.Participation.Present
	subject, evidenceAt := cs.claim.Subject, cs.claim.EvidenceAt
	cs.mu.Unlock()

	// The pipeline is queried without holding the claim lock
	var fetched *model.Participation
	if fetch {
		to := evidenceAt
		if to.IsZero() {
			to = e.clock.Now()
		}
		p, err := e.tasks.Participation(ctx, subject, to.Add(-e.cfg.DecayConstant), to)
		if err != nil {
			return *cs.snapshot.Load(), fmt.Errorf("participation for %s: %w", subject, err)
		}
		fetched = &p
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.claim.Status != model.StatusPending {
		return *cs.snapshot.Load(), nil
	}

	now := e.clock.Now()
	if !cs.scored {
		if fetched != nil && cs.participation == nil {
			cs.participation = fetched
		}
		if err := e.score(cs, now); err != nil {
			return *cs.snapshot.Load(), err
		}
	}
	e.startVoting(cs, now)
	err = e.commit(cs)
	return *cs.snapshot.Load(), err
}

// score computes the composite and the filter adjustments of a claim
func (e *Engine) score(cs *claimState, now time.Time) error {
	c := &cs.claim

	env := e.selection(c.ID, model.ComponentEnvironmental, now)
	soc := e.selection(c.ID, model.ComponentSocial, now)
	c.Components.Environmental = model.ComponentValue{Value: env.Value, Trust: env.Trust, Present: env.Found}
	c.Components.Social = model.ComponentValue{Value: soc.Value, Trust: soc.Trust, Present: soc.Found}

	var signals []model.Signal
	if !c.Components.Participation.Present && cs.participation != nil {
		value, sig, err := e.filter.ParticipationValue(*cs.participation)
		if err != nil {
			return e.rangeFailure(c, fmt.Errorf("%w: participation: %v", model.ErrScoreOutOfRange, err), now)
		}
		c.Components.Participation = model.ComponentValue{Value: value, Trust: fixed.One, Present: true}
		signals = append(signals, sig...)
	}

	if c.EvidenceAt.IsZero() {
		c.EvidenceAt = c.CreatedAt
		for _, sel := range []model.Selection{env, soc} {
			if sel.Found && sel.IssuedAt.After(c.EvidenceAt) {
				c.EvidenceAt = sel.IssuedAt
			}
		}
	}

	result, err := e.calculator.Calculate(score.Input{
		ClaimID:    c.ID,
		Components: c.Components,
		Weights:    c.Weights,
	})
	if err != nil {
		return e.rangeFailure(c, err, now)
	}

	adjusted, err := e.filter.Apply(filter.Subject{
		ClaimID:    c.ID,
		Subject:    c.Subject,
		Composite:  result.Composite,
		EvidenceAt: c.EvidenceAt,
	}, now)
	if err != nil {
		return e.rangeFailure(c, fmt.Errorf("%w: filter: %v", model.ErrScoreOutOfRange, err), now)
	}

	c.Composite = result.Composite
	c.Adjusted = adjusted.Adjusted
	c.Flagged = adjusted.Flagged
	c.Signals = append(append(signals, result.Signals...), adjusted.Signals...)
	c.UpdatedAt = now
	cs.scored = true

	if err := e.store.SaveHistory(c.Subject, e.history.Entries(c.Subject, now)); err != nil {
		e.logger.Error("persist score history", zap.String("subject", c.Subject), zap.Error(err))
	}

	e.logger.Info("claim scored",
		zap.String("claim_id", c.ID),
		zap.Stringer("composite", c.Composite),
		zap.Stringer("adjusted", c.Adjusted),
		zap.Bool("flagged", c.Flagged),
	)
	return nil
}

// selection picks the best attestation and audits any fallback
func (e *Engine) selection(claimID string, component model.Component, now time.Time) model.Selection {
	sel := e.gateway.Select(claimID, component, now)
	if sel.Fallback {
		msg := fmt.Sprintf("%s: best attestation expired, using %s tier", component, sel.Tier)
		if !sel.Found {
			msg = fmt.Sprintf("%s: no usable attestation, scored as zero", component)
		}
		e.Audit(model.AuditEntry{
			ClaimID: claimID,
			Kind:    model.AuditEvidenceFallback,
			Message: msg,
			Data: map[string]interface{}{
				"component": string(component),
				"tier":      sel.Tier.String(),
				"found":     sel.Found,
			},
			RecordedAt: now,
		})
	}
	return sel
}

// rangeFailure records a range error with the inputs that produced it. The
// claim stays Pending and unscored.
func (e *Engine) rangeFailure(c *model.Claim, err error, now time.Time) error {
	e.Audit(model.AuditEntry{
		ClaimID: c.ID,
		Kind:    model.AuditScoreOutOfRange,
		Message: err.Error(),
		Data: map[string]interface{}{
			"environmental":        c.Components.Environmental.Value.String(),
			"environmental_trust":  c.Components.Environmental.Trust.String(),
			"social":               c.Components.Social.Value.String(),
			"social_trust":         c.Components.Social.Trust.String(),
			"participation":        c.Components.Participation.Value.String(),
			"weight_environmental": c.Weights.Environmental.String(),
			"weight_social":        c.Weights.Social.String(),
			"weight_participation": c.Weights.Participation.String(),
		},
		RecordedAt: now,
	})
	return err
}

// startVoting opens the consensus round of a scored claim when the registry
// can satisfy it
func (e *Engine) startVoting(cs *claimState, now time.Time) bool {
	round := e.consensus.NewRound(cs.claim.Subject, e.consensus.Required(cs.claim.Flagged))
	if !e.consensus.Satisfiable(round) {
		e.logger.Info("claim waiting for validators",
			zap.String("claim_id", cs.claim.ID),
			zap.Int("required", round.Required()),
			zap.Int("eligible", len(e.consensus.Eligible(round))),
		)
		return false
	}

	status := model.StatusValidating
	if cs.claim.Flagged {
		status = model.StatusFlagged
	}
	cs.round = round
	cs.tally = e.consensus.Evaluate(round)
	e.transition(cs, status, now)

	cs.voteDeadline = now.Add(e.cfg.VoteTimeout)
	e.schedule(cs, scheduler.KindVoteTimeout, cs.voteDeadline)
	e.scheduleDecay(cs, now)
	return true
}

// ReevaluatePending starts the rounds of scored claims that were waiting for
// validators. It returns how many started.
func (e *Engine) ReevaluatePending() int {
	started := 0
	for _, id := range e.ids(func(s model.ClaimSnapshot) bool { return s.Status == model.StatusPending }) {
		cs, err := e.lookup(id)
		if err != nil {
			continue
		}
		cs.mu.Lock()
		if cs.scored && cs.claim.Status == model.StatusPending && e.startVoting(cs, e.clock.Now()) {
			started++
			if err := e.commit(cs); err != nil {
				e.logger.Error("reevaluate", zap.String("claim_id", id), zap.Error(err))
			}
		}
		cs.mu.Unlock()
	}
	return started
}

// transition moves a claim to status and bumps its generation, which
// cancels every task scheduled under the previous one
func (e *Engine) transition(cs *claimState, status model.ClaimStatus, now time.Time) {
	from := cs.claim.Status
	cs.claim.Status = status
	cs.claim.UpdatedAt = now
	cs.generation++

	e.logger.Info("claim transition",
		zap.String("claim_id", cs.claim.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.Uint64("generation", cs.generation),
	)
}

// commit publishes the claim snapshot and persists the claim record
func (e *Engine) commit(cs *claimState) error {
	cs.publish()
	if err := e.store.SaveClaim(cs.record()); err != nil {
		e.logger.Error("persist claim", zap.String("claim_id", cs.claim.ID), zap.Error(err))
		return fmt.Errorf("persist claim %s: %w", cs.claim.ID, err)
	}
	return nil
}

// release drops the evidence of a claim that will not be scored again
func (e *Engine) release(cs *claimState) {
	e.gateway.Forget(cs.claim.ID)
	if err := e.store.DeleteAttestations(cs.claim.ID); err != nil {
		e.logger.Warn("drop attestations", zap.String("claim_id", cs.claim.ID), zap.Error(err))
	}
}

func knownRole(r model.Role) bool {
	for _, role := range model.Roles {
		if role == r {
			return true
		}
	}
	return false
}
