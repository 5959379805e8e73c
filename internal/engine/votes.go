package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/scheduler"
	"github.com/ppiankov/pob/internal/worker"
)

// RegisterValidator adds a validator to the registry and starts any claim
// that was waiting for enough independent validators
func (e *Engine) RegisterValidator(v model.Validator) error {
	if err := e.registry.Register(v); err != nil {
		return err
	}
	if err := e.store.SaveValidator(v); err != nil {
		return fmt.Errorf("persist validator %s: %w", v.ID, err)
	}
	e.logger.Info("validator registered",
		zap.String("validator_id", v.ID),
		zap.String("group_key", v.GroupKey),
	)
	e.ReevaluatePending()
	return nil
}

// Validators returns registered validators in registration order
func (e *Engine) Validators() []model.Validator {
	return e.registry.All()
}

// CastVote records a validator vote on a claim and applies the decision it
// produces. A vote after the decision is kept for audit only.
func (e *Engine) CastVote(v model.Vote) (model.ClaimSnapshot, error) {
	cs, err := e.lookup(v.ClaimID)
	if err != nil {
		return model.ClaimSnapshot{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.round == nil {
		return *cs.snapshot.Load(), fmt.Errorf("%w: %s is %s", model.ErrNotValidating, v.ClaimID, cs.claim.Status)
	}

	now := e.clock.Now()
	if v.CastAt.IsZero() {
		v.CastAt = now
	}
	tally, err := e.consensus.Cast(cs.round, v)
	if err != nil {
		return *cs.snapshot.Load(), err
	}

	if tally.Late {
		e.Audit(model.AuditEntry{
			ClaimID: v.ClaimID,
			Kind:    model.AuditLateVote,
			Message: fmt.Sprintf("vote from %s after %s decision", v.ValidatorID, tally.Decision),
			Data: map[string]interface{}{
				"validator_id": v.ValidatorID,
				"accept":       v.Accept,
				"decision":     string(tally.Decision),
			},
			RecordedAt: now,
		})
		err := e.commit(cs)
		return *cs.snapshot.Load(), err
	}

	cs.tally = tally
	if tally.Dropped {
		e.auditDiversity(v, tally, now)
	}
	if tally.Decision != consensus.DecisionPending && cs.claim.Status.Voting() {
		e.decide(cs, tally, now)
	}
	err = e.commit(cs)
	return *cs.snapshot.Load(), err
}

func (e *Engine) auditDiversity(v model.Vote, tally consensus.Tally, now time.Time) {
	excluded := make([]string, 0, len(tally.Excluded))
	for _, ex := range tally.Excluded {
		excluded = append(excluded, ex.ValidatorID)
	}
	e.Audit(model.AuditEntry{
		ClaimID: v.ClaimID,
		Kind:    model.AuditDiversity,
		Message: fmt.Sprintf("vote from %s exceeds max_related for its owner group", v.ValidatorID),
		Data: map[string]interface{}{
			"validator_id": v.ValidatorID,
			"excluded":     excluded,
			"max_related":  e.cfg.MaxRelated,
		},
		RecordedAt: now,
	})
}

// decide applies a round decision to a voting claim
func (e *Engine) decide(cs *claimState, tally consensus.Tally, now time.Time) {
	switch tally.Decision {
	case consensus.DecisionAccept:
		e.transition(cs, model.StatusAccepted, now)
		cs.window = e.challenges.Open(cs.claim.ID, cs.claim.Subject, cs.round.Voters(), now)
		e.schedule(cs, scheduler.KindWindowEnd, cs.window.End)
	case consensus.DecisionReject:
		e.transition(cs, model.StatusRejected, now)
		e.release(cs)
	default:
		return
	}

	e.Audit(model.AuditEntry{
		ClaimID: cs.claim.ID,
		Kind:    model.AuditConsensus,
		Message: fmt.Sprintf("claim %s: %s", tally.Decision, tally.Reason),
		Data: map[string]interface{}{
			"accepts":   tally.Accepts,
			"rejects":   tally.Rejects,
			"counted":   tally.Counted,
			"required":  cs.round.Required(),
			"threshold": e.cfg.ConsensusThreshold.String(),
		},
		RecordedAt: now,
	})
}

// SubmitVote queues a vote for asynchronous ingestion without blocking; a
// full queue returns worker.ErrQueueFull. Failures are logged, use CastVote
// to observe them.
func (e *Engine) SubmitVote(v model.Vote) error {
	return e.votes.TrySubmit(&voteJob{engine: e, vote: v})
}

// QueuedVotes is the number of asynchronous votes not yet applied
func (e *Engine) QueuedVotes() int {
	return e.votes.Queued()
}

type voteJob struct {
	engine *Engine
	vote   model.Vote
}

func (j *voteJob) Execute(_ context.Context) worker.Result {
	_, err := j.engine.CastVote(j.vote)
	return &voteResult{vote: j.vote, err: err}
}

type voteResult struct {
	vote model.Vote
	err  error
}

func (r *voteResult) GetError() error { return r.err }

// drainVotes consumes vote results until the pool shuts down
func (e *Engine) drainVotes() {
	for res := range e.votes.Results() {
		r, ok := res.(*voteResult)
		if !ok || r.err == nil {
			continue
		}
		e.logger.Warn("vote rejected",
			zap.String("claim_id", r.vote.ClaimID),
			zap.String("validator_id", r.vote.ValidatorID),
			zap.String("kind", string(model.KindOf(r.err))),
			zap.Error(r.err),
		)
	}
}
