package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/scheduler"
)

// handle runs one fired task under the claim lock. A task scheduled under an
// older generation lost the race against a transition and does nothing.
// Decay tasks survive transitions and stop on their own.
func (e *Engine) handle(task scheduler.Task, now time.Time) {
	cs, err := e.lookup(task.ClaimID)
	if err != nil {
		e.logger.Warn("task for unknown claim", zap.String("claim_id", task.ClaimID), zap.String("kind", string(task.Kind)))
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if task.Kind == scheduler.KindDecay {
		e.decay(cs, now)
		return
	}
	if task.Generation != cs.generation {
		e.logger.Debug("stale task ignored",
			zap.String("claim_id", task.ClaimID),
			zap.String("kind", string(task.Kind)),
			zap.Uint64("task_generation", task.Generation),
			zap.Uint64("generation", cs.generation),
		)
		return
	}

	switch task.Kind {
	case scheduler.KindVoteTimeout:
		if !cs.claim.Status.Voting() || cs.round == nil {
			return
		}
		cs.tally = e.consensus.Timeout(cs.round)
		e.decide(cs, cs.tally, now)

	case scheduler.KindWindowEnd:
		if cs.claim.Status != model.StatusAccepted || cs.window == nil {
			return
		}
		if !e.challenges.Expire(cs.window, now) {
			// A pending challenge holds the claim until it resolves
			return
		}
		e.finalize(cs, now)

	case scheduler.KindChallengeTimeout:
		if cs.claim.Status != model.StatusAccepted || cs.window == nil {
			return
		}
		res := e.challenges.Timeout(cs.window, now)
		if res.Resolution == "" {
			return
		}
		e.resolve(cs, res, now)

	default:
		return
	}

	if err := e.commit(cs); err != nil {
		e.logger.Error("task commit failed", zap.String("claim_id", task.ClaimID), zap.Error(err))
	}
}

// decaying reports whether the adjusted score of a claim is still open. Once
// validators decide, the score they accepted is the one the bridge mints.
func decaying(c model.Claim) bool {
	return c.Status == model.StatusValidating || c.Status == model.StatusFlagged
}

// scheduleDecay arms the next decay recomputation of an open claim
func (e *Engine) scheduleDecay(cs *claimState, from time.Time) {
	if !e.cfg.Filter.Decay || e.cfg.DecayInterval <= 0 || !decaying(cs.claim) {
		return
	}
	e.schedule(cs, scheduler.KindDecay, from.Add(e.cfg.DecayInterval))
}

// decay recomputes the adjusted score from the composite and evidence age.
// The historical flag is not recomputed.
func (e *Engine) decay(cs *claimState, now time.Time) {
	if !decaying(cs.claim) {
		return
	}
	defer e.scheduleDecay(cs, now)

	adjusted, _, err := e.filter.Decay(cs.claim.Composite, cs.claim.EvidenceAt, now)
	if err != nil {
		e.logger.Error("decay recompute failed", zap.String("claim_id", cs.claim.ID), zap.Error(err))
		return
	}
	if adjusted == cs.claim.Adjusted {
		return
	}
	cs.claim.Adjusted = adjusted
	cs.claim.UpdatedAt = now
	if err := e.commit(cs); err != nil {
		e.logger.Error("decay commit failed", zap.String("claim_id", cs.claim.ID), zap.Error(err))
	}
}

// restoreTimers re-arms a restored claim. A voting round that the current
// registry already decides is applied straight away.
func (e *Engine) restoreTimers(cs *claimState, now time.Time) {
	if cs.round != nil {
		cs.tally = e.consensus.Evaluate(cs.round)
	}

	switch status := cs.claim.Status; {
	case status.Voting() && cs.tally.Decision != consensus.DecisionPending:
		e.decide(cs, cs.tally, now)
		if err := e.commit(cs); err != nil {
			e.logger.Error("restore commit failed", zap.String("claim_id", cs.claim.ID), zap.Error(err))
		}
	case status.Voting():
		e.schedule(cs, scheduler.KindVoteTimeout, cs.voteDeadline)
	case status == model.StatusAccepted && cs.window != nil:
		e.schedule(cs, scheduler.KindWindowEnd, cs.window.End)
		if ch := cs.window.Challenge; ch != nil && ch.Resolution == model.ResolutionPending {
			e.schedule(cs, scheduler.KindChallengeTimeout, e.challenges.ResolutionDeadline(cs.window))
		}
	}
	e.scheduleDecay(cs, now)
}
