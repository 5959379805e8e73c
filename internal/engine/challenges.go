package engine

import (
	"fmt"
	"time"

	"github.com/ppiankov/pob/internal/challenge"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/scheduler"
)

// OpenChallenge disputes an accepted claim inside its window
func (e *Engine) OpenChallenge(claimID, challenger, evidenceRef string) (model.Challenge, error) {
	cs, err := e.lookup(claimID)
	if err != nil {
		return model.Challenge{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.claim.Status != model.StatusAccepted || cs.window == nil {
		return model.Challenge{}, fmt.Errorf("%w: %s is %s", model.ErrNotChallengeable, claimID, cs.claim.Status)
	}

	now := e.clock.Now()
	ch, res, err := e.challenges.Challenge(cs.window, challenger, evidenceRef, now)
	if err != nil {
		return model.Challenge{}, err
	}

	e.mu.Lock()
	e.challenged[ch.ID] = claimID
	e.mu.Unlock()

	e.Audit(model.AuditEntry{
		ClaimID: claimID,
		Kind:    model.AuditChallenge,
		Message: fmt.Sprintf("challenge opened by %s", challenger),
		Data: map[string]interface{}{
			"challenge_id": ch.ID,
			"evidence_ref": evidenceRef,
			"window_end":   cs.window.End,
		},
		RecordedAt: now,
	})
	e.schedule(cs, scheduler.KindChallengeTimeout, e.challenges.ResolutionDeadline(cs.window))
	e.resolve(cs, res, now)

	err = e.commit(cs)
	return *cs.window.Challenge, err
}

// CastChallengeVote records a resolution vote; accept means uphold
func (e *Engine) CastChallengeVote(challengeID string, v model.Vote) (model.Challenge, error) {
	cs, err := e.challengeClaim(challengeID)
	if err != nil {
		return model.Challenge{}, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := e.clock.Now()
	if v.CastAt.IsZero() {
		v.CastAt = now
	}
	res, err := e.challenges.Vote(cs.window, v, now)
	if err != nil {
		return *cs.window.Challenge, err
	}
	e.resolve(cs, res, now)

	err = e.commit(cs)
	return *cs.window.Challenge, err
}

// Challenge returns a challenge by id
func (e *Engine) Challenge(challengeID string) (model.Challenge, error) {
	cs, err := e.challengeClaim(challengeID)
	if err != nil {
		return model.Challenge{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return *cs.window.Challenge, nil
}

func (e *Engine) challengeClaim(challengeID string) (*claimState, error) {
	e.mu.RLock()
	claimID, ok := e.challenged[challengeID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrChallengeNotFound, challengeID)
	}
	return e.lookup(claimID)
}

// resolve applies a challenge outcome. An upheld challenge rejects the
// claim; a dismissed one finalizes it once the window has ended.
func (e *Engine) resolve(cs *claimState, res challenge.Result, now time.Time) {
	switch res.Resolution {
	case model.ResolutionUpheld:
		e.transition(cs, model.StatusRejected, now)
		e.release(cs)
	case model.ResolutionDismissed:
		if cs.window.Finalizable(now) {
			e.finalize(cs, now)
		}
	default:
		return
	}

	e.Audit(model.AuditEntry{
		ClaimID: cs.claim.ID,
		Kind:    model.AuditChallenge,
		Message: fmt.Sprintf("challenge %s: %s", res.Resolution, res.Tally.Reason),
		Data: map[string]interface{}{
			"challenge_id": cs.window.Challenge.ID,
			"accepts":      res.Tally.Accepts,
			"rejects":      res.Tally.Rejects,
			"counted":      res.Tally.Counted,
		},
		RecordedAt: now,
	})
}

// finalize closes a claim whose window ended without a successful challenge
func (e *Engine) finalize(cs *claimState, now time.Time) {
	e.transition(cs, model.StatusFinalized, now)
	e.notifyFinalized()
}
