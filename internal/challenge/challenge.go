// Package challenge manages the dispute window that follows acceptance.
// One challenge per claim; it is resolved by a fresh vote among validators
// unrelated to the claim subject.
package challenge

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/model"
)

// Manager opens and resolves challenge windows
type Manager struct {
	cfg       *model.Config
	consensus *consensus.Module
	logger    *zap.Logger
}

// NewManager creates a challenge manager sharing the consensus module's
// registry, threshold and diversity rule
func NewManager(cfg *model.Config, module *consensus.Module, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{cfg: cfg, consensus: module, logger: logger}
}

// Window is the challenge state of one accepted claim. It is guarded by the
// claim lock.
type Window struct {
	ClaimID     string
	Subject     string
	Voters      []string
	OpenedAt    time.Time
	End         time.Time
	State       model.WindowState
	Challenge   *model.Challenge
	DismissedAt *time.Time

	round *consensus.Round
}

// Record is the persisted form of a window
type Record struct {
	ClaimID     string                `json:"claim_id"`
	Subject     string                `json:"subject"`
	Voters      []string              `json:"voters,omitempty"`
	OpenedAt    time.Time             `json:"opened_at"`
	End         time.Time             `json:"end"`
	State       model.WindowState     `json:"state"`
	Challenge   *model.Challenge      `json:"challenge,omitempty"`
	DismissedAt *time.Time            `json:"dismissed_at,omitempty"`
	Round       *consensus.RoundState `json:"round,omitempty"`
}

// Open starts the window of a claim accepted at acceptedAt. Voters are the
// validators that took part in the claim decision.
func (m *Manager) Open(claimID, subject string, voters []string, acceptedAt time.Time) *Window {
	return &Window{
		ClaimID:  claimID,
		Subject:  subject,
		Voters:   append([]string(nil), voters...),
		OpenedAt: acceptedAt,
		End:      acceptedAt.Add(m.cfg.ChallengeWindowDuration),
		State:    model.WindowOpen,
	}
}

// Result is the outcome of a challenge operation
type Result struct {
	Resolution model.ChallengeResolution
	Tally      consensus.Tally
}

// Challenge opens the single challenge of a window. The challenger must be
// neither the subject nor one of the claim's voters, and must provide an
// evidence reference before the window ends.
func (m *Manager) Challenge(w *Window, challenger, evidenceRef string, now time.Time) (*model.Challenge, Result, error) {
	if w.Challenge != nil {
		return nil, Result{}, fmt.Errorf("%w: %s", model.ErrDuplicateChallenge, w.ClaimID)
	}
	if w.State != model.WindowOpen || !now.Before(w.End) {
		return nil, Result{}, fmt.Errorf("%w: ended %s", model.ErrWindowClosed, w.End.Format(time.RFC3339))
	}
	if challenger == "" || challenger == w.Subject || slices.Contains(w.Voters, challenger) {
		return nil, Result{}, fmt.Errorf("%w: %q", model.ErrChallengeNotAllowed, challenger)
	}
	if evidenceRef == "" {
		return nil, Result{}, fmt.Errorf("%w: evidence reference required", model.ErrChallengeNotAllowed)
	}

	w.Challenge = &model.Challenge{
		ID:          uuid.NewString(),
		ClaimID:     w.ClaimID,
		Challenger:  challenger,
		EvidenceRef: evidenceRef,
		OpenedAt:    now,
		WindowEnd:   w.End,
		Resolution:  model.ResolutionPending,
	}
	w.round = m.consensus.NewRound(w.Subject, m.cfg.MinValidators, challenger)

	m.logger.Info("challenge opened",
		zap.String("claim_id", w.ClaimID),
		zap.String("challenge_id", w.Challenge.ID),
		zap.String("challenger", challenger),
	)

	// Dismissed straight away when no unrelated quorum exists
	tally := m.consensus.Evaluate(w.round)
	return w.Challenge, m.apply(w, tally, now), nil
}

// Vote records a resolution vote; accept means uphold the challenge.
func (m *Manager) Vote(w *Window, v model.Vote, now time.Time) (Result, error) {
	if w.Challenge == nil {
		return Result{}, fmt.Errorf("%w: claim %s", model.ErrChallengeNotFound, w.ClaimID)
	}
	if w.Challenge.Resolution != model.ResolutionPending {
		return Result{}, fmt.Errorf("%w: %s", model.ErrChallengeResolved, w.Challenge.Resolution)
	}

	v.ClaimID = w.ClaimID
	tally, err := m.consensus.Cast(w.round, v)
	if err != nil {
		return Result{}, err
	}
	return m.apply(w, tally, now), nil
}

// Timeout dismisses a challenge still pending when its resolution period
// ends.
func (m *Manager) Timeout(w *Window, now time.Time) Result {
	if w.Challenge == nil || w.Challenge.Resolution != model.ResolutionPending {
		return Result{}
	}
	return m.apply(w, m.consensus.Timeout(w.round), now)
}

// ResolutionDeadline is when a pending challenge is dismissed by timeout
func (m *Manager) ResolutionDeadline(w *Window) time.Time {
	if w.Challenge == nil {
		return time.Time{}
	}
	return w.Challenge.OpenedAt.Add(m.cfg.VoteTimeout)
}

// Expire handles the end of the window and reports whether the claim can be
// finalized. Without a challenge the window closes clean; a dismissed
// challenge finalizes at the later of dismissal and window end; a pending
// challenge holds the claim until it resolves.
func (m *Manager) Expire(w *Window, now time.Time) bool {
	if now.Before(w.End) {
		return false
	}
	switch w.State {
	case model.WindowOpen:
		if w.Challenge == nil {
			w.State = model.WindowNoChallenge
			return true
		}
		return false
	case model.WindowNoChallenge, model.WindowDismissed:
		return true
	default:
		return false
	}
}

// Finalizable reports whether the claim may be finalized at now
func (w *Window) Finalizable(now time.Time) bool {
	switch w.State {
	case model.WindowNoChallenge:
		return true
	case model.WindowDismissed:
		return !now.Before(w.End)
	default:
		return false
	}
}

func (m *Manager) apply(w *Window, tally consensus.Tally, now time.Time) Result {
	w.Challenge.Votes = w.round.State().Votes

	switch tally.Decision {
	case consensus.DecisionAccept:
		w.Challenge.Resolution = model.ResolutionUpheld
		w.State = model.WindowUpheld
	case consensus.DecisionReject:
		w.Challenge.Resolution = model.ResolutionDismissed
		w.State = model.WindowDismissed
		resolved := now
		w.DismissedAt = &resolved
	default:
		return Result{Resolution: model.ResolutionPending, Tally: tally}
	}

	resolved := now
	w.Challenge.ResolvedAt = &resolved
	m.logger.Info("challenge resolved",
		zap.String("claim_id", w.ClaimID),
		zap.String("challenge_id", w.Challenge.ID),
		zap.String("resolution", string(w.Challenge.Resolution)),
		zap.String("reason", tally.Reason),
	)
	return Result{Resolution: w.Challenge.Resolution, Tally: tally}
}

// Record returns the persisted form of the window
func (w *Window) Record() Record {
	rec := Record{
		ClaimID:     w.ClaimID,
		Subject:     w.Subject,
		Voters:      w.Voters,
		OpenedAt:    w.OpenedAt,
		End:         w.End,
		State:       w.State,
		Challenge:   w.Challenge,
		DismissedAt: w.DismissedAt,
	}
	if w.round != nil {
		state := w.round.State()
		rec.Round = &state
	}
	return rec
}

// Restore rebuilds a window from its persisted form
func Restore(rec Record) *Window {
	w := &Window{
		ClaimID:     rec.ClaimID,
		Subject:     rec.Subject,
		Voters:      rec.Voters,
		OpenedAt:    rec.OpenedAt,
		End:         rec.End,
		State:       rec.State,
		Challenge:   rec.Challenge,
		DismissedAt: rec.DismissedAt,
	}
	if rec.Round != nil {
		w.round = consensus.RestoreRound(*rec.Round)
	}
	return w
}
