package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/ppiankov/pob/internal/cache"
	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/distribution"
	"github.com/ppiankov/pob/internal/distribution/mocks"
	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/pipeline"
	"github.com/ppiankov/pob/internal/store"
	"github.com/ppiankov/pob/internal/util"
)

var t0 = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, opts Options, mutate ...func(*model.Config)) (*Engine, *clock.Fake) {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Distribution.InitialBackoff = time.Millisecond
	cfg.Distribution.MaxBackoff = 2 * time.Millisecond
	cfg.Distribution.MaxRetries = 2
	for _, m := range mutate {
		m(cfg)
	}

	clk := clock.NewFake(t0)
	if opts.Clock == nil {
		opts.Clock = clk
	}
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	e, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clk
}

func noDecay(cfg *model.Config) { cfg.Filter.Decay = false }

func registerValidators(t *testing.T, e *Engine, groups ...string) {
	t.Helper()
	for i, g := range groups {
		require.NoError(t, e.RegisterValidator(model.Validator{
			ID:         fmt.Sprintf("v%d", i+1),
			GroupKey:   g,
			Reputation: fixed.MustParse("0.9"),
		}))
	}
}

func attest(t *testing.T, e *Engine, claimID string, c model.Component, value, trust string) {
	t.Helper()
	require.NoError(t, e.AttachAttestation(context.Background(), model.Attestation{
		ClaimID:   claimID,
		Component: c,
		Tier:      model.TierPrimary,
		Value:     fixed.MustParse(value),
		Trust:     fixed.MustParse(trust),
		Source:    "sensor-net/" + claimID,
		IssuedAt:  e.clock.Now(),
		ExpiresAt: e.clock.Now().Add(72 * time.Hour),
	}))
}

// submitScored submits a claim with fully trusted components producing the
// given composite under the default weights, then evaluates it
func submitScored(t *testing.T, e *Engine, id, subject, participation string) model.ClaimSnapshot {
	t.Helper()
	p := fixed.MustParse(participation)
	_, err := e.SubmitClaim(ClaimRequest{
		ID:                 id,
		Subject:            subject,
		ParticipationValue: &p,
		Recipients: map[model.Role]string{
			model.RoleCompleter: "alice",
			model.RoleVerifier:  "bob",
			model.RoleCreator:   "carol",
			model.RoleTreasury:  "river-basin",
		},
	})
	require.NoError(t, err)
	attest(t, e, id, model.ComponentEnvironmental, "1", "1")
	attest(t, e, id, model.ComponentSocial, "1", "1")
	snap, err := e.Evaluate(context.Background(), id)
	require.NoError(t, err)
	return snap
}

func vote(t *testing.T, e *Engine, claimID, validator string, accept bool) model.ClaimSnapshot {
	t.Helper()
	snap, err := e.CastVote(model.Vote{ClaimID: claimID, ValidatorID: validator, Accept: accept})
	require.NoError(t, err)
	return snap
}

func auditKinds(t *testing.T, e *Engine, claimID string) []model.AuditKind {
	t.Helper()
	entries, err := e.AuditTrail(claimID)
	require.NoError(t, err)
	kinds := make([]model.AuditKind, len(entries))
	for i, entry := range entries {
		kinds[i] = entry.Kind
	}
	return kinds
}

func TestScenario_ScoreEntersValidating(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")

	p := fixed.MustParse("0.7")
	snap, err := e.SubmitClaim(ClaimRequest{ID: "claim-1", Subject: "alice", ParticipationValue: &p})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, snap.Status)

	attest(t, e, "claim-1", model.ComponentEnvironmental, "0.8", "0.9")
	attest(t, e, "claim-1", model.ComponentSocial, "0.6", "0.85")

	snap, err = e.Evaluate(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidating, snap.Status)
	assert.Equal(t, "0.649000000", snap.Composite.String())
	assert.LessOrEqual(t, snap.Adjusted.Cmp(snap.Composite), 0)

	claim, err := e.Claim("claim-1")
	require.NoError(t, err)
	assert.NotEmpty(t, claim.Signals, "the score breakdown is kept on the claim")
}

func TestScenario_UnanimousAccept(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	vote(t, e, "claim-1", "v1", true)
	vote(t, e, "claim-1", "v2", true)
	snap := vote(t, e, "claim-1", "v3", true)

	assert.Equal(t, model.StatusAccepted, snap.Status)
	assert.Equal(t, 3, snap.AcceptVotes)
	require.NotNil(t, snap.WindowEnd)
	assert.Equal(t, clk.Now().Add(86400*time.Second), *snap.WindowEnd)
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditConsensus)
}

func TestScenario_RelatedValidatorsCannotDecide(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "owner-a", "owner-a", "owner-b", "owner-c", "owner-d")
	submitScored(t, e, "claim-1", "alice", "0.5")

	vote(t, e, "claim-1", "v1", true)
	vote(t, e, "claim-1", "v2", true)
	snap := vote(t, e, "claim-1", "v3", false)

	assert.Equal(t, model.StatusValidating, snap.Status)
	assert.Equal(t, 2, snap.CountedVotes, "one of the related votes is excluded")
	assert.Equal(t, 1, snap.AcceptVotes)
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditDiversity)
}

func TestScenario_WindowEndFinalizes(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}

	e.Advance(clk.Advance(86399 * time.Second))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, snap.Status)

	e.Advance(clk.Advance(time.Second))
	snap, err = e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)
}

func TestScenario_FinalizedClaimDistributes(t *testing.T) {
	e, clk := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	snap := submitScored(t, e, "claim-1", "alice", "0.375")
	require.Equal(t, "0.750000000", snap.Composite.String())

	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	e.Advance(clk.Advance(24 * time.Hour))

	report, err := e.Distribute(context.Background(), "claim-1")
	require.NoError(t, err)
	require.Equal(t, distribution.OutcomeDistributed, report.Outcome)

	want := map[model.Role]string{
		model.RoleCompleter:  "0.375000000",
		model.RoleVerifier:   "0.112500000",
		model.RoleCreator:    "0.075000000",
		model.RoleTreasury:   "0.112500000",
		model.RoleSharedPool: "0.075000000",
	}
	require.Len(t, report.Event.Recipients, len(want))
	for _, a := range report.Event.Recipients {
		assert.Equal(t, want[a.Role], a.Amount.String(), a.Role)
	}

	snap, err = e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDistributed, snap.Status)
	assert.Equal(t, distribution.EventID("claim-1"), snap.DistributionID)

	ev, err := e.Event("claim-1")
	require.NoError(t, err)
	assert.Equal(t, report.Event.ID, ev.ID)

	again, err := e.Distribute(context.Background(), "claim-1")
	require.NoError(t, err)
	assert.Equal(t, distribution.OutcomeNoop, again.Outcome, "distribution is idempotent")
}

func TestSubmitClaim_Validation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	_, err := e.SubmitClaim(ClaimRequest{})
	assert.ErrorIs(t, err, model.ErrInvalidClaim)

	bad := model.Weights{
		Environmental: fixed.MustParse("0.3"),
		Social:        fixed.MustParse("0.3"),
		Participation: fixed.MustParse("0.3"),
	}
	_, err = e.SubmitClaim(ClaimRequest{Subject: "alice", Weights: &bad})
	assert.ErrorIs(t, err, model.ErrInvalidWeights, "weights are never renormalised")

	_, err = e.SubmitClaim(ClaimRequest{Subject: "alice", Recipients: map[model.Role]string{"auditor": "x"}})
	assert.ErrorIs(t, err, model.ErrInvalidClaim)

	_, err = e.SubmitClaim(ClaimRequest{Subject: "alice", Participation: &model.Participation{CompletedTasks: 1, VerifiedTasks: 2}})
	assert.ErrorIs(t, err, model.ErrInvalidClaim)

	_, err = e.SubmitClaim(ClaimRequest{ID: "dup", Subject: "alice"})
	require.NoError(t, err)
	_, err = e.SubmitClaim(ClaimRequest{ID: "dup", Subject: "alice"})
	assert.ErrorIs(t, err, model.ErrInvalidClaim)

	_, err = e.ClaimStatus("missing")
	assert.ErrorIs(t, err, model.ErrClaimNotFound)
}

func TestNew_InvalidConfigIsFatal(t *testing.T) {
	cfg := model.DefaultConfig()
	cfg.Weights.Social = fixed.MustParse("0.5")
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidWeights)

	_, err = New(nil, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestEvaluate_WaitsForValidators(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2")

	snap := submitScored(t, e, "claim-1", "alice", "0.5")
	assert.Equal(t, model.StatusPending, snap.Status)
	assert.NotZero(t, snap.Composite, "the claim is scored while it waits")

	require.NoError(t, e.RegisterValidator(model.Validator{ID: "v3", GroupKey: "g3"}))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidating, snap.Status)
}

func TestEvaluate_SubjectValidatorsAreIneligible(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2")
	require.NoError(t, e.RegisterValidator(model.Validator{ID: "alice"}))

	snap := submitScored(t, e, "claim-1", "alice", "0.5")
	assert.Equal(t, model.StatusPending, snap.Status, "the subject cannot vote on its own claim")

	_, err := e.CastVote(model.Vote{ClaimID: "claim-1", ValidatorID: "v1", Accept: true})
	assert.ErrorIs(t, err, model.ErrNotValidating)
}

func TestEvaluate_ParticipationFromTaskSource(t *testing.T) {
	tasks := pipeline.NewStaticSource()
	tasks.Set(model.Participation{
		Subject:        "alice",
		CompletedTasks: 4,
		VerifiedTasks:  4,
		Contributors: []model.Contributor{
			{AgentID: "a1", Owner: "o1", Reputation: fixed.One},
			{AgentID: "a2", Owner: "o2", Reputation: fixed.One},
			{AgentID: "a3", Owner: "o3", Reputation: fixed.One},
			{AgentID: "a4", Owner: "o4", Reputation: fixed.One},
			{AgentID: "a5", Owner: "o5", Reputation: fixed.One},
		},
	})
	e, _ := newTestEngine(t, Options{Tasks: tasks}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")

	_, err := e.SubmitClaim(ClaimRequest{ID: "claim-1", Subject: "alice"})
	require.NoError(t, err)
	snap, err := e.Evaluate(context.Background(), "claim-1")
	require.NoError(t, err)

	// Only participation is present: full verification and full coverage
	assert.Equal(t, "0.400000000", snap.Composite.String())

	claim, err := e.Claim("claim-1")
	require.NoError(t, err)
	assert.False(t, claim.Components.Environmental.Present)
	assert.True(t, claim.Components.Participation.Present)
}

func TestEvaluate_ExpiredEvidenceFallsBack(t *testing.T) {
	e, clk := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	p := fixed.MustParse("0.5")
	_, err := e.SubmitClaim(ClaimRequest{ID: "claim-1", Subject: "alice", ParticipationValue: &p})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.AttachAttestation(ctx, model.Attestation{
		ClaimID: "claim-1", Component: model.ComponentEnvironmental, Tier: model.TierPrimary,
		Value: fixed.One, Trust: fixed.One, IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(time.Hour),
	}))
	require.NoError(t, e.AttachAttestation(ctx, model.Attestation{
		ClaimID: "claim-1", Component: model.ComponentEnvironmental, Tier: model.TierTertiary,
		Value: fixed.MustParse("0.5"), Trust: fixed.MustParse("0.5"), IssuedAt: clk.Now(), ExpiresAt: clk.Now().Add(48 * time.Hour),
	}))

	clk.Advance(2 * time.Hour)
	snap, err := e.Evaluate(ctx, "claim-1")
	require.NoError(t, err)
	// 0.3 × 0.5 × 0.5 + 0.4 × 0.5
	assert.Equal(t, "0.275000000", snap.Composite.String())
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditEvidenceFallback)

	err = e.AttachAttestation(ctx, model.Attestation{ClaimID: "claim-1", Component: model.ComponentSocial, Tier: model.TierPrimary, ExpiresAt: clk.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, model.ErrInvalidAttestation, "scored claims take no more evidence")
}

func TestEvaluate_HistoricalOutlierIsFlagged(t *testing.T) {
	e, _ := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3", "g4", "g5", "g6")

	for i := range 3 {
		snap := submitScored(t, e, fmt.Sprintf("low-%d", i), "alice", "0")
		assert.Equal(t, model.StatusValidating, snap.Status)
	}
	snap := submitScored(t, e, "spike", "alice", "1")
	assert.True(t, snap.Flagged)
	assert.Equal(t, model.StatusFlagged, snap.Status)

	vote(t, e, "spike", "v1", true)
	vote(t, e, "spike", "v2", true)
	snap = vote(t, e, "spike", "v3", true)
	assert.Equal(t, model.StatusFlagged, snap.Status, "flagged claims need the extra round")
	vote(t, e, "spike", "v4", true)
	vote(t, e, "spike", "v5", true)
	snap = vote(t, e, "spike", "v6", true)
	assert.Equal(t, model.StatusAccepted, snap.Status)
}

func TestCastVote_EarlyRejectAndLateVote(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	vote(t, e, "claim-1", "v1", false)
	snap := vote(t, e, "claim-1", "v2", false)
	assert.Equal(t, model.StatusRejected, snap.Status, "acceptance is no longer reachable")

	snap = vote(t, e, "claim-1", "v3", true)
	assert.Equal(t, model.StatusRejected, snap.Status)
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditLateVote)

	_, err := e.CastVote(model.Vote{ClaimID: "claim-1", ValidatorID: "v3", Accept: true})
	assert.ErrorIs(t, err, model.ErrDuplicateVote)
	_, err = e.CastVote(model.Vote{ClaimID: "claim-1", ValidatorID: "nobody", Accept: true})
	assert.ErrorIs(t, err, model.ErrUnknownValidator)
}

func TestVoteTimeoutRejects(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	vote(t, e, "claim-1", "v1", true)

	e.Advance(clk.Advance(time.Hour))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, snap.Status)

	entries, err := e.AuditTrail("claim-1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1].Message, "vote timeout")
}

func TestStaleTimerIsIgnored(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}

	// The vote timeout still fires, after the claim moved on
	e.Advance(clk.Advance(time.Hour))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, snap.Status)
}

func acceptedClaim(t *testing.T, e *Engine) {
	t.Helper()
	registerValidators(t, e, "g1", "g2", "g3", "g4", "g5", "g6")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
}

func TestChallenge_Upheld(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	acceptedClaim(t, e)

	_, err := e.OpenChallenge("claim-1", "v1", "ipfs://evidence")
	assert.ErrorIs(t, err, model.ErrChallengeNotAllowed, "voters cannot challenge")

	ch, err := e.OpenChallenge("claim-1", "v4", "ipfs://evidence")
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionPending, ch.Resolution)

	_, err = e.OpenChallenge("claim-1", "v5", "ipfs://other")
	assert.ErrorIs(t, err, model.ErrDuplicateChallenge)

	_, err = e.CastChallengeVote(ch.ID, model.Vote{ValidatorID: "v4", Accept: true})
	assert.ErrorIs(t, err, model.ErrIneligibleValidator, "the challenger does not vote")

	for _, v := range []string{"v1", "v2", "v3"} {
		ch, err = e.CastChallengeVote(ch.ID, model.Vote{ValidatorID: v, Accept: true})
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResolutionUpheld, ch.Resolution)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, snap.Status)
	assert.Equal(t, ch.ID, snap.ChallengeID)

	_, err = e.Distribute(context.Background(), "claim-1")
	assert.ErrorIs(t, err, model.ErrNotFinalized)
}

func TestChallenge_DismissedFinalizesAtWindowEnd(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	acceptedClaim(t, e)

	ch, err := e.OpenChallenge("claim-1", "v4", "ipfs://evidence")
	require.NoError(t, err)
	// Two rejections out of five eligible make upholding unreachable
	for _, v := range []string{"v1", "v2"} {
		ch, err = e.CastChallengeVote(ch.ID, model.Vote{ValidatorID: v, Accept: false})
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResolutionDismissed, ch.Resolution)

	_, err = e.CastChallengeVote(ch.ID, model.Vote{ValidatorID: "v3", Accept: false})
	assert.ErrorIs(t, err, model.ErrChallengeResolved)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, snap.Status, "dismissal waits for the window to end")

	e.Advance(clk.Advance(24 * time.Hour))
	snap, err = e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)
}

func TestChallenge_PendingAtWindowEndTimesOut(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	acceptedClaim(t, e)

	clk.Advance(23*time.Hour + 30*time.Minute)
	_, err := e.OpenChallenge("claim-1", "v4", "ipfs://evidence")
	require.NoError(t, err)

	e.Advance(clk.Advance(30 * time.Minute))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, snap.Status, "a pending challenge holds the claim")

	e.Advance(clk.Advance(30 * time.Minute))
	snap, err = e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)

	_, err = e.OpenChallenge("claim-1", "v5", "ipfs://late")
	assert.ErrorIs(t, err, model.ErrNotChallengeable)
}

func TestDistribute_BelowThresholdRecordsNoDistribution(t *testing.T) {
	e, clk := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	e.Advance(clk.Advance(24 * time.Hour))

	results := e.DistributeFinalized(context.Background())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Error)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)
	assert.True(t, snap.NoDistribution)
	assert.Empty(t, e.DistributeFinalized(context.Background()), "recorded once")
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditNoDistribution)
}

func TestDistribute_LedgerExhaustedStaysFinalized(t *testing.T) {
	ledger := mocks.NewMockLedgerForTest(t)
	ledger.EXPECT().RequestDistribution(gomock.Any(), gomock.Any()).
		Return(model.MintConfirmation{}, &util.StatusError{StatusCode: 503}).Times(3)

	e, clk := newTestEngine(t, Options{Ledger: ledger}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	e.Advance(clk.Advance(24 * time.Hour))

	_, err := e.Distribute(context.Background(), "claim-1")
	assert.ErrorIs(t, err, model.ErrLedger)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)
	assert.Contains(t, auditKinds(t, e, "claim-1"), model.AuditReconciliation)
}

func TestDistribute_BasisIsAcceptedScore(t *testing.T) {
	e, clk := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	snap := submitScored(t, e, "claim-1", "alice", "0.3")
	require.Equal(t, "0.720000000", snap.Composite.String())

	for _, v := range []string{"v1", "v2", "v3"} {
		snap = vote(t, e, "claim-1", v, true)
	}
	require.Equal(t, model.StatusAccepted, snap.Status)
	accepted := snap.Adjusted

	e.Advance(clk.Advance(24 * time.Hour))
	e.Advance(clk.Advance(7 * 24 * time.Hour))
	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFinalized, snap.Status)
	assert.Equal(t, accepted, snap.Adjusted, "decay stops once validators decide")

	report, err := e.Distribute(context.Background(), "claim-1")
	require.NoError(t, err)
	require.Equal(t, distribution.OutcomeDistributed, report.Outcome)
	assert.Equal(t, "0.720000000", report.Event.Basis.String())
}

func TestDistribute_StoreFailureKeepsFinalized(t *testing.T) {
	st, err := store.Open("")
	require.NoError(t, err)

	e, clk := newTestEngine(t, Options{Store: st}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	e.Advance(clk.Advance(24 * time.Hour))
	require.NoError(t, st.Close())

	_, err = e.Distribute(context.Background(), "claim-1")
	assert.ErrorIs(t, err, store.ErrClosed)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinalized, snap.Status)
	assert.Empty(t, snap.DistributionID)
}

func TestDistributeFile(t *testing.T) {
	e, clk := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	e.Advance(clk.Advance(24 * time.Hour))

	path := filepath.Join(t.TempDir(), "ids.txt")
	require.NoError(t, os.WriteFile(path, []byte("# pending ledger\nclaim-1\nclaim-1\nmissing\n"), 0o600))

	results, err := e.DistributeFile(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]error)
	for _, r := range results {
		byID[r.ClaimID] = r.Error
	}
	assert.NoError(t, byID["claim-1"])
	assert.ErrorIs(t, byID["missing"], model.ErrClaimNotFound)

	snap, err := e.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusDistributed, snap.Status)

	_, err = e.DistributeFile(context.Background(), filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}

func TestSubmitVote_Async(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	for _, v := range []string{"v1", "v2", "v3", "v3"} {
		require.NoError(t, e.SubmitVote(model.Vote{ClaimID: "claim-1", ValidatorID: v, Accept: true}))
	}
	assert.Eventually(t, func() bool {
		snap, err := e.ClaimStatus("claim-1")
		return err == nil && snap.Status == model.StatusAccepted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_DeliversTimersAndDistributes(t *testing.T) {
	clk := clock.System{}
	e, _ := newTestEngine(t, Options{Clock: clk}, noDecay, func(cfg *model.Config) {
		cfg.ChallengeWindowDuration = 50 * time.Millisecond
		cfg.Distribution.SweepInterval = time.Hour
	})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.Run(ctx) }()

	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	assert.Eventually(t, func() bool {
		snap, err := e.ClaimStatus("claim-1")
		return err == nil && snap.Status == model.StatusDistributed
	}, 3*time.Second, 10*time.Millisecond, "finalization wakes the distribution sweep")

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

func TestRestoreFromStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pob")
	st, err := store.Open(path)
	require.NoError(t, err)

	e, clk := newTestEngine(t, Options{Store: st})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")
	vote(t, e, "claim-1", "v1", true)
	require.NoError(t, e.Close())
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	restored, err := New(e.Config(), Options{Store: st, Clock: clk, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer restored.Close() //nolint:errcheck

	snap, err := restored.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidating, snap.Status)
	assert.Equal(t, 1, snap.AcceptVotes)
	assert.Len(t, restored.ValidatorIDs(), 3)

	vote(t, restored, "claim-1", "v2", true)
	snap = vote(t, restored, "claim-1", "v3", true)
	assert.Equal(t, model.StatusAccepted, snap.Status)

	// The restored vote timeout is stale after acceptance
	restored.Advance(clk.Advance(time.Hour))
	snap, err = restored.ClaimStatus("claim-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, snap.Status)
}

func TestAuditTrail_Cached(t *testing.T) {
	c := cache.New(true, time.Minute, time.Minute)
	e, _ := newTestEngine(t, Options{Cache: c})
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	first := auditKinds(t, e, "claim-1")
	vote(t, e, "claim-1", "v1", false)
	vote(t, e, "claim-1", "v2", false)
	second := auditKinds(t, e, "claim-1")
	assert.Len(t, second, len(first)+1, "new entries invalidate the cached trail")

	_, err := e.AuditTrail("missing")
	assert.ErrorIs(t, err, model.ErrClaimNotFound)
}

// Composite stays in [0,1] and is identical across engines for any inputs
func TestProperty_CompositeInUnitAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	point := func() string { return fixed.Point(rng.Int64N(int64(fixed.One) + 1)).String() }

	a, _ := newTestEngine(t, Options{}, noDecay)
	b, _ := newTestEngine(t, Options{}, noDecay)
	for i := range 200 {
		id := fmt.Sprintf("claim-%d", i)
		env, envTrust, soc, socTrust := point(), point(), point(), point()
		p := fixed.MustParse(point())

		var composites []fixed.Point
		for _, e := range []*Engine{a, b} {
			_, err := e.SubmitClaim(ClaimRequest{ID: id, Subject: fmt.Sprintf("s-%d", i), ParticipationValue: &p})
			require.NoError(t, err)
			attest(t, e, id, model.ComponentEnvironmental, env, envTrust)
			attest(t, e, id, model.ComponentSocial, soc, socTrust)
			snap, err := e.Evaluate(context.Background(), id)
			require.NoError(t, err)
			require.True(t, snap.Composite.InUnit(), snap.Composite.String())
			composites = append(composites, snap.Composite)
		}
		require.Equal(t, composites[0], composites[1])
	}
}

// No claim reaches distribution without acceptance and a closed window
func TestProperty_NoDistributionBeforeFinalization(t *testing.T) {
	e, clk := newTestEngine(t, Options{}, noDecay)
	registerValidators(t, e, "g1", "g2", "g3")
	submitScored(t, e, "claim-1", "alice", "0.5")

	check := func() {
		_, err := e.Distribute(context.Background(), "claim-1")
		require.True(t, errors.Is(err, model.ErrNotFinalized), "got %v", err)
	}
	check()
	for _, v := range []string{"v1", "v2", "v3"} {
		vote(t, e, "claim-1", v, true)
	}
	check()
	e.Advance(clk.Advance(12 * time.Hour))
	check()
}
