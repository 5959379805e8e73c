package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
)

func newModule(t *testing.T, validators ...model.Validator) *Module {
	t.Helper()
	reg := NewRegistry()
	for _, v := range validators {
		require.NoError(t, reg.Register(v))
	}
	return NewModule(model.DefaultConfig(), reg, nil)
}

func independent(ids ...string) []model.Validator {
	out := make([]model.Validator, len(ids))
	for i, id := range ids {
		out[i] = model.Validator{ID: id, GroupKey: "owner-" + id, Reputation: fixed.One}
	}
	return out
}

func vote(id string, accept bool) model.Vote {
	return model.Vote{ClaimID: "claim-1", ValidatorID: id, Accept: accept}
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(model.Validator{ID: "v1"}))

	err := reg.Register(model.Validator{ID: "v1"})
	assert.ErrorIs(t, err, model.ErrDuplicateValidator)

	assert.ErrorIs(t, reg.Register(model.Validator{}), model.ErrInvalidValidator)
	assert.ErrorIs(t, reg.Register(model.Validator{ID: "v2", Reputation: fixed.FromInt(2)}), model.ErrInvalidValidator)

	require.NoError(t, reg.Register(model.Validator{ID: "v0"}))
	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "v1", all[0].ID, "registration order")
	assert.Equal(t, 2, reg.Len())
}

func TestCast_ThreeAcceptsAccepted(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3")...)
	r := m.NewRound("alice", m.Required(false))
	require.True(t, m.Satisfiable(r))

	for _, id := range []string{"v1", "v2"} {
		tally, err := m.Cast(r, vote(id, true))
		require.NoError(t, err)
		assert.Equal(t, DecisionPending, tally.Decision)
	}

	tally, err := m.Cast(r, vote("v3", true))
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, tally.Decision)
	assert.Equal(t, 3, tally.Accepts)
}

func TestCast_RelatedVotesDoNotCount(t *testing.T) {
	validators := []model.Validator{
		{ID: "v1", GroupKey: "mallory"},
		{ID: "v2", GroupKey: "mallory"},
		{ID: "v3", GroupKey: "bob"},
		{ID: "v4", GroupKey: "carol"},
	}
	m := newModule(t, validators...)
	r := m.NewRound("alice", m.Required(false))

	_, err := m.Cast(r, vote("v1", true))
	require.NoError(t, err)
	tally, err := m.Cast(r, vote("v2", true))
	require.NoError(t, err)
	assert.True(t, tally.Dropped)
	tally, err = m.Cast(r, vote("v3", false))
	require.NoError(t, err)

	assert.Equal(t, 2, tally.Counted)
	require.Len(t, tally.Excluded, 1)
	assert.Equal(t, DecisionPending, tally.Decision, "waits for more independent votes")
	assert.Equal(t, 1, tally.Remaining)
}

func TestCast_DuplicateVoteKeepsFirst(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3", "v4")...)
	r := m.NewRound("alice", 3)

	_, err := m.Cast(r, vote("v1", true))
	require.NoError(t, err)
	_, err = m.Cast(r, vote("v1", false))
	assert.ErrorIs(t, err, model.ErrDuplicateVote)

	state := r.State()
	require.Len(t, state.Votes, 1)
	assert.True(t, state.Votes[0].Accept)
}

func TestCast_UnknownAndIneligible(t *testing.T) {
	m := newModule(t, append(independent("v1", "v2", "v3"), model.Validator{ID: "v4", GroupKey: "alice"})...)
	r := m.NewRound("alice", 3, "v3")

	_, err := m.Cast(r, vote("ghost", true))
	assert.ErrorIs(t, err, model.ErrUnknownValidator)

	_, err = m.Cast(r, vote("v3", true))
	assert.ErrorIs(t, err, model.ErrIneligibleValidator, "excluded id")

	_, err = m.Cast(r, vote("v4", true))
	assert.ErrorIs(t, err, model.ErrIneligibleValidator, "related to subject")
}

func TestCast_MinimumReputation(t *testing.T) {
	reg := NewRegistry()
	for _, v := range append(independent("v1", "v2", "v3"),
		model.Validator{ID: "v4", GroupKey: "owner-v4", Reputation: fixed.MustParse("0.2")}) {
		require.NoError(t, reg.Register(v))
	}
	cfg := model.DefaultConfig()
	cfg.ValidatorMinReputation = fixed.MustParse("0.5")
	m := NewModule(cfg, reg, nil)
	r := m.NewRound("alice", 3)

	_, err := m.Cast(r, vote("v4", true))
	assert.ErrorIs(t, err, model.ErrIneligibleValidator)
	assert.Len(t, m.Eligible(r), 3)
	assert.True(t, m.Satisfiable(r))

	r = m.NewRound("alice", 3, "v1")
	assert.False(t, m.Satisfiable(r), "a low-reputation validator does not make up the minimum")
}

func TestCast_EarlyRejection(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3", "v4")...)
	r := m.NewRound("alice", 3)

	_, err := m.Cast(r, vote("v1", false))
	require.NoError(t, err)
	tally, err := m.Cast(r, vote("v2", false))
	require.NoError(t, err)

	// Best case 2/4 < 0.618
	assert.Equal(t, DecisionReject, tally.Decision)
	assert.Equal(t, "threshold unreachable", tally.Reason)
}

func TestCast_TwoOfThreeAccepts(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3")...)
	r := m.NewRound("alice", 3)

	_, err := m.Cast(r, vote("v1", true))
	require.NoError(t, err)
	_, err = m.Cast(r, vote("v2", false))
	require.NoError(t, err)
	tally, err := m.Cast(r, vote("v3", true))
	require.NoError(t, err)

	// 2/3 = 0.667 >= 0.618
	assert.Equal(t, DecisionAccept, tally.Decision)
}

func TestCast_LateVoteIsAudited(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3", "v4")...)
	r := m.NewRound("alice", 3)
	for _, id := range []string{"v1", "v2", "v3"} {
		_, err := m.Cast(r, vote(id, true))
		require.NoError(t, err)
	}
	require.Equal(t, DecisionAccept, r.Decision())

	tally, err := m.Cast(r, vote("v4", false))
	require.NoError(t, err)
	assert.True(t, tally.Late)
	assert.Equal(t, DecisionAccept, tally.Decision)
	assert.Len(t, r.State().Late, 1)
}

func TestSatisfiable_NeedsDistinctGroups(t *testing.T) {
	m := newModule(t,
		model.Validator{ID: "v1", GroupKey: "mallory"},
		model.Validator{ID: "v2", GroupKey: "mallory"},
		model.Validator{ID: "v3", GroupKey: "bob"},
	)
	r := m.NewRound("alice", 3)
	assert.False(t, m.Satisfiable(r))

	require.NoError(t, m.Registry().Register(model.Validator{ID: "v4", GroupKey: "carol"}))
	assert.True(t, m.Satisfiable(r))
}

func TestRequired_Flagged(t *testing.T) {
	m := newModule(t)
	assert.Equal(t, 3, m.Required(false))
	assert.Equal(t, 6, m.Required(true))
}

func TestTimeout_RejectsPending(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3")...)
	r := m.NewRound("alice", 3)
	_, err := m.Cast(r, vote("v1", true))
	require.NoError(t, err)

	tally := m.Timeout(r)
	assert.Equal(t, DecisionReject, tally.Decision)
	assert.Equal(t, "vote timeout", tally.Reason)

	// Decided rounds are unaffected
	assert.Equal(t, DecisionReject, m.Timeout(r).Decision)
}

func TestRestoreRound(t *testing.T) {
	m := newModule(t, independent("v1", "v2", "v3")...)
	r := m.NewRound("alice", 3, "v9")
	_, err := m.Cast(r, vote("v1", true))
	require.NoError(t, err)

	restored := RestoreRound(r.State())
	assert.True(t, restored.HasVoted("v1"))
	assert.Equal(t, r.State(), restored.State())

	_, err = m.Cast(restored, vote("v1", true))
	assert.ErrorIs(t, err, model.ErrDuplicateVote)
}

// Fewer than the minimum of distinct, non-related votes never accepts.
func TestProperty_NoAcceptanceBelowMinimum(t *testing.T) {
	validators := []model.Validator{
		{ID: "a1", GroupKey: "a"}, {ID: "a2", GroupKey: "a"}, {ID: "a3", GroupKey: "a"},
		{ID: "b1", GroupKey: "b"}, {ID: "b2", GroupKey: "b"},
		{ID: "c1", GroupKey: "c"},
	}
	m := newModule(t, validators...)

	// Every ordering of all-accept votes from groups a and b only
	orders := [][]string{
		{"a1", "a2", "a3", "b1", "b2"},
		{"b1", "a1", "b2", "a2", "a3"},
		{"a3", "b2", "a2", "b1", "a1"},
	}
	for _, order := range orders {
		r := m.NewRound("alice", 3)
		for _, id := range order {
			tally, err := m.Cast(r, vote(id, true))
			require.NoError(t, err)
			require.NotEqual(t, DecisionAccept, tally.Decision, "order %v", order)
		}
	}
}
