package challenge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/model"
)

var accepted = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T, validators ...model.Validator) *Manager {
	t.Helper()
	cfg := model.DefaultConfig()
	reg := consensus.NewRegistry()
	for _, v := range validators {
		require.NoError(t, reg.Register(v))
	}
	return NewManager(cfg, consensus.NewModule(cfg, reg, nil), nil)
}

func validators(ids ...string) []model.Validator {
	out := make([]model.Validator, len(ids))
	for i, id := range ids {
		out[i] = model.Validator{ID: id, GroupKey: "group-" + id}
	}
	return out
}

func TestOpen_WindowEnd(t *testing.T) {
	m := newManager(t)
	w := m.Open("claim-1", "alice", []string{"v1"}, accepted)
	assert.Equal(t, accepted.Add(86400*time.Second), w.End)
	assert.Equal(t, model.WindowOpen, w.State)
}

func TestExpire_NoChallengeFinalizes(t *testing.T) {
	m := newManager(t)
	w := m.Open("claim-1", "alice", nil, accepted)

	assert.False(t, m.Expire(w, accepted.Add(time.Hour)))
	assert.True(t, m.Expire(w, w.End))
	assert.Equal(t, model.WindowNoChallenge, w.State)
	assert.True(t, w.Finalizable(w.End))
}

func TestChallenge_Boundary(t *testing.T) {
	m := newManager(t, validators("v1", "v2", "v3", "v4", "v5")...)
	w := m.Open("claim-1", "alice", []string{"v1", "v2", "v3"}, accepted)
	now := accepted.Add(time.Hour)

	_, _, err := m.Challenge(w, "alice", "ipfs://x", now)
	assert.ErrorIs(t, err, model.ErrChallengeNotAllowed, "subject")

	_, _, err = m.Challenge(w, "v2", "ipfs://x", now)
	assert.ErrorIs(t, err, model.ErrChallengeNotAllowed, "voter")

	_, _, err = m.Challenge(w, "eve", "", now)
	assert.ErrorIs(t, err, model.ErrChallengeNotAllowed, "missing evidence")

	_, _, err = m.Challenge(w, "eve", "ipfs://x", w.End)
	assert.ErrorIs(t, err, model.ErrWindowClosed)
	assert.Equal(t, model.KindChallenge, model.KindOf(err))

	c, res, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, model.ResolutionPending, res.Resolution)

	_, _, err = m.Challenge(w, "frank", "ipfs://y", now)
	assert.ErrorIs(t, err, model.ErrDuplicateChallenge)
}

func TestVote_Upheld(t *testing.T) {
	m := newManager(t, validators("v1", "v2", "v3", "v4")...)
	w := m.Open("claim-1", "alice", []string{"v1"}, accepted)
	now := accepted.Add(time.Hour)

	_, _, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)

	var res Result
	for _, id := range []string{"v2", "v3", "v4"} {
		res, err = m.Vote(w, model.Vote{ValidatorID: id, Accept: true}, now)
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResolutionUpheld, res.Resolution)
	assert.Equal(t, model.WindowUpheld, w.State)
	assert.NotNil(t, w.Challenge.ResolvedAt)
	assert.Len(t, w.Challenge.Votes, 3)

	_, err = m.Vote(w, model.Vote{ValidatorID: "v1", Accept: true}, now)
	assert.ErrorIs(t, err, model.ErrChallengeResolved)

	assert.False(t, m.Expire(w, w.End), "upheld claims never finalize")
}

func TestVote_RelatedValidatorsExcluded(t *testing.T) {
	vs := append(validators("v1", "v2", "v3"), model.Validator{ID: "v9", GroupKey: "alice"})
	m := newManager(t, vs...)
	w := m.Open("claim-1", "alice", nil, accepted)
	now := accepted.Add(time.Hour)

	_, _, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)

	_, err = m.Vote(w, model.Vote{ValidatorID: "v9", Accept: false}, now)
	assert.ErrorIs(t, err, model.ErrIneligibleValidator)
}

func TestChallenge_DismissedWhenNoQuorum(t *testing.T) {
	m := newManager(t, validators("v1", "v2")...)
	w := m.Open("claim-1", "alice", nil, accepted)
	now := accepted.Add(time.Hour)

	_, res, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionDismissed, res.Resolution)

	// Dismissed before window end: finalizes at window end, not earlier
	assert.False(t, w.Finalizable(now))
	assert.True(t, m.Expire(w, w.End))
}

func TestVote_DismissedEarly(t *testing.T) {
	m := newManager(t, validators("v1", "v2", "v3", "v4")...)
	w := m.Open("claim-1", "alice", nil, accepted)
	now := accepted.Add(time.Hour)

	_, _, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)

	_, err = m.Vote(w, model.Vote{ValidatorID: "v1", Accept: false}, now)
	require.NoError(t, err)
	res, err := m.Vote(w, model.Vote{ValidatorID: "v2", Accept: false}, now)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionDismissed, res.Resolution)
	require.NotNil(t, w.DismissedAt)
}

func TestTimeout_Dismisses(t *testing.T) {
	m := newManager(t, validators("v1", "v2", "v3")...)
	w := m.Open("claim-1", "alice", nil, accepted)
	opened := w.End.Add(-time.Minute)

	_, _, err := m.Challenge(w, "eve", "ipfs://x", opened)
	require.NoError(t, err)
	assert.False(t, m.Expire(w, w.End), "pending challenge holds the window")

	deadline := m.ResolutionDeadline(w)
	assert.Equal(t, opened.Add(time.Hour), deadline)

	res := m.Timeout(w, deadline)
	assert.Equal(t, model.ResolutionDismissed, res.Resolution)
	assert.True(t, w.Finalizable(deadline), "dismissed after window end finalizes immediately")
}

func TestRecordRestore(t *testing.T) {
	m := newManager(t, validators("v1", "v2", "v3", "v4")...)
	w := m.Open("claim-1", "alice", []string{"v1"}, accepted)
	now := accepted.Add(time.Hour)
	_, _, err := m.Challenge(w, "eve", "ipfs://x", now)
	require.NoError(t, err)
	_, err = m.Vote(w, model.Vote{ValidatorID: "v2", Accept: true}, now)
	require.NoError(t, err)

	restored := Restore(w.Record())
	_, err = m.Vote(restored, model.Vote{ValidatorID: "v2", Accept: true}, now)
	assert.ErrorIs(t, err, model.ErrDuplicateVote)

	res, err := m.Vote(restored, model.Vote{ValidatorID: "v3", Accept: true}, now)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionPending, res.Resolution)
}
