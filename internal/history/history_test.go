package history

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/pob/internal/fixed"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStore_Observe(t *testing.T) {
	s := NewStore(3, 24*time.Hour)

	cmp, err := s.Observe("alice", Entry{Score: fixed.MustParse("0.5"), At: t0})
	require.NoError(t, err)
	assert.Equal(t, 0, cmp.Count)

	_, err = s.Observe("alice", Entry{Score: fixed.MustParse("0.7"), At: t0.Add(time.Minute)})
	require.NoError(t, err)

	cmp, err = s.Observe("alice", Entry{Score: fixed.MustParse("0.9"), At: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 2, cmp.Count)
	assert.Equal(t, fixed.MustParse("0.6"), cmp.Mean)
	assert.Equal(t, fixed.MustParse("0.3"), cmp.Delta)

	// Other subjects are independent
	cmp, err = s.Observe("bob", Entry{Score: fixed.One, At: t0})
	require.NoError(t, err)
	assert.Equal(t, 0, cmp.Count)
}

func TestStore_BoundedWindow(t *testing.T) {
	s := NewStore(3, 0)
	for i := 1; i <= 5; i++ {
		_, err := s.Observe("alice", Entry{ClaimID: fmt.Sprint(i), Score: fixed.FromInt(0), At: t0})
		require.NoError(t, err)
	}

	entries := s.Entries("alice", t0)
	require.Len(t, entries, 3)
	assert.Equal(t, "3", entries[0].ClaimID)
	assert.Equal(t, "5", entries[2].ClaimID)
}

func TestStore_EvictsOldEntries(t *testing.T) {
	s := NewStore(3, time.Hour)
	_, err := s.Observe("alice", Entry{Score: fixed.One, At: t0})
	require.NoError(t, err)

	cmp, err := s.Observe("alice", Entry{Score: fixed.Zero, At: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, cmp.Count, "entry older than max age must not count")
}

func TestStore_ConcurrentObserve(t *testing.T) {
	s := NewStore(100, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Observe("alice", Entry{Score: fixed.MustParse("0.5"), At: t0})
		}()
	}
	wg.Wait()

	assert.Len(t, s.Entries("alice", t0), 50)
}

func TestStore_Restore(t *testing.T) {
	s := NewStore(2, 0)
	s.Restore("alice", []Entry{{ClaimID: "a"}, {ClaimID: "b"}, {ClaimID: "c"}})

	entries := s.Entries("alice", t0)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ClaimID)
}
