// Package history keeps a bounded sliding window of prior composite scores
// for every subject. Updates are serialized per subject, independently of any
// claim lock.
package history

import (
	"sync"
	"time"

	"github.com/ppiankov/pob/internal/fixed"
)

// Entry is one prior composite score
type Entry struct {
	ClaimID string      `json:"claim_id"`
	Score   fixed.Point `json:"score"`
	At      time.Time   `json:"at"`
}

// Store holds score windows for all subjects
type Store struct {
	mu       sync.Mutex
	subjects map[string]*window
	lookback int
	maxAge   time.Duration
}

type window struct {
	mu      sync.Mutex
	entries []Entry
}

// NewStore creates a history store keeping at most lookback entries per
// subject, none older than maxAge
func NewStore(lookback int, maxAge time.Duration) *Store {
	if lookback <= 0 {
		lookback = 3
	}
	return &Store{
		subjects: make(map[string]*window),
		lookback: lookback,
		maxAge:   maxAge,
	}
}

// Comparison is the result of checking a new score against prior entries
type Comparison struct {
	Mean  fixed.Point // Mean of prior entries, zero when Count is 0
	Count int         // Number of prior entries in the window
	Delta fixed.Point // |score - Mean|
}

// Observe compares score with the subject's window and then appends it, as
// one step under the subject lock.
func (s *Store) Observe(subject string, e Entry) (Comparison, error) {
	w := s.window(subject)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(e.At, s.maxAge)

	var cmp Comparison
	if n := len(w.entries); n > 0 {
		total := fixed.Zero
		for _, prior := range w.entries {
			var err error
			if total, err = total.Add(prior.Score); err != nil {
				return Comparison{}, err
			}
		}
		mean, err := total.Div(fixed.FromInt(int64(n)))
		if err != nil {
			return Comparison{}, err
		}
		delta, err := e.Score.Sub(mean)
		if err != nil {
			return Comparison{}, err
		}
		cmp = Comparison{Mean: mean, Count: n, Delta: delta.Abs()}
	}

	w.entries = append(w.entries, e)
	if len(w.entries) > s.lookback {
		w.entries = append(w.entries[:0:0], w.entries[len(w.entries)-s.lookback:]...)
	}
	return cmp, nil
}

// Entries returns a copy of the subject's current window, oldest first.
func (s *Store) Entries(subject string, now time.Time) []Entry {
	w := s.window(subject)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now, s.maxAge)
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Restore replaces a subject's window, used when loading persisted state.
func (s *Store) Restore(subject string, entries []Entry) {
	w := s.window(subject)
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(entries) > s.lookback {
		entries = entries[len(entries)-s.lookback:]
	}
	w.entries = append([]Entry(nil), entries...)
}

func (s *Store) window(subject string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.subjects[subject]
	if !ok {
		w = &window{}
		s.subjects[subject] = w
	}
	return w
}

func (w *window) evict(now time.Time, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	cutoff := now.Add(-maxAge)
	i := 0
	for i < len(w.entries) && w.entries[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0:0], w.entries[i:]...)
	}
}
