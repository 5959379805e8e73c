// Package metrics streams periodic snapshots of engine state to subscribers.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
)

// buckets is the number of adjusted-score histogram buckets over [0,1]
const buckets = 10

// Source exposes published engine state. Implementations return copies of
// atomically published snapshots and never take claim locks.
type Source interface {
	ClaimSnapshots() []model.ClaimSnapshot
	ValidatorIDs() []string
	PendingTasks() int
}

// Streamer produces snapshots every interval and fans them out
type Streamer struct {
	source   Source
	interval time.Duration
	buffer   int
	clock    clock.Clock
	logger   *zap.Logger

	seq    atomic.Uint64
	latest atomic.Pointer[model.MetricsSnapshot]

	mu     sync.Mutex
	nextID int
	subs   map[int]chan model.MetricsSnapshot
}

// NewStreamer creates a streamer
func NewStreamer(source Source, cfg model.MetricsConfig, clk clock.Clock, logger *zap.Logger) *Streamer {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	buffer := cfg.Buffer
	if buffer < 1 {
		buffer = 1
	}
	return &Streamer{
		source:   source,
		interval: interval,
		buffer:   buffer,
		clock:    clk,
		logger:   logger,
		subs:     make(map[int]chan model.MetricsSnapshot),
	}
}

// Subscribe returns a channel of snapshots that is closed when ctx is done.
// The latest snapshot, if any, is delivered first. A subscriber that falls
// behind misses snapshots rather than slowing the producer.
func (s *Streamer) Subscribe(ctx context.Context) <-chan model.MetricsSnapshot {
	ch := make(chan model.MetricsSnapshot, s.buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	if latest := s.latest.Load(); latest != nil {
		ch <- *latest
	}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Subscribers returns the number of connected subscribers
func (s *Streamer) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Latest returns the most recent snapshot
func (s *Streamer) Latest() (model.MetricsSnapshot, bool) {
	latest := s.latest.Load()
	if latest == nil {
		return model.MetricsSnapshot{}, false
	}
	return *latest, true
}

// Run produces a snapshot every interval until ctx is done
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("metrics streamer started", zap.Duration("interval", s.interval))
	s.Publish()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("metrics streamer stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Publish()
		}
	}
}

// Publish takes a snapshot now and delivers it to every subscriber
func (s *Streamer) Publish() model.MetricsSnapshot {
	snap := s.Collect()
	s.latest.Store(&snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Debug("slow metrics subscribers skipped",
			zap.Uint64("sequence", snap.Sequence),
			zap.Int("dropped", dropped),
		)
	}
	return snap
}

// Collect builds a snapshot from the source without publishing it
func (s *Streamer) Collect() model.MetricsSnapshot {
	claims := s.source.ClaimSnapshots()
	validators := s.source.ValidatorIDs()

	snap := model.MetricsSnapshot{
		Sequence:       s.seq.Add(1),
		TakenAt:        s.clock.Now(),
		ClaimsByStatus: make(map[model.ClaimStatus]int, len(model.AllStatuses)),
		TotalClaims:    len(claims),
		Validators:     len(validators),
		Participation:  make(map[string]fixed.Point, len(validators)),
		ScoreBuckets:   make([]int, buckets),
		PendingTasks:   s.source.PendingTasks(),
	}
	for _, status := range model.AllStatuses {
		snap.ClaimsByStatus[status] = 0
	}

	voted := make(map[string]int)
	rounds := 0
	for _, c := range claims {
		snap.ClaimsByStatus[c.Status]++
		snap.ScoreBuckets[bucketOf(c.Adjusted)]++
		if c.Status == model.StatusPending {
			continue
		}
		rounds++
		for _, id := range c.Voters {
			voted[id]++
		}
	}
	for _, id := range validators {
		rate := fixed.Zero
		if rounds > 0 {
			if r, err := fixed.FromRatio(int64(voted[id]), int64(rounds)); err == nil {
				rate = r
			}
		}
		snap.Participation[id] = rate
	}
	return snap
}

func bucketOf(p fixed.Point) int {
	if p <= 0 {
		return 0
	}
	i := int(int64(p) * buckets / int64(fixed.One))
	return min(i, buckets-1)
}
