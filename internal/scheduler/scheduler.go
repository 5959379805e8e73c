// Package scheduler is the timed task queue that drives vote timeouts,
// challenge windows and decay recomputation. Tasks are delivered over a
// channel; a task carries the claim generation it was scheduled for so the
// receiver can tell whether a transition happened first.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/clock"
)

// Kind identifies what a task does when it fires
type Kind string

const (
	KindVoteTimeout      Kind = "vote_timeout"      // Consensus round deadline
	KindWindowEnd        Kind = "window_end"        // Challenge window closes
	KindChallengeTimeout Kind = "challenge_timeout" // Challenge resolution deadline
	KindDecay            Kind = "decay"             // Recompute decay of an open claim
)

// Task is one scheduled transition
type Task struct {
	ClaimID    string
	Kind       Kind
	At         time.Time
	Generation uint64 // Claim generation when scheduled

	seq uint64
}

// Scheduler is a min-heap of tasks ordered by due time
type Scheduler struct {
	mu     sync.Mutex
	tasks  taskHeap
	seq    uint64
	wake   chan struct{}
	out    chan Task
	clock  clock.Clock
	logger *zap.Logger
}

// New creates a scheduler. Fired tasks are buffered up to buffer.
func New(clk clock.Clock, buffer int, logger *zap.Logger) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Scheduler{
		wake:   make(chan struct{}, 1),
		out:    make(chan Task, buffer),
		clock:  clk,
		logger: logger,
	}
}

// Schedule adds a task
func (s *Scheduler) Schedule(t Task) {
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Due removes and returns every task due at or before now, earliest first
func (s *Scheduler) Due(now time.Time) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Task
	for len(s.tasks) > 0 && !s.tasks[0].At.After(now) {
		due = append(due, heap.Pop(&s.tasks).(Task))
	}
	return due
}

// Next returns when the earliest task is due
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].At, true
}

// Len returns the number of pending tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// C delivers fired tasks while Run is active
func (s *Scheduler) C() <-chan Task {
	return s.out
}

// Run sleeps until the next task is due and sends it on C. It returns when
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started")
	defer s.logger.Info("scheduler stopped")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := time.Hour
		if next, ok := s.Next(); ok {
			wait = max(next.Sub(s.clock.Now()), 0)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			continue
		case <-timer.C:
		}

		for _, t := range s.Due(s.clock.Now()) {
			select {
			case s.out <- t:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].At.Equal(h[j].At) {
		return h[i].At.Before(h[j].At)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}
