// Package engine owns benefit claims and drives them through scoring,
// consensus, the challenge window and distribution.
//
// Every claim has its own lock. Transitions happen under that lock and bump
// the claim generation; scheduled tasks carry the generation they were
// scheduled under and are ignored once a transition happened first. Readers
// never take claim locks: each transition publishes an immutable snapshot.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/pob/internal/cache"
	"github.com/ppiankov/pob/internal/challenge"
	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/consensus"
	"github.com/ppiankov/pob/internal/distribution"
	"github.com/ppiankov/pob/internal/filter"
	"github.com/ppiankov/pob/internal/history"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/oracle"
	"github.com/ppiankov/pob/internal/pipeline"
	"github.com/ppiankov/pob/internal/scheduler"
	"github.com/ppiankov/pob/internal/score"
	"github.com/ppiankov/pob/internal/store"
	"github.com/ppiankov/pob/internal/worker"
)

// Options carries the collaborators of an engine. Zero values get in-memory
// defaults.
type Options struct {
	Clock  clock.Clock
	Logger *zap.Logger
	Ledger distribution.Ledger // Defaults to an in-memory ledger
	Tasks  pipeline.TaskSource // Optional participation source
	Store  *store.Store        // Defaults to an in-memory store owned by the engine
	Cache  cache.Cache
}

// Engine is the claim orchestrator
type Engine struct {
	cfg    *model.Config
	clock  clock.Clock
	logger *zap.Logger

	gateway    *oracle.Gateway
	calculator *score.Calculator
	history    *history.Store
	filter     *filter.Filter
	registry   *consensus.Registry
	consensus  *consensus.Module
	challenges *challenge.Manager
	bridge     *distribution.Bridge
	scheduler  *scheduler.Scheduler
	tasks      pipeline.TaskSource
	store      *store.Store
	ownsStore  bool
	cache      cache.Cache

	votes     *worker.Pool
	finalized chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	claims     map[string]*claimState
	challenged map[string]string // Challenge id -> claim id
}

// New validates the configuration, wires the components and restores any
// persisted state. Configuration errors are fatal.
func New(cfg *model.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", model.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := opts.Cache
	if c == nil {
		c = cache.Nop{}
	}

	st := opts.Store
	owns := false
	if st == nil {
		var err error
		if st, err = store.Open(""); err != nil {
			return nil, err
		}
		owns = true
	}

	hist := history.NewStore(cfg.HistoryLookback, cfg.HistoryMaxAge)
	registry := consensus.NewRegistry()
	module := consensus.NewModule(cfg, registry, logger.Named("consensus"))

	e := &Engine{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		gateway:    oracle.NewGateway(cfg.Oracle, clk, logger.Named("oracle")),
		calculator: score.NewCalculator(logger.Named("score")),
		history:    hist,
		filter:     filter.New(cfg, hist, logger.Named("filter")),
		registry:   registry,
		consensus:  module,
		challenges: challenge.NewManager(cfg, module, logger.Named("challenge")),
		scheduler:  scheduler.New(clk, 0, logger.Named("scheduler")),
		tasks:      opts.Tasks,
		store:      st,
		ownsStore:  owns,
		cache:      c,
		votes:      worker.NewPool(cfg.Concurrency.VoteWorkers, cfg.Concurrency.VoteQueue),
		finalized:  make(chan struct{}, 1),
		claims:     make(map[string]*claimState),
		challenged: make(map[string]string),
	}

	ledger := opts.Ledger
	if ledger == nil {
		ledger = distribution.NewMemoryLedger(clk)
	}
	e.bridge = distribution.NewBridge(cfg, e, ledger, e, clk, logger.Named("distribution"))

	if err := e.load(); err != nil {
		if owns {
			_ = st.Close()
		}
		return nil, fmt.Errorf("restore state: %w", err)
	}

	e.votes.Start()
	go e.drainVotes()
	return e, nil
}

// Config returns the immutable configuration
func (e *Engine) Config() *model.Config { return e.cfg }

// Gateway exposes the oracle gateway for feed pulls
func (e *Engine) Gateway() *oracle.Gateway { return e.gateway }

// Run delivers scheduled tasks and sweeps finalized claims into the bridge
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.scheduler.Run(ctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case task := <-e.scheduler.C():
				e.handle(task, e.clock.Now())
			}
		}
	})

	g.Go(func() error {
		interval := e.cfg.Distribution.SweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.finalized:
			case <-ticker.C:
			}
			e.sweep(ctx)
		}
	})

	e.logger.Info("engine started",
		zap.Int("claims", e.claimCount()),
		zap.Int("validators", e.registry.Len()),
		zap.Int("scheduled", e.scheduler.Len()),
	)
	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}

// Advance fires every task due at now in order. It replaces Run when time is
// driven by a fake clock.
func (e *Engine) Advance(now time.Time) int {
	fired := 0
	for {
		due := e.scheduler.Due(now)
		if len(due) == 0 {
			return fired
		}
		for _, task := range due {
			e.handle(task, now)
			fired++
		}
	}
}

// Close stops vote ingestion and closes the store when the engine opened it
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.votes.Shutdown()
		if e.ownsStore {
			err = e.store.Close()
		}
	})
	return err
}

// ClaimStatus returns the last published snapshot of a claim
func (e *Engine) ClaimStatus(id string) (model.ClaimSnapshot, error) {
	cs, err := e.lookup(id)
	if err != nil {
		return model.ClaimSnapshot{}, err
	}
	return *cs.snapshot.Load(), nil
}

// Claim returns the full claim, including its score breakdown
func (e *Engine) Claim(id string) (model.Claim, error) {
	cs, err := e.lookup(id)
	if err != nil {
		return model.Claim{}, err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.claim, nil
}

// ClaimSnapshots returns the published snapshot of every claim, ordered by
// claim id
func (e *Engine) ClaimSnapshots() []model.ClaimSnapshot {
	e.mu.RLock()
	out := make([]model.ClaimSnapshot, 0, len(e.claims))
	for _, cs := range e.claims {
		out = append(out, *cs.snapshot.Load())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidatorIDs returns registered validators in registration order
func (e *Engine) ValidatorIDs() []string {
	all := e.registry.All()
	ids := make([]string, len(all))
	for i, v := range all {
		ids[i] = v.ID
	}
	return ids
}

// PendingTasks is the number of scheduled tasks not yet fired
func (e *Engine) PendingTasks() int {
	return e.scheduler.Len()
}

func (e *Engine) lookup(id string) (*claimState, error) {
	e.mu.RLock()
	cs, ok := e.claims[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrClaimNotFound, id)
	}
	return cs, nil
}

func (e *Engine) claimCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.claims)
}

// ids returns the ids of claims whose published status matches
func (e *Engine) ids(match func(model.ClaimSnapshot) bool) []string {
	var out []string
	for _, snap := range e.ClaimSnapshots() {
		if match(snap) {
			out = append(out, snap.ID)
		}
	}
	return out
}

// load restores validators, attestations, history and claims, then
// re-arms the timers of open claims. Timers already due fire on the first
// scheduler pass.
func (e *Engine) load() error {
	validators, err := e.store.Validators()
	if err != nil {
		return err
	}
	for _, v := range validators {
		if err := e.registry.Register(v); err != nil {
			return err
		}
	}

	atts, err := e.store.Attestations()
	if err != nil {
		return err
	}
	e.gateway.Restore(atts)

	hist, err := e.store.History()
	if err != nil {
		return err
	}
	for subject, entries := range hist {
		e.history.Restore(subject, entries)
	}

	records, err := e.store.Claims()
	if err != nil {
		return err
	}
	now := e.clock.Now()
	for _, rec := range records {
		cs := restoreClaim(rec)
		cs.publish()
		e.claims[cs.claim.ID] = cs
		if cs.window != nil && cs.window.Challenge != nil {
			e.challenged[cs.window.Challenge.ID] = cs.claim.ID
		}
		e.restoreTimers(cs, now)
		cs.publish()
	}

	if len(records) > 0 {
		e.logger.Info("state restored",
			zap.Int("claims", len(records)),
			zap.Int("validators", len(validators)),
			zap.Int("attestations", len(atts)),
		)
	}
	return nil
}

func (e *Engine) schedule(cs *claimState, kind scheduler.Kind, at time.Time) {
	e.scheduler.Schedule(scheduler.Task{
		ClaimID:    cs.claim.ID,
		Kind:       kind,
		At:         at,
		Generation: cs.generation,
	})
}

// notifyFinalized wakes the distribution sweep without blocking
func (e *Engine) notifyFinalized() {
	select {
	case e.finalized <- struct{}{}:
	default:
	}
}
