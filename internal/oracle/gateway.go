// Package oracle ingests attestations from external oracle networks and
// answers which evidence backs each claim component.
package oracle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/worker"
)

// Gateway validates and stores attestations per (claim, component)
type Gateway struct {
	mu       sync.RWMutex
	byClaim  map[string]map[model.Component][]model.Attestation
	classify *Classifier
	limiter  *worker.Limiter
	clock    clock.Clock
	cfg      model.OracleConfig
	logger   *zap.Logger
}

// NewGateway creates a gateway
func NewGateway(cfg model.OracleConfig, clk clock.Clock, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}
	limiter := worker.NewLimiter(cfg.SourceRate, cfg.SourceBurst)
	for source, rps := range cfg.SourceRates {
		limiter.SetRate(source, rps, cfg.SourceBurst)
	}
	return &Gateway{
		byClaim:  make(map[string]map[model.Component][]model.Attestation),
		classify: NewClassifier(cfg.SourceTiers),
		limiter:  limiter,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
	}
}

// Submit validates an attestation and keeps it. Expired evidence fails with
// ErrExpiredEvidence; values or trust outside [0,1], non attestable
// components and unclassifiable sources fail with ErrInvalidAttestation.
func (g *Gateway) Submit(ctx context.Context, a model.Attestation) error {
	if a.ClaimID == "" {
		return fmt.Errorf("%w: missing claim id", model.ErrInvalidAttestation)
	}
	if !a.Component.Attestable() {
		return fmt.Errorf("%w: component %q is not oracle backed", model.ErrInvalidAttestation, a.Component)
	}
	if !a.Value.InUnit() || !a.Trust.InUnit() {
		return fmt.Errorf("%w: value %s trust %s outside [0,1]", model.ErrInvalidAttestation, a.Value, a.Trust)
	}
	a.Tier = g.classify.Classify(a)
	if a.Tier == model.TierUnknown {
		return fmt.Errorf("%w: unknown tier for source %q", model.ErrInvalidAttestation, a.Source)
	}

	source := a.Source
	if source == "" {
		source = "anonymous"
	}
	if err := g.limiter.Wait(ctx, source); err != nil {
		return fmt.Errorf("rate limit %s: %w", source, err)
	}

	now := g.clock.Now()
	if a.Expired(now) {
		return fmt.Errorf("%w: expired at %s", model.ErrExpiredEvidence, a.ExpiresAt.Format(time.RFC3339))
	}
	if a.IssuedAt.IsZero() {
		a.IssuedAt = now
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	components, ok := g.byClaim[a.ClaimID]
	if !ok {
		components = make(map[model.Component][]model.Attestation)
		g.byClaim[a.ClaimID] = components
	}
	components[a.Component] = append(components[a.Component], a)

	g.logger.Debug("attestation accepted",
		zap.String("claim_id", a.ClaimID),
		zap.String("component", string(a.Component)),
		zap.Stringer("tier", a.Tier),
		zap.String("source", a.Source),
	)
	return nil
}

// Select returns the best usable attestation for a component: highest tier,
// then most recent issued-at, then highest trust. Expired attestations are
// skipped, falling back to lower tiers. When nothing usable remains the
// component reads as value 0 trust 0.
func (g *Gateway) Select(claimID string, component model.Component, now time.Time) model.Selection {
	g.mu.RLock()
	candidates := append([]model.Attestation(nil), g.byClaim[claimID][component]...)
	g.mu.RUnlock()

	if len(candidates) == 0 {
		return model.Selection{}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return better(candidates[i], candidates[j])
	})

	for i, a := range candidates {
		if a.Expired(now) {
			continue
		}
		return model.Selection{
			Value:    a.Value,
			Trust:    a.Trust,
			Tier:     a.Tier,
			IssuedAt: a.IssuedAt,
			Found:    true,
			Fallback: i > 0,
		}
	}

	return model.Selection{Value: fixed.Zero, Trust: fixed.Zero, Fallback: true}
}

// better reports whether a should be preferred over b
func better(a, b model.Attestation) bool {
	if a.Tier != b.Tier {
		return a.Tier.Outranks(b.Tier)
	}
	if !a.IssuedAt.Equal(b.IssuedAt) {
		return a.IssuedAt.After(b.IssuedAt)
	}
	return a.Trust > b.Trust
}

// Attestations returns every attestation kept for a claim
func (g *Gateway) Attestations(claimID string) []model.Attestation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []model.Attestation
	for _, c := range []model.Component{model.ComponentEnvironmental, model.ComponentSocial} {
		out = append(out, g.byClaim[claimID][c]...)
	}
	return out
}

// Restore loads persisted attestations without re-validating expiry.
func (g *Gateway) Restore(attestations []model.Attestation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, a := range attestations {
		components, ok := g.byClaim[a.ClaimID]
		if !ok {
			components = make(map[model.Component][]model.Attestation)
			g.byClaim[a.ClaimID] = components
		}
		components[a.Component] = append(components[a.Component], a)
	}
}

// Forget drops the attestations of a claim that reached a terminal state
func (g *Gateway) Forget(claimID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byClaim, claimID)
}
