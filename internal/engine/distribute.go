package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/cache"
	"github.com/ppiankov/pob/internal/distribution"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/store"
	"github.com/ppiankov/pob/internal/worker"
)

// Update runs fn on a copy of the claim under the claim lock and commits the
// copy when fn succeeds. A status change bumps the generation. An event
// returned by fn is stored in the same write as the claim; when that write
// fails the claim keeps its previous state.
func (e *Engine) Update(claimID string, fn func(c *model.Claim) (*model.DistributionEvent, error)) error {
	cs, err := e.lookup(claimID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	c := cs.claim
	event, err := fn(&c)
	if err != nil {
		return err
	}

	before, generation := cs.claim, cs.generation
	cs.claim = c
	if c.Status != before.Status {
		cs.generation++
	}

	if event != nil {
		if err := e.store.SaveEvent(*event, cs.record()); err != nil {
			cs.claim, cs.generation = before, generation
			e.logger.Error("persist distribution",
				zap.String("claim_id", claimID),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			return fmt.Errorf("persist distribution %s: %w", event.ID, err)
		}
		_ = e.cache.Delete(cache.Key("event", claimID))
	}

	if (c.Status.Terminal() && !before.Status.Terminal()) || (c.NoDistribution && !before.NoDistribution) {
		e.release(cs)
	}
	if event != nil {
		cs.publish()
		return nil
	}
	return e.commit(cs)
}

// Audit records an entry in the audit log. A storage failure is logged with
// the full entry so the record is never silently lost.
func (e *Engine) Audit(entry model.AuditEntry) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = e.clock.Now()
	}
	if err := e.store.AppendAudit(entry); err != nil {
		e.logger.Error("audit entry not persisted",
			zap.String("claim_id", entry.ClaimID),
			zap.String("kind", string(entry.Kind)),
			zap.String("message", entry.Message),
			zap.Any("data", entry.Data),
			zap.Error(err),
		)
	}
	_ = e.cache.Delete(cache.Key("audit", entry.ClaimID))
	_ = e.cache.Delete(cache.Key("audit"))

	e.logger.Debug("audit",
		zap.String("claim_id", entry.ClaimID),
		zap.String("kind", string(entry.Kind)),
		zap.String("message", entry.Message),
	)
}

// AuditTrail returns the audit entries of a claim in recording order. An
// empty id returns the entries of every claim.
func (e *Engine) AuditTrail(claimID string) ([]model.AuditEntry, error) {
	key := cache.Key("audit")
	if claimID != "" {
		if _, err := e.lookup(claimID); err != nil {
			return nil, err
		}
		key = cache.Key("audit", claimID)
	}

	var entries []model.AuditEntry
	if cache.GetJSON(e.cache, key, &entries) {
		return entries, nil
	}

	entries, err := e.store.Audit(claimID)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	_ = cache.SetJSON(e.cache, key, entries, 0)
	return entries, nil
}

// Distribute hands a finalized claim to the distribution bridge. The
// confirmed event is stored together with the distributed claim. Repeating
// it for a distributed claim is a no-op.
func (e *Engine) Distribute(ctx context.Context, claimID string) (distribution.Report, error) {
	return e.bridge.Process(ctx, claimID)
}

// DistributeIDs runs Distribute over many claims on a worker pool
func (e *Engine) DistributeIDs(ctx context.Context, ids []string) []*worker.ClaimResult {
	return e.distributor().ProcessIDs(ctx, ids)
}

// DistributeFile runs Distribute over the claim ids listed in a file, one
// per line
func (e *Engine) DistributeFile(ctx context.Context, path string) ([]*worker.ClaimResult, error) {
	return e.distributor().ProcessFile(ctx, path)
}

func (e *Engine) distributor() *worker.BatchProcessor {
	processor := worker.ProcessorFunc(func(ctx context.Context, claimID string) error {
		_, err := e.Distribute(ctx, claimID)
		return err
	})
	return worker.NewBatchProcessor(processor, e.cfg.Concurrency.DistributionWorkers)
}

// DistributeFinalized distributes every finalized claim that has no
// distribution decision yet
func (e *Engine) DistributeFinalized(ctx context.Context) []*worker.ClaimResult {
	ids := e.ids(func(s model.ClaimSnapshot) bool {
		return s.Status == model.StatusFinalized && !s.NoDistribution
	})
	return e.DistributeIDs(ctx, ids)
}

// Event returns the distribution event emitted for a claim
func (e *Engine) Event(claimID string) (model.DistributionEvent, error) {
	key := cache.Key("event", claimID)
	var ev model.DistributionEvent
	if cache.GetJSON(e.cache, key, &ev) {
		return ev, nil
	}

	ev, err := e.store.Event(claimID)
	if errors.Is(err, store.ErrNotFound) {
		return model.DistributionEvent{}, fmt.Errorf("%w: no distribution for %s", model.ErrClaimNotFound, claimID)
	}
	if err != nil {
		return model.DistributionEvent{}, err
	}
	_ = cache.SetJSON(e.cache, key, ev, 0)
	return ev, nil
}

// sweep retries finalized claims; ledger failures were already audited
func (e *Engine) sweep(ctx context.Context) {
	results := e.DistributeFinalized(ctx)
	failed := 0
	for _, r := range results {
		if r.Error == nil {
			continue
		}
		failed++
		e.logger.Warn("distribution pending",
			zap.String("claim_id", r.ClaimID),
			zap.String("kind", string(model.KindOf(r.Error))),
			zap.Error(r.Error),
		)
	}
	if len(results) > 0 {
		e.logger.Info("distribution sweep",
			zap.Int("claims", len(results)),
			zap.Int("failed", failed),
		)
	}
}

var (
	_ distribution.Claims  = (*Engine)(nil)
	_ distribution.Auditor = (*Engine)(nil)
)
