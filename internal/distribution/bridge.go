// Package distribution turns finalized claims into distribution events and
// hands them to the ledger.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/clock"
	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/util"
)

// Claims gives the bridge serialized access to claim state. Update runs fn
// under the claim lock and persists the claim when fn returns no error. A
// returned event is persisted in the same write as the claim.
type Claims interface {
	Update(claimID string, fn func(c *model.Claim) (*model.DistributionEvent, error)) error
}

// Auditor records decisions that must not be silently dropped
type Auditor interface {
	Audit(entry model.AuditEntry)
}

// Outcome is what processing a claim did
type Outcome string

const (
	OutcomeDistributed    Outcome = "distributed"
	OutcomeNoDistribution Outcome = "no_distribution" // Below the mint threshold
	OutcomeNoop           Outcome = "noop"            // Already distributed or already recorded
)

// Report describes one Process call
type Report struct {
	ClaimID      string                   `json:"claim_id"`
	Outcome      Outcome                  `json:"outcome"`
	Event        *model.DistributionEvent `json:"event,omitempty"`
	Confirmation *model.MintConfirmation  `json:"confirmation,omitempty"`
}

// Bridge is the distribution trigger bridge
type Bridge struct {
	cfg     *model.Config
	claims  Claims
	ledger  Ledger
	auditor Auditor
	clock   clock.Clock
	logger  *zap.Logger
}

// NewBridge creates a bridge. auditor may be nil.
func NewBridge(cfg *model.Config, claims Claims, ledger Ledger, auditor Auditor, clk clock.Clock, logger *zap.Logger) *Bridge {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:     cfg,
		claims:  claims,
		ledger:  ledger,
		auditor: auditor,
		clock:   clk,
		logger:  logger,
	}
}

// Process emits the distribution of a finalized claim. A distributed claim
// is a no-op; any other non-finalized claim fails with ErrNotFinalized. When
// the ledger keeps failing the claim stays finalized and the error wraps
// ErrLedger.
func (b *Bridge) Process(ctx context.Context, claimID string) (Report, error) {
	report := Report{ClaimID: claimID, Outcome: OutcomeNoop}

	err := b.claims.Update(claimID, func(c *model.Claim) (*model.DistributionEvent, error) {
		switch {
		case c.Status == model.StatusDistributed:
			return nil, nil
		case c.Status != model.StatusFinalized:
			return nil, fmt.Errorf("%w: %s is %s", model.ErrNotFinalized, c.ID, c.Status)
		case c.NoDistribution:
			return nil, nil
		}

		now := b.clock.Now()
		event, mint, err := b.Plan(*c, now)
		if err != nil {
			return nil, err
		}
		if !mint {
			c.NoDistribution = true
			c.UpdatedAt = now
			report.Outcome = OutcomeNoDistribution
			b.audit(model.AuditEntry{
				ClaimID: c.ID,
				Kind:    model.AuditNoDistribution,
				Message: "adjusted score below mint threshold",
				Data: map[string]interface{}{
					"adjusted":       c.Adjusted.String(),
					"mint_threshold": b.cfg.MintThreshold.String(),
				},
				RecordedAt: now,
			})
			b.logger.Info("no distribution",
				zap.String("claim_id", c.ID),
				zap.Stringer("adjusted", c.Adjusted),
			)
			return nil, nil
		}

		conf, err := b.Request(ctx, event)
		if err != nil {
			return nil, err
		}

		c.Status = model.StatusDistributed
		c.DistributionID = event.ID
		c.UpdatedAt = b.clock.Now()
		report.Outcome = OutcomeDistributed
		report.Event = &event
		report.Confirmation = &conf
		return &event, nil
	})
	if err != nil {
		return Report{ClaimID: claimID}, err
	}

	if report.Outcome == OutcomeDistributed {
		b.audit(model.AuditEntry{
			ClaimID: claimID,
			Kind:    model.AuditDistribution,
			Message: "distribution confirmed",
			Data: map[string]interface{}{
				"event_id":  report.Event.ID,
				"reference": report.Confirmation.Reference,
				"basis":     report.Event.Basis.String(),
			},
			RecordedAt: b.clock.Now(),
		})
	}
	return report, nil
}

// EventID is the stable distribution event id of a claim
func EventID(claimID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("pob:distribution:"+claimID)).String()
}

// Plan builds the distribution event of a claim. It reports false when the
// adjusted score is below the mint threshold. Roles the claim does not name
// fold into the shared pool account.
func (b *Bridge) Plan(c model.Claim, now time.Time) (model.DistributionEvent, bool, error) {
	if c.Adjusted.Cmp(b.cfg.MintThreshold) < 0 {
		return model.DistributionEvent{}, false, nil
	}

	basis := c.Adjusted
	pool := b.cfg.Shares.SharedPool
	var allocations []model.Allocation
	for _, role := range model.Roles {
		if role == model.RoleSharedPool {
			continue
		}
		share := b.cfg.Shares.Of(role)
		recipient := c.Recipients[role]
		if recipient == "" {
			var err error
			if pool, err = pool.Add(share); err != nil {
				return model.DistributionEvent{}, false, fmt.Errorf("fold %s share: %w", role, err)
			}
			continue
		}
		if share == fixed.Zero {
			continue
		}
		allocations = append(allocations, model.Allocation{Role: role, Recipient: recipient, Share: share})
	}
	if pool != fixed.Zero {
		allocations = append(allocations, model.Allocation{
			Role:      model.RoleSharedPool,
			Recipient: b.cfg.Distribution.SharedPoolAccount,
			Share:     pool,
		})
	}

	// The last allocation absorbs rounding so amounts sum to the basis
	allocated := fixed.Zero
	for i := range allocations {
		if i == len(allocations)-1 {
			amount, err := basis.Sub(allocated)
			if err != nil {
				return model.DistributionEvent{}, false, err
			}
			allocations[i].Amount = amount
			break
		}
		amount, err := allocations[i].Share.Mul(basis)
		if err != nil {
			return model.DistributionEvent{}, false, fmt.Errorf("%s amount: %w", allocations[i].Role, err)
		}
		allocations[i].Amount = amount
		if allocated, err = allocated.Add(amount); err != nil {
			return model.DistributionEvent{}, false, err
		}
	}

	return model.DistributionEvent{
		ID:          EventID(c.ID),
		ClaimID:     c.ID,
		Recipients:  allocations,
		Basis:       basis,
		TriggeredAt: now,
	}, true, nil
}

// Request sends an event to the ledger, retrying with exponential backoff up
// to the configured retry count. Exhausted retries raise a reconciliation
// alert.
func (b *Bridge) Request(ctx context.Context, event model.DistributionEvent) (model.MintConfirmation, error) {
	dc := b.cfg.Distribution
	attempts := 0
	var conf model.MintConfirmation
	operation := func() error {
		attempts++
		var err error
		conf, err = b.ledger.RequestDistribution(ctx, event)
		return retryable(err)
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn("ledger request failed, retrying",
			zap.String("claim_id", event.ClaimID),
			zap.String("event_id", event.ID),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	bo := util.NewBackOff(ctx, dc.InitialBackoff, dc.MaxBackoff, dc.MaxRetries)
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		b.logger.Error("reconciliation required: ledger request failed",
			zap.String("claim_id", event.ClaimID),
			zap.String("event_id", event.ID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		b.audit(model.AuditEntry{
			ClaimID: event.ClaimID,
			Kind:    model.AuditReconciliation,
			Message: "ledger request failed after retries",
			Data: map[string]interface{}{
				"event_id": event.ID,
				"attempts": attempts,
				"error":    err.Error(),
			},
			RecordedAt: b.clock.Now(),
		})
		return model.MintConfirmation{}, fmt.Errorf("%w: claim %s after %d attempts: %v", model.ErrLedger, event.ClaimID, attempts, err)
	}
	return conf, nil
}

// retryable marks errors the ledger will not recover from as permanent.
// Everything else, including errors of unknown shape, is retried.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	var se *util.StatusError
	if errors.As(err, &se) && !util.IsRetryableStatus(se.StatusCode) {
		return backoff.Permanent(err)
	}
	return err
}

func (b *Bridge) audit(entry model.AuditEntry) {
	if b.auditor != nil {
		b.auditor.Audit(entry)
	}
}
