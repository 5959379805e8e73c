// Package filter applies the anti-gaming adjustments a score goes through
// before it is eligible for consensus: time-weighted decay, historical
// consistency, cross-validation diversity and anti-Sybil participation
// weighting. Each adjustment can be switched off independently.
package filter

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/history"
	"github.com/ppiankov/pob/internal/model"
)

// Filter runs the anti-gaming adjustments
type Filter struct {
	opts    model.FilterConfig
	cfg     *model.Config
	history *history.Store
	logger  *zap.Logger
}

// New creates a filter bound to an immutable configuration and a history store
func New(cfg *model.Config, hist *history.Store, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		opts:    cfg.Filter,
		cfg:     cfg,
		history: hist,
		logger:  logger,
	}
}

// Subject is what the filter needs to know about a claim
type Subject struct {
	ClaimID    string
	Subject    string
	Composite  fixed.Point
	EvidenceAt time.Time
}

// Result is the adjusted score and what happened to it
type Result struct {
	Adjusted fixed.Point
	Flagged  bool
	Signals  []model.Signal
}

// Apply runs decay and the historical consistency check, and records the
// composite in the subject's history. It is called once per claim.
func (f *Filter) Apply(s Subject, now time.Time) (Result, error) {
	result := Result{Adjusted: s.Composite}

	if f.opts.Decay {
		adjusted, signal, err := f.Decay(s.Composite, s.EvidenceAt, now)
		if err != nil {
			return Result{}, err
		}
		result.Adjusted = adjusted
		result.Signals = append(result.Signals, signal)
	}

	if f.history != nil {
		cmp, err := f.history.Observe(s.Subject, history.Entry{ClaimID: s.ClaimID, Score: s.Composite, At: now})
		if err != nil {
			return Result{}, fmt.Errorf("history: %w", err)
		}
		if f.opts.Consistency && cmp.Count > 0 && cmp.Delta > f.cfg.MaxHistoricalDelta {
			result.Flagged = true
			result.Signals = append(result.Signals, model.Signal{
				Type:        model.SignalInconsistent,
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("Composite deviates %s from subject mean %s", cmp.Delta, cmp.Mean),
				Data: map[string]interface{}{
					"composite": s.Composite.String(),
					"mean":      cmp.Mean.String(),
					"samples":   cmp.Count,
					"delta":     cmp.Delta.String(),
					"max_delta": f.cfg.MaxHistoricalDelta.String(),
					"formula":   "|composite - mean(history)| > max_delta",
				},
			})
			f.logger.Info("claim flagged by historical consistency",
				zap.String("claim_id", s.ClaimID),
				zap.String("subject", s.Subject),
				zap.Stringer("delta", cmp.Delta),
			)
		}
	}

	return result, nil
}

// Decay applies score × e^(-age/τ). Age is counted in whole seconds so the
// factor is monotonically non-increasing in age.
func (f *Filter) Decay(score fixed.Point, evidenceAt, now time.Time) (fixed.Point, model.Signal, error) {
	age := int64(now.Sub(evidenceAt) / time.Second)
	if age < 0 {
		age = 0
	}
	tau := int64(f.cfg.DecayConstant / time.Second)
	if tau <= 0 {
		tau = 1
	}

	x, err := fixed.FromRatio(age, tau)
	if err != nil {
		return 0, model.Signal{}, err
	}
	factor := fixed.ExpNeg(x)
	adjusted, err := score.Mul(factor)
	if err != nil {
		return 0, model.Signal{}, err
	}

	severity := model.SeverityInfo
	if factor < fixed.MustParse("0.5") {
		severity = model.SeverityWarning
	}

	return adjusted, model.Signal{
		Type:        model.SignalDecay,
		Severity:    severity,
		Description: fmt.Sprintf("Evidence age %ds, decay factor %s", age, factor),
		Data: map[string]interface{}{
			"age_seconds": age,
			"tau_seconds": tau,
			"factor":      factor.String(),
			"score":       score.String(),
			"adjusted":    adjusted.String(),
			"formula":     "score * e^(-age/tau)",
		},
	}, nil
}
