package score

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
)

// Calculator combines attested components into a single composite score
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a new calculator
func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// Input is everything the composite depends on
type Input struct {
	ClaimID    string
	Components model.Components
	Weights    model.Weights
}

type term struct {
	component model.Component
	signal    model.SignalType
	value     fixed.Point
	trust     fixed.Point
	weight    fixed.Point
	present   bool
}

// Calculate computes composite = Σ(weight × value × trust). Participation
// trust is always 1.0. A missing component counts as value 0 with trust 0.
func (c *Calculator) Calculate(in Input) (model.Score, error) {
	if err := model.ValidateWeights(in.Weights); err != nil {
		return model.Score{}, c.rangeError(in, fixed.Zero, err)
	}

	terms := []term{
		termFor(model.ComponentEnvironmental, model.SignalEnvironmental, in.Components.Environmental, in.Weights.Environmental),
		termFor(model.ComponentSocial, model.SignalSocial, in.Components.Social, in.Weights.Social),
		termFor(model.ComponentParticipation, model.SignalParticipation, in.Components.Participation, in.Weights.Participation),
	}
	// Participation is internally sourced, not oracle dependent
	if terms[2].present {
		terms[2].trust = fixed.One
	}

	var signals []model.Signal
	composite := fixed.Zero

	for _, t := range terms {
		if !t.value.InUnit() || !t.trust.InUnit() {
			return model.Score{}, c.rangeError(in, composite,
				fmt.Errorf("%s value %s trust %s outside [0,1]", t.component, t.value, t.trust))
		}

		contribution, err := contributionOf(t)
		if err != nil {
			return model.Score{}, c.rangeError(in, composite, err)
		}
		if composite, err = composite.Add(contribution); err != nil {
			return model.Score{}, c.rangeError(in, composite, err)
		}

		signals = append(signals, signalFor(t, contribution))
	}

	if !composite.InUnit() {
		return model.Score{}, c.rangeError(in, composite, fmt.Errorf("composite %s outside [0,1]", composite))
	}

	return model.Score{
		Composite: composite,
		Signals:   signals,
	}, nil
}

func termFor(component model.Component, signal model.SignalType, cv model.ComponentValue, weight fixed.Point) term {
	t := term{
		component: component,
		signal:    signal,
		weight:    weight,
		present:   cv.Present,
	}
	if cv.Present {
		t.value = cv.Value
		t.trust = cv.Trust
	}
	return t
}

// contributionOf multiplies left to right: (weight × value) × trust
func contributionOf(t term) (fixed.Point, error) {
	wv, err := t.weight.Mul(t.value)
	if err != nil {
		return 0, err
	}
	return wv.Mul(t.trust)
}

func signalFor(t term, contribution fixed.Point) model.Signal {
	if !t.present {
		return model.Signal{
			Type:        model.SignalMissingComponent,
			Severity:    model.SeverityWarning,
			Description: fmt.Sprintf("No %s component, scored as zero", t.component),
			Data: map[string]interface{}{
				"component": string(t.component),
				"weight":    t.weight.String(),
			},
		}
	}

	severity := model.SeverityInfo
	if t.trust < fixed.MustParse("0.5") {
		severity = model.SeverityWarning
	}

	return model.Signal{
		Type:        t.signal,
		Severity:    severity,
		Description: fmt.Sprintf("%s contributes %s", t.component, contribution),
		Data: map[string]interface{}{
			"value":        t.value.String(),
			"trust":        t.trust.String(),
			"weight":       t.weight.String(),
			"contribution": contribution.String(),
			"formula":      "weight * value * trust",
		},
	}
}

// rangeError logs the full input context and wraps ErrScoreOutOfRange. The
// composite is never clamped silently.
func (c *Calculator) rangeError(in Input, partial fixed.Point, cause error) error {
	c.logger.Error("score computation out of range",
		zap.String("claim_id", in.ClaimID),
		zap.Stringer("environmental", in.Components.Environmental.Value),
		zap.Stringer("environmental_trust", in.Components.Environmental.Trust),
		zap.Stringer("social", in.Components.Social.Value),
		zap.Stringer("social_trust", in.Components.Social.Trust),
		zap.Stringer("participation", in.Components.Participation.Value),
		zap.Stringer("weight_environmental", in.Weights.Environmental),
		zap.Stringer("weight_social", in.Weights.Social),
		zap.Stringer("weight_participation", in.Weights.Participation),
		zap.Stringer("partial", partial),
		zap.Error(cause),
	)
	return fmt.Errorf("%w: %v", model.ErrScoreOutOfRange, cause)
}
