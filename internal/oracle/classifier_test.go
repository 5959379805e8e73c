package oracle

import (
	"testing"

	"github.com/ppiankov/pob/internal/model"
)

func TestClassifier_Classify(t *testing.T) {
	classifier := NewClassifier(map[string]string{
		"gold-standard":  "primary",
		"verra":          "1",
		"audit.*":        "secondary",
		"community-*":    "tertiary",
		"bogus-source":   "platinum",
		"Mixed-Case-Src": "secondary",
	})

	tests := []struct {
		attestation model.Attestation
		expected    model.SourceTier
		desc        string
	}{
		{
			attestation: model.Attestation{Source: "gold-standard"},
			expected:    model.TierPrimary,
			desc:        "exact source match",
		},
		{
			attestation: model.Attestation{Source: "verra"},
			expected:    model.TierPrimary,
			desc:        "numeric tier",
		},
		{
			attestation: model.Attestation{Source: "audit.kpmg"},
			expected:    model.TierSecondary,
			desc:        "glob pattern",
		},
		{
			attestation: model.Attestation{Source: "community-forum"},
			expected:    model.TierTertiary,
			desc:        "prefix glob",
		},
		{
			attestation: model.Attestation{Source: "gold-standard", Tier: model.TierTertiary},
			expected:    model.TierTertiary,
			desc:        "declared tier wins",
		},
		{
			attestation: model.Attestation{Source: "bogus-source"},
			expected:    model.TierUnknown,
			desc:        "invalid configured tier ignored",
		},
		{
			attestation: model.Attestation{Source: "mixed-case-src"},
			expected:    model.TierSecondary,
			desc:        "case insensitive",
		},
		{
			attestation: model.Attestation{Source: "nobody"},
			expected:    model.TierUnknown,
			desc:        "unknown source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			result := classifier.Classify(tt.attestation)
			if result != tt.expected {
				t.Errorf("Expected %v for %s, got %v", tt.expected, tt.attestation.Source, result)
			}
		})
	}
}

func TestClassifier_BestPatternWins(t *testing.T) {
	classifier := NewClassifier(map[string]string{
		"*":      "tertiary",
		"gov-*":  "primary",
		"gov-u*": "secondary",
	})

	if got := classifier.Classify(model.Attestation{Source: "gov-uk"}); got != model.TierPrimary {
		t.Errorf("Expected primary, got %v", got)
	}
	if got := classifier.Classify(model.Attestation{Source: "anyone"}); got != model.TierTertiary {
		t.Errorf("Expected tertiary, got %v", got)
	}
}
