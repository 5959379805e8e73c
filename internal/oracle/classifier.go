package oracle

import (
	"path"
	"strings"

	"github.com/ppiankov/pob/internal/model"
)

// Classifier resolves the source tier of attestations whose feed did not
// declare one
type Classifier struct {
	exact    map[string]model.SourceTier
	patterns []sourcePattern
}

type sourcePattern struct {
	glob string
	tier model.SourceTier
}

// NewClassifier creates a classifier from a source id -> tier map. Keys may
// be exact source ids or shell globs such as "gov.*".
func NewClassifier(sourceTiers map[string]string) *Classifier {
	c := &Classifier{exact: make(map[string]model.SourceTier)}

	for source, tierStr := range sourceTiers {
		tier := model.ParseTier(tierStr)
		if tier == model.TierUnknown {
			continue
		}
		key := strings.ToLower(source)
		if strings.ContainsAny(key, "*?[") {
			if _, err := path.Match(key, ""); err == nil {
				c.patterns = append(c.patterns, sourcePattern{glob: key, tier: tier})
			}
			continue
		}
		c.exact[key] = tier
	}

	return c
}

// Classify returns the declared tier, or the tier configured for the source.
// Unknown sources stay TierUnknown and are rejected by the gateway.
func (c *Classifier) Classify(a model.Attestation) model.SourceTier {
	if a.Tier != model.TierUnknown {
		return a.Tier
	}

	source := strings.ToLower(a.Source)
	if tier, ok := c.exact[source]; ok {
		return tier
	}

	// Best tier wins when several patterns match
	best := model.TierUnknown
	for _, p := range c.patterns {
		if ok, _ := path.Match(p.glob, source); ok && p.tier.Outranks(best) {
			best = p.tier
		}
	}
	return best
}
