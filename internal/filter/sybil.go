package filter

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/ppiankov/pob/internal/fixed"
	"github.com/ppiankov/pob/internal/model"
)

var half = fixed.MustParse("0.5")

// UniqueContributors computes the Sybil-weighted unique_contributor_count.
// Agents sharing an owner collapse into one unit worth 1.0 when the group's
// best reputation reaches the threshold and 0.5 otherwise. Agents without an
// owner binding count 0.5 each.
func (f *Filter) UniqueContributors(contributors []model.Contributor) (fixed.Point, []model.Signal, error) {
	if !f.opts.Sybil {
		seen := make(map[string]bool)
		for _, c := range contributors {
			seen[c.AgentID] = true
		}
		return fixed.FromInt(int64(len(seen))), nil, nil
	}

	type group struct {
		agents map[string]bool
		best   fixed.Point
		bound  bool
	}
	groups := make(map[string]*group)
	for _, c := range contributors {
		key, bound := c.Owner, c.Owner != ""
		if !bound {
			key = "agent:" + c.AgentID
		}
		g, ok := groups[key]
		if !ok {
			g = &group{agents: make(map[string]bool), bound: bound}
			groups[key] = g
		}
		g.agents[c.AgentID] = true
		g.best = fixed.Max(g.best, c.Reputation)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	total := fixed.Zero
	var signals []model.Signal
	for _, k := range keys {
		g := groups[k]
		unit := half
		if g.bound && g.best >= f.cfg.ReputationThreshold {
			unit = fixed.One
		}
		var err error
		if total, err = total.Add(unit); err != nil {
			return 0, nil, err
		}

		if len(g.agents) > 1 {
			signals = append(signals, model.Signal{
				Type:        model.SignalSybilCollapse,
				Severity:    model.SeverityWarning,
				Description: fmt.Sprintf("%d agents share owner %s, counted as one", len(g.agents), k),
				Data: map[string]interface{}{
					"owner":  k,
					"agents": len(g.agents),
					"unit":   unit.String(),
				},
			})
			f.logger.Debug("contributors collapsed",
				zap.String("owner", k),
				zap.Int("agents", len(g.agents)),
			)
		}
	}
	return total, signals, nil
}

// ParticipationValue derives the participation component from task pipeline
// data: half verification rate, half unique contributors against the target.
func (f *Filter) ParticipationValue(p model.Participation) (fixed.Point, []model.Signal, error) {
	rate := fixed.Zero
	if p.CompletedTasks > 0 {
		verified := min(p.VerifiedTasks, p.CompletedTasks)
		var err error
		if rate, err = fixed.FromRatio(int64(verified), int64(p.CompletedTasks)); err != nil {
			return 0, nil, err
		}
	}

	unique, signals, err := f.UniqueContributors(p.Contributors)
	if err != nil {
		return 0, nil, err
	}
	target := max(f.cfg.ContributorTarget, 1)
	coverage, err := unique.Div(fixed.FromInt(int64(target)))
	if err != nil {
		return 0, nil, err
	}
	coverage = fixed.Min(coverage, fixed.One)

	a, err := rate.Mul(half)
	if err != nil {
		return 0, nil, err
	}
	b, err := coverage.Mul(half)
	if err != nil {
		return 0, nil, err
	}
	value, err := a.Add(b)
	if err != nil {
		return 0, nil, err
	}

	signals = append(signals, model.Signal{
		Type:        model.SignalParticipation,
		Severity:    model.SeverityInfo,
		Description: fmt.Sprintf("%d/%d tasks verified, %s unique contributors", p.VerifiedTasks, p.CompletedTasks, unique),
		Data: map[string]interface{}{
			"verification_rate":   rate.String(),
			"unique_contributors": unique.String(),
			"contributor_target":  target,
			"value":               value.String(),
			"formula":             "0.5 * verified/completed + 0.5 * min(1, unique/target)",
		},
	})
	return value, signals, nil
}
