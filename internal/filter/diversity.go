package filter

import (
	"github.com/ppiankov/pob/internal/model"
)

// Lookup resolves a validator id in the registry
type Lookup func(id string) (model.Validator, bool)

// Diversity is the outcome of applying the related-validator rule to a vote set
type Diversity struct {
	Counted  []model.Vote
	Excluded []model.Vote   // Related votes beyond max_related, kept for audit
	Used     map[string]int // Group key -> counted votes
}

// Diversify walks votes in arrival order and counts at most maxRelated votes
// per owner group key. With enforcement off every vote counts.
func Diversify(votes []model.Vote, lookup Lookup, maxRelated int, enforce bool) Diversity {
	d := Diversity{Used: make(map[string]int)}
	for _, v := range votes {
		validator, ok := lookup(v.ValidatorID)
		if !ok {
			continue
		}
		key := groupOf(validator)
		if enforce && d.Used[key] >= maxRelated {
			d.Excluded = append(d.Excluded, v)
			continue
		}
		d.Used[key]++
		d.Counted = append(d.Counted, v)
	}
	return d
}

// Remaining is the number of further votes that could still be counted from
// validators that have not voted yet.
func Remaining(eligible []model.Validator, voted map[string]bool, used map[string]int, maxRelated int, enforce bool) int {
	unvoted := make(map[string]int)
	for _, v := range eligible {
		if voted[v.ID] {
			continue
		}
		unvoted[groupOf(v)]++
	}

	total := 0
	for key, n := range unvoted {
		if !enforce {
			total += n
			continue
		}
		room := maxRelated - used[key]
		if room <= 0 {
			continue
		}
		total += min(n, room)
	}
	return total
}

// Capacity is how many votes the eligible set can contribute toward a
// decision under the diversity rule.
func Capacity(eligible []model.Validator, maxRelated int, enforce bool) int {
	return Remaining(eligible, nil, nil, maxRelated, enforce)
}

// groupOf returns the owner group key, treating an unbound validator as its
// own group.
func groupOf(v model.Validator) string {
	if v.GroupKey == "" {
		return "id:" + v.ID
	}
	return v.GroupKey
}
