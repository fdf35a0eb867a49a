package policy

import (
	"sort"

	"github.com/ineyio/creditgate"
)

// CheapestFirstPolicy prioritizes candidates by provider cost (cheapest first).
// Ties keep configuration order.
type CheapestFirstPolicy struct{}

var _ creditgate.Policy = (*CheapestFirstPolicy)(nil)

// Select orders candidates by unit cost ascending.
func (p *CheapestFirstPolicy) Select(candidates []creditgate.Candidate) []creditgate.Candidate {
	result := make([]creditgate.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UnitCost < result[j].UnitCost
	})

	return result
}
