package policy

import (
	"sort"

	"github.com/ineyio/creditgate"
)

// HealthyFirstPolicy tries healthy providers before half-open ones, each
// group sorted by cost ascending.
type HealthyFirstPolicy struct{}

var _ creditgate.Policy = (*HealthyFirstPolicy)(nil)

// Select orders candidates: healthy first, then half-open, cheapest first within each.
func (p *HealthyFirstPolicy) Select(candidates []creditgate.Candidate) []creditgate.Candidate {
	result := make([]creditgate.Candidate, len(candidates))
	copy(result, candidates)

	sort.SliceStable(result, func(i, j int) bool {
		ci, cj := result[i], result[j]

		// Healthy before half-open.
		hi, hj := ci.Health == creditgate.HealthHealthy, cj.Health == creditgate.HealthHealthy
		if hi != hj {
			return hi
		}

		return ci.UnitCost < cj.UnitCost
	})

	return result
}
