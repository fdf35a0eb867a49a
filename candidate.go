package creditgate

// buildCandidates lists the providers able to serve m. Explicit provider
// refs win; without them every provider that supports the model name is used.
func buildCandidates(m ModelConfig, providers []Provider, health *HealthTracker) []Candidate {
	var candidates []Candidate

	if len(m.Providers) > 0 {
		for _, ref := range m.Providers {
			for _, p := range providers {
				if p.Name() != ref.Provider {
					continue
				}
				model := ref.Model
				if model == "" {
					model = m.Model
				}
				if !p.SupportsModel(model) {
					continue
				}
				candidates = append(candidates, Candidate{
					Provider: p,
					Model:    model,
					UnitCost: ref.UnitCost,
					Health:   health.GetHealth(p.Name()),
				})
			}
		}
		return candidates
	}

	for _, p := range providers {
		if p.SupportsModel(m.Model) {
			candidates = append(candidates, Candidate{
				Provider: p,
				Model:    m.Model,
				Health:   health.GetHealth(p.Name()),
			})
		}
	}
	return candidates
}

// filterCandidates removes unhealthy candidates.
func filterCandidates(candidates []Candidate) []Candidate {
	var filtered []Candidate
	for _, c := range candidates {
		if c.Health == HealthUnhealthy {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}
