package creditgate

// Policy orders the providers tried for a generation.
type Policy interface {
	// Select orders candidates by priority. Returns ordered slice (highest priority first).
	Select(candidates []Candidate) []Candidate
}

// Candidate represents a provider able to serve a request.
type Candidate struct {
	Provider Provider
	Model    string  // upstream model name
	UnitCost float64 // provider cost per generated asset, used for ordering
	Health   HealthState
}

// HealthState describes the health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// inOrderPolicy keeps candidates in configuration order.
type inOrderPolicy struct{}

func (p *inOrderPolicy) Select(candidates []Candidate) []Candidate {
	return candidates
}
