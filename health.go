package creditgate

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 5 * time.Minute
	DefaultCooldown         = 30 * time.Second
)

// HealthTracker trips a per-provider circuit breaker after repeated failures.
// An unhealthy provider becomes half-open after the cooldown; one success
// closes the breaker again.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[string]*providerHealth
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

type providerHealth struct {
	state     HealthState
	failures  []time.Time
	trippedAt time.Time
}

// HealthOption configures a HealthTracker.
type HealthOption func(*HealthTracker)

// WithFailureThreshold sets how many failures inside window trip the breaker.
func WithFailureThreshold(n int, window time.Duration) HealthOption {
	return func(h *HealthTracker) {
		h.threshold = n
		h.window = window
	}
}

// WithCooldown sets how long a tripped provider is skipped.
func WithCooldown(d time.Duration) HealthOption {
	return func(h *HealthTracker) { h.cooldown = d }
}

// WithHealthClock sets the time source.
func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthTracker) { h.now = now }
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker(opts ...HealthOption) *HealthTracker {
	h := &HealthTracker{
		providers: make(map[string]*providerHealth),
		threshold: DefaultFailureThreshold,
		window:    DefaultFailureWindow,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// GetHealth returns the current health state of a provider.
func (h *HealthTracker) GetHealth(provider string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[provider]
	if !ok {
		return HealthHealthy
	}
	if ph.state == HealthUnhealthy && h.now().Sub(ph.trippedAt) >= h.cooldown {
		ph.state = HealthHalfOpen
	}
	return ph.state
}

// RecordSuccess closes the breaker of a provider.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.get(provider)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure counts a failure. A failure while half-open trips the
// breaker immediately.
func (h *HealthTracker) RecordFailure(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.get(provider)
	now := h.now()
	switch ph.state {
	case HealthUnhealthy:
		return
	case HealthHalfOpen:
		ph.state = HealthUnhealthy
		ph.trippedAt = now
		return
	}

	cutoff := now.Add(-h.window)
	kept := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ph.failures = append(kept, now)

	if len(ph.failures) >= h.threshold {
		ph.state = HealthUnhealthy
		ph.trippedAt = now
		ph.failures = ph.failures[:0]
	}
}

func (h *HealthTracker) get(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[provider] = ph
	}
	return ph
}
