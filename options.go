package creditgate

import (
	"log/slog"
	"time"
)

type options struct {
	clock         func() time.Time
	meter         Meter
	logger        *slog.Logger
	rule          RenewalRule
	policies      map[TaskType]RatePolicy
	defaultPolicy RatePolicy
	policy        Policy
	health        *HealthTracker
}

// Option configures a Ledger, Gate or Service. Options that do not apply
// to a component are ignored by it.
type Option func(*options)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRenewalPeriod sets the length of one subscription period.
func WithRenewalPeriod(d time.Duration) Option {
	return func(o *options) { o.rule.Period = d }
}

// WithPlanCodeLimit sets the plan code below which grants renew.
func WithPlanCodeLimit(n int) Option {
	return func(o *options) { o.rule.PlanCodeLimit = n }
}

// WithRatePolicy sets the admission policy for one task type.
func WithRatePolicy(task TaskType, p RatePolicy) Option {
	return func(o *options) {
		if o.policies == nil {
			o.policies = make(map[TaskType]RatePolicy)
		}
		o.policies[task] = p
	}
}

// WithDefaultRatePolicy sets the policy for task types without their own.
func WithDefaultRatePolicy(p RatePolicy) Option {
	return func(o *options) { o.defaultPolicy = p }
}

// WithPolicy sets the provider ordering policy.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithHealthTracker sets the provider health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *options) { o.health = h }
}

func buildOptions(opts []Option) options {
	o := options{
		rule:          DefaultRenewalRule,
		defaultPolicy: DefaultRatePolicy,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// Apply defaults after options.
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.meter == nil {
		o.meter = &noopMeter{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnRenew(RenewEvent)       {}
func (m *noopMeter) OnConsume(ConsumeEvent)   {}
func (m *noopMeter) OnReserve(ReserveEvent)   {}
func (m *noopMeter) OnCommit(CommitEvent)     {}
func (m *noopMeter) OnGenerate(GenerateEvent) {}
