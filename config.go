package creditgate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Namespace Namespace      `yaml:"namespace"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Gate      GateConfig     `yaml:"gate"`
	Pipeline  PipelineConfig `yaml:"pipeline"`
	Models    []ModelConfig  `yaml:"models"`
}

// LedgerConfig configures subscription renewal.
type LedgerConfig struct {
	PlanCodeLimit int           `yaml:"plan_code_limit"`
	RenewalPeriod time.Duration `yaml:"renewal_period"`
}

// GateConfig configures admission policies.
type GateConfig struct {
	Default    RatePolicyConfig   `yaml:"default"`
	Policies   []RatePolicyConfig `yaml:"policies"`
	SweepGrace time.Duration      `yaml:"sweep_grace"`
}

// RatePolicyConfig configures the policy of one task type.
type RatePolicyConfig struct {
	TaskType   TaskType      `yaml:"task_type"`
	Limit      int           `yaml:"limit"`
	Window     time.Duration `yaml:"window"`
	MaxPending int           `yaml:"max_pending"`
}

// Policy converts the config into a RatePolicy.
func (c RatePolicyConfig) Policy() RatePolicy {
	return RatePolicy{Limit: c.Limit, Window: c.Window, MaxPending: c.MaxPending}
}

// PipelineConfig configures request handling.
type PipelineConfig struct {
	// Timeout bounds the caller-visible latency. The handler keeps running past it.
	Timeout time.Duration `yaml:"timeout"`
	// FinalizeGrace bounds how long a timed-out request's finalizer waits for the handler.
	FinalizeGrace time.Duration `yaml:"finalize_grace"`
}

// ModelConfig prices one generation model and lists the providers serving it.
type ModelConfig struct {
	Model     string        `yaml:"model"`
	TaskType  TaskType      `yaml:"task_type"`
	Cost      int64         `yaml:"cost"`
	MaxCount  int           `yaml:"max_count"`
	Providers []ProviderRef `yaml:"providers"`
}

// ProviderRef references a provider able to serve a model.
type ProviderRef struct {
	Provider string  `yaml:"provider"`
	Model    string  `yaml:"model"`
	UnitCost float64 `yaml:"unit_cost"`
}

// Default values applied by LoadConfig for omitted fields.
const (
	DefaultPipelineTimeout = 300 * time.Second
	DefaultFinalizeGrace   = 60 * time.Second
	DefaultSweepGrace      = 15 * time.Minute
	DefaultMaxCount        = 4
)

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// WithDefaults returns c with omitted fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = NamespaceStaging
	}
	if c.Ledger.PlanCodeLimit == 0 {
		c.Ledger.PlanCodeLimit = RecurringPlanCodeLimit
	}
	if c.Ledger.RenewalPeriod == 0 {
		c.Ledger.RenewalPeriod = RenewalPeriod
	}
	if c.Gate.Default == (RatePolicyConfig{}) {
		c.Gate.Default = RatePolicyConfig{
			Limit:      DefaultRatePolicy.Limit,
			Window:     DefaultRatePolicy.Window,
			MaxPending: DefaultRatePolicy.MaxPending,
		}
	}
	if c.Gate.SweepGrace == 0 {
		c.Gate.SweepGrace = DefaultSweepGrace
	}
	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = DefaultPipelineTimeout
	}
	if c.Pipeline.FinalizeGrace == 0 {
		c.Pipeline.FinalizeGrace = DefaultFinalizeGrace
	}
	models := make([]ModelConfig, len(c.Models))
	for i, m := range c.Models {
		if m.MaxCount == 0 {
			m.MaxCount = DefaultMaxCount
		}
		models[i] = m
	}
	c.Models = models
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if !c.Namespace.Valid() {
		return fmt.Errorf("creditgate: config: invalid namespace %q", c.Namespace)
	}
	if c.Ledger.PlanCodeLimit < 0 {
		return fmt.Errorf("creditgate: config: ledger.plan_code_limit must not be negative")
	}
	if c.Ledger.RenewalPeriod <= 0 {
		return fmt.Errorf("creditgate: config: ledger.renewal_period must be positive")
	}
	if err := validatePolicy("gate.default", c.Gate.Default); err != nil {
		return err
	}

	tasks := make(map[TaskType]bool, len(c.Gate.Policies))
	for i, p := range c.Gate.Policies {
		if !p.TaskType.Valid() {
			return fmt.Errorf("creditgate: config: gate.policies[%d]: invalid task_type %d", i, p.TaskType)
		}
		if tasks[p.TaskType] {
			return fmt.Errorf("creditgate: config: duplicate policy for task_type %s", p.TaskType)
		}
		tasks[p.TaskType] = true
		if err := validatePolicy(fmt.Sprintf("gate.policies[%d]", i), p); err != nil {
			return err
		}
	}

	if c.Pipeline.Timeout < 0 || c.Pipeline.FinalizeGrace < 0 {
		return fmt.Errorf("creditgate: config: pipeline durations must not be negative")
	}

	names := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Model == "" {
			return fmt.Errorf("creditgate: config: models[%d]: model is required", i)
		}
		if names[m.Model] {
			return fmt.Errorf("creditgate: config: duplicate model %q", m.Model)
		}
		names[m.Model] = true
		if !m.TaskType.Valid() {
			return fmt.Errorf("creditgate: config: models[%d] (%s): invalid task_type %d", i, m.Model, m.TaskType)
		}
		if m.Cost <= 0 {
			return fmt.Errorf("creditgate: config: models[%d] (%s): cost must be positive", i, m.Model)
		}
		if m.MaxCount < 0 {
			return fmt.Errorf("creditgate: config: models[%d] (%s): max_count must not be negative", i, m.Model)
		}
		for j, ref := range m.Providers {
			if ref.Provider == "" {
				return fmt.Errorf("creditgate: config: models[%d] (%s): providers[%d]: provider is required", i, m.Model, j)
			}
		}
	}

	return nil
}

func validatePolicy(path string, p RatePolicyConfig) error {
	if p.Limit < 0 || p.MaxPending < 0 {
		return fmt.Errorf("creditgate: config: %s: limit and max_pending must not be negative", path)
	}
	if p.Limit > 0 && p.Window <= 0 {
		return fmt.Errorf("creditgate: config: %s: window is required when limit is set", path)
	}
	return nil
}

// Model returns the model config named name.
func (c Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Model == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// Options returns the Ledger and Gate options described by c.
func (c Config) Options() []Option {
	opts := []Option{
		WithPlanCodeLimit(c.Ledger.PlanCodeLimit),
		WithRenewalPeriod(c.Ledger.RenewalPeriod),
		WithDefaultRatePolicy(c.Gate.Default.Policy()),
	}
	for _, p := range c.Gate.Policies {
		opts = append(opts, WithRatePolicy(p.TaskType, p.Policy()))
	}
	return opts
}
