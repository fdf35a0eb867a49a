package creditgate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cg "github.com/ineyio/creditgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creditgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("FLUX_PROVIDER", "flux-http")
	path := writeConfig(t, `
namespace: production
ledger:
  plan_code_limit: 500
gate:
  default:
    limit: 10
    window: 1m
    max_pending: 2
  policies:
    - task_type: video
      limit: 3
      window: 10m
      max_pending: 1
pipeline:
  timeout: 90s
models:
  - model: flux
    task_type: image
    cost: 10
    providers:
      - provider: ${FLUX_PROVIDER}
        model: flux-1
        unit_cost: 0.02
  - model: kling
    task_type: 2
    cost: 120
    max_count: 1
`)

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, cg.NamespaceProduction, cfg.Namespace)
	assert.Equal(t, 500, cfg.Ledger.PlanCodeLimit)
	assert.Equal(t, cg.RenewalPeriod, cfg.Ledger.RenewalPeriod)
	assert.Equal(t, cg.RatePolicy{Limit: 10, Window: time.Minute, MaxPending: 2}, cfg.Gate.Default.Policy())
	require.Len(t, cfg.Gate.Policies, 1)
	assert.Equal(t, cg.TaskVideo, cfg.Gate.Policies[0].TaskType)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, cg.DefaultFinalizeGrace, cfg.Pipeline.FinalizeGrace)
	assert.Equal(t, cg.DefaultSweepGrace, cfg.Gate.SweepGrace)

	flux, ok := cfg.Model("flux")
	require.True(t, ok)
	assert.Equal(t, cg.TaskImage, flux.TaskType)
	assert.Equal(t, cg.DefaultMaxCount, flux.MaxCount)
	require.Len(t, flux.Providers, 1)
	assert.Equal(t, "flux-http", flux.Providers[0].Provider)

	kling, ok := cfg.Model("kling")
	require.True(t, ok)
	assert.Equal(t, cg.TaskVideo, kling.TaskType)
	assert.Equal(t, 1, kling.MaxCount)

	_, ok = cfg.Model("missing")
	assert.False(t, ok)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := cg.LoadConfig(writeConfig(t, "models: []\n"))
	require.NoError(t, err)

	assert.Equal(t, cg.NamespaceStaging, cfg.Namespace)
	assert.Equal(t, cg.RecurringPlanCodeLimit, cfg.Ledger.PlanCodeLimit)
	assert.Equal(t, cg.DefaultRatePolicy, cfg.Gate.Default.Policy())
	assert.Equal(t, cg.DefaultPipelineTimeout, cfg.Pipeline.Timeout)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad namespace", "namespace: qa\n", "invalid namespace"},
		{"unknown task type", "models:\n  - model: m\n    task_type: audio\n    cost: 1\n", "unknown task type"},
		{"missing cost", "models:\n  - model: m\n    task_type: image\n", "cost must be positive"},
		{"duplicate model", "models:\n  - {model: m, task_type: image, cost: 1}\n  - {model: m, task_type: video, cost: 2}\n", "duplicate model"},
		{"window required", "gate:\n  default: {limit: 5}\n", "window is required"},
		{"duplicate policy", "gate:\n  policies:\n    - {task_type: image}\n    - {task_type: image}\n", "duplicate policy"},
		{"provider required", "models:\n  - model: m\n    task_type: image\n    cost: 1\n    providers:\n      - model: x\n", "provider is required"},
		{"not yaml", "models: [\n", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cg.LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := cg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestConfigOptionsWireGate(t *testing.T) {
	cfg := cg.Config{
		Gate: cg.GateConfig{
			Policies: []cg.RatePolicyConfig{{TaskType: cg.TaskVideo, Limit: 2, Window: time.Hour, MaxPending: 1}},
		},
	}.WithDefaults()
	require.NoError(t, cfg.Validate())

	g, _ := newTestGate(cfg.Options()...)
	assert.Equal(t, cg.RatePolicy{Limit: 2, Window: time.Hour, MaxPending: 1}, g.Policy(cg.TaskVideo))
	assert.Equal(t, cg.DefaultRatePolicy, g.Policy(cg.TaskCharacter))
}

func TestParseNamespace(t *testing.T) {
	for in, want := range map[string]cg.Namespace{
		"prod":       cg.NamespaceProduction,
		"Production": cg.NamespaceProduction,
		"dev":        cg.NamespaceStaging,
		" staging ":  cg.NamespaceStaging,
	} {
		got, err := cg.ParseNamespace(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := cg.ParseNamespace("qa")
	assert.Error(t, err)
}
