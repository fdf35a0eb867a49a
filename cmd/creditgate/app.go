package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/auth"
	"github.com/ineyio/creditgate/httpapi"
	"github.com/ineyio/creditgate/logging"
	"github.com/ineyio/creditgate/policy"
	"github.com/ineyio/creditgate/provider/httpgen"
	"github.com/ineyio/creditgate/provider/mock"
	"github.com/ineyio/creditgate/store"
	"github.com/ineyio/creditgate/store/postgres"
	redisstore "github.com/ineyio/creditgate/store/redis"
	"github.com/ineyio/creditgate/store/sqlite"
)

// ledgerBackend is what every ledger store implements.
type ledgerBackend interface {
	creditgate.LedgerStore
	creditgate.GateStore
	creditgate.BillingStore
}

// app holds the process-wide components shared by the subcommands.
type app struct {
	v      *viper.Viper
	cfg    creditgate.Config
	logger *slog.Logger

	ledger  ledgerBackend
	gate    creditgate.GateStore
	checks  map[string]httpapi.HealthCheck
	closers []func() error
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	logger, err := logging.New(v.GetString("log-level"), v.GetString("log-format"), os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg := creditgate.Config{}.WithDefaults()
	if path := v.GetString("config"); path != "" {
		if cfg, err = creditgate.LoadConfig(path); err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	if mode := v.GetString("mode"); mode != "" {
		ns, err := creditgate.ParseNamespace(mode)
		if err != nil {
			return nil, err
		}
		cfg.Namespace = ns
	}

	a := &app{v: v, cfg: cfg, logger: logger, checks: make(map[string]httpapi.HealthCheck)}
	if err := a.openStores(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("stores ready",
		"namespace", cfg.Namespace,
		"store", v.GetString("store"),
		"redis", v.GetString("redis-addr") != "",
	)
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	ns := a.cfg.Namespace
	dsn := a.v.GetString("dsn")

	switch kind := a.v.GetString("store"); kind {
	case "memory":
		a.ledger = store.NewMemoryStore(store.WithNamespace(ns))
	case "sqlite":
		if dsn == "" {
			dsn = "creditgate.db"
		}
		s, err := sqlite.Open(ctx, dsn, sqlite.WithNamespace(ns))
		if err != nil {
			return err
		}
		a.ledger = s
		a.checks["sqlite"] = s.Ping
		a.closers = append(a.closers, s.Close)
	case "postgres":
		if dsn == "" {
			return errors.New("--dsn is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		s := postgres.New(pool, postgres.WithNamespace(ns))
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.ledger = s
		a.checks["postgres"] = s.Ping
	default:
		return fmt.Errorf("unknown store %q", kind)
	}
	a.gate = a.ledger

	if addr := a.v.GetString("redis-addr"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		a.closers = append(a.closers, client.Close)
		rs := redisstore.New(client, redisstore.WithNamespace(ns))
		if err := rs.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		a.gate = rs
		a.checks["redis"] = rs.Ping
	}
	return nil
}

// migrate applies the postgres migrations of the configured namespace.
func (a *app) migrate(ctx context.Context) (int, error) {
	s, ok := a.ledger.(*postgres.Store)
	if !ok {
		return 0, nil
	}
	return s.Migrate(ctx)
}

// migrateDSN migrates without opening a pool.
func migrateDSN(ctx context.Context, dsn string, ns creditgate.Namespace) (int, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return 0, fmt.Errorf("parse dsn: %w", err)
	}
	return postgres.Migrate(ctx, *cfg, postgres.SchemaFor(ns))
}

func (a *app) options(extra ...creditgate.Option) []creditgate.Option {
	opts := append(a.cfg.Options(), creditgate.WithLogger(a.logger))
	return append(opts, extra...)
}

// providerSettings configures one HTTP generation backend.
type providerSettings struct {
	Name    string        `mapstructure:"name"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Models  []string      `mapstructure:"models"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (a *app) providers() ([]creditgate.Provider, error) {
	var settings []providerSettings
	if err := a.v.UnmarshalKey("providers", &settings); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}

	var out []creditgate.Provider
	for i, ps := range settings {
		if ps.Name == "" || ps.BaseURL == "" {
			return nil, fmt.Errorf("providers[%d]: name and base_url are required", i)
		}
		timeout := ps.Timeout
		if timeout == 0 {
			timeout = a.cfg.Pipeline.Timeout
		}
		out = append(out, httpgen.New(ps.Name, ps.BaseURL,
			httpgen.WithAPIKey(os.ExpandEnv(ps.APIKey)),
			httpgen.WithModels(ps.Models...),
			httpgen.WithHTTPClient(&http.Client{Timeout: timeout}),
		))
	}

	if a.v.GetBool("mock-provider") {
		models := make([]string, 0, len(a.cfg.Models))
		for _, m := range a.cfg.Models {
			models = append(models, m.Model)
			for _, ref := range m.Providers {
				if ref.Model != "" {
					models = append(models, ref.Model)
				}
			}
		}
		out = append(out, mock.New(mock.WithModels(models...), mock.WithLatency(a.v.GetDuration("mock-latency"))))
	}

	if len(out) == 0 {
		return nil, errors.New("no providers configured; add a providers section or pass --mock-provider")
	}
	return out, nil
}

func (a *app) policy() (creditgate.Policy, error) {
	switch name := a.v.GetString("policy"); name {
	case "", "in-order":
		return nil, nil
	case "cheapest":
		return &policy.CheapestFirstPolicy{}, nil
	case "healthy":
		return &policy.HealthyFirstPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown policy %q", name)
	}
}

func (a *app) identity() (auth.Identifier, error) {
	if a.v.GetBool("disable-auth") {
		a.logger.Warn("auth disabled; trusting the " + auth.DefaultUserHeader + " header")
		return auth.HeaderIdentity{}, nil
	}
	secret := a.v.GetString("jwt-secret")
	if secret == "" {
		return nil, errors.New("--jwt-secret (APP_JWT_SECRET) is required unless --disable-auth is set")
	}
	return auth.NewVerifier([]byte(secret),
		auth.WithIssuer(a.v.GetString("jwt-issuer")),
		auth.WithCookieName(a.v.GetString("session-cookie")),
	)
}

// Close releases every opened backend.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
