package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/httpapi"
	"github.com/ineyio/creditgate/meter"
	"github.com/ineyio/creditgate/pipeline"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "listen address")
	f.String("jwt-secret", "", "HS256 secret for session tokens")
	f.String("jwt-issuer", "", "required token issuer")
	f.String("session-cookie", "session-token", "cookie carrying the session token")
	f.Bool("disable-auth", false, "trust the X-User-Id header (development only)")
	f.Bool("metrics", true, "expose /metrics")
	f.String("policy", "in-order", "provider order: in-order|cheapest|healthy")
	f.Bool("mock-provider", false, "serve every configured model from a local mock provider")
	f.Duration("mock-latency", 0, "artificial latency of the mock provider")
	f.Bool("migrate", false, "apply postgres migrations before serving")
	f.Duration("sweep-interval", time.Minute, "how often stale reservations are failed; 0 disables")
	f.Duration("shutdown-timeout", 90*time.Second, "how long shutdown waits for in-flight work")
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Warn("close stores", "error", err)
		}
	}()

	if v.GetBool("migrate") {
		n, err := a.migrate(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("migrations applied", "count", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := meter.Multi{meter.NewLogMeter(a.logger), meter.NewPromMeter(reg)}

	pol, err := a.policy()
	if err != nil {
		return err
	}
	providers, err := a.providers()
	if err != nil {
		return err
	}
	identity, err := a.identity()
	if err != nil {
		return err
	}

	opts := a.options(creditgate.WithMeter(m), creditgate.WithPolicy(pol))
	ledger := creditgate.NewLedger(a.ledger, opts...)
	gate := creditgate.NewGate(a.gate, opts...)
	svc, err := creditgate.NewService(a.cfg, ledger, providers, opts...)
	if err != nil {
		return err
	}

	tasks := pipeline.NewBackground(a.logger)
	srvOpts := []httpapi.Option{httpapi.WithLogger(a.logger), httpapi.WithBackground(tasks)}
	if v.GetBool("metrics") {
		srvOpts = append(srvOpts, httpapi.WithGatherer(reg))
	}
	for name, check := range a.checks {
		srvOpts = append(srvOpts, httpapi.WithHealthCheck(name, check))
	}
	api, err := httpapi.New(httpapi.Deps{Service: svc, Ledger: ledger, Gate: gate, Identity: identity}, a.cfg.Pipeline, srvOpts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              v.GetString("addr"),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", srv.Addr, "namespace", a.cfg.Namespace)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweepLoop(gctx, gate, v.GetDuration("sweep-interval"), a.cfg.Gate.SweepGrace, a)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
		defer cancel()

		a.logger.Info("shutting down", "background", tasks.Pending())
		err := srv.Shutdown(shutdownCtx)
		if werr := tasks.Wait(shutdownCtx); werr != nil {
			a.logger.Warn("background tasks abandoned", "error", werr)
		}
		return err
	})
	return g.Wait()
}

func sweepLoop(ctx context.Context, gate *creditgate.Gate, every, grace time.Duration, a *app) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gate.Sweep(ctx, grace); err != nil {
				a.logger.Warn("sweep reservations", "error", err)
			}
		}
	}
}
