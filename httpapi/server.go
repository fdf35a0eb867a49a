// Package httpapi exposes metered generation, balances and reservations
// over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/auth"
	"github.com/ineyio/creditgate/pipeline"
)

// Deps are the components the API serves.
type Deps struct {
	Service  *creditgate.Service
	Ledger   *creditgate.Ledger
	Gate     *creditgate.Gate
	Identity auth.Identifier
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server routes API requests through admission pipelines.
type Server struct {
	service  *creditgate.Service
	ledger   *creditgate.Ledger
	gate     *creditgate.Gate
	identity auth.Identifier
	cfg      creditgate.PipelineConfig
	tasks    *pipeline.Background
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck

	generations  *pipeline.Pipeline[call, reply]
	credits      *pipeline.Pipeline[call, reply]
	reservations *pipeline.Pipeline[call, reply]

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBackground sets the task group handlers and commits run in.
func WithBackground(b *pipeline.Background) Option {
	return func(s *Server) { s.tasks = b }
}

// WithGatherer exposes g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthCheck adds a dependency probe to /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// New creates a Server.
func New(deps Deps, cfg creditgate.PipelineConfig, opts ...Option) (*Server, error) {
	if deps.Service == nil || deps.Ledger == nil || deps.Gate == nil || deps.Identity == nil {
		return nil, errors.New("httpapi: service, ledger, gate and identity are required")
	}
	s := &Server{
		service:  deps.Service,
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		identity: deps.Identity,
		cfg:      cfg,
		checks:   make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tasks == nil {
		s.tasks = pipeline.NewBackground(s.logger)
	}

	responses := pipeline.Responses[reply]{
		Reject:  func() reply { return failure(creditgate.ErrUnauthorized) },
		Timeout: func() reply { return failure(creditgate.ErrUpstreamTimeout) },
		Error:   failure,
	}
	popts := func(name string) []pipeline.Option {
		return []pipeline.Option{
			pipeline.WithName(name),
			pipeline.WithTimeout(cfg.Timeout),
			pipeline.WithBackground(s.tasks),
			pipeline.WithLogger(s.logger),
		}
	}

	s.generations = pipeline.New(s.generate, responses, popts("generations")...).
		Use(s.identify, s.parseGeneration, s.reserve)
	s.credits = pipeline.New(s.balance, responses, popts("credits")...).
		Use(s.identify)
	s.reservations = pipeline.New(s.reservation, responses, popts("reservations")...).
		Use(s.identify)

	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Background returns the task group running handlers and commits.
func (s *Server) Background() *pipeline.Background { return s.tasks }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/health", s.health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/generations", s.serve(s.generations))
	v1.GET("/credits", s.serve(s.credits))
	v1.GET("/reservations/:id", s.serve(s.reservations))
	return r
}

// serve runs p for the request. The pipeline never touches the gin context
// after Run returns.
func (s *Server) serve(p *pipeline.Pipeline[call, reply]) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &call{
			http:   c.Request,
			header: c.Writer.Header(),
			params: map[string]string{"id": c.Param("id")},
		}
		rep := p.Run(c.Request.Context(), req)
		c.JSON(rep.status, rep.body)
	}
}

func (s *Server) generate(ctx context.Context, c *call) (reply, error) {
	ctx = creditgate.WithRecorder(ctx, c.recorder)
	resp, err := s.service.Generate(ctx, c.userID, c.body)
	if err != nil {
		return reply{}, err
	}
	return ok(resp), nil
}

type balanceView struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

func (s *Server) balance(ctx context.Context, c *call) (reply, error) {
	balance, err := s.ledger.Balance(ctx, c.userID)
	if err != nil {
		return reply{}, err
	}
	return ok(balanceView{UserID: c.userID, Balance: balance}), nil
}

func (s *Server) reservation(ctx context.Context, c *call) (reply, error) {
	r, err := s.gate.Get(ctx, c.params["id"])
	if err != nil {
		return reply{}, err
	}
	if r.UserID != c.userID {
		return reply{}, creditgate.ErrReservationNotFound
	}
	return ok(r), nil
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(status, gin.H{
		"status":     http.StatusText(status),
		"checks":     checks,
		"background": s.tasks.Pending(),
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func badRequest(err error) error {
	return fmt.Errorf("%w: %v", creditgate.ErrInvalidParams, err)
}
