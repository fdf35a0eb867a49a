// Package pipeline runs a request through an ordered chain of admission
// stages, a handler bounded by a timeout, and a cleanup phase that always
// runs.
//
// A stage either admits the request, optionally registering a cleanup, or
// rejects it with a response. Once every stage has admitted, the handler
// runs as a background task and is raced against the timeout. When the
// timeout wins the caller gets the timeout response right away and the
// handler keeps running. Every registered cleanup then runs exactly once, in
// registration order, with an Exit describing how the request ended.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrTimeout is the Exit error when the handler outlived the timeout.
	ErrTimeout = errors.New("pipeline: handler timed out")
	// ErrPanic wraps a recovered panic from a stage or the handler.
	ErrPanic = errors.New("pipeline: panic")
)

// Reason tells a cleanup how the request ended.
type Reason int

const (
	// Completed means the handler returned without error before the timeout.
	Completed Reason = iota
	// Rejected means a later stage rejected the request; the handler never ran.
	Rejected
	// Failed means a stage or the handler returned an error or panicked.
	Failed
	// TimedOut means the timeout fired or the caller went away first.
	TimedOut
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Exit is passed to every cleanup.
type Exit struct {
	Reason Reason
	Err    error
	// Done is closed once the handler has returned. It is already closed
	// when the handler never ran.
	Done <-chan struct{}
}

// Cleanup runs after the request finished. Its context is not cancelled
// with the request.
type Cleanup func(ctx context.Context, exit Exit) error

// Admission is a stage's decision.
type Admission[Resp any] struct {
	Admit    bool
	Response *Resp
	Cleanup  Cleanup
}

// Admit admits the request and registers cleanup, which may be nil.
func Admit[Resp any](cleanup Cleanup) Admission[Resp] {
	return Admission[Resp]{Admit: true, Cleanup: cleanup}
}

// Reject stops the chain with resp. A nil resp uses Responses.Reject.
func Reject[Resp any](resp *Resp) Admission[Resp] {
	return Admission[Resp]{Response: resp}
}

// Stage inspects or enriches the request before the handler runs.
type Stage[Req, Resp any] func(ctx context.Context, req *Req) Admission[Resp]

// Handler is the business step. Its context is detached from the caller.
type Handler[Req, Resp any] func(ctx context.Context, req *Req) (Resp, error)

// Responses builds the responses the pipeline itself produces.
type Responses[Resp any] struct {
	Reject  func() Resp
	Timeout func() Resp
	Error   func(err error) Resp
}

func (r Responses[Resp]) reject() (resp Resp) {
	if r.Reject != nil {
		return r.Reject()
	}
	return resp
}

func (r Responses[Resp]) timeout() (resp Resp) {
	if r.Timeout != nil {
		return r.Timeout()
	}
	return resp
}

func (r Responses[Resp]) fail(err error) (resp Resp) {
	if r.Error != nil {
		return r.Error(err)
	}
	return resp
}

type config struct {
	name    string
	timeout time.Duration
	tasks   *Background
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*config)

// WithTimeout bounds how long Run waits for the handler. Zero waits forever.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBackground sets the task group the handler runs in.
func WithBackground(b *Background) Option {
	return func(c *config) { c.tasks = b }
}

// WithLogger sets the logger for cleanup and panic reports.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithName labels log lines and background tasks.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// Pipeline is an admission chain in front of a handler.
type Pipeline[Req, Resp any] struct {
	stages    []Stage[Req, Resp]
	handler   Handler[Req, Resp]
	responses Responses[Resp]
	cfg       config
}

// New creates a pipeline around handler.
func New[Req, Resp any](handler Handler[Req, Resp], responses Responses[Resp], opts ...Option) *Pipeline[Req, Resp] {
	cfg := config{name: "pipeline"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.tasks == nil {
		cfg.tasks = NewBackground(cfg.logger)
	}
	return &Pipeline[Req, Resp]{
		handler:   handler,
		responses: responses,
		cfg:       cfg,
	}
}

// Use appends stages to the chain and returns p.
func (p *Pipeline[Req, Resp]) Use(stages ...Stage[Req, Resp]) *Pipeline[Req, Resp] {
	p.stages = append(p.stages, stages...)
	return p
}

var closed = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type result[Resp any] struct {
	resp Resp
	err  error
}

// Run executes the chain for req and returns the response. Cleanups have
// finished by the time Run returns; the handler may still be running if it
// timed out.
func (p *Pipeline[Req, Resp]) Run(ctx context.Context, req *Req) Resp {
	var cleanups []Cleanup
	exit := Exit{Reason: Completed, Done: closed}
	defer func() { p.runCleanups(ctx, cleanups, exit) }()

	for i, stage := range p.stages {
		adm, err := p.runStage(ctx, i, stage, req)
		if err != nil {
			exit = Exit{Reason: Failed, Err: err, Done: closed}
			return p.responses.fail(err)
		}
		if !adm.Admit {
			exit = Exit{Reason: Rejected, Done: closed}
			if adm.Response != nil {
				return *adm.Response
			}
			return p.responses.reject()
		}
		if adm.Cleanup != nil {
			cleanups = append(cleanups, adm.Cleanup)
		}
	}

	results := make(chan result[Resp], 1)
	done := make(chan struct{})
	p.cfg.tasks.Go(ctx, p.cfg.name, func(ctx context.Context) {
		r := p.runHandler(ctx, req)
		close(done)
		results <- r
	})

	var timeout <-chan time.Time
	if p.cfg.timeout > 0 {
		timer := time.NewTimer(p.cfg.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-results:
		if r.err != nil {
			exit = Exit{Reason: Failed, Err: r.err, Done: done}
			return p.responses.fail(r.err)
		}
		exit = Exit{Reason: Completed, Done: done}
		return r.resp
	case <-timeout:
		exit = Exit{Reason: TimedOut, Err: ErrTimeout, Done: done}
		return p.responses.timeout()
	case <-ctx.Done():
		exit = Exit{Reason: TimedOut, Err: ctx.Err(), Done: done}
		return p.responses.timeout()
	}
}

func (p *Pipeline[Req, Resp]) runStage(ctx context.Context, i int, stage Stage[Req, Resp], req *Req) (adm Admission[Resp], err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w in stage %d: %v", ErrPanic, i, v)
			p.cfg.logger.Error("stage panicked", "pipeline", p.cfg.name, "stage", i, "panic", fmt.Sprint(v))
		}
	}()
	return stage(ctx, req), nil
}

func (p *Pipeline[Req, Resp]) runHandler(ctx context.Context, req *Req) (r result[Resp]) {
	defer func() {
		if v := recover(); v != nil {
			r = result[Resp]{err: fmt.Errorf("%w in handler: %v", ErrPanic, v)}
			p.cfg.logger.Error("handler panicked", "pipeline", p.cfg.name, "panic", fmt.Sprint(v))
		}
	}()
	resp, err := p.handler(ctx, req)
	return result[Resp]{resp: resp, err: err}
}

func (p *Pipeline[Req, Resp]) runCleanups(ctx context.Context, cleanups []Cleanup, exit Exit) {
	ctx = context.WithoutCancel(ctx)
	for i, cleanup := range cleanups {
		if err := p.runCleanup(ctx, cleanup, exit); err != nil {
			p.cfg.logger.Warn("cleanup failed",
				"pipeline", p.cfg.name,
				"cleanup", i,
				"reason", exit.Reason.String(),
				"error", err,
			)
		}
	}
}

func (p *Pipeline[Req, Resp]) runCleanup(ctx context.Context, cleanup Cleanup, exit Exit) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("%w in cleanup: %v", ErrPanic, v)
		}
	}()
	return cleanup(ctx, exit)
}
