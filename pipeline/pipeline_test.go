package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate/pipeline"
)

type request struct {
	steps []string
}

type response struct {
	status int
	body   string
}

var responses = pipeline.Responses[response]{
	Reject:  func() response { return response{status: 403, body: "rejected"} },
	Timeout: func() response { return response{status: 504, body: "timeout"} },
	Error:   func(err error) response { return response{status: 500, body: err.Error()} },
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// exits records cleanup calls in order.
type exits struct {
	mu    sync.Mutex
	calls []string
	seen  []pipeline.Exit
}

func (e *exits) cleanup(name string) pipeline.Cleanup {
	return func(_ context.Context, exit pipeline.Exit) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.calls = append(e.calls, name)
		e.seen = append(e.seen, exit)
		return nil
	}
}

func (e *exits) snapshot() ([]string, []pipeline.Exit) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...), append([]pipeline.Exit(nil), e.seen...)
}

func step(name string, cleanup pipeline.Cleanup) pipeline.Stage[request, response] {
	return func(_ context.Context, req *request) pipeline.Admission[response] {
		req.steps = append(req.steps, name)
		return pipeline.Admit[response](cleanup)
	}
}

func okHandler(_ context.Context, req *request) (response, error) {
	req.steps = append(req.steps, "handler")
	return response{status: 200, body: "ok"}, nil
}

func TestRunStagesInOrderThenHandler(t *testing.T) {
	var e exits
	req := &request{}
	p := pipeline.New(okHandler, responses, pipeline.WithLogger(quietLogger())).
		Use(step("auth", e.cleanup("auth")), step("params", nil), step("gate", e.cleanup("gate")))

	resp := p.Run(context.Background(), req)

	assert.Equal(t, response{status: 200, body: "ok"}, resp)
	assert.Equal(t, []string{"auth", "params", "gate", "handler"}, req.steps)
	calls, seen := e.snapshot()
	assert.Equal(t, []string{"auth", "gate"}, calls)
	for _, exit := range seen {
		assert.Equal(t, pipeline.Completed, exit.Reason)
		assert.NoError(t, exit.Err)
		select {
		case <-exit.Done:
		default:
			t.Fatal("done channel must be closed after completion")
		}
	}
}

func TestRejectingStageStopsChain(t *testing.T) {
	var e exits
	var handlerRan atomic.Bool
	req := &request{}
	p := pipeline.New(func(context.Context, *request) (response, error) {
		handlerRan.Store(true)
		return response{}, nil
	}, responses, pipeline.WithLogger(quietLogger()))
	p.Use(
		step("auth", e.cleanup("auth")),
		func(_ context.Context, req *request) pipeline.Admission[response] {
			req.steps = append(req.steps, "limit")
			return pipeline.Admission[response]{
				Response: &response{status: 429, body: "slow down"},
				Cleanup:  e.cleanup("limit"),
			}
		},
		step("never", e.cleanup("never")),
	)

	resp := p.Run(context.Background(), req)

	assert.Equal(t, response{status: 429, body: "slow down"}, resp)
	assert.Equal(t, []string{"auth", "limit"}, req.steps)
	assert.False(t, handlerRan.Load())

	calls, seen := e.snapshot()
	assert.Equal(t, []string{"auth"}, calls, "only admitted stages register cleanups")
	require.Len(t, seen, 1)
	assert.Equal(t, pipeline.Rejected, seen[0].Reason)
}

func TestRejectWithoutResponseUsesGenericReject(t *testing.T) {
	p := pipeline.New(okHandler, responses).Use(func(context.Context, *request) pipeline.Admission[response] {
		return pipeline.Reject[response](nil)
	})

	resp := p.Run(context.Background(), &request{})
	assert.Equal(t, response{status: 403, body: "rejected"}, resp)
}

func TestHandlerErrorIsFailedExit(t *testing.T) {
	var e exits
	boom := errors.New("boom")
	p := pipeline.New(func(context.Context, *request) (response, error) {
		return response{}, boom
	}, responses, pipeline.WithLogger(quietLogger())).Use(step("gate", e.cleanup("gate")))

	resp := p.Run(context.Background(), &request{})

	assert.Equal(t, response{status: 500, body: "boom"}, resp)
	_, seen := e.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, pipeline.Failed, seen[0].Reason)
	assert.ErrorIs(t, seen[0].Err, boom)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	var e exits
	p := pipeline.New(func(context.Context, *request) (response, error) {
		panic("kaboom")
	}, responses, pipeline.WithLogger(quietLogger())).Use(step("gate", e.cleanup("gate")))

	resp := p.Run(context.Background(), &request{})

	assert.Equal(t, 500, resp.status)
	_, seen := e.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, pipeline.Failed, seen[0].Reason)
	assert.ErrorIs(t, seen[0].Err, pipeline.ErrPanic)
}

func TestStagePanicRunsEarlierCleanups(t *testing.T) {
	var e exits
	p := pipeline.New(okHandler, responses, pipeline.WithLogger(quietLogger())).Use(
		step("auth", e.cleanup("auth")),
		func(context.Context, *request) pipeline.Admission[response] { panic("bad stage") },
	)

	resp := p.Run(context.Background(), &request{})

	assert.Equal(t, 500, resp.status)
	calls, seen := e.snapshot()
	assert.Equal(t, []string{"auth"}, calls)
	assert.Equal(t, pipeline.Failed, seen[0].Reason)
}

func TestCleanupFailuresAreIsolated(t *testing.T) {
	var e exits
	p := pipeline.New(okHandler, responses, pipeline.WithLogger(quietLogger())).Use(
		step("first", func(context.Context, pipeline.Exit) error { return errors.New("cleanup error") }),
		step("second", func(context.Context, pipeline.Exit) error { panic("cleanup panic") }),
		step("third", e.cleanup("third")),
	)

	resp := p.Run(context.Background(), &request{})

	assert.Equal(t, response{status: 200, body: "ok"}, resp)
	calls, _ := e.snapshot()
	assert.Equal(t, []string{"third"}, calls)
}

func TestTimeoutReturnsWhileHandlerContinues(t *testing.T) {
	var e exits
	release := make(chan struct{})
	var finished atomic.Bool
	tasks := pipeline.NewBackground(quietLogger())

	p := pipeline.New(func(ctx context.Context, _ *request) (response, error) {
		<-release
		finished.Store(true)
		assert.NoError(t, ctx.Err(), "handler context must not be cancelled")
		return response{status: 200}, nil
	}, responses,
		pipeline.WithTimeout(20*time.Millisecond),
		pipeline.WithBackground(tasks),
		pipeline.WithLogger(quietLogger()),
	).Use(step("gate", e.cleanup("gate")))

	start := time.Now()
	resp := p.Run(context.Background(), &request{})

	assert.Equal(t, response{status: 504, body: "timeout"}, resp)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, finished.Load())
	assert.Equal(t, int64(1), tasks.Pending())

	_, seen := e.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, pipeline.TimedOut, seen[0].Reason)
	assert.ErrorIs(t, seen[0].Err, pipeline.ErrTimeout)
	select {
	case <-seen[0].Done:
		t.Fatal("handler is still running")
	default:
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tasks.Wait(ctx))
	assert.True(t, finished.Load())
	<-seen[0].Done
}

func TestCallerCancellationIsTimedOut(t *testing.T) {
	var e exits
	release := make(chan struct{})
	defer close(release)

	p := pipeline.New(func(context.Context, *request) (response, error) {
		<-release
		return response{}, nil
	}, responses, pipeline.WithLogger(quietLogger())).Use(step("gate", e.cleanup("gate")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := p.Run(ctx, &request{})

	assert.Equal(t, 504, resp.status)
	_, seen := e.snapshot()
	require.Len(t, seen, 1)
	assert.Equal(t, pipeline.TimedOut, seen[0].Reason)
	assert.ErrorIs(t, seen[0].Err, context.Canceled)
}

func TestCleanupsRunExactlyOnceUnderConcurrency(t *testing.T) {
	var count atomic.Int64
	p := pipeline.New(okHandler, responses, pipeline.WithLogger(quietLogger())).Use(
		step("gate", func(context.Context, pipeline.Exit) error {
			count.Add(1)
			return nil
		}),
	)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(context.Background(), &request{})
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), count.Load())
}

func TestCleanupContextSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var cleanupErr error
	p := pipeline.New(func(context.Context, *request) (response, error) {
		cancel()
		return response{status: 200}, nil
	}, responses, pipeline.WithLogger(quietLogger())).Use(
		step("gate", func(ctx context.Context, _ pipeline.Exit) error {
			cleanupErr = ctx.Err()
			return nil
		}),
	)

	p.Run(ctx, &request{})
	assert.NoError(t, cleanupErr)
}

func TestHandlerDoneBeforeCleanups(t *testing.T) {
	var open atomic.Int64
	p := pipeline.New(okHandler, responses, pipeline.WithLogger(quietLogger())).Use(
		step("gate", func(_ context.Context, exit pipeline.Exit) error {
			select {
			case <-exit.Done:
			default:
				open.Add(1)
			}
			return nil
		}),
	)

	for range 2000 {
		p.Run(context.Background(), &request{})
	}
	assert.Zero(t, open.Load(), "done must be closed when a completed exit reaches cleanups")
}
