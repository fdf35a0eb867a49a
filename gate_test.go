package creditgate_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	cg "github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// settableClock returns whatever time it was last set to.
type settableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *settableClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestGate(opts ...cg.Option) (*cg.Gate, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return cg.NewGate(ms, append([]cg.Option{cg.WithClock(fixedClock)}, opts...)...), ms
}

func TestRatePolicy_Admits(t *testing.T) {
	p := cg.RatePolicy{Limit: 3, Window: time.Minute, MaxPending: 2}

	assert.True(t, p.Admits(0, 0))
	assert.True(t, p.Admits(2, 1))
	assert.False(t, p.Admits(3, 0), "window full")
	assert.False(t, p.Admits(1, 2), "too many pending")

	unbounded := cg.RatePolicy{}
	assert.True(t, unbounded.Admits(1_000, 1_000))

	assert.Equal(t, testNow.Add(-time.Minute), p.WindowStart(testNow))
}

func TestGate_ReserveAndCommit(t *testing.T) {
	rm := &recordingMeter{}
	g, _ := newTestGate(cg.WithMeter(rm))
	ctx := context.Background()

	r, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, cg.ReservationPending, r.Status)
	assert.Equal(t, testNow, r.CreatedAt)

	got, err := g.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, cg.ReservationPending, got.Status)
	assert.Nil(t, got.ConsumedCredit)

	require.NoError(t, g.Commit(ctx, r.ID, cg.Outcome{
		Status:         cg.ReservationFinished,
		ConsumedCredit: cg.Int64Ptr(20),
		Model:          cg.StringPtr("flux"),
	}))

	got, err = g.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, cg.ReservationFinished, got.Status)
	require.NotNil(t, got.ConsumedCredit)
	assert.Equal(t, int64(20), *got.ConsumedCredit)
	require.NotNil(t, got.Model)
	assert.Equal(t, "flux", *got.Model)
	assert.Nil(t, got.Tool)

	require.Len(t, rm.reserves, 1)
	assert.True(t, rm.reserves[0].Admitted)
	assert.Equal(t, r.ID, rm.reserves[0].ReservationID)
	require.Len(t, rm.commits, 1)
	assert.True(t, rm.commits[0].Applied)
}

func TestGate_CommitIsFinalOnce(t *testing.T) {
	rm := &recordingMeter{}
	g, _ := newTestGate(cg.WithMeter(rm))
	ctx := context.Background()

	r, err := g.Reserve(ctx, "u1", cg.TaskVideo)
	require.NoError(t, err)

	require.NoError(t, g.Commit(ctx, r.ID, cg.Outcome{Status: cg.ReservationFailed}))
	require.NoError(t, g.Commit(ctx, r.ID, cg.Outcome{Status: cg.ReservationFinished, ConsumedCredit: cg.Int64Ptr(5)}))

	got, err := g.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, cg.ReservationFailed, got.Status)
	assert.Nil(t, got.ConsumedCredit)

	require.Len(t, rm.commits, 2)
	assert.True(t, rm.commits[0].Applied)
	assert.False(t, rm.commits[1].Applied)
}

func TestGate_CommitMissingIsNoop(t *testing.T) {
	g, _ := newTestGate()
	assert.NoError(t, g.Commit(context.Background(), "missing", cg.Outcome{Status: cg.ReservationFailed}))

	_, err := g.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, cg.ErrReservationNotFound)
}

func TestGate_CommitRequiresTerminalStatus(t *testing.T) {
	g, _ := newTestGate()
	r, err := g.Reserve(context.Background(), "u1", cg.TaskImage)
	require.NoError(t, err)

	err = g.Commit(context.Background(), r.ID, cg.Outcome{Status: cg.ReservationPending})
	assert.ErrorIs(t, err, cg.ErrInvalidParams)
	assert.Equal(t, cg.CodeInvalidParams, cg.CodeOf(err))
}

func TestGate_PendingCap(t *testing.T) {
	g, _ := newTestGate(cg.WithRatePolicy(cg.TaskVideo, cg.RatePolicy{Limit: 100, Window: time.Minute, MaxPending: 2}))
	ctx := context.Background()

	first, err := g.Reserve(ctx, "u1", cg.TaskVideo)
	require.NoError(t, err)
	_, err = g.Reserve(ctx, "u1", cg.TaskVideo)
	require.NoError(t, err)

	_, err = g.Reserve(ctx, "u1", cg.TaskVideo)
	assert.ErrorIs(t, err, cg.ErrRateLimited)

	_, err = g.Reserve(ctx, "u2", cg.TaskVideo)
	assert.NoError(t, err, "limits are per user")
	_, err = g.Reserve(ctx, "u1", cg.TaskImage)
	assert.NoError(t, err, "limits are per task type")

	require.NoError(t, g.Commit(ctx, first.ID, cg.Outcome{Status: cg.ReservationFinished}))
	_, err = g.Reserve(ctx, "u1", cg.TaskVideo)
	assert.NoError(t, err, "finalizing frees a pending slot")
}

func TestGate_WindowSlides(t *testing.T) {
	clock := &settableClock{now: testNow}
	ms := store.NewMemoryStore()
	g := cg.NewGate(ms,
		cg.WithClock(clock.Now),
		cg.WithDefaultRatePolicy(cg.RatePolicy{Limit: 2, Window: time.Minute}),
	)
	ctx := context.Background()

	for range 2 {
		r, err := g.Reserve(ctx, "u1", cg.TaskImage)
		require.NoError(t, err)
		require.NoError(t, g.Commit(ctx, r.ID, cg.Outcome{Status: cg.ReservationFinished}))
	}

	clock.Set(testNow.Add(59 * time.Second))
	_, err := g.Reserve(ctx, "u1", cg.TaskImage)
	assert.ErrorIs(t, err, cg.ErrRateLimited, "finished reservations still count toward the window")

	clock.Set(testNow.Add(time.Minute))
	_, err = g.Reserve(ctx, "u1", cg.TaskImage)
	assert.NoError(t, err, "a reservation exactly one window old has left the window")
}

func TestGate_RejectionMeteredAndNothingInserted(t *testing.T) {
	rm := &recordingMeter{}
	g, _ := newTestGate(cg.WithMeter(rm), cg.WithDefaultRatePolicy(cg.RatePolicy{MaxPending: 1}))
	ctx := context.Background()

	_, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.NoError(t, err)
	rejected, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.ErrorIs(t, err, cg.ErrRateLimited)
	assert.Empty(t, rejected.ID)

	require.Len(t, rm.reserves, 2)
	assert.False(t, rm.reserves[1].Admitted)
	assert.ErrorIs(t, rm.reserves[1].Error, cg.ErrRateLimited)
	assert.Equal(t, cg.CodeRateLimited, cg.CodeOf(rm.reserves[1].Error))
}

func TestGate_ConcurrentReserveHonorsPendingCap(t *testing.T) {
	g, _ := newTestGate(cg.WithDefaultRatePolicy(cg.RatePolicy{Limit: 100, Window: time.Minute, MaxPending: 3}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Reserve(context.Background(), "u1", cg.TaskImage); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, admitted)
}

func TestGate_Policy(t *testing.T) {
	video := cg.RatePolicy{Limit: 5, Window: time.Hour, MaxPending: 1}
	g, _ := newTestGate(cg.WithRatePolicy(cg.TaskVideo, video))

	assert.Equal(t, video, g.Policy(cg.TaskVideo))
	assert.Equal(t, cg.DefaultRatePolicy, g.Policy(cg.TaskImage))
}

func TestGate_Sweep(t *testing.T) {
	clock := &settableClock{now: testNow}
	var buf bytes.Buffer
	g := cg.NewGate(store.NewMemoryStore(),
		cg.WithClock(clock.Now),
		cg.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)
	ctx := context.Background()

	stale, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.NoError(t, err)
	done, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.NoError(t, err)
	require.NoError(t, g.Commit(ctx, done.ID, cg.Outcome{Status: cg.ReservationFinished}))

	clock.Set(testNow.Add(10 * time.Minute))
	fresh, err := g.Reserve(ctx, "u1", cg.TaskImage)
	require.NoError(t, err)

	n, err := g.Sweep(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, buf.String(), "stale reservations failed")

	for id, want := range map[string]cg.ReservationStatus{
		stale.ID: cg.ReservationFailed,
		done.ID:  cg.ReservationFinished,
		fresh.ID: cg.ReservationPending,
	} {
		got, err := g.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

// brokenGateStore fails reservations with a driver error.
type brokenGateStore struct {
	*store.MemoryStore
}

func (brokenGateStore) Reserve(context.Context, cg.Reservation, cg.RatePolicy) error {
	return errors.New("dial tcp: connection refused")
}

func TestGate_StoreFailureIsUnavailable(t *testing.T) {
	g := cg.NewGate(brokenGateStore{store.NewMemoryStore(store.WithNamespace(cg.NamespaceProduction))}, cg.WithClock(fixedClock))

	_, err := g.Reserve(context.Background(), "u1", cg.TaskImage)
	require.ErrorIs(t, err, cg.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, cg.ErrRateLimited)

	var se *cg.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "reserve", se.Op)
	assert.Equal(t, cg.NamespaceProduction, se.Namespace)
}
