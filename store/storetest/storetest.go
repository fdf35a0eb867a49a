// Package storetest is a conformance suite run against every ledger and
// gate backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
)

// Now is the fixed instant the suite runs at.
var Now = time.Unix(1_760_000_000, 0).UTC()

const day = 24 * time.Hour

// LedgerBackend is a store the ledger suite can seed and inspect.
type LedgerBackend interface {
	creditgate.LedgerStore
	creditgate.BillingStore
}

// RunLedger runs the ledger conformance tests. newStore must return an
// empty store for ns.
func RunLedger(t *testing.T, ns creditgate.Namespace, newStore func(t *testing.T, ns creditgate.Namespace) LedgerBackend) {
	t.Run("WaterfallSoonestExpiryFirst", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 5)
		seedGrant(t, s, grant("g-late", "u1", 10, Now.Add(60*day), Now.Add(20*day)))
		seedGrant(t, s, grant("g-soon", "u1", 10, Now.Add(30*day), Now.Add(20*day)))

		d, err := s.Debit(ctx, "u1", 15, Now)
		require.NoError(t, err)
		assert.Equal(t, []creditgate.Deduction{{GrantID: "g-soon", Amount: 10}, {GrantID: "g-late", Amount: 5}}, d.Grants)
		assert.Equal(t, int64(0), d.FreeCredit)

		grants := listByID(t, s, "u1")
		assert.Equal(t, int64(0), grants["g-soon"].CreditRemaining)
		assert.Equal(t, int64(5), grants["g-late"].CreditRemaining)
	})

	t.Run("ScenarioA", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 5)
		seedGrant(t, s, grant("g1", "u1", 10, Now.Add(30*day), Now.Add(30*day)))

		d, err := s.Debit(ctx, "u1", 12, Now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), d.FreeCredit)

		acct, grants, err := s.Snapshot(ctx, "u1", Now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.FreeCredit)
		require.Len(t, grants, 1)
		assert.Equal(t, int64(0), grants[0].CreditRemaining)
	})

	t.Run("InsufficientCreditMutatesNothing", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 3)
		seedGrant(t, s, grant("g1", "u1", 4, Now.Add(30*day), Now.Add(30*day)))

		_, err := s.Debit(ctx, "u1", 8, Now)
		assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit)

		acct, grants, err := s.Snapshot(ctx, "u1", Now)
		require.NoError(t, err)
		assert.Equal(t, int64(3), acct.FreeCredit)
		assert.Equal(t, int64(4), grants[0].CreditRemaining)
	})

	t.Run("LapsedGrantsNotSpendable", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 1)
		seedGrant(t, s, grant("expired", "u1", 50, Now.Add(-time.Second), Now.Add(-time.Second)))
		seedGrant(t, s, grant("period-over", "u1", 50, Now.Add(10*day), Now))

		acct, grants, err := s.Snapshot(ctx, "u1", Now)
		require.NoError(t, err)
		assert.Empty(t, grants)
		assert.Equal(t, int64(1), creditgate.SpendableBalance(acct, grants, Now))

		_, err = s.Debit(ctx, "u1", 2, Now)
		assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit)
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()

		_, _, err := s.Snapshot(ctx, "ghost", Now)
		assert.ErrorIs(t, err, creditgate.ErrAccountNotFound)
		_, err = s.Debit(ctx, "ghost", 1, Now)
		assert.ErrorIs(t, err, creditgate.ErrAccountNotFound)
	})

	t.Run("ConcurrentDebitNoOverdraft", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 4)
		seedGrant(t, s, grant("g1", "u1", 6, Now.Add(30*day), Now.Add(30*day)))

		var wg sync.WaitGroup
		var ok, insufficient atomic.Int64
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Debit(ctx, "u1", 3, Now)
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit):
					insufficient.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(3), ok.Load())
		assert.Equal(t, int64(5), insufficient.Load())
		acct, grants, err := s.Snapshot(ctx, "u1", Now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), creditgate.SpendableBalance(acct, grants, Now))
	})

	t.Run("ScenarioB", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 10)

		errs := make(chan error, 2)
		for range 2 {
			go func() {
				_, err := s.Debit(ctx, "u1", 8, Now)
				errs <- err
			}()
		}
		var succeeded int
		for range 2 {
			if err := <-errs; err == nil {
				succeeded++
			} else {
				assert.ErrorIs(t, err, creditgate.ErrInsufficientCredit)
			}
		}
		assert.Equal(t, 1, succeeded)

		acct, _, err := s.Snapshot(ctx, "u1", Now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), acct.FreeCredit)
	})

	t.Run("ScenarioC", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)
		g := grant("g1", "u1", 7, Now.Add(10*day), Now.Add(-time.Second))
		g.CreditPerPeriod = 100
		seedGrant(t, s, g)

		n, err := s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		renewed := listByID(t, s, "u1")["g1"]
		assert.True(t, renewed.PeriodExpiresAt.Equal(Now.Add(10*day)), "period capped at expiry, got %v", renewed.PeriodExpiresAt)
		assert.Equal(t, int64(100), renewed.CreditRemaining)
	})

	t.Run("RenewalAdvancesOnePeriod", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)
		g := grant("g1", "u1", 0, Now.Add(365*day), Now.Add(-90*day))
		g.CreditPerPeriod = 40
		seedGrant(t, s, g)

		n, err := s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.True(t, listByID(t, s, "u1")["g1"].PeriodExpiresAt.Equal(Now.Add(-60*day)))

		// Still overdue: each call moves exactly one more period.
		n, err = s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.True(t, listByID(t, s, "u1")["g1"].PeriodExpiresAt.Equal(Now.Add(-30*day)))
	})

	t.Run("RenewalIdempotent", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)
		g := grant("g1", "u1", 0, Now.Add(90*day), Now.Add(-time.Hour))
		g.CreditPerPeriod = 30
		seedGrant(t, s, g)

		n, err := s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		before := listByID(t, s, "u1")["g1"]

		n, err = s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.Equal(t, before, listByID(t, s, "u1")["g1"])
	})

	t.Run("ConcurrentRenewalRenewsOnce", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)
		g := grant("g1", "u1", 0, Now.Add(90*day), Now.Add(-time.Hour))
		g.CreditPerPeriod = 30
		seedGrant(t, s, g)

		var wg sync.WaitGroup
		var total atomic.Int64
		for range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
				assert.NoError(t, err)
				total.Add(n)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(1), total.Load())
	})

	t.Run("RenewalSkipsOneOffCancelledAndExpired", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)

		oneOff := grant("one-off", "u1", 0, Now.Add(90*day), Now.Add(-time.Hour))
		oneOff.PlanCode = creditgate.RecurringPlanCodeLimit
		cancelled := grant("cancelled", "u1", 0, Now.Add(90*day), Now.Add(-time.Hour))
		cancelled.Status = creditgate.GrantCancelled
		expired := grant("expired", "u1", 0, Now.Add(-time.Hour), Now.Add(-time.Hour))
		for _, g := range []creditgate.SubscriptionGrant{oneOff, cancelled, expired} {
			g.CreditPerPeriod = 10
			seedGrant(t, s, g)
		}

		n, err := s.RenewGrants(ctx, "u1", Now, creditgate.DefaultRenewalRule)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("RenewalBound", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		seedAccount(t, s, "u1", 0)
		g := grant("g1", "u1", 0, Now.Add(45*day), Now.Add(-100*day))
		g.CreditPerPeriod = 10
		seedGrant(t, s, g)

		for i := range 10 {
			at := Now.Add(time.Duration(i) * 20 * day)
			_, err := s.RenewGrants(ctx, "u1", at, creditgate.DefaultRenewalRule)
			require.NoError(t, err)
			got := listByID(t, s, "u1")["g1"]
			assert.False(t, got.PeriodExpiresAt.After(got.ExpiresAt), "period beyond expiry after call %d", i)
		}
	})
}

// RunGate runs the gate conformance tests.
func RunGate(t *testing.T, ns creditgate.Namespace, newStore func(t *testing.T, ns creditgate.Namespace) creditgate.GateStore) {
	policy := creditgate.RatePolicy{Limit: 3, Window: time.Minute}

	t.Run("AdmissionBoundary", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()

		for i := range 3 {
			require.NoError(t, s.Reserve(ctx, reservation("u1", creditgate.TaskImage, Now.Add(time.Duration(i)*time.Second)), policy))
		}

		// Scenario D: window at capacity.
		rejected := reservation("u1", creditgate.TaskImage, Now.Add(3*time.Second))
		err := s.Reserve(ctx, rejected, policy)
		assert.ErrorIs(t, err, creditgate.ErrRateLimited)
		_, err = s.Get(ctx, rejected.ID)
		assert.ErrorIs(t, err, creditgate.ErrReservationNotFound)

		// Other task types and users have their own windows.
		assert.NoError(t, s.Reserve(ctx, reservation("u1", creditgate.TaskVideo, Now.Add(3*time.Second)), policy))
		assert.NoError(t, s.Reserve(ctx, reservation("u2", creditgate.TaskImage, Now.Add(3*time.Second)), policy))

		// The window slides: the first reservation leaves it after one minute.
		assert.NoError(t, s.Reserve(ctx, reservation("u1", creditgate.TaskImage, Now.Add(time.Minute)), policy))
	})

	t.Run("FinalizedReservationsStillCount", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()

		for i := range 3 {
			r := reservation("u1", creditgate.TaskImage, Now.Add(time.Duration(i)*time.Second))
			require.NoError(t, s.Reserve(ctx, r, policy))
			_, err := s.Finalize(ctx, r.ID, creditgate.Outcome{Status: creditgate.ReservationFinished})
			require.NoError(t, err)
		}
		err := s.Reserve(ctx, reservation("u1", creditgate.TaskImage, Now.Add(4*time.Second)), policy)
		assert.ErrorIs(t, err, creditgate.ErrRateLimited)
	})

	t.Run("MaxPending", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		p := creditgate.RatePolicy{MaxPending: 2}

		first := reservation("u1", creditgate.TaskVideo, Now)
		require.NoError(t, s.Reserve(ctx, first, p))
		require.NoError(t, s.Reserve(ctx, reservation("u1", creditgate.TaskVideo, Now), p))
		assert.ErrorIs(t, s.Reserve(ctx, reservation("u1", creditgate.TaskVideo, Now), p), creditgate.ErrRateLimited)

		_, err := s.Finalize(ctx, first.ID, creditgate.Outcome{Status: creditgate.ReservationFailed})
		require.NoError(t, err)
		assert.NoError(t, s.Reserve(ctx, reservation("u1", creditgate.TaskVideo, Now), p))
	})

	t.Run("ConcurrentReserveNeverOverAdmits", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()

		var wg sync.WaitGroup
		var admitted atomic.Int64
		for range 12 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.Reserve(ctx, reservation("u1", creditgate.TaskImage, Now), policy)
				if err == nil {
					admitted.Add(1)
					return
				}
				assert.ErrorIs(t, err, creditgate.ErrRateLimited)
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(policy.Limit), admitted.Load())
	})

	t.Run("FinalizeOnce", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		r := reservation("u1", creditgate.TaskImage, Now)
		require.NoError(t, s.Reserve(ctx, r, policy))

		applied, err := s.Finalize(ctx, r.ID, creditgate.Outcome{
			Status:         creditgate.ReservationFinished,
			ConsumedCredit: creditgate.Int64Ptr(12),
			Model:          creditgate.StringPtr("flux"),
			Tool:           creditgate.StringPtr("upscale"),
		})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = s.Finalize(ctx, r.ID, creditgate.Outcome{Status: creditgate.ReservationFailed})
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, creditgate.ReservationFinished, got.Status)
		require.NotNil(t, got.ConsumedCredit)
		assert.Equal(t, int64(12), *got.ConsumedCredit)
		require.NotNil(t, got.Model)
		assert.Equal(t, "flux", *got.Model)
		require.NotNil(t, got.Tool)
		assert.Equal(t, "upscale", *got.Tool)
		assert.Equal(t, creditgate.TaskImage, got.TaskType)
		assert.Equal(t, "u1", got.UserID)
		assert.True(t, got.CreatedAt.Equal(Now), "created_at %v", got.CreatedAt)
	})

	t.Run("FinalizeMissing", func(t *testing.T) {
		s := newStore(t, ns)
		applied, err := s.Finalize(context.Background(), uuid.NewString(), creditgate.Outcome{Status: creditgate.ReservationFailed})
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("ExpirePending", func(t *testing.T) {
		s := newStore(t, ns)
		ctx := context.Background()
		old := reservation("u1", creditgate.TaskImage, Now.Add(-time.Hour))
		fresh := reservation("u1", creditgate.TaskImage, Now)
		done := reservation("u2", creditgate.TaskImage, Now.Add(-time.Hour))
		for _, r := range []creditgate.Reservation{old, fresh, done} {
			require.NoError(t, s.Reserve(ctx, r, creditgate.RatePolicy{}))
		}
		_, err := s.Finalize(ctx, done.ID, creditgate.Outcome{Status: creditgate.ReservationFinished})
		require.NoError(t, err)

		n, err := s.ExpirePending(ctx, Now.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.Get(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, creditgate.ReservationFailed, got.Status)
		got, err = s.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, creditgate.ReservationPending, got.Status)
		got, err = s.Get(ctx, done.ID)
		require.NoError(t, err)
		assert.Equal(t, creditgate.ReservationFinished, got.Status)
	})
}

func grant(id, userID string, remaining int64, expires, periodExpires time.Time) creditgate.SubscriptionGrant {
	return creditgate.SubscriptionGrant{
		ID:              id,
		UserID:          userID,
		PlanCode:        1,
		CreditPerPeriod: remaining,
		CreditRemaining: remaining,
		ExpiresAt:       expires,
		PeriodExpiresAt: periodExpires,
		Status:          creditgate.GrantActive,
	}
}

func reservation(userID string, task creditgate.TaskType, at time.Time) creditgate.Reservation {
	return creditgate.Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		TaskType:  task,
		Status:    creditgate.ReservationPending,
		CreatedAt: at,
	}
}

func seedAccount(t *testing.T, s creditgate.BillingStore, id string, free int64) {
	t.Helper()
	require.NoError(t, s.PutAccount(context.Background(), creditgate.UserAccount{ID: id, FreeCredit: free}))
}

func seedGrant(t *testing.T, s creditgate.BillingStore, g creditgate.SubscriptionGrant) {
	t.Helper()
	require.NoError(t, s.PutGrant(context.Background(), g), fmt.Sprintf("seed grant %s", g.ID))
}

func listByID(t *testing.T, s creditgate.BillingStore, userID string) map[string]creditgate.SubscriptionGrant {
	t.Helper()
	grants, err := s.ListGrants(context.Background(), userID)
	require.NoError(t, err)
	out := make(map[string]creditgate.SubscriptionGrant, len(grants))
	for _, g := range grants {
		out[g.ID] = g
	}
	return out
}
