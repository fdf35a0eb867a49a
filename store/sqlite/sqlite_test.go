package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	"github.com/ineyio/creditgate/store/sqlite"
	"github.com/ineyio/creditgate/store/storetest"
)

func openStore(t *testing.T, ns creditgate.Namespace) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "creditgate.db")
	s, err := sqlite.Open(context.Background(), path, sqlite.WithNamespace(ns))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	for _, ns := range creditgate.Namespaces {
		t.Run(string(ns), func(t *testing.T) {
			storetest.RunLedger(t, ns, func(t *testing.T, ns creditgate.Namespace) storetest.LedgerBackend {
				return openStore(t, ns)
			})
			storetest.RunGate(t, ns, func(t *testing.T, ns creditgate.Namespace) creditgate.GateStore {
				return openStore(t, ns)
			})
		})
	}
}

func TestSQLiteNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	staging, err := sqlite.Open(ctx, path, sqlite.WithNamespace(creditgate.NamespaceStaging))
	require.NoError(t, err)
	defer staging.Close()
	production, err := sqlite.Open(ctx, path, sqlite.WithNamespace(creditgate.NamespaceProduction))
	require.NoError(t, err)
	defer production.Close()

	require.NoError(t, staging.PutAccount(ctx, creditgate.UserAccount{ID: "u1", FreeCredit: 10}))

	_, _, err = production.Snapshot(ctx, "u1", storetest.Now)
	assert.ErrorIs(t, err, creditgate.ErrAccountNotFound)

	acct, _, err := staging.Snapshot(ctx, "u1", storetest.Now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.FreeCredit)
}

func TestSQLiteFinalizeKeepsModelWhenOmitted(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, creditgate.NamespaceStaging)

	r := creditgate.Reservation{
		ID:        "r1",
		UserID:    "u1",
		TaskType:  creditgate.TaskImage,
		CreatedAt: storetest.Now,
	}
	require.NoError(t, s.Reserve(ctx, r, creditgate.DefaultRatePolicy))

	ok, err := s.Finalize(ctx, "r1", creditgate.Outcome{
		Status: creditgate.ReservationFinished,
		Model:  creditgate.StringPtr("flux-pro"),
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got.Model)
	assert.Equal(t, "flux-pro", *got.Model)
	assert.Nil(t, got.Tool)
	assert.Nil(t, got.ConsumedCredit)
	assert.Equal(t, storetest.Now, got.CreatedAt)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.PutAccount(ctx, creditgate.UserAccount{ID: "u1", FreeCredit: 7}))
	require.NoError(t, s.PutGrant(ctx, creditgate.SubscriptionGrant{
		ID:              "g1",
		UserID:          "u1",
		PlanCode:        1,
		CreditPerPeriod: 100,
		CreditRemaining: 40,
		ExpiresAt:       storetest.Now.Add(90 * 24 * time.Hour),
		PeriodExpiresAt: storetest.Now.Add(24 * time.Hour),
		Status:          creditgate.GrantActive,
	}))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	grants, err := s.ListGrants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, int64(40), grants[0].CreditRemaining)
	assert.Equal(t, storetest.Now.Add(24*time.Hour), grants[0].PeriodExpiresAt)
}
