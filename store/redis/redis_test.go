//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/creditgate"
	gateredis "github.com/ineyio/creditgate/store/redis"
	"github.com/ineyio/creditgate/store/storetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err(), "redis not available at %s", addr)
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client, ns creditgate.Namespace, opts ...gateredis.Option) *gateredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + string(ns) + ":" + t.Name() + ":"
	s := gateredis.New(client, append([]gateredis.Option{
		gateredis.WithNamespace(ns),
		gateredis.WithKeyPrefix(prefix),
	}, opts...)...)
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestRedisGateStore(t *testing.T) {
	client := newTestClient(t)
	for _, ns := range creditgate.Namespaces {
		t.Run(string(ns), func(t *testing.T) {
			storetest.RunGate(t, ns, func(t *testing.T, ns creditgate.Namespace) creditgate.GateStore {
				return newTestStore(t, client, ns)
			})
		})
	}
}

func TestFinalizedRecordExpiresAfterRetention(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client, creditgate.NamespaceStaging, gateredis.WithRetention(time.Hour))
	ctx := context.Background()

	r := creditgate.Reservation{ID: "r1", UserID: "u1", TaskType: creditgate.TaskImage, CreatedAt: storetest.Now}
	require.NoError(t, s.Reserve(ctx, r, creditgate.DefaultRatePolicy))

	applied, err := s.Finalize(ctx, r.ID, creditgate.Outcome{Status: creditgate.ReservationFinished})
	require.NoError(t, err)
	require.True(t, applied)

	ttl, err := client.PTTL(ctx, "test:staging:"+t.Name()+":res:r1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestDefaultKeyPrefixPerNamespace(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:0"})
	defer client.Close()

	s := gateredis.New(client, gateredis.WithNamespace(creditgate.NamespaceProduction))
	assert.Equal(t, creditgate.NamespaceProduction, s.Namespace())
}

func TestReserveCountsEntriesFromAheadClocks(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client, creditgate.NamespaceStaging)
	ctx := context.Background()
	policy := creditgate.RatePolicy{Limit: 2, Window: time.Minute}

	ahead := storetest.Now.Add(20 * time.Second)
	for _, id := range []string{"r1", "r2"} {
		r := creditgate.Reservation{ID: id, UserID: "u1", TaskType: creditgate.TaskImage, CreatedAt: ahead}
		require.NoError(t, s.Reserve(ctx, r, policy))
	}

	behind := creditgate.Reservation{ID: "r3", UserID: "u1", TaskType: creditgate.TaskImage, CreatedAt: storetest.Now}
	assert.ErrorIs(t, s.Reserve(ctx, behind, policy), creditgate.ErrRateLimited)
}
