//go:build integration
// +build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// TestRedisStoreRoundTrip requires a reachable Redis instance (REDIS_DSN
// env var, e.g. "localhost:6379") and is gated behind the `integration`
// build tag, matching the teacher's coraza_integration_test.go pattern.
func TestRedisStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("REDIS_DSN")
	if dsn == "" {
		t.Skip("REDIS_DSN not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: dsn})
	defer client.Close()
	store := New(client)

	ctx := context.Background()
	require.NoError(t, store.Put("it:a", []byte("1"), time.Now().Add(time.Minute), "remediation"))
	ok, err := store.Commit(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	v, hit, err := store.Get(ctx, "it:a")
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, store.ClearByTag(ctx, "remediation"))
	_, hit, err = store.Get(ctx, "it:a")
	require.NoError(t, err)
	require.False(t, hit)
}
