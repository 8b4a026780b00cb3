package filecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutNotVisibleBeforeCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put("ip_1.2.3.4", []byte("x"), time.Now().Add(time.Minute)))
	_, ok, err := s.Get(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	ok2, err := s.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, ok2)

	v, ok, err := s.Get(ctx, "ip_1.2.3.4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), v)
}

func TestGetExpiredIsAMiss(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put("k", []byte("v"), time.Now().Add(-time.Second)))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearByTagRemovesExactlyTaggedEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put("a", []byte("1"), time.Now().Add(time.Minute), "remediation"))
	require.NoError(t, s.Put("b", []byte("2"), time.Now().Add(time.Minute), "remediation"))
	require.NoError(t, s.Put("c", []byte("3"), time.Now().Add(time.Minute), "geolocation"))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, s.ClearByTag(ctx, "remediation"))

	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "c")
	assert.True(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put("a", []byte("1"), time.Now().Add(time.Minute), "remediation"))
	require.NoError(t, s.Put("c", []byte("3"), time.Now().Add(time.Minute), "geolocation"))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Clear(ctx))

	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "c")
	assert.False(t, ok)
}

func TestDeleteRemovesTagIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put("a", []byte("1"), time.Now().Add(time.Minute), "remediation"))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.ClearByTag(ctx, "remediation")) // must not resurrect or error

	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Put("expired", []byte("x"), time.Now().Add(-time.Minute)))
	require.NoError(t, s.Put("live", []byte("y"), time.Now().Add(time.Hour)))
	_, err := s.Commit(ctx)
	require.NoError(t, err)

	removed, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := s.Get(ctx, "live")
	assert.True(t, ok)
}

func TestEntryExceedingMaxSizeFails(t *testing.T) {
	s := newTestStore(t)
	huge := make([]byte, 2<<20)
	err := s.Put("big", huge, time.Now().Add(time.Minute))
	require.Error(t, err)
}
