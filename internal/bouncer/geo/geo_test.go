package geo

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charonguard/bouncer/internal/bouncer/cache/filecache"
)

type fakeDB struct {
	calls   int
	country string
}

func (f *fakeDB) Country(ip net.IP) (*geoip2.Country, error) {
	f.calls++
	c := &geoip2.Country{}
	c.Country.IsoCode = f.country
	return c, nil
}

func newStore(t *testing.T) *filecache.Store {
	t.Helper()
	s, err := filecache.Open(filepath.Join(t.TempDir(), "geo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCountryForIPResolvesAndMemoises(t *testing.T) {
	store := newStore(t)
	db := &fakeDB{country: "FR"}
	loc := New(db, store, 24*time.Hour)

	iso, ok := loc.CountryForIP(context.Background(), "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, "FR", iso)

	iso, ok = loc.CountryForIP(context.Background(), "203.0.113.9")
	require.True(t, ok)
	assert.Equal(t, "FR", iso)
	assert.Equal(t, 1, db.calls)
}

func TestCountryForIPEmptyIsoIsNotOK(t *testing.T) {
	store := newStore(t)
	db := &fakeDB{country: ""}
	loc := New(db, store, 24*time.Hour)

	_, ok := loc.CountryForIP(context.Background(), "203.0.113.9")
	assert.False(t, ok)
}

func TestCountryForIPInvalidIPIsNotOK(t *testing.T) {
	store := newStore(t)
	loc := New(&fakeDB{}, store, 24*time.Hour)

	_, ok := loc.CountryForIP(context.Background(), "not-an-ip")
	assert.False(t, ok)
}
