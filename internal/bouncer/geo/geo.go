// Package geo implements the Geo collaborator the Resolver consults
// for the country scope: an IP-to-ISO-country lookup backed by a
// MaxMind GeoLite2 database, memoised through the Cache Store so a
// repeated lookup for the same IP does not query the database again.
package geo

import (
	"context"
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
)

// geoKeyPrefix namespaces the memoisation cache entry from decision
// and CAPTCHA keys sharing the same Cache Store.
const geoKeyPrefix = "geo:"

// countryDB is the slice of *geoip2.Reader the Locator depends on,
// narrowed to ease substituting a fake in tests.
type countryDB interface {
	Country(ip net.IP) (*geoip2.Country, error)
}

// Locator resolves an IP to an ISO 3166-1 alpha-2 country code.
type Locator struct {
	db      countryDB
	store   cache.Store
	memoTTL time.Duration
}

// Open loads a GeoLite2-Country (or City) database from path. memoTTL
// bounds how long a resolved country is trusted before a fresh MaxMind
// lookup is performed (spec §3/§6: geolocation_cache_duration); country
// assignment shifts rarely but is not permanently stable (IP
// reallocation).
func Open(path string, store cache.Store, memoTTL time.Duration) (*Locator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, bouncererr.NewConfigError("open geo database: %v", err)
	}
	return &Locator{db: db, store: store, memoTTL: memoTTL}, nil
}

// New wraps an already-open countryDB (primarily for tests; production
// callers use Open).
func New(db countryDB, store cache.Store, memoTTL time.Duration) *Locator {
	return &Locator{db: db, store: store, memoTTL: memoTTL}
}

// Close releases the underlying database, if it supports closing.
func (l *Locator) Close() error {
	if closer, ok := l.db.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// CountryForIP implements resolver.Geo. A database miss or a record
// with no country assignment is reported as ok=false rather than an
// error — the spec treats a null country as "skip this scope", not a
// failure (spec §6).
func (l *Locator) CountryForIP(ctx context.Context, ipString string) (string, bool) {
	key := cache.EncodeKey(geoKeyPrefix + ipString)
	if raw, ok, err := l.store.Get(ctx, key); err == nil && ok {
		return string(raw), true
	}

	ip := net.ParseIP(ipString)
	if ip == nil {
		return "", false
	}
	record, err := l.db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}

	iso := record.Country.IsoCode
	_ = l.store.Put(key, []byte(iso), time.Now().Add(l.memoTTL))
	_, _ = l.store.Commit(ctx)
	return iso, true
}
