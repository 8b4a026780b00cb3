// Package cache implements the tag-aware key/value Cache Store (spec C2):
// a pluggable backend (file, Memcached, Redis) behind one contract, with
// deferred writes flushed by an explicit Commit.
package cache

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
)

// EncodeKey base64-encodes a plain scoped key (e.g. "ip:1.2.3.4") so it
// stays within every backend's legal key alphabet. This is the only
// place that knows about the encoding; callers above the Cache Store
// (Decision Index, CAPTCHA state, Geo cache) deal in plain scoped keys.
func EncodeKey(plain string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(plain))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", bouncererr.NewStorageError("decode key", err)
	}
	return string(raw), nil
}

// MaxEntrySize bounds a single stored value. Backends must fail with
// StorageError rather than silently truncate an oversized entry.
const MaxEntrySize = 1 << 20 // 1 MiB

// envelopeVersion is bumped whenever the on-disk/on-wire value layout
// changes incompatibly. A store reading an envelope with a different
// version must reject it with CacheVersionError rather than
// misinterpret the bytes.
const envelopeVersion byte = 1

// Store is the Cache Store contract every backend (file, Memcached,
// Redis) implements identically.
type Store interface {
	// Get returns the raw value for key. ok is false on a clean miss;
	// err is non-nil only for a backend failure or version mismatch.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Has reports whether key currently has a live (unexpired) entry.
	Has(ctx context.Context, key string) (bool, error)

	// Put stages a write to be applied on the next Commit. It validates
	// eagerly (size limits) but does not touch the backend.
	Put(key string, value []byte, expiresAt time.Time, tags ...string) error

	// Commit flushes all staged writes. Returns true if every write
	// succeeded; the pending queue is cleared regardless.
	Commit(ctx context.Context) (bool, error)

	// Delete removes key immediately (not deferred).
	Delete(ctx context.Context, key string) error

	// Clear removes every entry regardless of tag.
	Clear(ctx context.Context) error

	// ClearByTag removes exactly the entries ever tagged with tag.
	ClearByTag(ctx context.Context, tag string) error
}

// Pruner is implemented only by backends that do not expire entries on
// their own (the file backend); periodic callers use it to reclaim
// space held by entries whose TTL has lapsed.
type Pruner interface {
	Prune(ctx context.Context) (removed int, err error)
}

// TagLister is implemented by every backend; it supports the Resolver's
// CIDR range-containment scan (spec §4.5: "scan by tag `remediation`
// for ranges containing this IP"), returning the (still base64-encoded)
// keys ever tagged with tag.
type TagLister interface {
	ListByTag(ctx context.Context, tag string) (keys []string, err error)
}

// EncodeEnvelope prefixes value with a version byte and its absolute
// expiry (unix seconds), so any store can detect stale formats and so
// expiry can be recovered from backends with coarser native TTLs.
func EncodeEnvelope(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, 1+8+len(value))
	buf[0] = envelopeVersion
	binary.BigEndian.PutUint64(buf[1:9], uint64(expiresAt.Unix()))
	copy(buf[9:], value)
	return buf
}

// DecodeEnvelope reverses EncodeEnvelope. It returns CacheVersionError if
// the leading version byte does not match what this build understands.
func DecodeEnvelope(raw []byte) (value []byte, expiresAt time.Time, err error) {
	if len(raw) < 9 {
		return nil, time.Time{}, bouncererr.NewCacheVersionError("envelope too short")
	}
	if raw[0] != envelopeVersion {
		return nil, time.Time{}, bouncererr.NewCacheVersionError("unsupported envelope version")
	}
	expiry := int64(binary.BigEndian.Uint64(raw[1:9]))
	return raw[9:], time.Unix(expiry, 0), nil
}

// ValidateSize rejects entries the backend alphabets cannot legally hold
// without truncation (spec: callers must not silently truncate).
func ValidateSize(value []byte) error {
	if len(value) > MaxEntrySize {
		return bouncererr.NewStorageError("entry exceeds max size", nil)
	}
	return nil
}
