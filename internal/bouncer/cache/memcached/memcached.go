// Package memcached implements the Cache Store (spec C2) Memcached
// backend. Entries expire natively via Memcached's own TTL; tag
// membership and the full key index are tracked in two dedicated
// Memcached items (delimited key lists) since Memcached has no native
// set type.
//
// The source bouncer installs a process-wide error handler around every
// Memcached call to convert PHP runtime warnings into typed errors
// (spec §4.2, design note 9). gomemcache already returns typed Go
// errors from every call, so no such trap is needed here — each method
// below wraps the driver's error directly into StorageError.
package memcached

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
)

const (
	keyIndexKey = "bouncer_keys"
	tagKeyPrefix = "bouncer_tag_"
)

// Store is a gomemcache-backed Cache Store.
type Store struct {
	client *memcache.Client

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	key       string
	value     []byte
	expiresAt time.Time
	tags      []string
}

// New wraps an already-configured *memcache.Client.
func New(client *memcache.Client) *Store {
	return &Store{client: client}
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, err := s.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bouncererr.NewStorageError("get", err)
	}
	value, expiresAt, err := cache.DecodeEnvelope(item.Value)
	if err != nil {
		return nil, false, err
	}
	if time.Now().After(expiresAt) {
		return nil, false, nil
	}
	return value, true, nil
}

// Has implements cache.Store.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

// Put implements cache.Store (deferred).
func (s *Store) Put(key string, value []byte, expiresAt time.Time, tags ...string) error {
	if err := cache.ValidateSize(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingWrite{key: key, value: value, expiresAt: expiresAt, tags: tags})
	return nil
}

// Commit implements cache.Store.
func (s *Store) Commit(_ context.Context) (bool, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return true, nil
	}

	for _, w := range batch {
		ttl := int32(time.Until(w.expiresAt).Seconds())
		if ttl <= 0 {
			ttl = 1
		}
		item := &memcache.Item{Key: w.key, Value: cache.EncodeEnvelope(w.value, w.expiresAt), Expiration: ttl}
		if err := s.client.Set(item); err != nil {
			return false, bouncererr.NewStorageError("commit", err)
		}
		if err := s.addToIndex(keyIndexKey, w.key); err != nil {
			return false, err
		}
		for _, tag := range w.tags {
			if err := s.addToIndex(tagKeyPrefix+tag, w.key); err != nil {
				return false, err
			}
		}
	}
	return true, nil
}

// Delete implements cache.Store (immediate).
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.client.Delete(key)
	if err != nil && err != memcache.ErrCacheMiss {
		return bouncererr.NewStorageError("delete", err)
	}
	if err := s.removeFromIndex(keyIndexKey, key); err != nil {
		return err
	}
	return nil
}

// Clear implements cache.Store (S2: removes every entry regardless of tag).
func (s *Store) Clear(_ context.Context) error {
	keys, err := s.readIndex(keyIndexKey)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.client.Delete(k); err != nil && err != memcache.ErrCacheMiss {
			return bouncererr.NewStorageError("clear", err)
		}
	}
	if err := s.client.Delete(keyIndexKey); err != nil && err != memcache.ErrCacheMiss {
		return bouncererr.NewStorageError("clear: reset index", err)
	}
	return nil
}

// ClearByTag implements cache.Store (S3: removes exactly the entries
// ever tagged with tag).
func (s *Store) ClearByTag(_ context.Context, tag string) error {
	tagKey := tagKeyPrefix + tag
	members, err := s.readIndex(tagKey)
	if err != nil {
		return err
	}
	for _, k := range members {
		if err := s.client.Delete(k); err != nil && err != memcache.ErrCacheMiss {
			return bouncererr.NewStorageError("clear by tag", err)
		}
		_ = s.removeFromIndex(keyIndexKey, k)
	}
	if err := s.client.Delete(tagKey); err != nil && err != memcache.ErrCacheMiss {
		return bouncererr.NewStorageError("clear by tag: reset index", err)
	}
	return nil
}

// readIndex returns the key list stored at indexKey, tolerating a miss.
func (s *Store) readIndex(indexKey string) ([]string, error) {
	item, err := s.client.Get(indexKey)
	if err == memcache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, bouncererr.NewStorageError("read index", err)
	}
	return splitIndex(item.Value), nil
}

// addToIndex appends member to the list stored at indexKey. Losing a
// race with a concurrent writer is acceptable (spec §5): both
// last-writer-wins outcomes still contain a valid, if incomplete,
// index entry that a subsequent write repairs.
func (s *Store) addToIndex(indexKey, member string) error {
	existing, err := s.readIndex(indexKey)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m == member {
			return nil
		}
	}
	existing = append(existing, member)
	item := &memcache.Item{Key: indexKey, Value: joinIndex(existing), Expiration: 0}
	if err := s.client.Set(item); err != nil {
		return bouncererr.NewStorageError("update index", err)
	}
	return nil
}

func (s *Store) removeFromIndex(indexKey, member string) error {
	existing, err := s.readIndex(indexKey)
	if err != nil {
		return err
	}
	filtered := existing[:0]
	for _, m := range existing {
		if m != member {
			filtered = append(filtered, m)
		}
	}
	item := &memcache.Item{Key: indexKey, Value: joinIndex(filtered), Expiration: 0}
	if err := s.client.Set(item); err != nil {
		return bouncererr.NewStorageError("update index", err)
	}
	return nil
}

func splitIndex(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), "\x00")
}

func joinIndex(members []string) []byte {
	return []byte(strings.Join(members, "\x00"))
}

// ListByTag implements cache.TagLister.
func (s *Store) ListByTag(_ context.Context, tag string) ([]string, error) {
	return s.readIndex(tagKeyPrefix + tag)
}

var _ cache.Store = (*Store)(nil)
var _ cache.TagLister = (*Store)(nil)
