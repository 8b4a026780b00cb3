// Package filecache implements the Cache Store (spec C2) file-local
// backend: a single boltdb database file, requiring explicit Prune
// since entries do not expire on their own. Grounded on the teacher
// pack's boltdb key/value wrapper
// (tobychui-zoraxy/src/mod/database/dbbolt/dbbolt.go), adapted from a
// generic table store into a tag-aware, TTL-aware cache.
package filecache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
)

var (
	entriesBucket = []byte("entries")
	keyTagsBucket = []byte("key_tags")
	tagBucketRoot = []byte("tags")
)

// Store is a boltdb-backed Cache Store. Safe for concurrent use by
// goroutines within one process; cross-process use relies on boltdb's
// own single-writer file lock.
type Store struct {
	db *bolt.DB

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	key       string
	value     []byte
	expiresAt time.Time
	tags      []string
}

// Open creates or opens the bolt database at path, initialising the
// buckets the store needs.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, bouncererr.NewStorageError("open file cache", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, keyTagsBucket, tagBucketRoot} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, bouncererr.NewStorageError("init file cache buckets", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements cache.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(entriesBucket).Get([]byte(key))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, bouncererr.NewStorageError("get", err)
	}
	if raw == nil {
		return nil, false, nil
	}

	value, expiresAt, err := cache.DecodeEnvelope(raw)
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

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, w := range batch {
			if err := writeEntry(tx, w.key, w.value, w.expiresAt, w.tags); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, bouncererr.NewStorageError("commit", err)
	}
	return true, nil
}

func writeEntry(tx *bolt.Tx, key string, value []byte, expiresAt time.Time, tags []string) error {
	entries := tx.Bucket(entriesBucket)
	if err := entries.Put([]byte(key), cache.EncodeEnvelope(value, expiresAt)); err != nil {
		return err
	}
	if err := removeKeyFromTags(tx, key); err != nil {
		return err
	}
	if len(tags) == 0 {
		return tx.Bucket(keyTagsBucket).Delete([]byte(key))
	}
	keyTags := tx.Bucket(keyTagsBucket)
	if err := keyTags.Put([]byte(key), marshalTags(tags)); err != nil {
		return err
	}
	tagsRoot := tx.Bucket(tagBucketRoot)
	for _, tag := range tags {
		b, err := tagsRoot.CreateBucketIfNotExists([]byte(tag))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func removeKeyFromTags(tx *bolt.Tx, key string) error {
	keyTags := tx.Bucket(keyTagsBucket)
	raw := keyTags.Get([]byte(key))
	if raw == nil {
		return nil
	}
	tagsRoot := tx.Bucket(tagBucketRoot)
	for _, tag := range unmarshalTags(raw) {
		if b := tagsRoot.Bucket([]byte(tag)); b != nil {
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}
	}
	return keyTags.Delete([]byte(key))
}

// Delete implements cache.Store (immediate).
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := removeKeyFromTags(tx, key); err != nil {
			return err
		}
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
	if err != nil {
		return bouncererr.NewStorageError("delete", err)
	}
	return nil
}

// Clear implements cache.Store.
func (s *Store) Clear(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, keyTagsBucket, tagBucketRoot} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return bouncererr.NewStorageError("clear", err)
	}
	return nil
}

// ClearByTag implements cache.Store (S3: removes exactly the entries
// ever tagged with tag).
func (s *Store) ClearByTag(_ context.Context, tag string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		tagsRoot := tx.Bucket(tagBucketRoot)
		b := tagsRoot.Bucket([]byte(tag))
		if b == nil {
			return nil
		}
		entries := tx.Bucket(entriesBucket)
		keyTags := tx.Bucket(keyTagsBucket)
		var keys [][]byte
		err := b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := entries.Delete(k); err != nil {
				return err
			}
			if err := keyTags.Delete(k); err != nil {
				return err
			}
		}
		return tagsRoot.DeleteBucket([]byte(tag))
	})
	if err != nil {
		return bouncererr.NewStorageError("clear by tag", err)
	}
	return nil
}

// Prune deletes every entry whose TTL has lapsed. Only the file backend
// needs this: Memcached and Redis expire entries natively.
func (s *Store) Prune(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		var expired [][]byte
		err := entries.ForEach(func(k, v []byte) error {
			_, expiresAt, err := cache.DecodeEnvelope(v)
			if err != nil {
				return nil // leave malformed entries for a clear() operator to handle
			}
			if now.After(expiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := removeKeyFromTags(tx, string(k)); err != nil {
				return err
			}
			if err := entries.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, bouncererr.NewStorageError("prune", err)
	}
	return removed, nil
}

// ListByTag implements cache.TagLister.
func (s *Store) ListByTag(_ context.Context, tag string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tagBucketRoot).Bucket([]byte(tag))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, bouncererr.NewStorageError("list by tag", err)
	}
	return keys, nil
}

var _ cache.Store = (*Store)(nil)
var _ cache.Pruner = (*Store)(nil)
var _ cache.TagLister = (*Store)(nil)

// marshalTags/unmarshalTags use a simple NUL-joined encoding: tag names
// are backend-internal and never contain NUL bytes.
func marshalTags(tags []string) []byte {
	return []byte(strings.Join(tags, "\x00"))
}

func unmarshalTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	return strings.Split(string(raw), "\x00")
}
