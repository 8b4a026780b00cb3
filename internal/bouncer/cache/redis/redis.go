// Package redis implements the Cache Store (spec C2) Redis backend.
// Entries expire natively via Redis TTLs; tag membership is tracked in
// parallel Redis sets so ClearByTag and Clear can operate without a
// destructive FLUSHDB against a shared Redis instance.
package redis

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/charonguard/bouncer/internal/bouncer/bouncererr"
	"github.com/charonguard/bouncer/internal/bouncer/cache"
)

const (
	keysSetName = "bouncer:keys"
	tagPrefix   = "bouncer:tag:"
)

// Store is a go-redis backed Cache Store.
type Store struct {
	client *goredis.Client

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	key       string
	value     []byte
	expiresAt time.Time
	tags      []string
}

// New wraps an already-configured *goredis.Client (DSN parsing and
// connection pooling are the driver's concern, per spec §5 "one
// connection per process, pooled internally").
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, bouncererr.NewStorageError("get", err)
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
func (s *Store) Commit(ctx context.Context) (bool, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return true, nil
	}

	pipe := s.client.TxPipeline()
	for _, w := range batch {
		ttl := time.Until(w.expiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
		pipe.Set(ctx, w.key, cache.EncodeEnvelope(w.value, w.expiresAt), ttl)
		pipe.SAdd(ctx, keysSetName, w.key)
		for _, tag := range w.tags {
			pipe.SAdd(ctx, tagPrefix+tag, w.key)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, bouncererr.NewStorageError("commit", err)
	}
	return true, nil
}

// Delete implements cache.Store (immediate).
func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, keysSetName, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return bouncererr.NewStorageError("delete", err)
	}
	return nil
}

// Clear implements cache.Store (S2: removes every entry regardless of tag).
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.client.SMembers(ctx, keysSetName).Result()
	if err != nil && err != goredis.Nil {
		return bouncererr.NewStorageError("clear: list keys", err)
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return bouncererr.NewStorageError("clear: delete keys", err)
		}
	}
	if err := s.client.Del(ctx, keysSetName).Err(); err != nil {
		return bouncererr.NewStorageError("clear: reset key index", err)
	}
	return nil
}

// ClearByTag implements cache.Store (S3: removes exactly the entries
// ever tagged with tag).
func (s *Store) ClearByTag(ctx context.Context, tag string) error {
	tagKey := tagPrefix + tag
	members, err := s.client.SMembers(ctx, tagKey).Result()
	if err != nil && err != goredis.Nil {
		return bouncererr.NewStorageError("clear by tag: list members", err)
	}
	if len(members) > 0 {
		if err := s.client.Del(ctx, members...).Err(); err != nil {
			return bouncererr.NewStorageError("clear by tag: delete", err)
		}
		memberArgs := make([]interface{}, len(members))
		for i, m := range members {
			memberArgs[i] = m
		}
		if err := s.client.SRem(ctx, keysSetName, memberArgs...).Err(); err != nil {
			return bouncererr.NewStorageError("clear by tag: reset key index", err)
		}
	}
	if err := s.client.Del(ctx, tagKey).Err(); err != nil {
		return bouncererr.NewStorageError("clear by tag: reset tag index", err)
	}
	return nil
}

// ListByTag implements cache.TagLister.
func (s *Store) ListByTag(ctx context.Context, tag string) ([]string, error) {
	members, err := s.client.SMembers(ctx, tagPrefix+tag).Result()
	if err != nil && err != goredis.Nil {
		return nil, bouncererr.NewStorageError("list by tag", err)
	}
	return members, nil
}

var _ cache.Store = (*Store)(nil)
var _ cache.TagLister = (*Store)(nil)
