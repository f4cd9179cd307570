// Package redis provides a Redis-backed week counter store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KunoSayo/how-long-until-next-teacon-opens/store"
)

// Compile-time interface check.
var _ store.Store = (*RedisStore)(nil)

const (
	defaultPrefix = "weekcount:"
	scanBatch     = 256
)

// RedisStore is a Store backed by Redis. The counter record is a hash with
// fields "count" and "last_increment" (UTC unix nanoseconds) updated by a
// server-side script; each visit marker is its own string key holding an
// RFC 3339 timestamp.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithPrefix namespaces every key written by the store. The default is
// "weekcount:".
func WithPrefix(p string) Option {
	return func(r *RedisStore) {
		r.prefix = p
	}
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	r := &RedisStore{client: client, prefix: defaultPrefix}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisStore) counterKey() string {
	return r.prefix + "current_week"
}

func (r *RedisStore) visitKey(identity string) string {
	return r.prefix + "ip:" + identity
}

// incrementScript adds one to the counter and stamps last_increment when
// ARGV[1] is later than the stored stamp. It runs atomically on the server,
// so concurrent increments never conflict. Returns {count, last_increment}.
//
// KEYS[1] = counter key
// ARGV[1] = increment time in unix nanoseconds, or "" for no stamp
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local at = ARGV[1]

local count = redis.call("HINCRBY", key, "count", 1)
local last = redis.call("HGET", key, "last_increment")
if at ~= "" and (not last or #at > #last or (#at == #last and at > last)) then
    redis.call("HSET", key, "last_increment", at)
    last = at
end
return {count, last}
`)

// pruneScript deletes a visit marker only if it still holds the value the
// caller decided was stale.
//
// KEYS[1] = visit key
// ARGV[1] = marker value read by the caller
var pruneScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Get returns the current counter record.
func (r *RedisStore) Get(ctx context.Context) (store.Record, error) {
	vals, err := r.client.HMGet(ctx, r.counterKey(), "count", "last_increment").Result()
	if err != nil {
		return store.Record{}, store.StorageError("redis get", err)
	}
	return parseRecord(vals[0], vals[1])
}

// Increment atomically adds one to the counter.
func (r *RedisStore) Increment(ctx context.Context, at time.Time) (store.Record, error) {
	var stamp string
	if !at.IsZero() {
		stamp = strconv.FormatInt(at.UTC().UnixNano(), 10)
	}

	vals, err := incrementScript.Run(ctx, r.client, []string{r.counterKey()}, stamp).Slice()
	if err != nil {
		return store.Record{}, store.StorageError("redis increment", err)
	}
	if len(vals) == 0 {
		return store.Record{}, store.StorageError("redis increment", errors.New("empty script reply"))
	}
	var last any
	if len(vals) > 1 {
		last = vals[1]
	}
	return parseRecord(vals[0], last)
}

// parseRecord builds a Record from the raw count and last_increment values.
// A missing count means no record is stored.
func parseRecord(count, last any) (store.Record, error) {
	if count == nil {
		return store.Record{}, nil
	}

	var rec store.Record
	switch c := count.(type) {
	case int64:
		if c < 0 {
			return store.Record{}, store.SerializationError("redis record", fmt.Errorf("negative count %d", c))
		}
		rec.Count = uint64(c)
	case string:
		n, err := strconv.ParseUint(c, 10, 64)
		if err != nil {
			return store.Record{}, store.SerializationError("redis record", err)
		}
		rec.Count = n
	default:
		return store.Record{}, store.SerializationError("redis record", fmt.Errorf("unexpected count %T", count))
	}

	if s, ok := last.(string); ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return store.Record{}, store.SerializationError("redis record", err)
		}
		rec.LastIncrement = time.Unix(0, ns).UTC()
	}
	return rec, nil
}

// LastVisit returns the last visit time recorded for identity.
func (r *RedisStore) LastVisit(ctx context.Context, identity string) (time.Time, bool, error) {
	s, err := r.client.Get(ctx, r.visitKey(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, store.StorageError("redis last visit", err)
	}

	at, err := store.DecodeTime(s)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// MarkVisit records the visit time for identity.
func (r *RedisStore) MarkVisit(ctx context.Context, identity string, at time.Time) error {
	err := r.client.Set(ctx, r.visitKey(identity), store.EncodeTime(at), 0).Err()
	if err != nil {
		return store.StorageError("redis mark visit", err)
	}
	return nil
}

// PruneVisits scans the visit keys and deletes those older than before.
func (r *RedisStore) PruneVisits(ctx context.Context, before time.Time) (int64, error) {
	var (
		removed int64
		cursor  uint64
	)
	pattern := r.prefix + "ip:*"

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return removed, store.StorageError("redis prune scan", err)
		}

		for _, k := range keys {
			s, err := r.client.Get(ctx, k).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, store.StorageError("redis prune get", err)
			}
			at, err := store.DecodeTime(s)
			if err != nil || !at.Before(before) {
				continue
			}
			n, err := r.deleteIfUnchanged(ctx, k, s)
			if err != nil {
				return removed, store.StorageError("redis prune del", err)
			}
			removed += n
		}

		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// deleteIfUnchanged removes key unless a visit rewrote it after it was read
// as old.
func (r *RedisStore) deleteIfUnchanged(ctx context.Context, key, old string) (int64, error) {
	return pruneScript.Run(ctx, r.client, []string{key}, old).Int64()
}

// Reset removes the counter record.
func (r *RedisStore) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.counterKey()).Err(); err != nil {
		return store.StorageError("redis reset", err)
	}
	return nil
}

// Flush is a no-op: durability follows the server's AOF/RDB policy.
func (r *RedisStore) Flush(_ context.Context) error {
	return nil
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

