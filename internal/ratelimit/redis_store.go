package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxTxRetries = 10

// RedisStore shares limiter state between instances. Entries carry a TTL so
// Redis discards them itself; Sweep has nothing to do.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed limiter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit:"}
}

func (r *RedisStore) key(k string) string { return r.prefix + k }

func (r *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("ratelimit: decode entry: %w", err)
	}
	return e, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ratelimit: encode entry: %w", err)
	}
	return r.client.Set(ctx, r.key(key), data, entryTTL(e)).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Update runs fn under WATCH and retries when another writer got there first.
func (r *RedisStore) Update(ctx context.Context, key string, fn UpdateFunc) (Entry, error) {
	k := r.key(key)
	var next Entry
	txf := func(tx *redis.Tx) error {
		var (
			cur Entry
			ok  bool
		)
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				return fmt.Errorf("ratelimit: decode entry: %w", err)
			}
			ok = true
		}
		next, err = fn(cur, ok)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("ratelimit: encode entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, entryTTL(next))
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return next, err
	}
	return Entry{}, fmt.Errorf("ratelimit: update %s: too much contention", key)
}

func (r *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

func entryTTL(e Entry) time.Duration {
	ttl := e.ExpiresAt.Sub(e.LastAttempt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
