/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore provides a Redis-backed store of fixed-window counters.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/secureshare/secureshare/ratelimit"
)

const (
	fieldCount = "count"
	fieldStart = "start"
)

// The whole fixed-window step runs inside Redis, so concurrent checks from many processes are serialized.
// Returns {allowed, count, windowStartMs}.
var incrementScript = redis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(vals[1])
local start = tonumber(vals[2])
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
if count == nil or start == nil or now - start >= window then
	count = 0
	start = now
end
if count >= limit then
	return {0, count, start}
end
count = count + 1
redis.call('HSET', KEYS[1], 'count', count, 'start', start)
redis.call('PEXPIRE', KEYS[1], window - (now - start))
return {1, count, start}
`)

// Store keeps every record in a Redis hash with "count" and "start" (unix milliseconds) fields.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ ratelimit.AtomicStore = (*Store)(nil)

// New creates a new Store. keyPrefix is prepended to every limiter key.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

// NewFromConfig connects to Redis described by the rate limiting config.
func NewFromConfig(cfg ratelimit.RedisConfig) *Store {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return New(client, cfg.KeyPrefix)
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Increment performs the fixed-window step atomically.
func (s *Store) Increment(ctx context.Context, key string, policy ratelimit.Policy, now time.Time) (ratelimit.Record, bool, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.keyPrefix + key},
		now.UnixMilli(), policy.Window.Milliseconds(), policy.Limit).Int64Slice()
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("run increment script: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Record{}, false, fmt.Errorf("unexpected increment script reply of %d elements", len(vals))
	}
	rec := ratelimit.Record{Count: int(vals[1]), WindowStart: time.UnixMilli(vals[2])}
	return rec, vals[0] == 1, nil
}

// Get returns the record for the key.
func (s *Store) Get(ctx context.Context, key string) (ratelimit.Record, bool, error) {
	vals, err := s.client.HMGet(ctx, s.keyPrefix+key, fieldCount, fieldStart).Result()
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return ratelimit.Record{}, false, nil
	}
	count, err := parseInt(vals[0])
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("parse %s: %w", fieldCount, err)
	}
	start, err := parseInt(vals[1])
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("parse %s: %w", fieldStart, err)
	}
	return ratelimit.Record{Count: int(count), WindowStart: time.UnixMilli(start)}, true, nil
}

// Set stores the record for ttl.
func (s *Store) Set(ctx context.Context, key string, rec ratelimit.Record, ttl time.Duration) error {
	fullKey := s.keyPrefix + key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, fullKey, fieldCount, rec.Count, fieldStart, rec.WindowStart.UnixMilli())
		pipe.PExpire(ctx, fullKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

func parseInt(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, errors.New("not a string")
	}
	return strconv.ParseInt(str, 10, 64)
}
