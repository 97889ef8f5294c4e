package limitstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "ratelimit:"

// checkAndIncrScript is the conditional check-and-increment. It admits when
// the entry is absent (creating it) or when the window is still open and the
// count is below limit. Return is {flag, count, window_start} where flag is
// 1 (admitted), 0 (over limit) or -1 (window stale).
var checkAndIncrScript = redis.NewScript(`
local ws = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
if ws == nil then
  redis.call('HSET', KEYS[1], 'window_start', ARGV[1], 'request_count', 1)
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  return {1, 1, tonumber(ARGV[1])}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'request_count')) or 0
if tonumber(ARGV[1]) - ws < tonumber(ARGV[2]) then
  if count < tonumber(ARGV[3]) then
    count = redis.call('HINCRBY', KEYS[1], 'request_count', 1)
    redis.call('EXPIRE', KEYS[1], ARGV[4])
    return {1, count, ws}
  end
  return {0, count, ws}
end
return {-1, count, ws}
`)

// resetWindowScript rolls a stale window over to a fresh one, guarded by a
// compare against the window_start the caller observed. Only one of several
// racing observers wins; losers re-read and retry.
var resetWindowScript = redis.NewScript(`
local ws = tonumber(redis.call('HGET', KEYS[1], 'window_start'))
if ws == tonumber(ARGV[2]) then
  redis.call('HSET', KEYS[1], 'window_start', ARGV[1], 'request_count', 1)
  redis.call('EXPIRE', KEYS[1], ARGV[3])
  return 1
end
return 0
`)

type RedisStoreOpts struct {
	TimeProvider func() time.Time
	TTLGrace     time.Duration
}

// RedisStore keeps counters in Redis hashes. Each script runs atomically on
// the server, which is the conditional-write primitive the window protocol
// relies on.
type RedisStore struct {
	client       redis.UniversalClient
	timeProvider func() time.Time
	ttlGrace     time.Duration
}

func NewRedisStore(client redis.UniversalClient, opts *RedisStoreOpts) *RedisStore {
	s := &RedisStore{
		client:       client,
		timeProvider: time.Now,
		ttlGrace:     time.Minute,
	}
	if opts != nil && opts.TimeProvider != nil {
		s.timeProvider = opts.TimeProvider
	}
	if opts != nil && opts.TTLGrace > 0 {
		s.ttlGrace = opts.TTLGrace
	}
	return s
}

func (s *RedisStore) CheckAndIncrement(ctx context.Context, key Key, limit int, window time.Duration) (Result, error) {
	redisKey := redisKey(key)
	ttl := ttlSeconds(window, s.ttlGrace)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := s.timeProvider()

		raw, err := checkAndIncrScript.Run(ctx, s.client, []string{redisKey},
			now.Unix(), int64(window/time.Second), limit, ttl).Result()
		if err != nil {
			return Result{}, fmt.Errorf("%w: check and increment: %v", ErrStoreUnavailable, err)
		}

		flag, count, windowStart, err := parseScriptReply(raw)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		resetAt := time.Unix(windowStart, 0).Add(window)

		switch flag {
		case 1:
			remaining := int64(limit) - count
			if remaining < 0 {
				remaining = 0
			}
			return Result{Allowed: true, Remaining: remaining, ResetAt: resetAt}, nil
		case 0:
			return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
		default:
			// Stale window. Try to be the one racer that rolls it over.
			won, err := resetWindowScript.Run(ctx, s.client, []string{redisKey},
				now.Unix(), windowStart, ttl).Int64()
			if err != nil {
				return Result{}, fmt.Errorf("%w: window reset: %v", ErrStoreUnavailable, err)
			}
			if won == 1 {
				return Result{
					Allowed:   true,
					Remaining: int64(limit) - 1,
					ResetAt:   now.Add(window),
				}, nil
			}
			// Lost the rollover race: another caller reset the window.
			// Re-read against the fresh entry after a short pause.
			select {
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}
	}

	return Result{}, fmt.Errorf("%w: contention retries exhausted", ErrStoreUnavailable)
}

func (s *RedisStore) Status(ctx context.Context, licenseHash string) (map[string]Entry, error) {
	pattern := redisKeyPrefix + licenseHash + ":*"
	entries := make(map[string]Entry)

	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: status read: %v", ErrStoreUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		cat := key[strings.LastIndex(key, ":")+1:]
		count, _ := strconv.ParseInt(fields["request_count"], 10, 64)
		windowStart, _ := strconv.ParseInt(fields["window_start"], 10, 64)
		entries[cat] = Entry{
			Category:     cat,
			RequestCount: count,
			WindowStart:  windowStart,
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: status scan: %v", ErrStoreUnavailable, err)
	}

	return entries, nil
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.LicenseHash + ":" + key.Category
}

func parseScriptReply(raw interface{}) (flag, count, windowStart int64, err error) {
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return 0, 0, 0, fmt.Errorf("unexpected script reply %T", raw)
	}
	nums := make([]int64, 3)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return 0, 0, 0, fmt.Errorf("unexpected script reply element %T", v)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
