// Package redisstore provides the shared CounterStore for multi-instance
// rate limiting. Every operation is a single Lua script round trip, so
// concurrent checks against the same key never race between read and write.
package redisstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const incrementScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

const takeTokenScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

const addLevelScript = `
local leak = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "level", "ts")
local level = tonumber(data[1])
local ts = tonumber(data[2])

if level == nil then
  level = 0
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  level = math.max(0, level - (delta / 1000) * leak)
  ts = now
end

local allowed = 0
if level + 1 <= capacity then
  allowed = 1
  level = level + 1
end

redis.call("HMSET", KEYS[1], "level", level, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(level)}
`

// Store implements ratelimit.CounterStore on a shared Redis instance.
type Store struct {
	client    *redis.Client
	increment *redis.Script
	takeToken *redis.Script
	addLevel  *redis.Script
}

// New wires a Store.
func New(client *redis.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Store{
		client:    client,
		increment: redis.NewScript(incrementScript),
		takeToken: redis.NewScript(takeTokenScript),
		addLevel:  redis.NewScript(addLevelScript),
	}, nil
}

// Increment adds one to the counter at key, setting the ttl on creation.
func (store *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	result, err := store.increment.Run(ctx, store.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Get returns the counter at key, or zero when absent.
func (store *Store) Get(ctx context.Context, key string) (int64, error) {
	raw, err := store.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// TakeToken refills and consumes from the bucket at key.
func (store *Store) TakeToken(ctx context.Context, key string, refillPerSecond float64, burst int64, ttl time.Duration) (bool, float64, error) {
	values, err := store.takeToken.Run(ctx, store.client, []string{key},
		refillPerSecond, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	return parseBucketReply(values)
}

// AddLevel leaks and fills the level at key.
func (store *Store) AddLevel(ctx context.Context, key string, leakPerSecond float64, capacity int64, ttl time.Duration) (bool, float64, error) {
	values, err := store.addLevel.Run(ctx, store.client, []string{key},
		leakPerSecond, capacity, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	return parseBucketReply(values)
}

func parseBucketReply(values []interface{}) (bool, float64, error) {
	if len(values) < 2 {
		return false, 0, errors.New("short rate limit script reply")
	}
	allowed, err := castToInt(values[0])
	if err != nil {
		return false, 0, err
	}
	amount, err := castToFloat(values[1])
	if err != nil {
		return false, 0, err
	}
	return allowed == 1, amount, nil
}

func castToInt(value interface{}) (int64, error) {
	switch typed := value.(type) {
	case int64:
		return typed, nil
	case string:
		return strconv.ParseInt(typed, 10, 64)
	}
	return 0, errors.New("unexpected script reply type")
}

func castToFloat(value interface{}) (float64, error) {
	switch typed := value.(type) {
	case int64:
		return float64(typed), nil
	case string:
		return strconv.ParseFloat(typed, 64)
	}
	return 0, errors.New("unexpected script reply type")
}
