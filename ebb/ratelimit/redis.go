package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	ebberrors "github.com/oduya/ebb/ebb/errors"
)

const redisPrefix = "ebb:rl:"

// takeTokensCmd refills the bucket from elapsed time, then takes the
// requested tokens or reports the wait until enough accumulate.
var takeTokensCmd = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local refill = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local state = redis.call("HMGET", key, "tokens", "last_refill_ms")
	local tokens = tonumber(state[1])
	local last = tonumber(state[2])
	if tokens == nil or last == nil then
		tokens = capacity
		last = now
	end

	local elapsed = (now - last) / 1000.0
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + elapsed * refill)
	end

	if tokens >= cost then
		tokens = tokens - cost
		redis.call("HSET", key, "tokens", tostring(tokens), "last_refill_ms", now)
		redis.call("PEXPIRE", key, ttl)
		return {1, "0"}
	end

	redis.call("HSET", key, "tokens", tostring(tokens), "last_refill_ms", now)
	redis.call("PEXPIRE", key, ttl)
	local wait = math.ceil(((cost - tokens) / refill) * 1000)
	return {0, tostring(wait)}
`)

var returnTokensCmd = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local cost = tonumber(ARGV[2])

	local tokens = tonumber(redis.call("HGET", key, "tokens"))
	if tokens == nil then
		return 0
	end
	redis.call("HSET", key, "tokens", tostring(math.min(capacity, tokens + cost)))
	return 1
`)

// reserveWindowCmd trims expired entries, then records cost entries or
// reports the wait until the oldest entry leaves the window.
var reserveWindowCmd = redis.NewScript(`
	local key = KEYS[1]
	local window = tonumber(ARGV[1])
	local cap = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local member = ARGV[5]
	local dryrun = tonumber(ARGV[6])

	redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
	local count = redis.call("ZCARD", key)

	if count + cost > cap then
		local wait = window
		local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
		if oldest[2] then
			wait = math.ceil(tonumber(oldest[2]) + window - now)
		end
		if wait < 0 then
			wait = 0
		end
		return {0, tostring(wait)}
	end

	if dryrun == 0 then
		for i = 1, cost do
			redis.call("ZADD", key, now, member .. ":" .. i)
		end
		redis.call("PEXPIRE", key, window)
	end
	return {1, "0"}
`)

// exhaustCmd zeroes the bucket and fills the window to its cap.
var exhaustCmd = redis.NewScript(`
	local bucketKey = KEYS[1]
	local windowKey = KEYS[2]
	local window = tonumber(ARGV[1])
	local cap = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call("HSET", bucketKey, "tokens", "0", "last_refill_ms", now)
	redis.call("PEXPIRE", bucketKey, window)

	redis.call("ZREMRANGEBYSCORE", windowKey, "-inf", now - window)
	local count = redis.call("ZCARD", windowKey)
	for i = count + 1, cap do
		redis.call("ZADD", windowKey, now, member .. ":" .. i)
	end
	redis.call("PEXPIRE", windowKey, window)
	return 1
`)

// RedisCounters is the shared CounterStore used when workers span
// multiple processes. Every mutation runs as a single Lua script so the
// counters never see a torn read-modify-write.
type RedisCounters struct {
	client *redis.Client
}

func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func (r *RedisCounters) TakeTokens(ctx context.Context, key string, capacity, refillPerSec float64, cost int) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	// Keep the key around long enough to refill from empty to full.
	ttl := int64(capacity/refillPerSec*1000) + 60_000

	res, err := takeTokensCmd.Run(ctx, r.client, []string{redisPrefix + key},
		capacity, refillPerSec, cost, now, ttl).Result()
	if err != nil {
		return false, 0, &ebberrors.StoreUnavailableError{Op: "TakeTokens", Err: err}
	}
	return parsePair(res, "TakeTokens")
}

func (r *RedisCounters) ReturnTokens(ctx context.Context, key string, capacity float64, cost int) error {
	err := returnTokensCmd.Run(ctx, r.client, []string{redisPrefix + key}, capacity, cost).Err()
	if err != nil {
		return &ebberrors.StoreUnavailableError{Op: "ReturnTokens", Err: err}
	}
	return nil
}

func (r *RedisCounters) ReserveWindow(ctx context.Context, key string, window time.Duration, capacity, cost int) (bool, time.Duration, error) {
	return r.window(ctx, key, window, capacity, cost, false)
}

func (r *RedisCounters) PeekWindow(ctx context.Context, key string, window time.Duration, capacity, cost int) (time.Duration, error) {
	ok, delay, err := r.window(ctx, key, window, capacity, cost, true)
	if err != nil {
		return 0, err
	}
	if ok {
		return 0, nil
	}
	return delay, nil
}

func (r *RedisCounters) window(ctx context.Context, key string, window time.Duration, capacity, cost int, dryRun bool) (bool, time.Duration, error) {
	dry := 0
	if dryRun {
		dry = 1
	}
	res, err := reserveWindowCmd.Run(ctx, r.client, []string{redisPrefix + key},
		window.Milliseconds(), capacity, cost, time.Now().UnixMilli(), uuid.NewString(), dry).Result()
	if err != nil {
		return false, 0, &ebberrors.StoreUnavailableError{Op: "ReserveWindow", Err: err}
	}
	return parsePair(res, "ReserveWindow")
}

func (r *RedisCounters) Exhaust(ctx context.Context, bucketKey, windowKey string, window time.Duration, windowCap int) error {
	err := exhaustCmd.Run(ctx, r.client,
		[]string{redisPrefix + bucketKey, redisPrefix + windowKey},
		window.Milliseconds(), windowCap, time.Now().UnixMilli(), uuid.NewString()).Err()
	if err != nil {
		return &ebberrors.StoreUnavailableError{Op: "Exhaust", Err: err}
	}
	return nil
}

func (r *RedisCounters) Close() error {
	return r.client.Close()
}

// parsePair decodes the {ok, wait_ms} reply shared by the scripts.
func parsePair(res interface{}, op string) (bool, time.Duration, error) {
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return false, 0, &ebberrors.StoreUnavailableError{Op: op, Err: errUnexpectedReply}
	}
	allowed, ok := pair[0].(int64)
	if !ok {
		return false, 0, &ebberrors.StoreUnavailableError{Op: op, Err: errUnexpectedReply}
	}
	waitStr, ok := pair[1].(string)
	if !ok {
		return false, 0, &ebberrors.StoreUnavailableError{Op: op, Err: errUnexpectedReply}
	}
	waitMs, err := strconv.ParseInt(waitStr, 10, 64)
	if err != nil {
		return false, 0, &ebberrors.StoreUnavailableError{Op: op, Err: err}
	}
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

var errUnexpectedReply = errors.New("unexpected script reply shape")
