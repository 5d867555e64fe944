package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisReserveScript checks every reservation and then records all of them.
// Renewable usage lives in a sorted set scored by draw time (ms) whose
// members are "amount:id"; allocatable usage is a plain counter.
//
// KEYS[i]  usage key for reservation i
// ARGV[1]  now (unix ms)
// ARGV[2+5(i-1) ..] kind, window_ms, amount, limit, member id for reservation i
// Returns {1, 0} on success or {0, i} for the first reservation that did not fit.
var redisReserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local n = #KEYS

local function used(key, kind, window)
    if kind == "allocatable" then
        return tonumber(redis.call("GET", key) or "0")
    end
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
    local total = 0
    for _, m in ipairs(redis.call("ZRANGE", key, 0, -1)) do
        total = total + tonumber(string.match(m, "^(%d+):"))
    end
    return total
end

for i = 1, n do
    local base = 2 + (i - 1) * 5
    local kind = ARGV[base]
    local window = tonumber(ARGV[base + 1])
    local amount = tonumber(ARGV[base + 2])
    local limit = tonumber(ARGV[base + 3])
    if used(KEYS[i], kind, window) + amount > limit then
        return {0, i}
    end
end

for i = 1, n do
    local base = 2 + (i - 1) * 5
    local kind = ARGV[base]
    local window = tonumber(ARGV[base + 1])
    local amount = tonumber(ARGV[base + 2])
    if amount > 0 then
        if kind == "allocatable" then
            redis.call("INCRBY", KEYS[i], amount)
        else
            redis.call("ZADD", KEYS[i], now, amount .. ":" .. ARGV[base + 4])
            redis.call("PEXPIRE", KEYS[i], window)
        end
    end
end
return {1, 0}
`)

// redisReleaseScript decrements an allocation without going below zero.
var redisReleaseScript = redis.NewScript(`
local v = redis.call("DECRBY", KEYS[1], ARGV[1])
if v <= 0 then
    redis.call("DEL", KEYS[1])
    return 0
end
return v
`)

// RedisBackend shares usage between kernel nodes through Redis.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend connects to a single Redis server.
func NewRedisBackend(addr, password string, db int) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisBackendFromClient(rdb, "")
}

// NewRedisBackendFromClient uses an existing client. Keys share one hash
// tag so multi-key scripts work on Redis Cluster.
func NewRedisBackendFromClient(client redis.UniversalClient, namespace string) *RedisBackend {
	if namespace == "" {
		namespace = "agora"
	}
	return &RedisBackend{client: client, prefix: namespace + ":{quota}:"}
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) key(resource, principal string) string {
	return b.prefix + usageKey(resource, principal)
}

func (b *RedisBackend) Reserve(ctx context.Context, now time.Time, rs []Reservation) (bool, int, error) {
	keys := make([]string, 0, len(rs))
	args := make([]interface{}, 0, 1+5*len(rs))
	args = append(args, now.UnixMilli())
	for _, r := range rs {
		keys = append(keys, b.key(r.Spec.Name, r.Key))
		args = append(args, string(r.Spec.Kind), r.Spec.Window.Milliseconds(), r.Amount, r.Limit, uuid.NewString())
	}

	res, err := redisReserveScript.Run(ctx, b.client, keys, args...).Result()
	if err != nil {
		return false, -1, fmt.Errorf("redis quota reserve: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, -1, fmt.Errorf("redis quota reserve: unexpected reply %v", res)
	}
	allowed, _ := results[0].(int64)
	if allowed == 1 {
		return true, -1, nil
	}
	idx, _ := results[1].(int64)
	return false, int(idx) - 1, nil
}

func (b *RedisBackend) Usage(ctx context.Context, key string, spec ResourceSpec, now time.Time) (int64, error) {
	if spec.Kind == Allocatable {
		v, err := b.client.Get(ctx, b.key(spec.Name, key)).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("redis quota usage: %w", err)
		}
		return v, nil
	}
	uses, err := b.Uses(ctx, key, spec, now)
	if err != nil {
		return 0, err
	}
	return usage(uses, spec.Window, now), nil
}

func (b *RedisBackend) Uses(ctx context.Context, key string, spec ResourceSpec, now time.Time) ([]Use, error) {
	if spec.Kind == Allocatable {
		return nil, nil
	}
	// "(" makes the lower bound exclusive: draws exactly one window old are gone.
	floor := "(" + strconv.FormatInt(now.Add(-spec.Window).UnixMilli(), 10)
	zs, err := b.client.ZRangeByScoreWithScores(ctx, b.key(spec.Name, key), &redis.ZRangeBy{Min: floor, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis quota uses: %w", err)
	}
	out := make([]Use, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		amountStr, _, _ := strings.Cut(member, ":")
		amount, err := strconv.ParseInt(amountStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis quota uses: bad member %q", member)
		}
		out = append(out, Use{At: time.UnixMilli(int64(z.Score)), Amount: amount})
	}
	return out, nil
}

func (b *RedisBackend) Release(ctx context.Context, key string, spec ResourceSpec, amount int64) error {
	if err := redisReleaseScript.Run(ctx, b.client, []string{b.key(spec.Name, key)}, amount).Err(); err != nil {
		return fmt.Errorf("redis quota release: %w", err)
	}
	return nil
}

func (b *RedisBackend) SetAllocated(ctx context.Context, key string, spec ResourceSpec, amount int64) error {
	k := b.key(spec.Name, key)
	var err error
	if amount <= 0 {
		err = b.client.Del(ctx, k).Err()
	} else {
		err = b.client.Set(ctx, k, amount, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("redis quota restore: %w", err)
	}
	return nil
}
