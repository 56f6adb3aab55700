package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// luaDualSlidingWindow checks both windows atomically and records the
// request in each only when both have capacity. Sorted sets keyed by
// timestamp give the sliding window; stale members are pruned lazily on
// every check.
const luaDualSlidingWindow = `
local user_key = KEYS[1]
local peer_key = KEYS[2]
local user_limit = tonumber(ARGV[1])
local user_window = tonumber(ARGV[2])
local peer_limit = tonumber(ARGV[3])
local peer_window = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local member = ARGV[6]

local function count(key, window)
  redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
  return redis.call("ZCARD", key)
end

local function oldest(key)
  local v = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if v[2] then return tonumber(v[2]) end
  return now
end

if user_limit > 0 and count(user_key, user_window) >= user_limit then
  return { 0, (oldest(user_key) + user_window) - now }
end
if peer_limit > 0 and count(peer_key, peer_window) >= peer_limit then
  return { 0, (oldest(peer_key) + peer_window) - now }
end

if user_limit > 0 then
  redis.call("ZADD", user_key, now, member)
  redis.call("PEXPIRE", user_key, user_window)
end
if peer_limit > 0 then
  redis.call("ZADD", peer_key, now, member)
  redis.call("PEXPIRE", peer_key, peer_window)
end
return { 1, 0 }
`

// RedisLimiter shares one rate budget across replicas via a Lua script.
type RedisLimiter struct {
	cfg    Config
	rdb    *redis.Client
	script *redis.Script
	now    func() time.Time
	seq    atomic.Int64
}

// NewRedis creates a Redis-backed dual-scope limiter. A nil clock means
// time.Now.
func NewRedis(rdb *redis.Client, cfg Config, now func() time.Time) *RedisLimiter {
	if now == nil {
		now = time.Now
	}
	return &RedisLimiter{
		cfg:    cfg,
		rdb:    rdb,
		script: redis.NewScript(luaDualSlidingWindow),
		now:    now,
	}
}

// member builds a unique sorted-set member so identical-millisecond requests
// are still counted separately.
func (l *RedisLimiter) member(nowMs int64) string {
	return fmt.Sprintf("%d-%d", nowMs, l.seq.Add(1))
}

// Allow runs the dual-window script. Redis errors fail open so a limiter
// outage never becomes a chat outage; the domain-level circuit breakers
// still bound provider spend.
func (l *RedisLimiter) Allow(ctx context.Context, userID, peerID string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil || !l.cfg.Enabled() {
		return true, 0, nil
	}
	nowMs := l.now().UnixMilli()
	keys := []string{"rate:user:" + userID, "rate:peer:" + peerID}
	argv := []interface{}{
		l.cfg.UserLimit, l.cfg.UserWindow.Milliseconds(),
		l.cfg.PeerLimit, l.cfg.PeerWindow.Milliseconds(),
		nowMs, l.member(nowMs),
	}
	res, err := l.script.Run(ctx, l.rdb, keys, argv...).Result()
	if err != nil {
		slog.Error("redis rate limiter script error",
			slog.String("user_id", userID),
			slog.String("peer_id", peerID),
			slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.Any("result", res))
		return true, 0, nil
	}
	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case string:
		var n int64
		_, _ = fmt.Sscan(t, &n)
		return n
	default:
		return 0
	}
}
