package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// One INCR+PEXPIRE round trip: the first attempt in a window starts its
// expiry, later attempts only read the remaining TTL.
var attemptWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares one claim-attempt window across replicas, falling
// back to the in-memory limiter when redis is unreachable.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "claimrl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(caller string, limit int) Decision {
	if l.Client == nil {
		return l.fallback(caller, limit)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := attemptWindowScript.Run(ctx, l.Client, []string{l.Prefix + caller}, l.Window.Milliseconds()).Result()
	if err != nil {
		return l.fallback(caller, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.fallback(caller, limit)
	}
	attempts, ok := vals[0].(int64)
	if !ok {
		return l.fallback(caller, limit)
	}
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		ttlMS = l.Window.Milliseconds()
	}
	return decide(int(attempts), limit, time.Now().UTC().Add(time.Duration(ttlMS)*time.Millisecond))
}

func (l *RedisLimiter) fallback(caller string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(caller, limit)
	}
	return decide(0, limit, time.Now().UTC().Add(l.Window))
}
