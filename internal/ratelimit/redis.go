package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter is the distributed fixed-window limiter for multi-node
// deployments. Windows are aligned to the wall clock so every node
// agrees on window boundaries, and a single INCR makes the
// increment-and-check atomic across nodes. Redis failures fail open:
// admission is granted and the error is logged, matching the
// availability bias of the rest of the gateway.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewRedisLimiter(ctx context.Context, redisURL string, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLimiter{client: client, window: window, now: time.Now}, nil
}

func (l *RedisLimiter) windowKey(key string, now time.Time) (string, time.Time) {
	idx := now.UnixMilli() / l.window.Milliseconds()
	end := time.UnixMilli((idx + 1) * l.window.Milliseconds())
	return fmt.Sprintf("ratelimit:%s:%d", key, idx), end
}

func (l *RedisLimiter) inflightKey(key string) string {
	return "inflight:" + key
}

func (l *RedisLimiter) Admit(ctx context.Context, key string, limit, concurrency, estimatedTokens int) (Decision, error) {
	now := l.now()
	wkey, windowEnd := l.windowKey(key, now)

	count, err := l.client.Incr(ctx, wkey).Result()
	if err != nil {
		log.Printf("ratelimit: redis incr failed, admitting %s: %v", key, err)
		return Decision{Allowed: true, Remaining: limit}, nil
	}
	if count == 1 {
		// Keep the counter one extra window so Observed can read the
		// trailing window after rollover.
		l.client.PExpire(ctx, wkey, 2*l.window)
	}

	if count > int64(limit) {
		retry := windowEnd.Sub(now).Milliseconds()
		if retry < 1 {
			retry = 1
		}
		// Undo the speculative increment so blocked attempts do not
		// consume window capacity.
		l.client.Decr(ctx, wkey)
		return Decision{Allowed: false, Remaining: 0, RetryAfterMs: retry}, nil
	}

	if concurrency > 0 {
		inflight, err := l.client.Incr(ctx, l.inflightKey(key)).Result()
		if err == nil && inflight > int64(concurrency) {
			l.client.Decr(ctx, l.inflightKey(key))
			l.client.Decr(ctx, wkey)
			return Decision{Allowed: false, Remaining: remaining(limit, int(count)), RetryAfterMs: concurrencyRetryMs}, nil
		}
		if err == nil && inflight == 1 {
			// Safety valve in case a node dies without Release.
			l.client.Expire(ctx, l.inflightKey(key), 10*time.Minute)
		}
	}

	if estimatedTokens > 0 {
		l.client.IncrBy(ctx, "ratetokens:"+wkey, int64(estimatedTokens))
		l.client.PExpire(ctx, "ratetokens:"+wkey, 2*l.window)
	}

	return Decision{Allowed: true, Remaining: remaining(limit, int(count))}, nil
}

func (l *RedisLimiter) Release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if v, err := l.client.Decr(ctx, l.inflightKey(key)).Result(); err == nil && v < 0 {
		l.client.Set(ctx, l.inflightKey(key), 0, 10*time.Minute)
	}
}

func (l *RedisLimiter) Observed(ctx context.Context, key string) int {
	wkey, _ := l.windowKey(key, l.now())
	count, err := l.client.Get(ctx, wkey).Int()
	if err != nil {
		return 0
	}
	return count
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
