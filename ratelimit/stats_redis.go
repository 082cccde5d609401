package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStats counts decisions in Redis hashes: a cumulative total, a
// per-minute bucket and a per-user hash, all split by policy.
type RedisStats struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisStatsOption func(*RedisStats)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

func NewRedisStats(rdb *redis.Client, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStats) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Policy) + ":" + statsOutcome(ev.Allowed)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if ev.UserID != "" {
		userKey := s.prefix + ":user:" + ev.UserID
		pipe.HIncrBy(ctx, userKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, userKey, s.ttl)
		}
	}

	if route := strings.TrimSpace(ev.Method + " " + ev.Path); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+statsOutcome(ev.Allowed), 1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func statsOutcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}
