package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/tradecore/internal/risk"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter counts order approvals in a sorted set per key, trimmed to a
// sliding window by one atomic script. Engines that share a key share the
// budget.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	keys   func(string) string
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{rdb: c.Underlying(), script: redis.NewScript(slidingWindowLua), keys: c.Key}
}

func rateLimitKey(key string) string { return "ratelimit:" + key }

// Window returns key's budget as the risk manager's order-rate window.
func (rl *RateLimiter) Window(key string) risk.RateWindow {
	return rateWindow{rl: rl, key: rl.keys(rateLimitKey(key))}
}

type rateWindow struct {
	rl  *RateLimiter
	key string
}

// Allow records an approval at now unless limit approvals already fall
// inside (now-window, now]. Members are unique so simultaneous approvals
// from two engines both count.
func (w rateWindow) Allow(ctx context.Context, now time.Time, limit int, window time.Duration) (bool, error) {
	res, err := w.rl.script.Run(ctx, w.rl.rdb, []string{w.key},
		now.UnixMicro(), window.Microseconds(), limit, uuid.NewString()).Int64Slice()
	switch {
	case err != nil:
		return false, fmt.Errorf("redis: order window %s: %w", w.key, err)
	case len(res) != 2:
		return false, fmt.Errorf("redis: order window %s: malformed reply %v", w.key, res)
	}
	return res[0] == 1, nil
}
