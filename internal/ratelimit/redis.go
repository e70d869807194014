// Package ratelimit gates rail calls with a fixed-window counter shared by
// every orchestrator instance through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

const defaultPrefix = "payouts:rate_limit"

type Config struct {
	// PerSecond is the number of rail calls allowed per second across all
	// instances. Zero disables the limiter.
	PerSecond int
	Prefix    string
	// Scope separates the counters of different rails.
	Scope string
}

type Redis struct {
	client redis.UniversalClient
	config *Config
	key    string
	log    *slog.Logger
}

func NewRedis(config *Config, client redis.UniversalClient) *Redis {
	prefix := strings.TrimSuffix(strings.TrimSpace(config.Prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}

	scope := strings.TrimSpace(config.Scope)
	if scope == "" {
		scope = "rail"
	}

	return &Redis{
		client: client,
		config: config,
		key:    fmt.Sprintf("%s:%s", prefix, scope),
		log:    slog.With("component", "rate-limiter"),
	}
}

// Allow consumes one slot of the current window. When the window is full it
// returns false and the time left until the window resets.
func (r *Redis) Allow(ctx context.Context) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.config.PerSecond <= 0 {
		return true, 0, nil
	}

	window := time.Second

	raw, err := fixedWindowScript.Run(ctx, r.client, []string{r.key},
		window.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}

	count, ttl, err := parseResult(raw, window)
	if err != nil {
		return false, 0, err
	}

	if count > int64(r.config.PerSecond) {
		return false, ttl, nil
	}

	return true, 0, nil
}

// Wait blocks until a slot is available or ctx is done.
func (r *Redis) Wait(ctx context.Context) error {
	for {
		allowed, retryAfter, err := r.Allow(ctx)
		if err != nil {
			return err
		}

		if allowed {
			return nil
		}

		r.log.Debug("Rate limit reached, waiting", "retry_after", retryAfter)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func parseResult(raw interface{}, window time.Duration) (int64, time.Duration, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}

	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return count, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}

	ttl := time.Duration(ttlMs) * time.Millisecond
	if ttl <= 0 || ttl > window {
		ttl = window
	}

	return count, ttl, nil
}
