package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key suffixes for the shared budget. Keys are "<prefix>:ratelimit:<suffix>".
const (
	redisKeyRemaining    = "remaining"
	redisKeyRequestCost  = "request_cost"
	redisKeyLastUpdate   = "last_update"
	redisKeyBlockedUntil = "blocked_until"
	redisKeyWindow       = "window"
)

// deferScript extends blocked_until only if the new deadline is later.
var deferScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
return 0
`)

// DefaultKeyPrefix namespaces the budget keys when no prefix is configured.
const DefaultKeyPrefix = "canvas_ingest"

// RedisBudget is a Budget shared by every process pointed at the same Redis
// and key prefix. Admission uses one-second fixed windows counted with INCR.
type RedisBudget struct {
	redis  *redis.Client
	prefix string
	config Config
	logger zerolog.Logger
}

// NewRedisBudget creates a Redis-backed budget.
func NewRedisBudget(redisClient *redis.Client, prefix string, cfg Config, logger zerolog.Logger) *RedisBudget {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisBudget{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
		logger: logger,
	}
}

func (b *RedisBudget) key(suffix string) string {
	return b.prefix + ":ratelimit:" + suffix
}

// windowLimit is the number of admissions per one-second window.
func (b *RedisBudget) windowLimit() int64 {
	return int64(math.Max(1, math.Ceil(b.config.RequestsPerSecond)))
}

// GetState retrieves the shared quota state. A default healthy state is
// returned when nothing has been observed yet.
func (b *RedisBudget) GetState(ctx context.Context) (State, error) {
	pipe := b.redis.Pipeline()
	remainingCmd := pipe.Get(ctx, b.key(redisKeyRemaining))
	costCmd := pipe.Get(ctx, b.key(redisKeyRequestCost))
	lastUpdateCmd := pipe.Get(ctx, b.key(redisKeyLastUpdate))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return State{}, fmt.Errorf("get rate limit state: %w", err)
	}

	remaining, err := remainingCmd.Float64()
	if err == redis.Nil {
		b.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return DefaultState(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("get remaining: %w", err)
	}

	cost, err := costCmd.Float64()
	if err != nil && err != redis.Nil {
		return State{}, fmt.Errorf("get request cost: %w", err)
	}

	var lastUpdate time.Time
	if raw, err := lastUpdateCmd.Bytes(); err == nil {
		if err := json.Unmarshal(raw, &lastUpdate); err != nil {
			return State{}, fmt.Errorf("parse last update: %w", err)
		}
	}

	state := State{Remaining: remaining, RequestCost: cost, LastUpdate: lastUpdate}
	state.UpdateHealth()
	return state, nil
}

// Observe implements Budget. State keys expire after StateMaxAge.
func (b *RedisBudget) Observe(ctx context.Context, h http.Header) {
	state, ok, err := ParseState(h)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Ignoring malformed rate limit headers")
		return
	}
	if !ok {
		return
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Marshal last update failed")
		return
	}

	ttl := b.config.StateMaxAge
	pipe := b.redis.Pipeline()
	pipe.Set(ctx, b.key(redisKeyRemaining), state.Remaining, ttl)
	pipe.Set(ctx, b.key(redisKeyRequestCost), state.RequestCost, ttl)
	pipe.Set(ctx, b.key(redisKeyLastUpdate), lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Store rate limit state in redis failed")
		return
	}

	quotaRemaining.Set(state.Remaining)

	switch {
	case state.NeedsCriticalBlock():
		b.logger.Error().
			Float64("remaining", state.Remaining).
			Dur("pause", b.config.CriticalPause).
			Msg("Rate limit quota CRITICAL - pausing admission")
		b.Defer(ctx, b.config.CriticalPause)
	case state.NeedsThrottling():
		b.logger.Warn().
			Float64("remaining", state.Remaining).
			Msg("Rate limit quota WARNING - admissions will be throttled")
	default:
		b.logger.Debug().
			Float64("remaining", state.Remaining).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}
}

// Defer implements Budget.
func (b *RedisBudget) Defer(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d).UnixMilli()
	err := deferScript.Run(ctx, b.redis, []string{b.key(redisKeyBlockedUntil)}, until, d.Milliseconds()).Err()
	if err != nil {
		b.logger.Warn().Err(err).Msg("Store budget pause in redis failed")
		return
	}
	b.logger.Warn().Dur("pause", d).Msg("Budget deferred")
}

// Wait implements Budget.
func (b *RedisBudget) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		budgetWaitSeconds.WithLabelValues("redis").Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := withMaxWait(ctx, b.config.MaxWait)
	defer cancel()

	for {
		pause, err := b.pause(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if pause > 0 {
			budgetBlocksTotal.WithLabelValues("redis").Inc()
			if err := sleep(waitCtx, ctx, pause); err != nil {
				return err
			}
		}

		admitted, retryIn, err := b.take(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if admitted {
			return nil
		}
		if err := sleep(waitCtx, ctx, retryIn); err != nil {
			return err
		}
	}
}

func (b *RedisBudget) pause(ctx context.Context) (time.Duration, error) {
	var d time.Duration

	blocked, err := b.redis.Get(ctx, b.key(redisKeyBlockedUntil)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("get blocked until: %w", err)
	}
	if blocked != "" {
		ms, err := strconv.ParseInt(blocked, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse blocked until: %w", err)
		}
		if until := time.Until(time.UnixMilli(ms)); until > 0 {
			d = until
		}
	}

	state, err := b.GetState(ctx)
	if err != nil {
		return 0, err
	}
	if state.NeedsThrottling() && !state.IsStale(b.config.StateMaxAge) {
		budgetThrottlesTotal.WithLabelValues("redis").Inc()
		d += b.config.ThrottleDelay
	}
	return d, nil
}

// take tries to claim a slot in the current one-second window.
func (b *RedisBudget) take(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now()
	window := now.Truncate(time.Second)
	key := b.key(redisKeyWindow + ":" + strconv.FormatInt(window.Unix(), 10))

	pipe := b.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("claim budget window: %w", err)
	}

	if incr.Val() <= b.windowLimit() {
		return true, 0, nil
	}
	return false, window.Add(time.Second).Sub(now), nil
}
