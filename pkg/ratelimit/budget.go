package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrWaitExceeded is returned when admission would take longer than MaxWait.
var ErrWaitExceeded = errors.New("rate limit budget wait exceeded")

// Prometheus metrics for the shared budget.
var (
	quotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_ingest_ratelimit_remaining",
		Help: "Last observed X-Rate-Limit-Remaining value",
	})

	budgetWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_ingest_ratelimit_wait_seconds",
		Help:    "Time spent waiting for budget admission",
		Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend"})

	budgetBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_ratelimit_blocks_total",
		Help: "Total number of admissions paused by a critical quota or retry-after hint",
	}, []string{"backend"})

	budgetThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_ratelimit_throttles_total",
		Help: "Total number of admissions slowed down by a low quota",
	}, []string{"backend"})
)

// Budget is the run-wide request admission policy shared by all paginators.
type Budget interface {
	// Wait blocks until one request may be issued. It fails with
	// ErrWaitExceeded once MaxWait elapses, or with the context's error.
	Wait(ctx context.Context) error

	// Defer pushes the next admission back by at least d for every caller.
	Defer(ctx context.Context, d time.Duration)

	// Observe feeds the quota headers of a successful response.
	Observe(ctx context.Context, h http.Header)
}

// Config holds the budget configuration.
type Config struct {
	// RequestsPerSecond is the steady admission rate across all workers.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// Burst is the token bucket size.
	Burst int `mapstructure:"burst"`

	// MaxWait bounds a single Wait call. Zero means unbounded.
	MaxWait time.Duration `mapstructure:"max_wait"`

	// ThrottleDelay is added to each admission while the quota is low.
	ThrottleDelay time.Duration `mapstructure:"throttle_delay"`

	// CriticalPause is how long admission pauses when the quota is critical.
	CriticalPause time.Duration `mapstructure:"critical_pause"`

	// StateMaxAge discards quota readings older than this.
	StateMaxAge time.Duration `mapstructure:"state_max_age"`
}

// DefaultConfig returns the default budget configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		Burst:             5,
		MaxWait:           2 * time.Minute,
		ThrottleDelay:     500 * time.Millisecond,
		CriticalPause:     10 * time.Second,
		StateMaxAge:       time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RequestsPerSecond <= 0 {
		return fmt.Errorf("requests_per_second must be > 0 (got %v)", c.RequestsPerSecond)
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be >= 1 (got %d)", c.Burst)
	}
	if c.MaxWait < 0 || c.ThrottleDelay < 0 || c.CriticalPause < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// LocalBudget is an in-process Budget: a token bucket plus a mutex-guarded
// pause deadline and quota state.
type LocalBudget struct {
	limiter *rate.Limiter
	config  Config
	logger  zerolog.Logger

	mu           sync.Mutex
	blockedUntil time.Time
	state        State
}

// NewLocalBudget creates an in-process budget.
func NewLocalBudget(cfg Config, logger zerolog.Logger) *LocalBudget {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &LocalBudget{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		config:  cfg,
		logger:  logger,
		state:   DefaultState(),
	}
}

// Wait implements Budget.
func (b *LocalBudget) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		budgetWaitSeconds.WithLabelValues("local").Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := withMaxWait(ctx, b.config.MaxWait)
	defer cancel()

	if pause := b.pause(); pause > 0 {
		budgetBlocksTotal.WithLabelValues("local").Inc()
		b.logger.Debug().Dur("pause", pause).Msg("Budget paused, waiting")
		if err := sleep(waitCtx, ctx, pause); err != nil {
			return err
		}
	}

	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrWaitExceeded, err)
	}
	return nil
}

// pause returns how long admission must still wait before taking a token.
func (b *LocalBudget) pause() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	var d time.Duration
	if until := time.Until(b.blockedUntil); until > 0 {
		d = until
	}
	if b.state.NeedsThrottling() && !b.state.IsStale(b.config.StateMaxAge) {
		budgetThrottlesTotal.WithLabelValues("local").Inc()
		d += b.config.ThrottleDelay
	}
	return d
}

// Defer implements Budget.
func (b *LocalBudget) Defer(_ context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
		b.logger.Warn().Dur("pause", d).Msg("Budget deferred by upstream retry-after")
	}
}

// Observe implements Budget.
func (b *LocalBudget) Observe(_ context.Context, h http.Header) {
	state, ok, err := ParseState(h)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Ignoring malformed rate limit headers")
		return
	}
	if !ok {
		return
	}
	quotaRemaining.Set(state.Remaining)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
	if state.NeedsCriticalBlock() {
		until := time.Now().Add(b.config.CriticalPause)
		if until.After(b.blockedUntil) {
			b.blockedUntil = until
		}
		b.logger.Error().
			Float64("remaining", state.Remaining).
			Dur("pause", b.config.CriticalPause).
			Msg("Rate limit quota CRITICAL - pausing admission")
	}
}

// State returns the last observed quota.
func (b *LocalBudget) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func withMaxWait(ctx context.Context, maxWait time.Duration) (context.Context, context.CancelFunc) {
	if maxWait <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, maxWait)
}

// sleep waits d on waitCtx. A pause that cannot finish before waitCtx's
// deadline fails immediately with ErrWaitExceeded; parent cancellation
// returns the parent's error.
func sleep(waitCtx, parent context.Context, d time.Duration) error {
	if deadline, ok := waitCtx.Deadline(); ok && time.Now().Add(d).After(deadline) {
		return fmt.Errorf("%w: pause of %v exceeds remaining wait", ErrWaitExceeded, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-waitCtx.Done():
		if parent.Err() != nil {
			return parent.Err()
		}
		return ErrWaitExceeded
	case <-timer.C:
		return nil
	}
}
