// Package retry implements the retry governor: bounded exponential backoff with
// jitter around any fallible operation, driven by error classification.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/evisions/canvas-ingest/pkg/logging"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_retries_total",
		Help: "Total number of retry attempts by operation and error class",
	}, []string{"operation", "error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_ingest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by operation and error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation", "error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by operation and error class",
	}, []string{"operation", "error_class"})
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial one).
	MaxAttempts int `mapstructure:"max_attempts"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `mapstructure:"base_delay"`

	// MaxDelay caps the exponential delay (before jitter).
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Jitter is the relative randomization applied to each delay (0.2 = ±20%).
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Validate checks the configuration for values the governor cannot work with.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", c.Jitter)
	}
	return nil
}

// Governor wraps fallible operations with classified, bounded retries.
// It is safe for concurrent use.
type Governor struct {
	operation string
	config    Config
	logger    zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

// New creates a governor. operation labels metrics and logs ("page_fetch", "batch_commit").
func New(operation string, cfg Config, logger zerolog.Logger) *Governor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Governor{
		operation: operation,
		config:    cfg,
		logger:    logger.With().Str("operation", operation).Logger(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the governor's configuration.
func (g *Governor) Config() Config {
	return g.config
}

// Execute runs op until it succeeds, fails fatally, or MaxAttempts is reached.
// It returns the number of retries performed (attempts beyond the first).
//
// Fatal failures are returned unchanged. Exhaustion returns *ExhaustedError.
// A cancelled context stops the loop with ErrContextCancelled.
func (g *Governor) Execute(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var lastErr error
	var lastClass ErrorClass

	for attempt := 1; attempt <= g.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%w: %w", ErrContextCancelled, err)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				g.logger.Info().
					Str(logging.FieldErrorClass, string(lastClass)).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return attempt - 1, nil
		}

		// A failure caused by our own cancellation is not the operation's fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt - 1, fmt.Errorf("%w: %w", ErrContextCancelled, ctxErr)
		}

		lastErr = err
		lastClass = Classify(err)

		if !lastClass.Retryable() {
			return attempt - 1, err
		}

		if attempt >= g.config.MaxAttempts {
			break
		}

		wait := g.Backoff(attempt)
		if hint := retryAfter(err); hint > 0 {
			wait = hint
		}

		retriesTotal.WithLabelValues(g.operation, string(lastClass)).Inc()
		retryBackoffSeconds.WithLabelValues(g.operation, string(lastClass)).Observe(wait.Seconds())

		g.logger.Warn().
			Err(err).
			Str(logging.FieldErrorClass, string(lastClass)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			g.logger.Warn().
				Str(logging.FieldErrorClass, string(lastClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}

	retryExhaustedTotal.WithLabelValues(g.operation, string(lastClass)).Inc()
	g.logger.Warn().
		Err(lastErr).
		Str(logging.FieldErrorClass, string(lastClass)).
		Int("max_attempts", g.config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return g.config.MaxAttempts - 1, &ExhaustedError{Attempts: g.config.MaxAttempts, Last: lastErr}
}

// Backoff returns the jittered delay before retry number attempt (1-based):
// BaseDelay × 2^(attempt-1), capped at MaxDelay.
func (g *Governor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(g.config.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(g.config.MaxDelay) {
		delay = float64(g.config.MaxDelay)
	}

	if g.config.Jitter > 0 {
		g.mu.Lock()
		factor := 1 - g.config.Jitter + g.rnd.Float64()*2*g.config.Jitter
		g.mu.Unlock()
		delay *= factor
	}

	return time.Duration(delay)
}
