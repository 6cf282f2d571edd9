// Package orchestrator runs one entity load per spec under a global
// concurrency cap and aggregates the outcomes into a run report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/evisions/canvas-ingest/pkg/entity"
	"github.com/evisions/canvas-ingest/pkg/loader"
	"github.com/evisions/canvas-ingest/pkg/logging"
	"github.com/evisions/canvas-ingest/pkg/retry"
)

// Prometheus metrics for runs.
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_runs_total",
		Help: "Total number of runs by overall status",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "canvas_ingest_run_duration_seconds",
		Help:    "Duration of complete runs",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	entitiesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "canvas_ingest_entities_in_flight",
		Help: "Number of entity loads currently running",
	})
)

// ErrRunAborted is the cancellation cause after an authentication failure.
var ErrRunAborted = errors.New("run aborted")

// Status is the overall status of a run.
type Status string

const (
	StatusSucceeded       Status = "Succeeded"
	StatusPartiallyFailed Status = "PartiallyFailed"
	StatusFailed          Status = "Failed"
)

// Runner loads one entity. *loader.Loader implements it.
type Runner interface {
	Run(ctx context.Context, spec entity.Spec) *loader.Outcome
}

// Config holds orchestrator configuration.
type Config struct {
	// MaxConcurrency is the number of entity loads running at once.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrency: 4}
}

// RunReport aggregates the outcomes of one run.
type RunReport struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	// Order lists entity names in submission order.
	Order []string

	// Outcomes holds one outcome per entity, keyed by name.
	Outcomes map[string]*loader.Outcome

	Status Status

	// Cause is why the run was cut short, if it was.
	Cause error
}

// Duration returns the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Count returns how many outcomes have status s.
func (r *RunReport) Count(s loader.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// StatusOf derives the overall status. Anything not succeeded counts as a
// failure: Failed only if nothing succeeded, Succeeded only if nothing failed.
func StatusOf(outcomes map[string]*loader.Outcome) Status {
	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	switch {
	case failed == 0:
		return StatusSucceeded
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartiallyFailed
	}
}

// Orchestrator runs entity loads with bounded concurrency.
type Orchestrator struct {
	runner Runner
	config Config
	logger zerolog.Logger
}

// New creates an orchestrator.
func New(runner Runner, cfg Config, logger zerolog.Logger) *Orchestrator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	return &Orchestrator{runner: runner, config: cfg, logger: logger}
}

// Run loads every spec and returns the report. The error is non-nil only for
// invalid input; entity failures are reported in the RunReport.
//
// An authentication failure in any entity cancels the run: in-flight loads
// stop at their next batch boundary and queued entities never start.
func (o *Orchestrator) Run(ctx context.Context, specs []entity.Spec) (*RunReport, error) {
	if err := entity.ValidateAll(specs); err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Order:     make([]string, 0, len(specs)),
		Outcomes:  make(map[string]*loader.Outcome, len(specs)),
	}
	for _, s := range specs {
		report.Order = append(report.Order, s.Name)
	}

	log := logging.WithRun(o.logger, report.RunID)
	log.Info().
		Int("entities", len(specs)).
		Int("max_concurrency", o.config.MaxConcurrency).
		Msg("Run started")

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	queue := make(chan entity.Spec, len(specs))
	for _, s := range specs {
		queue <- s
	}
	close(queue)

	workers := o.config.MaxConcurrency
	if workers > len(specs) {
		workers = len(specs)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range queue {
				out := o.runOne(runCtx, spec)
				if out.Status == loader.StatusFailed && errors.Is(out.Err, retry.ErrAuthentication) {
					log.Error().
						Err(out.Err).
						Str("entity", spec.Name).
						Msg("Authentication failed, aborting run")
					cancel(fmt.Errorf("%w: authentication failed in %s", ErrRunAborted, spec.Name))
				}

				mu.Lock()
				report.Outcomes[spec.Name] = out
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	report.FinishedAt = time.Now()
	report.Status = StatusOf(report.Outcomes)
	if runCtx.Err() != nil {
		report.Cause = context.Cause(runCtx)
	}

	runsTotal.WithLabelValues(string(report.Status)).Inc()
	runDuration.Observe(report.Duration().Seconds())

	event := log.Info()
	if report.Status != StatusSucceeded {
		event = log.Warn()
	}
	event.
		Str("status", string(report.Status)).
		Int("succeeded", report.Count(loader.StatusSucceeded)).
		Int("failed", report.Count(loader.StatusFailed)).
		Int("cancelled", report.Count(loader.StatusCancelled)).
		Dur("duration", report.Duration()).
		Msg("Run finished")

	return report, nil
}

// runOne runs spec unless the run is already cancelled, in which case the
// entity is recorded cancelled without starting.
func (o *Orchestrator) runOne(ctx context.Context, spec entity.Spec) *loader.Outcome {
	if ctx.Err() != nil {
		return &loader.Outcome{
			Entity:    spec.Name,
			Table:     spec.Table,
			Status:    loader.StatusCancelled,
			Err:       fmt.Errorf("%w before start: %v", loader.ErrCancelled, context.Cause(ctx)),
			StartedAt: time.Now(),
		}
	}

	entitiesInFlight.Inc()
	defer entitiesInFlight.Dec()
	return o.runner.Run(ctx, spec)
}
