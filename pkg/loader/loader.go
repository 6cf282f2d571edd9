// Package loader drives one entity's paginator to exhaustion and upserts the
// normalized records in commit batches sized independently of the API pages.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/evisions/canvas-ingest/pkg/entity"
	"github.com/evisions/canvas-ingest/pkg/logging"
	"github.com/evisions/canvas-ingest/pkg/pagination"
	"github.com/evisions/canvas-ingest/pkg/ratelimit"
	"github.com/evisions/canvas-ingest/pkg/retry"
)

// Prometheus metrics for entity loads.
var (
	rowsUpsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_rows_upserted_total",
		Help: "Total number of rows upserted by entity",
	}, []string{"entity"})

	batchesCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_batches_committed_total",
		Help: "Total number of commit batches written by entity",
	}, []string{"entity"})

	batchCommitFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_batch_commit_failures_total",
		Help: "Total number of commit batches that exhausted their retry budget by entity",
	}, []string{"entity"})

	entityOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_entity_outcomes_total",
		Help: "Total number of entity loads by entity and status",
	}, []string{"entity", "status"})

	entityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_ingest_entity_duration_seconds",
		Help:    "Duration of entity loads by entity",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
	}, []string{"entity"})
)

// Status is the terminal state of one entity load.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the result of one entity load. It is not modified after Run returns.
type Outcome struct {
	Entity string
	Table  string
	Status Status

	RowsUpserted     int64
	RowsSkipped      int
	PagesFetched     int
	BatchesCommitted int

	// Retries counts page fetch and batch commit retries together.
	Retries int

	// Err is the classified failure for failed and cancelled loads.
	Err error

	// Cursor and Endpoint locate where a failed load stopped.
	Cursor   string
	Endpoint string

	// Warnings holds non-fatal conditions such as pagination truncation.
	Warnings []string

	StartedAt time.Time
	Duration  time.Duration
}

// Succeeded reports whether the load completed.
func (o *Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// Store is the write side used by the loader.
type Store interface {
	Upsert(ctx context.Context, table, key string, columns []string, rows []entity.Record) (int64, error)
}

// Pages is the iterator a loader drains. *pagination.Paginator implements it.
type Pages interface {
	Next(ctx context.Context) bool
	Batch() *pagination.Batch
	Err() error
	Warnings() []string
	PagesFetched() int
	Retries() int
	Cursor() string
}

// PagesFunc opens the page iterator for one entity.
type PagesFunc func(spec entity.Spec) (Pages, error)

// Paginate returns a PagesFunc building real paginators over a shared fetcher,
// budget and governor.
func Paginate(fetcher pagination.PageFetcher, budget ratelimit.Budget, governor *retry.Governor, cfg pagination.Config, logger zerolog.Logger) PagesFunc {
	return func(spec entity.Spec) (Pages, error) {
		p, err := pagination.New(spec, fetcher, budget, governor, cfg, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config holds loader configuration.
type Config struct {
	// CommitSize is the number of records per upsert transaction.
	CommitSize int `mapstructure:"commit_size"`
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{CommitSize: 500}
}

// Loader runs entity loads. A Loader is safe for concurrent use when its
// store and PagesFunc are.
type Loader struct {
	store    Store
	pages    PagesFunc
	governor *retry.Governor
	config   Config
	logger   zerolog.Logger
}

// New creates a loader. governor retries batch commits.
func New(store Store, pages PagesFunc, governor *retry.Governor, cfg Config, logger zerolog.Logger) *Loader {
	if cfg.CommitSize <= 0 {
		cfg.CommitSize = DefaultConfig().CommitSize
	}
	return &Loader{
		store:    store,
		pages:    pages,
		governor: governor,
		config:   cfg,
		logger:   logger,
	}
}

// pending accumulates records for the next commit. Duplicate keys collapse
// onto the position of their first occurrence with the latest values.
type pending struct {
	records  []entity.Record
	index    map[string]int
	cursor   string
	endpoint string
}

func (p *pending) add(key string, rec entity.Record, b *pagination.Batch) {
	if len(p.records) == 0 {
		p.cursor = b.Cursor
		p.endpoint = b.Endpoint
	}
	if i, ok := p.index[key]; ok {
		p.records[i] = rec
		return
	}
	p.index[key] = len(p.records)
	p.records = append(p.records, rec)
}

func (p *pending) reset() {
	p.records = nil
	p.index = make(map[string]int)
	p.cursor = ""
	p.endpoint = ""
}

// Run loads one entity and always returns an outcome.
func (l *Loader) Run(ctx context.Context, spec entity.Spec) *Outcome {
	log := logging.WithEntity(l.logger, spec.Name, spec.Table)
	out := &Outcome{
		Entity:    spec.Name,
		Table:     spec.Table,
		StartedAt: time.Now(),
	}
	defer l.finish(out, log)

	pages, err := l.pages(spec)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out
	}

	buf := &pending{}
	buf.reset()

	for pages.Next(ctx) {
		b := pages.Batch()
		out.RowsSkipped += b.Skipped

		for _, rec := range b.Records {
			key, err := entity.KeyString(rec[spec.PrimaryKey])
			if err != nil {
				out.RowsSkipped++
				log.Warn().Err(err).Msg("Record with unusable key skipped")
				continue
			}
			buf.add(key, rec, b)

			if len(buf.records) >= l.config.CommitSize {
				if !l.commit(ctx, spec, buf, out, log) {
					l.collect(pages, out)
					return out
				}
			}
		}
	}
	l.collect(pages, out)

	if err := pages.Err(); err != nil {
		if ctx.Err() != nil {
			l.cancel(ctx, out, pages.Cursor())
			return out
		}

		// Keep the pages that did arrive before reporting the fetch failure.
		if len(buf.records) > 0 && !l.commit(ctx, spec, buf, out, log) {
			out.Err = errors.Join(err, out.Err)
			return out
		}

		out.Status = StatusFailed
		out.Err = err
		var pfe *pagination.PageFetchError
		if errors.As(err, &pfe) {
			out.Cursor = pfe.Cursor
			out.Endpoint = pfe.Endpoint
		}
		return out
	}

	if len(buf.records) > 0 && !l.commit(ctx, spec, buf, out, log) {
		return out
	}

	out.Status = StatusSucceeded
	return out
}

// commit writes the pending batch. It returns false after recording a failed
// or cancelled outcome.
func (l *Loader) commit(ctx context.Context, spec entity.Spec, buf *pending, out *Outcome, log zerolog.Logger) bool {
	if ctx.Err() != nil {
		l.cancel(ctx, out, buf.cursor)
		out.Endpoint = buf.endpoint
		return false
	}

	number := out.BatchesCommitted + 1
	rows := buf.records

	// A started commit runs to completion even if the run is cancelled.
	var written int64
	retries, err := l.governor.Execute(context.WithoutCancel(ctx), func(ctx context.Context) error {
		n, err := l.store.Upsert(ctx, spec.Table, spec.PrimaryKey, spec.Columns(), rows)
		if err != nil {
			var classified *retry.Error
			if errors.As(err, &classified) {
				return err
			}
			return retry.Storage(err)
		}
		written = n
		return nil
	})
	out.Retries += retries

	if err != nil {
		batchCommitFailuresTotal.WithLabelValues(spec.Name).Inc()
		out.Status = StatusFailed
		out.Cursor = buf.cursor
		out.Endpoint = buf.endpoint
		out.Err = &BatchCommitError{
			Entity:   spec.Name,
			Table:    spec.Table,
			Batch:    number,
			Cursor:   buf.cursor,
			Endpoint: buf.endpoint,
			Err:      err,
		}
		log.Error().
			Err(err).
			Int(logging.FieldBatch, number).
			Str(logging.FieldCursor, buf.cursor).
			Int("rows", len(rows)).
			Msg("Batch commit failed")
		return false
	}

	out.RowsUpserted += written
	out.BatchesCommitted++
	rowsUpsertedTotal.WithLabelValues(spec.Name).Add(float64(written))
	batchesCommittedTotal.WithLabelValues(spec.Name).Inc()
	log.Debug().
		Int(logging.FieldBatch, number).
		Int64("rows", written).
		Int("retries", retries).
		Msg("Batch committed")

	buf.reset()
	return true
}

func (l *Loader) cancel(ctx context.Context, out *Outcome, cursor string) {
	out.Status = StatusCancelled
	out.Cursor = cursor
	out.Err = fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
}

func (l *Loader) collect(pages Pages, out *Outcome) {
	out.PagesFetched = pages.PagesFetched()
	out.Retries += pages.Retries()
	out.Warnings = append(out.Warnings, pages.Warnings()...)
}

func (l *Loader) finish(out *Outcome, log zerolog.Logger) {
	out.Duration = time.Since(out.StartedAt)
	entityOutcomesTotal.WithLabelValues(out.Entity, string(out.Status)).Inc()
	entityDuration.WithLabelValues(out.Entity).Observe(out.Duration.Seconds())

	switch out.Status {
	case StatusSucceeded:
		log.Info().
			Int64("rows_upserted", out.RowsUpserted).
			Int("rows_skipped", out.RowsSkipped).
			Int("pages", out.PagesFetched).
			Int("batches", out.BatchesCommitted).
			Int("retries", out.Retries).
			Dur("duration", out.Duration).
			Msg("Entity load succeeded")
	case StatusCancelled:
		log.Warn().
			Err(out.Err).
			Int64("rows_upserted", out.RowsUpserted).
			Str(logging.FieldCursor, out.Cursor).
			Msg("Entity load cancelled")
	default:
		log.Error().
			Err(out.Err).
			Int64("rows_upserted", out.RowsUpserted).
			Int("pages", out.PagesFetched).
			Str(logging.FieldCursor, out.Cursor).
			Msg("Entity load failed")
	}
}
