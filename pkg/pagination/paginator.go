package pagination

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/evisions/canvas-ingest/pkg/entity"
	"github.com/evisions/canvas-ingest/pkg/logging"
	"github.com/evisions/canvas-ingest/pkg/ratelimit"
	"github.com/evisions/canvas-ingest/pkg/retry"
)

// Prometheus metrics for pagination.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_pages_fetched_total",
		Help: "Total number of pages fetched by entity and kind (records, parents)",
	}, []string{"entity", "kind"})

	recordsSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_records_skipped_total",
		Help: "Total number of raw records dropped during normalization by entity",
	}, []string{"entity"})

	truncationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_pagination_truncated_total",
		Help: "Total number of cursor chains stopped by the page bound by entity",
	}, []string{"entity"})
)

// PerPageParam is the page size query parameter.
const PerPageParam = "per_page"

// Config holds paginator configuration.
type Config struct {
	// MinPageSize and MaxPageSize bound the page size hint.
	MinPageSize int `mapstructure:"min_page_size"`
	MaxPageSize int `mapstructure:"max_page_size"`

	// DefaultPageSize is used when a spec has no hint.
	DefaultPageSize int `mapstructure:"default_page_size"`

	// MaxPages bounds each cursor chain (every parent listing and every
	// per-parent child walk).
	MaxPages int `mapstructure:"max_pages"`
}

// DefaultConfig returns defaults matching Canvas (per_page up to 100).
func DefaultConfig() Config {
	return Config{
		MinPageSize:     1,
		MaxPageSize:     100,
		DefaultPageSize: 100,
		MaxPages:        10000,
	}
}

// PageRequest is one page fetch.
type PageRequest struct {
	// Endpoint is the expanded path of the first page.
	Endpoint string

	// Cursor is the opaque next cursor of the previous page; empty for the first page.
	Cursor string

	// Params are added to the first page request.
	Params url.Values

	RecordsKey      string
	NextCursorField string

	// CursorParam, when set, carries Cursor as a query parameter of the
	// first-page request instead of being followed as a URL.
	CursorParam string
}

// Page is one fetched page. It is owned by the paginator.
type Page struct {
	Records    []map[string]any
	NextCursor string
	FetchedAt  time.Time

	// Cursor is the cursor this page was fetched at.
	Cursor string
	Number int
	Header http.Header
}

// PageFetcher fetches single pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// Batch is the normalized content of one page.
type Batch struct {
	Records []entity.Record
	Skipped int

	// Endpoint and Cursor locate the page: an empty cursor is the first page
	// of Endpoint.
	Endpoint  string
	Cursor    string
	Number    int
	FetchedAt time.Time
}

// binding is one fan-out parent: placeholder values for the endpoint and
// column values injected into child records.
type binding struct {
	vars    map[string]string
	columns map[string]string
}

// Paginator iterates the pages of one entity. It is not safe for concurrent use.
type Paginator struct {
	spec     entity.Spec
	fetcher  PageFetcher
	budget   ratelimit.Budget
	governor *retry.Governor
	config   Config
	logger   zerolog.Logger
	pageSize int

	bindings    []binding
	resolved    bool
	bindingIdx  int
	chainPages  int
	chainDone   bool
	cursor      string
	lastCursor  string
	recordPages int
	pages       int
	retries     int

	batch     *Batch
	err       error
	done      bool
	truncated bool
	warnings  []string
}

// New creates a paginator for spec.
func New(spec entity.Spec, fetcher PageFetcher, budget ratelimit.Budget, governor *retry.Governor, cfg Config, logger zerolog.Logger) (*Paginator, error) {
	if strings.TrimSpace(spec.Endpoint) == "" {
		return nil, fmt.Errorf("%w: entity %q has an empty endpoint template", ErrInvalidEndpoint, spec.Name)
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultConfig().MaxPages
	}
	return &Paginator{
		spec:     spec,
		fetcher:  fetcher,
		budget:   budget,
		governor: governor,
		config:   cfg,
		logger:   logging.WithEntity(logger, spec.Name, ""),
		pageSize: ClampPageSize(spec.PageSize, cfg),
	}, nil
}

// ClampPageSize brings a page size hint into [MinPageSize, MaxPageSize].
// Non-positive hints use DefaultPageSize.
func ClampPageSize(hint int, cfg Config) int {
	size := hint
	if size <= 0 {
		size = cfg.DefaultPageSize
	}
	if cfg.MaxPageSize > 0 && size > cfg.MaxPageSize {
		size = cfg.MaxPageSize
	}
	if size < cfg.MinPageSize {
		size = cfg.MinPageSize
	}
	if size < 1 {
		size = 1
	}
	return size
}

// PageSize returns the clamped page size sent upstream.
func (p *Paginator) PageSize() int { return p.pageSize }

// Next fetches the next page of records. It returns false when the entity is
// exhausted, truncated, or failed; check Err to tell them apart.
func (p *Paginator) Next(ctx context.Context) bool {
	p.batch = nil
	if p.done || p.err != nil {
		return false
	}

	if !p.resolved {
		bindings, err := p.resolveBindings(ctx)
		if err != nil {
			p.err = err
			return false
		}
		p.bindings = bindings
		p.resolved = true
	}

	for {
		if p.bindingIdx >= len(p.bindings) {
			p.done = true
			p.logger.Debug().
				Int("pages", p.pages).
				Int("retries", p.retries).
				Msg("Pagination complete")
			return false
		}

		if p.chainDone {
			p.bindingIdx++
			p.cursor = ""
			p.chainPages = 0
			p.chainDone = false
			continue
		}

		b := p.bindings[p.bindingIdx]
		endpoint := entity.Expand(p.spec.Endpoint, b.vars)

		if p.chainPages >= p.config.MaxPages {
			p.truncate(endpoint)
			p.chainDone = true
			continue
		}

		page, err := p.fetch(ctx, PageRequest{
			Endpoint:        endpoint,
			Cursor:          p.cursor,
			Params:          p.params(),
			RecordsKey:      p.spec.RecordsKey,
			NextCursorField: p.spec.NextCursorField,
			CursorParam:     p.spec.CursorParam,
		}, p.recordPages+1)
		if err != nil {
			p.err = err
			return false
		}

		p.chainPages++
		p.recordPages++
		pagesFetchedTotal.WithLabelValues(p.spec.Name, "records").Inc()

		p.lastCursor = page.Cursor
		if page.NextCursor == "" || page.NextCursor == page.Cursor {
			p.chainDone = true
		} else {
			p.cursor = page.NextCursor
		}

		p.batch = p.normalize(page, b)
		p.batch.Endpoint = endpoint
		return true
	}
}

// Batch returns the batch produced by the last successful Next.
func (p *Paginator) Batch() *Batch { return p.batch }

// Err returns the fetch failure that stopped iteration, if any.
func (p *Paginator) Err() error { return p.err }

// Truncated reports whether any cursor chain hit the page bound.
func (p *Paginator) Truncated() bool { return p.truncated }

// Warnings returns non-fatal conditions (truncation) seen so far.
func (p *Paginator) Warnings() []string { return p.warnings }

// PagesFetched returns the number of pages fetched, parent listings included.
func (p *Paginator) PagesFetched() int { return p.pages }

// Retries returns the number of page fetch retries performed.
func (p *Paginator) Retries() int { return p.retries }

// Cursor returns the cursor of the last record page fetched. Empty means the
// first page of the current chain.
func (p *Paginator) Cursor() string { return p.lastCursor }

func (p *Paginator) params() url.Values {
	return url.Values{PerPageParam: []string{strconv.Itoa(p.pageSize)}}
}

func (p *Paginator) truncate(endpoint string) {
	p.truncated = true
	truncationsTotal.WithLabelValues(p.spec.Name).Inc()
	msg := fmt.Sprintf("%v: %s stopped after %d pages", ErrPaginationTruncated, endpoint, p.config.MaxPages)
	p.warnings = append(p.warnings, msg)
	p.logger.Warn().
		Str(logging.FieldEndpoint, endpoint).
		Int("max_pages", p.config.MaxPages).
		Msg("Pagination truncated at page bound")
}

func (p *Paginator) normalize(page *Page, b binding) *Batch {
	raw := entity.FlattenChildren(page.Records, p.spec.Flatten)

	batch := &Batch{
		Records:   make([]entity.Record, 0, len(raw)),
		Cursor:    page.Cursor,
		Number:    page.Number,
		FetchedAt: page.FetchedAt,
	}
	for _, r := range raw {
		for col, v := range b.columns {
			r[col] = v
		}
		rec, err := p.spec.Normalize(r)
		if err != nil {
			batch.Skipped++
			p.logger.Debug().Err(err).Int("page", page.Number).Msg("Record skipped")
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	if batch.Skipped > 0 {
		recordsSkippedTotal.WithLabelValues(p.spec.Name).Add(float64(batch.Skipped))
		p.logger.Warn().
			Int("page", page.Number).
			Int("skipped", batch.Skipped).
			Msg("Records skipped during normalization")
	}
	return batch
}

// fetch runs one page fetch under the budget and the governor.
func (p *Paginator) fetch(ctx context.Context, req PageRequest, number int) (*Page, error) {
	var page *Page
	retries, err := p.governor.Execute(ctx, func(ctx context.Context) error {
		if err := p.budget.Wait(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrWaitExceeded) {
				return &retry.Error{Class: retry.ErrorClassRateLimit, Message: "budget wait exceeded", Err: err}
			}
			return err
		}

		pg, err := p.fetcher.FetchPage(ctx, req)
		if err != nil {
			var classified *retry.Error
			if errors.As(err, &classified) && classified.Class == retry.ErrorClassRateLimit && classified.RetryAfter > 0 {
				p.budget.Defer(ctx, classified.RetryAfter)
			}
			return err
		}

		p.budget.Observe(ctx, pg.Header)
		page = pg
		return nil
	})
	p.retries += retries

	if err != nil {
		p.logger.Error().
			Err(err).
			Str(logging.FieldEndpoint, req.Endpoint).
			Str(logging.FieldCursor, req.Cursor).
			Int("page", number).
			Msg("Page fetch failed")
		return nil, &PageFetchError{
			Entity:   p.spec.Name,
			Endpoint: req.Endpoint,
			Cursor:   req.Cursor,
			Page:     number,
			Err:      err,
		}
	}

	p.pages++
	page.Number = number
	page.Cursor = req.Cursor
	if page.FetchedAt.IsZero() {
		page.FetchedAt = time.Now()
	}
	p.logger.Debug().
		Int("page", number).
		Int("records", len(page.Records)).
		Bool("has_next", page.NextCursor != "").
		Msg("Page fetched")
	return page, nil
}

// resolveBindings enumerates the fan-out parents. Without a fan-out there is
// exactly one empty binding.
func (p *Paginator) resolveBindings(ctx context.Context) ([]binding, error) {
	if p.spec.FanOut == nil {
		return []binding{{}}, nil
	}
	bindings, err := p.enumerate(ctx, p.spec.FanOut)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Int("parents", len(bindings)).Msg("Fan-out parents enumerated")
	return bindings, nil
}

func (p *Paginator) enumerate(ctx context.Context, f *entity.FanOut) ([]binding, error) {
	parents := []binding{{}}
	if f.Parent != nil {
		var err error
		if parents, err = p.enumerate(ctx, f.Parent); err != nil {
			return nil, err
		}
	}

	var out []binding
	for _, parent := range parents {
		endpoint := entity.Expand(f.Endpoint, parent.vars)
		cursor := ""
		for n := 1; ; n++ {
			if n > p.config.MaxPages {
				p.truncate(endpoint)
				break
			}
			page, err := p.fetch(ctx, PageRequest{
				Endpoint:   endpoint,
				Cursor:     cursor,
				Params:     p.params(),
				RecordsKey: f.RecordsKey,
			}, n)
			if err != nil {
				return nil, err
			}
			pagesFetchedTotal.WithLabelValues(p.spec.Name, "parents").Inc()

			for _, r := range page.Records {
				v, ok := entity.Lookup(r, f.KeyField)
				if !ok || v == nil {
					p.logger.Warn().Str(logging.FieldEndpoint, endpoint).Str("key_field", f.KeyField).Msg("Parent record without key skipped")
					continue
				}
				key, err := entity.KeyString(v)
				if err != nil {
					p.logger.Warn().Err(err).Str(logging.FieldEndpoint, endpoint).Msg("Parent record with unusable key skipped")
					continue
				}
				out = append(out, parent.with(f, key))
			}

			if page.NextCursor == "" || page.NextCursor == page.Cursor {
				break
			}
			cursor = page.NextCursor
		}
	}
	return out, nil
}

func (b binding) with(f *entity.FanOut, key string) binding {
	next := binding{
		vars:    make(map[string]string, len(b.vars)+1),
		columns: make(map[string]string, len(b.columns)+1),
	}
	for k, v := range b.vars {
		next.vars[k] = v
	}
	for k, v := range b.columns {
		next.columns[k] = v
	}
	next.vars[f.Placeholder] = key
	if f.Column != "" {
		next.columns[f.Column] = key
	}
	return next
}
