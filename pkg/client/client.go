// Package client provides the Canvas LMS HTTP client used by the paginator:
// bearer authentication, Link header cursors, envelope decoding, and error
// classification for the retry governor.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
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

// Prometheus metrics for Canvas API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_requests_total",
		Help: "Total Canvas API requests by route and status",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canvas_ingest_request_duration_seconds",
		Help:    "Canvas API request duration in seconds by route",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"route"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canvas_ingest_request_errors_total",
		Help: "Total Canvas API errors by class",
	}, []string{"class"})
)

// ErrForeignCursor is returned when a next link points away from the configured host.
var ErrForeignCursor = errors.New("next page link points to a different host")

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Config holds the client configuration.
type Config struct {
	// BaseURL is the Canvas instance, e.g. "https://school.instructure.com".
	BaseURL string `mapstructure:"base_url"`

	// Token is the API access token sent as a bearer credential.
	Token string `mapstructure:"token"`

	// UserAgent identifies the ingest job to Canvas.
	UserAgent string `mapstructure:"user_agent"`

	// Timeout bounds one HTTP request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns a default configuration without credentials.
func DefaultConfig() Config {
	return Config{
		UserAgent: "canvas-ingest/1.0",
		Timeout:   30 * time.Second,
	}
}

// Client fetches Canvas list pages. It implements pagination.PageFetcher.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

var _ pagination.PageFetcher = (*Client)(nil)

// New creates a Canvas client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("api token is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		config:     cfg,
		logger:     logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// FetchPage fetches one page. The first page is built from the endpoint and
// params; later pages follow the cursor URL, or repeat the first-page request
// with the cursor token when CursorParam is set.
func (c *Client) FetchPage(ctx context.Context, req pagination.PageRequest) (*pagination.Page, error) {
	target, err := c.resolve(req)
	if err != nil {
		return nil, retry.Fatal(err)
	}
	route := routeLabel(target.Path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(route, "network_error").Inc()
		errorsTotal.WithLabelValues(string(retry.ErrorClassNetwork)).Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retry.Error{Class: retry.ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		classErr := classifyResponse(resp, body)
		errorsTotal.WithLabelValues(string(classErr.Class)).Inc()
		c.logger.Warn().
			Str("route", route).
			Int("status", resp.StatusCode).
			Str(logging.FieldErrorClass, string(classErr.Class)).
			Msg("Canvas request error")
		return nil, classErr
	}

	records, body, err := decodeRecords(resp.Body, req.RecordsKey)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &retry.Error{Class: retry.ErrorClassNetwork, Message: "truncated response body", Err: err}
		}
		return nil, retry.Fatal(fmt.Errorf("decode %s: %w", route, err))
	}

	next := ""
	if req.NextCursorField != "" {
		if obj, ok := body.(map[string]any); ok {
			if v, ok := entity.Lookup(obj, req.NextCursorField); ok && v != nil {
				next, _ = entity.KeyString(v)
			}
		}
	} else {
		next = NextLink(resp.Header.Values("Link"))
	}

	c.logger.Debug().
		Str("route", route).
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Msg("Canvas page fetched")

	return &pagination.Page{
		Records:    records,
		NextCursor: next,
		FetchedAt:  time.Now(),
		Header:     resp.Header,
	}, nil
}

// resolve builds the request URL and keeps the credential on the configured host.
// URL cursors are followed as given; token cursors are added to the first-page
// request under CursorParam.
func (c *Client) resolve(req pagination.PageRequest) (*url.URL, error) {
	if req.Cursor != "" && req.CursorParam == "" {
		u, err := c.baseURL.Parse(req.Cursor)
		if err != nil {
			return nil, fmt.Errorf("parse cursor: %w", err)
		}
		if !strings.EqualFold(u.Host, c.baseURL.Host) {
			return nil, fmt.Errorf("%w: %s", ErrForeignCursor, u.Host)
		}
		return u, nil
	}

	u, err := url.Parse(c.baseURL.String() + "/" + strings.TrimPrefix(req.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", req.Endpoint, err)
	}
	q := u.Query()
	for k, vs := range req.Params {
		if _, set := q[k]; !set {
			q[k] = vs
		}
	}
	if req.Cursor != "" {
		q.Set(req.CursorParam, req.Cursor)
	}
	// Canvas uses literal [] in parameter names; keep them readable.
	u.RawQuery = strings.NewReplacer("%5B", "[", "%5D", "]").Replace(q.Encode())
	return u, nil
}

// classifyResponse maps an error status to a governor error class.
func classifyResponse(resp *http.Response, body []byte) *retry.Error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	e := &retry.Error{StatusCode: resp.StatusCode, Message: msg}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Class = retry.ErrorClassAuth
	case resp.StatusCode == http.StatusTooManyRequests, isCanvasThrottle(resp, body):
		e.Class = retry.ErrorClassRateLimit
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	case resp.StatusCode >= 500:
		e.Class = retry.ErrorClassServer
	default:
		e.Class = retry.ErrorClassClient
	}
	return e
}

// isCanvasThrottle detects Canvas' 403 "Rate Limit Exceeded" responses.
func isCanvasThrottle(resp *http.Response, body []byte) bool {
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	if strings.Contains(strings.ToLower(string(body)), "rate limit exceeded") {
		return true
	}
	if v := resp.Header.Get(ratelimit.HeaderRemaining); v != "" {
		if remaining, err := strconv.ParseFloat(v, 64); err == nil && remaining <= 0 {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After value in seconds or as an HTTP date.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// decodeRecords decodes an array body, or the array under recordsKey of an
// object body. Non-object elements are dropped.
func decodeRecords(r io.Reader, recordsKey string) ([]map[string]any, any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var body any
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	var items []any
	switch v := body.(type) {
	case []any:
		items = v
	case map[string]any:
		if recordsKey == "" {
			return nil, body, fmt.Errorf("expected array body, got object")
		}
		raw, ok := v[recordsKey]
		if !ok || raw == nil {
			return nil, body, nil
		}
		if items, ok = raw.([]any); !ok {
			return nil, body, fmt.Errorf("envelope key %q is %T, not an array", recordsKey, raw)
		}
	case nil:
		return nil, nil, nil
	default:
		return nil, body, fmt.Errorf("unexpected body type %T", body)
	}

	records := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			records = append(records, m)
		}
	}
	return records, body, nil
}

var linkPattern = regexp.MustCompile(`<([^>]*)>\s*;([^,]*)`)

// NextLink returns the rel="next" target of RFC 8288 Link header values.
func NextLink(values []string) string {
	for _, v := range values {
		for _, m := range linkPattern.FindAllStringSubmatch(v, -1) {
			for _, param := range strings.Split(m[2], ";") {
				name, value, ok := strings.Cut(strings.TrimSpace(param), "=")
				if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
					continue
				}
				for _, rel := range strings.Fields(strings.Trim(strings.TrimSpace(value), `"`)) {
					if strings.EqualFold(rel, "next") {
						return m[1]
					}
				}
			}
		}
	}
	return ""
}

var numericSegment = regexp.MustCompile(`/\d+(/|$)`)

// routeLabel collapses numeric path segments so metric labels stay bounded.
func routeLabel(path string) string {
	// Applied twice: adjacent numeric segments share a slash.
	label := numericSegment.ReplaceAllString(path, "/:id$1")
	return numericSegment.ReplaceAllString(label, "/:id$1")
}
