// Package testutil provides testing utilities for canvas-ingest.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines one canned response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// collection is a paged record list served at one path.
type collection struct {
	records    []map[string]any
	perPage    int
	recordsKey string
}

// MockCanvas is a configurable mock Canvas API server. Collections are paged
// with Link headers the way Canvas pages them; faults can be queued per page.
type MockCanvas struct {
	server *httptest.Server
	token  string

	mu          sync.RWMutex
	handlers    map[string]func(w http.ResponseWriter, r *http.Request)
	collections map[string]*collection
	faults      map[string][]MockResponse // keyed by "path#page"

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockCanvas creates a mock server that requires token as bearer credential.
func NewMockCanvas(token string) *MockCanvas {
	mock := &MockCanvas{
		token:       token,
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		collections: make(map[string]*collection),
		faults:      make(map[string][]MockResponse),
		PathCounts:  make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		if mock.token != "" && r.Header.Get("Authorization") != "Bearer "+mock.token {
			writeResponse(w, NewUnauthorizedResponse())
			return
		}

		page := pageParam(r)
		if resp, ok := mock.nextFault(r.URL.Path, page); ok {
			writeResponse(w, resp)
			return
		}

		mock.mu.RLock()
		handler, hasHandler := mock.handlers[r.URL.Path]
		coll, hasCollection := mock.collections[r.URL.Path]
		mock.mu.RUnlock()

		switch {
		case hasHandler:
			handler(w, r)
		case hasCollection:
			mock.servePage(w, r, coll, page)
		default:
			writeResponse(w, MockResponse{
				StatusCode: http.StatusNotFound,
				Body:       `{"errors":[{"message":"The specified resource does not exist."}]}`,
			})
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCanvas) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCanvas) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCanvas) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCanvas) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockCanvas) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// SetCollection serves records at path, perPage at a time unless the request
// asks for a different per_page.
func (m *MockCanvas) SetCollection(path string, records []map[string]any, perPage int) {
	m.setCollection(path, records, perPage, "")
}

// SetEnvelopeCollection is SetCollection with the page body wrapped as
// {"<recordsKey>": [...]}.
func (m *MockCanvas) SetEnvelopeCollection(path, recordsKey string, records []map[string]any, perPage int) {
	m.setCollection(path, records, perPage, recordsKey)
}

func (m *MockCanvas) setCollection(path string, records []map[string]any, perPage int, recordsKey string) {
	if perPage <= 0 {
		perPage = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[path] = &collection{records: records, perPage: perPage, recordsKey: recordsKey}
}

// QueueFault makes the next requests for page of path return resps, one per
// request, before normal serving resumes. Pages are 1-based.
func (m *MockCanvas) QueueFault(path string, page int, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s#%d", path, page)
	m.faults[key] = append(m.faults[key], resps...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCanvas) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockCanvas) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

func (m *MockCanvas) nextFault(path string, page int) (MockResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s#%d", path, page)
	queue := m.faults[key]
	if len(queue) == 0 {
		return MockResponse{}, false
	}
	m.faults[key] = queue[1:]
	return queue[0], true
}

func (m *MockCanvas) servePage(w http.ResponseWriter, r *http.Request, c *collection, page int) {
	perPage := c.perPage
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 {
		perPage = v
	}

	lo := (page - 1) * perPage
	if lo > len(c.records) {
		lo = len(c.records)
	}
	hi := lo + perPage
	if hi > len(c.records) {
		hi = len(c.records)
	}

	var body any = c.records[lo:hi]
	if c.recordsKey != "" {
		body = map[string]any{c.recordsKey: c.records[lo:hi]}
	}
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	links := []string{m.link(r, page, perPage, "current"), m.link(r, 1, perPage, "first")}
	if hi < len(c.records) {
		links = append(links, m.link(r, page+1, perPage, "next"))
	}

	w.Header().Set("Link", strings.Join(links, ","))
	setCanvasHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (m *MockCanvas) link(r *http.Request, page, perPage int, rel string) string {
	q := r.URL.Query()
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	return fmt.Sprintf(`<%s%s?%s>; rel="%s"`, m.server.URL, r.URL.Path, q.Encode(), rel)
}

func pageParam(r *http.Request) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		return n
	}
	return 1
}

func setCanvasHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Rate-Limit-Remaining", "700.0")
	w.Header().Set("X-Request-Cost", "1.0")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	setCanvasHeaders(w)
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// Records generates n records {"id": start+i, "name": "<prefix> <id>"}.
func Records(prefix string, start, n int) []map[string]any {
	out := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		id := start + i
		out = append(out, map[string]any{
			"id":   id,
			"name": fmt.Sprintf("%s %d", prefix, id),
		})
	}
	return out
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"errors":[{"message":"An error occurred."}]}`,
	}
}

// NewRateLimitResponse creates Canvas' throttling response: 403 with an
// exhausted quota.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       "403 Forbidden (Rate Limit Exceeded)",
		Headers: map[string]string{
			"X-Rate-Limit-Remaining": "0.0",
			"Content-Type":           "text/plain",
		},
	}
}

// NewTooManyRequestsResponse creates a 429 with a Retry-After hint in seconds.
func NewTooManyRequestsResponse(retryAfter int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"errors":[{"message":"Too many requests"}]}`,
		Headers:    map[string]string{"Retry-After": strconv.Itoa(retryAfter)},
	}
}

// NewUnauthorizedResponse creates a 401 for an invalid access token.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"errors":[{"message":"Invalid access token."}],"status":"unauthenticated"}`,
		Headers:    map[string]string{"WWW-Authenticate": `Bearer realm="canvas-lms"`},
	}
}
