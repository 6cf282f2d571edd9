// Package ratelimit implements the shared request budget for upstream API calls.
// It serializes admission through a token bucket, honours explicit retry-after
// pauses, and tracks the Canvas X-Rate-Limit-Remaining quota so that workers
// slow down before the upstream starts rejecting requests.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Canvas throttling headers.
const (
	HeaderRemaining   = "X-Rate-Limit-Remaining"
	HeaderRequestCost = "X-Request-Cost"
)

// Thresholds on the Canvas quota bucket (700 units when full).
const (
	// ThresholdCritical pauses every worker when the remaining quota falls below it.
	ThresholdCritical = 50

	// ThresholdWarning adds a throttle delay to each admission below it.
	ThresholdWarning = 200

	// ThresholdHealthy is the level at which no restrictions apply.
	ThresholdHealthy = 400
)

// State is the last observed upstream quota.
type State struct {
	// Remaining is the X-Rate-Limit-Remaining value.
	Remaining float64 `json:"remaining"`

	// RequestCost is the X-Request-Cost of the response that reported Remaining.
	RequestCost float64 `json:"request_cost"`

	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining >= ThresholdHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// DefaultState is assumed until the first response is observed.
func DefaultState() State {
	return State{Remaining: 700, LastUpdate: time.Now(), IsHealthy: true}
}

// IsStale returns true if the state is older than maxAge. Canvas refills the
// bucket continuously, so stale readings no longer restrict admission.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// NeedsCriticalBlock returns true if admission should pause.
func (s *State) NeedsCriticalBlock() bool {
	return s.Remaining < ThresholdCritical
}

// NeedsThrottling returns true if admission should be slowed down.
func (s *State) NeedsThrottling() bool {
	return s.Remaining < ThresholdWarning && !s.NeedsCriticalBlock()
}

// UpdateHealth updates IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= ThresholdHealthy
}

// ParseState extracts the quota from response headers. ok is false when the
// response carries no rate-limit headers.
func ParseState(h http.Header) (state State, ok bool, err error) {
	remainStr := strings.TrimSpace(h.Get(HeaderRemaining))
	if remainStr == "" {
		return State{}, false, nil
	}

	remain, err := strconv.ParseFloat(remainStr, 64)
	if err != nil {
		return State{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	state = State{Remaining: remain, LastUpdate: time.Now()}
	if costStr := strings.TrimSpace(h.Get(HeaderRequestCost)); costStr != "" {
		cost, err := strconv.ParseFloat(costStr, 64)
		if err != nil {
			return State{}, false, fmt.Errorf("parse %s header: %w", HeaderRequestCost, err)
		}
		state.RequestCost = cost
	}
	state.UpdateHealth()

	return state, true, nil
}
