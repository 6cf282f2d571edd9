package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func TestState_IsStale(t *testing.T) {
	tests := []struct {
		name     string
		state    *State
		maxAge   time.Duration
		expected bool
	}{
		{
			name:     "fresh state",
			state:    &State{LastUpdate: time.Now()},
			maxAge:   time.Minute,
			expected: false,
		},
		{
			name:     "stale state",
			state:    &State{LastUpdate: time.Now().Add(-10 * time.Minute)},
			maxAge:   time.Minute,
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.state.IsStale(tt.maxAge); result != tt.expected {
				t.Errorf("IsStale() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestState_Thresholds(t *testing.T) {
	tests := []struct {
		name          string
		remaining     float64
		wantBlock     bool
		wantThrottle  bool
		wantIsHealthy bool
	}{
		{name: "full bucket", remaining: 700, wantIsHealthy: true},
		{name: "at healthy threshold", remaining: ThresholdHealthy, wantIsHealthy: true},
		{name: "between warning and healthy", remaining: 300},
		{name: "at warning threshold", remaining: ThresholdWarning},
		{name: "just below warning", remaining: ThresholdWarning - 0.5, wantThrottle: true},
		{name: "at critical threshold", remaining: ThresholdCritical, wantThrottle: true},
		{name: "just below critical", remaining: ThresholdCritical - 1, wantBlock: true},
		{name: "exhausted", remaining: 0, wantBlock: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &State{Remaining: tt.remaining}
			s.UpdateHealth()

			if got := s.NeedsCriticalBlock(); got != tt.wantBlock {
				t.Errorf("NeedsCriticalBlock() = %v, want %v", got, tt.wantBlock)
			}
			if got := s.NeedsThrottling(); got != tt.wantThrottle {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.wantThrottle)
			}
			if s.IsHealthy != tt.wantIsHealthy {
				t.Errorf("IsHealthy = %v, want %v", s.IsHealthy, tt.wantIsHealthy)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		name          string
		remaining     string
		cost          string
		wantOK        bool
		wantErr       bool
		wantRemaining float64
		wantCost      float64
	}{
		{name: "no headers", wantOK: false},
		{name: "remaining only", remaining: "699.5", wantOK: true, wantRemaining: 699.5},
		{name: "with cost", remaining: "120", cost: "0.35", wantOK: true, wantRemaining: 120, wantCost: 0.35},
		{name: "invalid remaining", remaining: "lots", wantErr: true},
		{name: "invalid cost", remaining: "10", cost: "?", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.remaining != "" {
				h.Set(HeaderRemaining, tt.remaining)
			}
			if tt.cost != "" {
				h.Set(HeaderRequestCost, tt.cost)
			}

			state, ok, err := ParseState(h)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if state.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %v, want %v", state.Remaining, tt.wantRemaining)
			}
			if state.RequestCost != tt.wantCost {
				t.Errorf("RequestCost = %v, want %v", state.RequestCost, tt.wantCost)
			}
		})
	}
}
