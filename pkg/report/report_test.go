package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evisions/canvas-ingest/pkg/loader"
	"github.com/evisions/canvas-ingest/pkg/orchestrator"
	"github.com/evisions/canvas-ingest/pkg/pagination"
	"github.com/evisions/canvas-ingest/pkg/retry"
)

var started = time.Date(2024, 9, 1, 2, 0, 0, 0, time.UTC)

func sampleReport() *orchestrator.RunReport {
	commitErr := &loader.BatchCommitError{
		Entity: "assignments",
		Table:  "canvas_assignments",
		Batch:  2,
		Cursor: "https://canvas.example.edu/api/v1/courses/1/assignments?page=2",
		Err:    &retry.ExhaustedError{Attempts: 3, Last: errors.New("connection reset")},
	}
	return &orchestrator.RunReport{
		RunID:      "3f0c5a52-6a3c-4e4b-9b7e-0d1f2a3b4c5d",
		StartedAt:  started,
		FinishedAt: started.Add(90*time.Second + 1234567*time.Nanosecond),
		Order:      []string{"users", "courses", "assignments"},
		Status:     orchestrator.StatusPartiallyFailed,
		Outcomes: map[string]*loader.Outcome{
			"users": {
				Entity: "users", Table: "canvas_users", Status: loader.StatusSucceeded,
				RowsUpserted: 250, PagesFetched: 5, BatchesCommitted: 1,
				Duration: 12*time.Second + 345678*time.Nanosecond,
			},
			"courses": {
				Entity: "courses", Table: "canvas_courses", Status: loader.StatusSucceeded,
				RowsUpserted: 40, RowsSkipped: 2, PagesFetched: 1, BatchesCommitted: 1,
				Warnings: []string{"pagination truncated: /api/v1/accounts/1/courses stopped after 1 pages"},
			},
			"assignments": {
				Entity: "assignments", Table: "canvas_assignments", Status: loader.StatusFailed,
				RowsUpserted: 30, PagesFetched: 2, BatchesCommitted: 1, Retries: 2,
				Err: commitErr, Cursor: commitErr.Cursor,
			},
		},
	}
}

func TestFormat_SortedAndRounded(t *testing.T) {
	s := Format(sampleReport())

	require.Len(t, s.Entities, 3)
	assert.Equal(t, "assignments", s.Entities[0].Entity)
	assert.Equal(t, "courses", s.Entities[1].Entity)
	assert.Equal(t, "users", s.Entities[2].Entity)

	assert.Equal(t, "12s", s.Entities[2].Duration)
	assert.Equal(t, "1m30.001s", s.Duration)
	assert.Equal(t, "2024-09-01T02:00:00Z", s.StartedAt)

	assert.Equal(t, int64(320), s.Totals.RowsUpserted)
	assert.Equal(t, 2, s.Totals.RowsSkipped)
	assert.Equal(t, 8, s.Totals.PagesFetched)
	assert.Equal(t, 2, s.Totals.Succeeded)
	assert.Equal(t, 1, s.Totals.Failed)

	assert.Equal(t, KindBatchCommitFailed, s.Entities[0].ErrorKind)
	assert.Contains(t, s.Entities[0].Cursor, "page=2")
}

func TestFormat_Deterministic(t *testing.T) {
	r := sampleReport()
	first, err := Format(r).JSON()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := Format(r).JSON()
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Equal(t, Format(r).Text(), Format(r).Text())
}

func TestErrorKind(t *testing.T) {
	auth := &retry.Error{Class: retry.ErrorClassAuth, StatusCode: 401}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"auth inside page fetch", &pagination.PageFetchError{Err: auth}, KindAuthentication},
		{"page fetch", &pagination.PageFetchError{Err: &retry.ExhaustedError{Last: errors.New("502")}}, KindPageFetchFailed},
		{"batch commit", &loader.BatchCommitError{Err: errors.New("x")}, KindBatchCommitFailed},
		{"cancelled", fmt.Errorf("%w: run aborted", loader.ErrCancelled), KindCancelled},
		{"bare exhaustion", &retry.ExhaustedError{Last: errors.New("x")}, KindRetriesExhausted},
		{"other", errors.New("boom"), KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorKind(tt.err))
		})
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		status orchestrator.Status
		strict bool
		want   int
	}{
		{orchestrator.StatusSucceeded, false, ExitOK},
		{orchestrator.StatusSucceeded, true, ExitOK},
		{orchestrator.StatusPartiallyFailed, false, ExitOK},
		{orchestrator.StatusPartiallyFailed, true, ExitPartial},
		{orchestrator.StatusFailed, false, ExitFailed},
		{orchestrator.StatusFailed, true, ExitFailed},
	}
	for _, tt := range tests {
		s := Summary{Status: string(tt.status)}
		assert.Equal(t, tt.want, s.ExitCode(tt.strict), "%s strict=%v", tt.status, tt.strict)
	}
}

func TestSummary_JSON(t *testing.T) {
	data, err := Format(sampleReport()).JSON()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "PartiallyFailed", decoded["status"])

	entities := decoded["entities"].([]any)
	first := entities[0].(map[string]any)
	assert.Equal(t, "batch_commit_failed", first["error_kind"])
	assert.NotContains(t, entities[2].(map[string]any), "error")
}

func TestSummary_Text(t *testing.T) {
	text := Format(sampleReport()).Text()

	assert.True(t, strings.HasPrefix(text, "Run 3f0c5a52-6a3c-4e4b-9b7e-0d1f2a3b4c5d: PartiallyFailed in 1m30.001s\n"))
	assert.Contains(t, text, "ENTITY")
	assert.Contains(t, text, "TOTAL")
	assert.Contains(t, text, "2/3 ok")
	assert.Contains(t, text, "assignments [batch_commit_failed]")
	assert.Contains(t, text, "resume at cursor https://canvas.example.edu/api/v1/courses/1/assignments?page=2")
	assert.Contains(t, text, "courses warning: pagination truncated")

	// Header and rows share column positions.
	lines := strings.Split(text, "\n")
	var header, users string
	for _, l := range lines {
		if strings.HasPrefix(l, "ENTITY") {
			header = l
		}
		if strings.HasPrefix(l, "users ") {
			users = l
		}
	}
	require.NotEmpty(t, header)
	require.NotEmpty(t, users)
	assert.Equal(t, strings.Index(header, "STATUS"), strings.Index(users, "succeeded"))
}
