// Package report turns a run report into the operator-facing summary and the
// process exit code. Formatting is pure: the same report always renders the
// same output.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/evisions/canvas-ingest/pkg/loader"
	"github.com/evisions/canvas-ingest/pkg/orchestrator"
	"github.com/evisions/canvas-ingest/pkg/pagination"
	"github.com/evisions/canvas-ingest/pkg/retry"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// Error kinds reported per entity.
const (
	KindAuthentication    = "authentication_failed"
	KindBatchCommitFailed = "batch_commit_failed"
	KindPageFetchFailed   = "page_fetch_failed"
	KindRetriesExhausted  = "retries_exhausted"
	KindCancelled         = "cancelled"
	KindOther             = "error"
)

// Entity is one line of the summary.
type Entity struct {
	Entity       string   `json:"entity"`
	Table        string   `json:"table"`
	Status       string   `json:"status"`
	RowsUpserted int64    `json:"rows_upserted"`
	RowsSkipped  int      `json:"rows_skipped"`
	PagesFetched int      `json:"pages_fetched"`
	Batches      int      `json:"batches_committed"`
	Retries      int      `json:"retries"`
	Duration     string   `json:"duration"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`
	Cursor       string   `json:"cursor,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Totals sums the entity lines.
type Totals struct {
	RowsUpserted int64 `json:"rows_upserted"`
	RowsSkipped  int   `json:"rows_skipped"`
	PagesFetched int   `json:"pages_fetched"`
	Succeeded    int   `json:"succeeded"`
	Failed       int   `json:"failed"`
	Cancelled    int   `json:"cancelled"`
}

// Summary is the formatted run report.
type Summary struct {
	RunID      string   `json:"run_id"`
	Status     string   `json:"status"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
	Duration   string   `json:"duration"`
	Cause      string   `json:"cause,omitempty"`
	Entities   []Entity `json:"entities"`
	Totals     Totals   `json:"totals"`
}

// Format builds the summary. Entities are sorted by name and durations are
// rounded to milliseconds.
func Format(r *orchestrator.RunReport) Summary {
	s := Summary{
		RunID:      r.RunID,
		Status:     string(r.Status),
		StartedAt:  r.StartedAt.UTC().Format(time.RFC3339),
		FinishedAt: r.FinishedAt.UTC().Format(time.RFC3339),
		Duration:   r.Duration().Round(time.Millisecond).String(),
		Entities:   make([]Entity, 0, len(r.Outcomes)),
	}
	if r.Cause != nil {
		s.Cause = r.Cause.Error()
	}

	names := make([]string, 0, len(r.Outcomes))
	for name := range r.Outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		o := r.Outcomes[name]
		e := Entity{
			Entity:       o.Entity,
			Table:        o.Table,
			Status:       string(o.Status),
			RowsUpserted: o.RowsUpserted,
			RowsSkipped:  o.RowsSkipped,
			PagesFetched: o.PagesFetched,
			Batches:      o.BatchesCommitted,
			Retries:      o.Retries,
			Duration:     o.Duration.Round(time.Millisecond).String(),
			Cursor:       o.Cursor,
			Warnings:     o.Warnings,
		}
		if o.Err != nil {
			e.ErrorKind = ErrorKind(o.Err)
			e.Error = o.Err.Error()
		}
		s.Entities = append(s.Entities, e)

		s.Totals.RowsUpserted += o.RowsUpserted
		s.Totals.RowsSkipped += o.RowsSkipped
		s.Totals.PagesFetched += o.PagesFetched
		switch o.Status {
		case loader.StatusSucceeded:
			s.Totals.Succeeded++
		case loader.StatusCancelled:
			s.Totals.Cancelled++
		default:
			s.Totals.Failed++
		}
	}
	return s
}

// ErrorKind names the failure taxonomy entry of err. The most specific
// match wins: a commit batch that exhausted its retries is a commit failure.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, loader.ErrCancelled):
		return KindCancelled
	case errors.Is(err, retry.ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, loader.ErrBatchCommitFailed):
		return KindBatchCommitFailed
	case errors.Is(err, pagination.ErrPageFetchFailed):
		return KindPageFetchFailed
	case errors.Is(err, retry.ErrRetryExhausted):
		return KindRetriesExhausted
	}
	return KindOther
}

// ExitCode maps the run status to a process exit code. A partially failed
// run exits 0 unless strict.
func (s Summary) ExitCode(strict bool) int {
	switch orchestrator.Status(s.Status) {
	case orchestrator.StatusSucceeded:
		return ExitOK
	case orchestrator.StatusPartiallyFailed:
		if strict {
			return ExitPartial
		}
		return ExitOK
	}
	return ExitFailed
}

// JSON renders the summary as indented JSON.
func (s Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Text renders the summary as a fixed-width table followed by failure details.
func (s Summary) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s: %s in %s\n", s.RunID, s.Status, s.Duration)
	if s.Cause != "" {
		fmt.Fprintf(&b, "Aborted: %s\n", s.Cause)
	}
	b.WriteString("\n")

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tSTATUS\tROWS\tSKIPPED\tPAGES\tBATCHES\tRETRIES\tDURATION")
	for _, e := range s.Entities {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			e.Entity, e.Status, e.RowsUpserted, e.RowsSkipped, e.PagesFetched, e.Batches, e.Retries, e.Duration)
	}
	fmt.Fprintf(tw, "TOTAL\t%d/%d ok\t%d\t%d\t%d\t\t\t\n",
		s.Totals.Succeeded, len(s.Entities), s.Totals.RowsUpserted, s.Totals.RowsSkipped, s.Totals.PagesFetched)
	tw.Flush()

	for _, e := range s.Entities {
		if e.Error == "" && len(e.Warnings) == 0 {
			continue
		}
		b.WriteString("\n")
		if e.Error != "" {
			fmt.Fprintf(&b, "%s [%s]: %s\n", e.Entity, e.ErrorKind, e.Error)
			if e.Cursor != "" {
				fmt.Fprintf(&b, "  resume at cursor %s\n", e.Cursor)
			}
		}
		for _, w := range e.Warnings {
			fmt.Fprintf(&b, "%s warning: %s\n", e.Entity, w)
		}
	}
	return b.String()
}
