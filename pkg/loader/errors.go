package loader

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchCommitFailed is matched by every *BatchCommitError.
	ErrBatchCommitFailed = errors.New("batch commit failed")

	// ErrCancelled marks a load stopped by its context before completion.
	ErrCancelled = errors.New("load cancelled")
)

// BatchCommitError reports a commit batch that could not be written after
// its retry budget. Batches committed before it stay in storage.
type BatchCommitError struct {
	Entity string
	Table  string

	// Batch is the 1-based commit batch number.
	Batch int

	// Cursor is the cursor of the page that contributed the batch's first
	// record; Endpoint disambiguates the first page of a chain.
	Cursor   string
	Endpoint string

	Err error
}

func (e *BatchCommitError) Error() string {
	return fmt.Sprintf("%v: entity %s batch %d into %s (cursor %q): %v",
		ErrBatchCommitFailed, e.Entity, e.Batch, e.Table, e.Cursor, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *BatchCommitError) Unwrap() []error {
	return []error{ErrBatchCommitFailed, e.Err}
}
