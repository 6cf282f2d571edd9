package pagination

import (
	"errors"
	"fmt"
)

var (
	// ErrPageFetchFailed is matched by every *PageFetchError.
	ErrPageFetchFailed = errors.New("page fetch failed")

	// ErrPaginationTruncated marks a cursor chain stopped by the page bound.
	// It is a warning; the records fetched so far are still loaded.
	ErrPaginationTruncated = errors.New("pagination truncated")

	// ErrInvalidEndpoint is returned by New for an empty endpoint template.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

// PageFetchError reports a page that could not be fetched after retries, or
// that failed fatally.
type PageFetchError struct {
	Entity   string
	Endpoint string
	Cursor   string
	Page     int
	Err      error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("%v: entity %s page %d (endpoint %s, cursor %q): %v",
		ErrPageFetchFailed, e.Entity, e.Page, e.Endpoint, e.Cursor, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *PageFetchError) Unwrap() []error {
	return []error{ErrPageFetchFailed, e.Err}
}
