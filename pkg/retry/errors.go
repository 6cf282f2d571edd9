package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// Common errors returned by the governor.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrAuthentication marks a dead credential. It aborts the whole run.
	ErrAuthentication = errors.New("authentication failed")
)

// ErrorClass represents a classification of failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than rate limits and auth.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents explicit upstream throttling (429, Canvas 403).
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassAuth represents 401 responses.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassStorage represents failed storage transactions.
	ErrorClassStorage ErrorClass = "storage"

	// ErrorClassFatal represents anything not worth retrying (malformed requests,
	// undecodable payloads).
	ErrorClassFatal ErrorClass = "fatal"
)

// Retryable reports whether failures of this class may be retried.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork, ErrorClassStorage:
		return true
	default:
		return false
	}
}

// Error is a classified failure with optional HTTP context.
type Error struct {
	Class      ErrorClass
	StatusCode int
	Message    string

	// RetryAfter is the upstream's explicit hint. When set it replaces the
	// computed backoff for the next wait.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s error (%s): %v", e.Class, msg, e.Err)
	}
	return fmt.Sprintf("%s error (%s)", e.Class, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrAuthentication) match auth-classified errors.
func (e *Error) Is(target error) bool {
	return target == ErrAuthentication && e.Class == ErrorClassAuth
}

// Storage classifies err as a retryable storage failure.
func Storage(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ErrorClassStorage, Message: "transaction failed", Err: err}
}

// Fatal classifies err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ErrorClassFatal, Message: err.Error(), Err: err}
}

// ExhaustedError is returned once MaxAttempts retryable failures happened in a row.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last underlying failure.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrRetryExhausted, e.Last}
}

// Classify determines the class of err.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED):
		return ErrorClassNetwork
	}

	return ErrorClassFatal
}

// retryAfter returns the upstream hint carried by err, if any.
func retryAfter(err error) time.Duration {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}
