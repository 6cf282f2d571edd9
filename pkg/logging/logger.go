// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	// Create logger with timestamp
	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str(FieldComponent, component).Logger()
}

// Context field names shared by all components.
const (
	FieldComponent  = "component"
	FieldRunID      = "run_id"
	FieldEntity     = "entity"
	FieldTable      = "table"
	FieldEndpoint   = "endpoint"
	FieldCursor     = "cursor"
	FieldBatch      = "batch"
	FieldErrorClass = "error_class"
)

// WithEntity scopes logger to one entity and its destination table. An empty
// table is omitted.
func WithEntity(logger zerolog.Logger, entity, table string) zerolog.Logger {
	ctx := logger.With().Str(FieldEntity, entity)
	if table != "" {
		ctx = ctx.Str(FieldTable, table)
	}
	return ctx.Logger()
}

// WithRun scopes logger to one extraction run.
func WithRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str(FieldRunID, runID).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Page requests (endpoint, cursor, page size)
//   - Rate-limit budget state
//   - Batch commits
//
// Info: Normal operation events
//   - Run and entity start/finish with counters
//   - Post-load statements
//   - Metrics server startup
//
// Warn: Warning conditions that don't prevent the run
//   - Retry attempts
//   - Budget throttling and 403 quota responses
//   - Skipped records and truncated pagination
//   - Partially failed runs
//
// Error: Error conditions requiring attention
//   - Entity failures (retries exhausted, batch commit failed)
//   - Authentication failures aborting the run
//   - Post-load statement failures
//
// Context Fields:
//   - run_id: Run identifier (uuid)
//   - entity: Entity name
//   - table: Destination table
//   - endpoint: Canvas API path
//   - cursor: Page URL to resume from
//   - batch: Commit batch sequence number
//   - status_code: HTTP status code
//   - duration: Request or batch duration
//   - error_class: Error classification (auth, client, server, rate_limit, network, storage)
