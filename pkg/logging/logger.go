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

// Component names used for the "component" field.
const (
	ComponentClient     = "person-client"
	ComponentExtractor  = "extractor"
	ComponentAnonymizer = "anonymizer"
	ComponentReport     = "report"
	ComponentPipeline   = "pipeline"
	ComponentSink       = "sink"
	ComponentCLI        = "cli"
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
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
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
	return log.With().Str("component", component).Logger()
}

// Child derives a component logger from parent, or from the global logger
// when parent is nil.
func Child(parent *zerolog.Logger, component string) zerolog.Logger {
	if parent == nil {
		return NewLogger(component)
	}
	return parent.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-page and per-attempt detail
//   - Page requests and their record counts
//   - Backoff waits and rate limit holds
//   - Cache hits and stores
//
// Info: stage boundaries
//   - Run start and summary (records, duplicates, issues)
//   - Stage completion with duration
//   - Payloads written to the sink
//
// Warn: degraded but continuing
//   - Retries of transient failures
//   - Duplicate records on later pages
//   - Records missing a policy field (continue policy)
//   - Cache errors (fallback to the service)
//   - Random hash salt in use
//
// Error: the run aborts
//   - Fatal fetch, completeness and timeout failures
//   - Storage failures
//
// Never log field values. Record ids are fine.
//
// Context Fields:
//   - run_id: run identifier
//   - stage: pipeline stage (extract, anonymize, report, store)
//   - page, page_size, total_pages, total_records: pagination state
//   - attempt: retry attempt number
//   - error_class: network, rate_limit, server, client, envelope
//   - duration: elapsed time
//   - field, record_id: anonymization issue location
