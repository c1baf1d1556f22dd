package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the caller context ends during a fetch.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidPage is returned for page numbers or sizes outside the service bounds.
	ErrInvalidPage = errors.New("invalid page request")

	// ErrMalformedEnvelope is returned when a response body is not a valid page envelope.
	ErrMalformedEnvelope = errors.New("malformed response envelope")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (except 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents transport failures and per-request timeouts.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassEnvelope represents bodies that do not decode into a page envelope.
	ErrorClassEnvelope ErrorClass = "envelope"
)

// TransientFetchError is a retryable failure of a single page request.
type TransientFetchError struct {
	Page       int
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	// RetryAfter is the minimum wait the service asked for, 0 if none.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *TransientFetchError) Error() string {
	msg := fmt.Sprintf("transient %s error fetching page %d", e.ErrorClass, e.Page)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// FatalFetchError is a non-retryable failure that aborts the run.
type FatalFetchError struct {
	Page       int
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *FatalFetchError) Error() string {
	msg := fmt.Sprintf("fatal %s error fetching page %d", e.ErrorClass, e.Page)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FatalFetchError) Unwrap() error {
	return e.Err
}

// shouldRetry determines if an error class is retryable.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client errors and broken envelopes repeat identically on retry
		return false
	}
}

// classify maps an HTTP status to an error class. Success statuses return "".
func classify(statusCode int) ErrorClass {
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 500:
		return ErrorClassServer
	case statusCode >= 300:
		return ErrorClassClient
	default:
		return ""
	}
}

// classOf extracts the error class carried by err, or "" if none.
func classOf(err error) ErrorClass {
	var transient *TransientFetchError
	if errors.As(err, &transient) {
		return transient.ErrorClass
	}
	var fatal *FatalFetchError
	if errors.As(err, &fatal) {
		return fatal.ErrorClass
	}
	return ""
}
