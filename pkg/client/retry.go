package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "persons_etl_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Outcome is the verdict of a single attempt.
type Outcome int

const (
	// OutcomeOK ends the loop successfully.
	OutcomeOK Outcome = iota

	// OutcomeRetryable asks for another attempt after backoff.
	OutcomeRetryable

	// OutcomeFatal ends the loop with the attempt error.
	OutcomeFatal
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Attempt is the explicit result of one try: Ok, Retryable(err) or Fatal(err).
type Attempt struct {
	Outcome Outcome
	Err     error
	// After is a minimum wait before the next attempt (e.g. Retry-After).
	After time.Duration
}

// Ok reports a successful attempt.
func Ok() Attempt { return Attempt{Outcome: OutcomeOK} }

// Retryable reports a failure worth retrying, waiting at least after.
func Retryable(err error, after time.Duration) Attempt {
	return Attempt{Outcome: OutcomeRetryable, Err: err, After: after}
}

// Fatal reports a failure that must not be retried.
func Fatal(err error) Attempt { return Attempt{Outcome: OutcomeFatal, Err: err} }

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigFromBase builds a config from the run-level retryAttempts and backoffBase options.
func RetryConfigFromBase(attempts int, base time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if base > 0 {
		cfg.InitialBackoff = base
		if cfg.MaxBackoff < base {
			cfg.MaxBackoff = base
		}
	}
	return cfg
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// Retry runs fn until it reports OK or Fatal, or until MaxAttempts retryable
// outcomes were seen. Backoff grows exponentially with ±20% jitter and waits are
// cut short by ctx. Exhaustion returns an error matching ErrRetryExhausted that
// also wraps the last attempt error.
func Retry(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func(attempt int) Attempt) error {
	config = config.normalized()

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result := fn(attempt)

		switch result.Outcome {
		case OutcomeOK:
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		case OutcomeFatal:
			return result.Err
		}

		lastErr = result.Err
		errorClass := string(classOf(lastErr))

		if attempt >= config.MaxAttempts {
			break
		}

		retriesTotal.WithLabelValues(errorClass).Inc()

		wait := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		if result.After > wait {
			wait = result.After
		}
		retryBackoffSeconds.WithLabelValues(errorClass).Observe(wait.Seconds())

		logger.Warn().
			Err(lastErr).
			Str("error_class", errorClass).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", errorClass).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	errorClass := string(classOf(lastErr))
	retryExhaustedTotal.WithLabelValues(errorClass).Inc()
	logger.Warn().
		Str("error_class", errorClass).
		Int("max_attempts", config.MaxAttempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, config.MaxAttempts, lastErr)
}
