package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	rateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "persons_etl_rate_limit_remaining",
		Help: "Requests remaining in the person service rate limit window",
	})

	rateLimitHoldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_rate_limit_holds_total",
		Help: "Total number of requests held until the server rate limit window reset",
	})
)

// Limiter gates outgoing requests. It is safe for concurrent use by the
// extraction workers of a single run.
type Limiter struct {
	bucket *rate.Limiter
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// NewLimiter creates a limiter allowing rps requests per second with the given burst.
// rps <= 0 disables client-side pacing; server headers are still honored.
func NewLimiter(rps float64, burst int, logger zerolog.Logger) *Limiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(limit, burst),
		logger: logger,
		now:    time.Now,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if hold := l.hold(); hold > 0 {
		rateLimitHoldsTotal.Inc()
		l.logger.Warn().
			Dur("hold", hold).
			Msg("Server rate limit exhausted, holding request until reset")

		timer := time.NewTimer(hold)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	// Reserve instead of bucket.Wait: Wait refuses up front when the delay
	// would outlive the deadline, which hides context.DeadlineExceeded.
	r := l.bucket.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate limit burst %d exceeded", l.bucket.Burst())
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) hold() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.state.Exhausted(now) {
		return 0
	}
	return l.state.TimeUntilReset(now)
}

// UpdateFromHeaders records the window announced by a response.
// Responses without rate limit headers leave the state untouched.
func (l *Limiter) UpdateFromHeaders(headers http.Header) error {
	remainStr := headers.Get(HeaderRemaining)
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}

	now := l.now()
	state := State{
		Known:      true,
		Remaining:  remain,
		LastUpdate: now,
		ResetAt:    now,
	}

	if limitStr := headers.Get(HeaderLimit); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			state.Limit = limit
		}
	}

	if resetStr := headers.Get(HeaderReset); resetStr != "" {
		resetSeconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = now.Add(time.Duration(resetSeconds) * time.Second)
	}

	l.mu.Lock()
	l.state = state
	l.mu.Unlock()

	rateLimitRemaining.Set(float64(remain))

	l.logger.Debug().
		Int("remaining", state.Remaining).
		Int("limit", state.Limit).
		Time("reset_at", state.ResetAt).
		Msg("Rate limit state updated")

	return nil
}

// State returns a copy of the last known window.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
