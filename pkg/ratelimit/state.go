// Package ratelimit paces requests towards the person service. A token bucket
// bounds the request rate and the X-RateLimit-* headers returned by the
// service hold requests back once the server-side window is exhausted.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Response headers announcing the server-side rate limit window.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// State is the last rate limit window reported by the service.
type State struct {
	// Known is false until the service sent rate limit headers.
	Known bool `json:"known"`

	// Limit is the window size, 0 when not announced.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`

	// ResetAt is when the window refills.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the headers were last seen.
	LastUpdate time.Time `json:"last_update"`
}

// Exhausted reports whether no requests are left before ResetAt.
func (s State) Exhausted(now time.Time) bool {
	return s.Known && s.Remaining <= 0 && now.Before(s.ResetAt)
}

// TimeUntilReset returns the duration until the window resets, or 0 if it already passed.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as an HTTP date.
// It returns 0 when the header is absent or unparsable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get(HeaderRetryAfter)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
