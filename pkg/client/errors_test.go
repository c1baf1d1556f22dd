package client

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"envelope error should not retry", ErrorClassEnvelope, false},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{200, ""},
		{204, ""},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
	}
	for _, tt := range tests {
		if got := classify(tt.status); got != tt.want {
			t.Errorf("classify(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTransientFetchError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *TransientFetchError
		expected string
	}{
		{
			name: "with status and wrapped error",
			err: &TransientFetchError{
				Page:       3,
				StatusCode: 503,
				ErrorClass: ErrorClassServer,
				Message:    "503 Service Unavailable",
				Err:        errors.New("upstream down"),
			},
			expected: "transient server error fetching page 3 (status 503): 503 Service Unavailable: upstream down",
		},
		{
			name: "network without status",
			err: &TransientFetchError{
				Page:       1,
				ErrorClass: ErrorClassNetwork,
				Err:        errors.New("connection refused"),
			},
			expected: "transient network error fetching page 1: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFatalFetchError_Error(t *testing.T) {
	err := &FatalFetchError{
		Page:       2,
		StatusCode: 404,
		ErrorClass: ErrorClassClient,
		Message:    "404 Not Found",
	}
	want := "fatal client error fetching page 2 (status 404): 404 Not Found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrors_Unwrap(t *testing.T) {
	inner := errors.New("wrapped error")

	transient := &TransientFetchError{ErrorClass: ErrorClassServer, Err: inner}
	if !errors.Is(transient, inner) {
		t.Error("errors.Is should see through TransientFetchError")
	}

	fatal := &FatalFetchError{ErrorClass: ErrorClassEnvelope, Err: ErrMalformedEnvelope}
	if !errors.Is(fatal, ErrMalformedEnvelope) {
		t.Error("errors.Is should see through FatalFetchError")
	}

	if (&FatalFetchError{}).Unwrap() != nil {
		t.Error("Unwrap() of empty error should be nil")
	}
}

func TestClassOf(t *testing.T) {
	transient := &TransientFetchError{ErrorClass: ErrorClassRateLimit}
	wrapped := fmt.Errorf("outer: %w", transient)

	if got := classOf(wrapped); got != ErrorClassRateLimit {
		t.Errorf("classOf() = %q, want rate_limit", got)
	}
	if got := classOf(&FatalFetchError{ErrorClass: ErrorClassClient}); got != ErrorClassClient {
		t.Errorf("classOf() = %q, want client", got)
	}
	if got := classOf(errors.New("plain")); got != "" {
		t.Errorf("classOf() = %q, want empty", got)
	}
}
