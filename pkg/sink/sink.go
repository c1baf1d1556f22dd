// Package sink persists serialized run payloads. The pipeline only hands
// over bytes and a relative location; each Sink decides how to store them.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_sink_writes_total",
		Help: "Total sink writes by backend and outcome",
	}, []string{"kind", "status"})

	bytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_sink_bytes_total",
		Help: "Total payload bytes written by backend",
	}, []string{"kind"})
)

// ErrInvalidLocation is returned for empty, absolute or escaping locations.
var ErrInvalidLocation = errors.New("invalid sink location")

// Sink stores an opaque payload under a relative location such as
// "<run_id>/report.json".
type Sink interface {
	Write(ctx context.Context, location string, data []byte) error
}

// cleanLocation normalizes a slash-separated location and rejects paths that
// leave the sink root.
func cleanLocation(location string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	if strings.HasPrefix(location, "/") || strings.Contains(location, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	cleaned := path.Clean(location)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}
	return cleaned, nil
}

func observe(kind string, n int, err error) {
	if err != nil {
		writesTotal.WithLabelValues(kind, "error").Inc()
		return
	}
	writesTotal.WithLabelValues(kind, "ok").Inc()
	bytesWritten.WithLabelValues(kind).Add(float64(n))
}

// MultiSink writes to every sink in order and stops at the first failure.
type MultiSink []Sink

// Write implements Sink.
func (m MultiSink) Write(ctx context.Context, location string, data []byte) error {
	for i, s := range m {
		if err := s.Write(ctx, location, data); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}
