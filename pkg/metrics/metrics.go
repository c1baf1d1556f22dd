// Package metrics exposes the Prometheus registry used by persons-etl.
// Metrics are defined in the packages that record them (client, ratelimit,
// cache, pagination, anonymize, report, sink, pipeline) and registered
// through promauto; this package serves them and documents the catalogue.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by persons-etl.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Catalogue lists every persons-etl metric name.
var Catalogue = []string{
	"persons_etl_requests_total",
	"persons_etl_request_duration_seconds",
	"persons_etl_errors_total",
	"persons_etl_retries_total",
	"persons_etl_retry_backoff_seconds",
	"persons_etl_retry_exhausted_total",
	"persons_etl_rate_limit_remaining",
	"persons_etl_rate_limit_holds_total",
	"persons_etl_cache_hits_total",
	"persons_etl_cache_misses_total",
	"persons_etl_cache_errors_total",
	"persons_etl_pages_fetched_total",
	"persons_etl_duplicate_records_total",
	"persons_etl_extraction_duration_seconds",
	"persons_etl_records_anonymized_total",
	"persons_etl_anonymization_issues_total",
	"persons_etl_report_metrics_computed_total",
	"persons_etl_report_duration_seconds",
	"persons_etl_sink_writes_total",
	"persons_etl_sink_bytes_total",
	"persons_etl_runs_total",
	"persons_etl_stage_duration_seconds",
	"persons_etl_records_extracted_total",
}

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics for the lifetime of a run.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - persons_etl_requests_total{status} (Counter): Page requests by HTTP status
//   - persons_etl_request_duration_seconds (Histogram): Page request duration
//   - persons_etl_errors_total{class} (Counter): Errors by class (network, rate_limit, server, client, envelope)
//
// Retry Metrics (pkg/client):
//   - persons_etl_retries_total{error_class} (Counter): Retry attempts by error class
//   - persons_etl_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - persons_etl_retry_exhausted_total{error_class} (Counter): Pages that exhausted their attempts
//
// Rate Limit Metrics (pkg/ratelimit):
//   - persons_etl_rate_limit_remaining (Gauge): Last X-RateLimit-Remaining seen
//   - persons_etl_rate_limit_holds_total (Counter): Requests held until the window reset
//
// Cache Metrics (pkg/cache):
//   - persons_etl_cache_hits_total, persons_etl_cache_misses_total (Counter)
//   - persons_etl_cache_errors_total{operation} (Counter): Cache operation errors
//
// Pipeline Metrics (pkg/pagination, pkg/anonymize, pkg/report, pkg/sink, pkg/pipeline):
//   - persons_etl_pages_fetched_total, persons_etl_duplicate_records_total (Counter)
//   - persons_etl_extraction_duration_seconds (Histogram)
//   - persons_etl_records_anonymized_total, persons_etl_anonymization_issues_total{field} (Counter)
//   - persons_etl_report_metrics_computed_total (Counter), persons_etl_report_duration_seconds (Histogram)
//   - persons_etl_sink_writes_total{kind,status}, persons_etl_sink_bytes_total{kind} (Counter)
//   - persons_etl_runs_total{status}, persons_etl_records_extracted_total (Counter)
//   - persons_etl_stage_duration_seconds{stage} (Histogram)
//
// Example Prometheus Queries:
//
//   # Retry rate by class
//   sum by (error_class) (rate(persons_etl_retries_total[5m]))
//
//   # Cache Hit Rate
//   sum(rate(persons_etl_cache_hits_total[5m])) /
//   (sum(rate(persons_etl_cache_hits_total[5m])) + sum(rate(persons_etl_cache_misses_total[5m])))
//
//   # Failed runs
//   increase(persons_etl_runs_total{status="failed"}[1d])
