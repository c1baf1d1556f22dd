// Package client fetches single pages from the person data service with
// request pacing, optional page caching and bounded retries.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/cache"
	"github.com/Sternrassler/persons-etl/pkg/logging"
	"github.com/Sternrassler/persons-etl/pkg/ratelimit"
	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for person service requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_requests_total",
		Help: "Total person service requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "persons_etl_request_duration_seconds",
		Help:    "Person service request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_errors_total",
		Help: "Total person service errors by class",
	}, []string{"class"})
)

// Service bounds and defaults.
const (
	// DefaultBaseURL is the public Faker API.
	DefaultBaseURL = "https://fakerapi.it"

	// DefaultEndpoint is the persons resource path.
	DefaultEndpoint = "/api/v1/persons"

	// MinPageSize and MaxPageSize bound the _quantity parameter accepted by the service.
	MinPageSize = 1
	MaxPageSize = 1000

	// maxBodySize caps a single page body read.
	maxBodySize = 32 << 20
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the scheme and host of the service.
	BaseURL string

	// Endpoint is the persons resource path.
	Endpoint string

	// Locale and Seed are passed through as _locale and _seed when set.
	Locale string
	Seed   string

	// UserAgent header sent with every request.
	UserAgent string

	// IdentityField names the per-record unique field (default "id").
	IdentityField string

	// HTTPTimeout bounds a single request.
	HTTPTimeout time.Duration

	// Retry controls the bounded retry loop for transient failures.
	Retry RetryConfig

	// RequestsPerSecond paces requests; 0 disables client-side pacing.
	RequestsPerSecond float64
	Burst             int

	// Cache stores seeded pages; nil disables caching.
	Cache *cache.Manager

	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Endpoint:          DefaultEndpoint,
		UserAgent:         "persons-etl/0.1.0",
		IdentityField:     record.DefaultIdentityField,
		HTTPTimeout:       30 * time.Second,
		Retry:             DefaultRetryConfig(),
		RequestsPerSecond: 2,
		Burst:             1,
	}
}

// Client is the person service PageFetcher.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	cache      *cache.Manager
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// New creates a new person service client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.IdentityField == "" {
		cfg.IdentityField = record.DefaultIdentityField
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}

	logger := logging.NewLogger(logging.ComponentClient)
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		limiter: ratelimit.NewLimiter(cfg.RequestsPerSecond, cfg.Burst, logger),
		cache:   cfg.Cache,
		baseURL: base,
		config:  cfg,
		logger:  logger,
	}, nil
}

// FetchPage fetches one page of records. Transient failures are retried per
// the retry config; exhausted retries and non-retryable failures come back as
// *FatalFetchError. A cancelled ctx returns an error matching ErrContextCancelled.
func (c *Client) FetchPage(ctx context.Context, page, pageSize int) (*Batch, error) {
	if page < 1 || pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, &FatalFetchError{
			Page:       page,
			ErrorClass: ErrorClassClient,
			Message:    fmt.Sprintf("page %d size %d outside [%d, %d]", page, pageSize, MinPageSize, MaxPageSize),
			Err:        ErrInvalidPage,
		}
	}

	query := c.query(page, pageSize)
	cacheKey := cache.CacheKey{Endpoint: c.config.Endpoint, QueryParams: query}
	useCache := c.cache != nil && c.config.Seed != ""

	if useCache {
		entry, err := c.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			batch, decErr := decodeEnvelope(entry.Data, page, pageSize, c.config.IdentityField)
			if decErr == nil {
				c.logger.Debug().Int("page", page).Msg("Page served from cache")
				return batch, nil
			}
			c.logger.Warn().Err(decErr).Int("page", page).Msg("Cached page invalid, refetching")
		case !errors.Is(err, cache.ErrCacheMiss):
			c.logger.Warn().Err(err).Int("page", page).Msg("Cache get error")
		}
	}

	var body []byte
	err := Retry(ctx, c.config.Retry, c.logger, func(attempt int) Attempt {
		var result Attempt
		body, result = c.fetchOnce(ctx, query, page)
		return result
	})
	if err != nil {
		if errors.Is(err, ErrRetryExhausted) {
			return nil, &FatalFetchError{
				Page:       page,
				ErrorClass: classOf(err),
				Message:    "giving up on transient failure",
				Err:        err,
			}
		}
		return nil, err
	}

	batch, err := decodeEnvelope(body, page, pageSize, c.config.IdentityField)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		return nil, &FatalFetchError{
			Page:       page,
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassEnvelope,
			Err:        err,
		}
	}

	if useCache {
		if err := c.cache.Set(ctx, cacheKey, cache.NewEntry(body)); err != nil {
			c.logger.Warn().Err(err).Int("page", page).Msg("Failed to cache page")
		}
	}

	c.logger.Debug().
		Int("page", page).
		Int("records", len(batch.Records)).
		Int("total_pages", batch.TotalPages).
		Int("total_records", batch.TotalRecords).
		Msg("Page fetched")

	return batch, nil
}

// fetchOnce performs a single HTTP request and classifies its result.
func (c *Client) fetchOnce(ctx context.Context, query url.Values, page int) ([]byte, Attempt) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Fatal(fmt.Errorf("%w: %w", ErrContextCancelled, err))
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + c.config.Endpoint
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, Fatal(&FatalFetchError{Page: page, ErrorClass: ErrorClassClient, Message: "create request", Err: err})
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil, Fatal(fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()))
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues("network_error").Inc()
		return nil, Retryable(&TransientFetchError{
			Page:       page,
			ErrorClass: ErrorClassNetwork,
			Err:        err,
		}, 0)
	}
	defer resp.Body.Close()

	if err := c.limiter.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, Fatal(fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()))
		}
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, Retryable(&TransientFetchError{
			Page:       page,
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Err:        err,
		}, 0)
	}

	errClass := classify(resp.StatusCode)
	if errClass == "" {
		return body, Ok()
	}

	errorsTotal.WithLabelValues(string(errClass)).Inc()
	c.logger.Warn().
		Int("page", page).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Msg("Person service request error")

	if shouldRetry(errClass) {
		retryAfter := ratelimit.ParseRetryAfter(resp.Header, time.Now())
		return nil, Retryable(&TransientFetchError{
			Page:       page,
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
			RetryAfter: retryAfter,
		}, retryAfter)
	}

	return nil, Fatal(&FatalFetchError{
		Page:       page,
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    resp.Status,
	})
}

func (c *Client) query(page, pageSize int) url.Values {
	q := url.Values{}
	q.Set("_page", strconv.Itoa(page))
	q.Set("_quantity", strconv.Itoa(pageSize))
	if c.config.Locale != "" {
		q.Set("_locale", c.config.Locale)
	}
	if c.config.Seed != "" {
		q.Set("_seed", c.config.Seed)
	}
	return q
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// RateLimitState returns the last rate limit window announced by the service.
func (c *Client) RateLimitState() ratelimit.State {
	return c.limiter.State()
}
