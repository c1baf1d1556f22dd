package pipeline

import (
	"time"

	"github.com/Sternrassler/persons-etl/pkg/anonymize"
	"github.com/Sternrassler/persons-etl/pkg/client"
	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/Sternrassler/persons-etl/pkg/report"
)

// Config is the explicit run configuration.
type Config struct {
	BaseURL  string
	Endpoint string
	Locale   string
	Seed     string

	// PageSize must be within [client.MinPageSize, client.MaxPageSize].
	PageSize       int
	MaxConcurrency int
	IdentityField  string

	FieldPolicy anonymize.Policy
	MetricSpecs []report.MetricSpec

	// Timeout bounds the extraction stage; 0 disables the bound.
	Timeout time.Duration

	// RetryAttempts is the total attempts per page, first try included.
	RetryAttempts int
	BackoffBase   time.Duration

	// HashSalt keys hash rules when the policy carries none. Empty selects a
	// random per-run salt.
	HashSalt string

	// RequestsPerSecond paces the person service; 0 disables pacing.
	RequestsPerSecond float64

	// Schema lists fields served beyond record.PersonSchema().
	Schema []string
}

// DefaultConfig returns the case-study configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           client.DefaultBaseURL,
		Endpoint:          client.DefaultEndpoint,
		PageSize:          100,
		MaxConcurrency:    4,
		IdentityField:     record.DefaultIdentityField,
		FieldPolicy:       anonymize.DefaultPolicy(),
		MetricSpecs:       report.DefaultMetrics(),
		Timeout:           5 * time.Minute,
		RetryAttempts:     3,
		BackoffBase:       time.Second,
		RequestsPerSecond: 2,
	}
}

// KnownFields returns the fields available to metric specs: the served
// schema after the field policy, plus ExtractedAtField.
func (c Config) KnownFields() record.Schema {
	fields := c.FieldPolicy.OutputFields(record.NewSchema(record.PersonSchema(), c.Schema))
	fields.Add(ExtractedAtField)
	return fields
}

func (c Config) validate() error {
	if c.PageSize < client.MinPageSize || c.PageSize > client.MaxPageSize {
		return invalidConfig("page size %d outside [%d, %d]", c.PageSize, client.MinPageSize, client.MaxPageSize)
	}
	if c.MaxConcurrency < 0 {
		return invalidConfig("max concurrency must not be negative")
	}
	if c.Timeout < 0 {
		return invalidConfig("timeout must not be negative")
	}
	if c.RetryAttempts < 0 {
		return invalidConfig("retry attempts must not be negative")
	}
	if c.BackoffBase < 0 {
		return invalidConfig("backoff base must not be negative")
	}
	if c.RequestsPerSecond < 0 {
		return invalidConfig("requests per second must not be negative")
	}
	if err := c.FieldPolicy.Validate(); err != nil {
		return &StageError{Stage: StageConfigure, Err: err}
	}
	served := record.NewSchema(record.PersonSchema(), c.Schema, []string{ExtractedAtField})
	if err := c.FieldPolicy.ValidateSchema(served); err != nil {
		return &StageError{Stage: StageConfigure, Err: err}
	}
	return nil
}
