// Package config loads the persons-etl run configuration from YAML, an
// optional .env file and PERSONS_ETL_* environment variables, and converts
// it into a pipeline.Config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/anonymize"
	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/Sternrassler/persons-etl/pkg/report"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up in the working directory when no path is given.
const DefaultFile = "persons-etl.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PERSONS_ETL_"

// ErrConfigNotFound is returned when an explicitly named file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Sink kinds.
const (
	SinkNone   = "none"
	SinkFile   = "file"
	SinkRedis  = "redis"
	SinkSQLite = "sqlite"
)

// File is the on-disk configuration.
type File struct {
	BaseURL           string  `yaml:"base_url"`
	Endpoint          string  `yaml:"endpoint"`
	Locale            string  `yaml:"locale"`
	Seed              string  `yaml:"seed"`
	PageSize          int     `yaml:"page_size"`
	MaxConcurrency    int     `yaml:"max_concurrency"`
	IdentityField     string  `yaml:"identity_field"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RetryAttempts     int     `yaml:"retry_attempts"`
	BackoffBaseMS     int     `yaml:"backoff_base_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	HashAlgorithm     string  `yaml:"hash_algorithm"`

	FieldPolicy map[string]RuleConfig `yaml:"field_policy"`
	OnMissing   string                `yaml:"on_missing"`
	Metrics     []report.MetricSpec   `yaml:"metrics"`
	Schema      []string              `yaml:"schema"`

	Sink  SinkConfig  `yaml:"sink"`
	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`

	// HashSalt is never read from YAML; see PERSONS_ETL_HASH_SALT.
	HashSalt string `yaml:"-"`
}

// RuleConfig is one field_policy entry.
type RuleConfig struct {
	Strategy string `yaml:"strategy"`
	As       string `yaml:"as"`
	Token    string `yaml:"token"`
	Bands    int    `yaml:"bands"`
}

// SinkConfig selects where run payloads go.
type SinkConfig struct {
	Kind       string `yaml:"kind"`
	Location   string `yaml:"location"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// RedisConfig is shared by the page cache and the redis sink.
type RedisConfig struct {
	Addr            string `yaml:"addr"`
	DB              int    `yaml:"db"`
	Password        string `yaml:"-"`
	Cache           bool   `yaml:"cache"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// LogConfig configures pkg/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Defaults returns the built-in configuration: the case-study field policy
// and analyses against the public service.
func Defaults() *File {
	d := pipeline.DefaultConfig()

	rules := make(map[string]RuleConfig, len(d.FieldPolicy.Rules))
	for field, r := range d.FieldPolicy.Rules {
		rules[field] = RuleConfig{Strategy: string(r.Strategy), As: r.As, Token: r.Token, Bands: r.Bands}
	}

	return &File{
		BaseURL:           d.BaseURL,
		Endpoint:          d.Endpoint,
		PageSize:          d.PageSize,
		MaxConcurrency:    d.MaxConcurrency,
		IdentityField:     d.IdentityField,
		TimeoutSeconds:    int(d.Timeout / time.Second),
		RetryAttempts:     d.RetryAttempts,
		BackoffBaseMS:     int(d.BackoffBase / time.Millisecond),
		RequestsPerSecond: d.RequestsPerSecond,
		HashAlgorithm:     d.FieldPolicy.HashAlgorithm,
		FieldPolicy:       rules,
		OnMissing:         string(d.FieldPolicy.OnMissing),
		Metrics:           d.MetricSpecs,
		Sink:              SinkConfig{Kind: SinkFile},
		Redis:             RedisConfig{Addr: "localhost:6379"},
		Log:               LogConfig{Level: "info"},
	}
}

// Load reads configuration. An explicit path must exist; without one,
// DefaultFile is used when present and Defaults otherwise. Keys missing from
// the file keep their default value. .env is loaded first when present, and
// PERSONS_ETL_* variables override the file.
func Load(path string) (*File, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode overlays YAML onto cfg. A field_policy or metrics key replaces the
// default list instead of merging with it.
func decode(data []byte, cfg *File) error {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["field_policy"]; ok {
		cfg.FieldPolicy = nil
	}
	if _, ok := probe["metrics"]; ok {
		cfg.Metrics = nil
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *File) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := cast.ToIntE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("BASE_URL", &cfg.BaseURL)
	str("ENDPOINT", &cfg.Endpoint)
	str("LOCALE", &cfg.Locale)
	str("SEED", &cfg.Seed)
	str("HASH_SALT", &cfg.HashSalt)
	str("HASH_ALGORITHM", &cfg.HashAlgorithm)
	str("ON_MISSING", &cfg.OnMissing)
	str("SINK_KIND", &cfg.Sink.Kind)
	str("SINK_LOCATION", &cfg.Sink.Location)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("LOG_LEVEL", &cfg.Log.Level)

	for key, dst := range map[string]*int{
		"PAGE_SIZE":       &cfg.PageSize,
		"MAX_CONCURRENCY": &cfg.MaxConcurrency,
		"TIMEOUT_SECONDS": &cfg.TimeoutSeconds,
		"RETRY_ATTEMPTS":  &cfg.RetryAttempts,
		"BACKOFF_BASE_MS": &cfg.BackoffBaseMS,
		"REDIS_DB":        &cfg.Redis.DB,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "REQUESTS_PER_SECOND"); ok {
		f, err := cast.ToFloat64E(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sREQUESTS_PER_SECOND: %w", EnvPrefix, err)
		}
		cfg.RequestsPerSecond = f
	}
	if v, ok := os.LookupEnv(EnvPrefix + "REDIS_CACHE"); ok {
		b, err := cast.ToBoolE(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_CACHE: %w", EnvPrefix, err)
		}
		cfg.Redis.Cache = b
	}
	return nil
}

// Pipeline converts the file into a run configuration. Semantic checks are
// left to pipeline.New.
func (f *File) Pipeline() pipeline.Config {
	rules := make(map[string]anonymize.Rule, len(f.FieldPolicy))
	for field, r := range f.FieldPolicy {
		rules[field] = anonymize.Rule{
			Strategy: anonymize.Strategy(r.Strategy),
			As:       r.As,
			Token:    r.Token,
			Bands:    r.Bands,
		}
	}

	return pipeline.Config{
		BaseURL:        f.BaseURL,
		Endpoint:       f.Endpoint,
		Locale:         f.Locale,
		Seed:           f.Seed,
		PageSize:       f.PageSize,
		MaxConcurrency: f.MaxConcurrency,
		IdentityField:  f.IdentityField,
		FieldPolicy: anonymize.Policy{
			Rules:         rules,
			OnMissing:     anonymize.MissingPolicy(f.OnMissing),
			HashAlgorithm: f.HashAlgorithm,
		},
		MetricSpecs:       f.Metrics,
		Timeout:           time.Duration(f.TimeoutSeconds) * time.Second,
		RetryAttempts:     f.RetryAttempts,
		BackoffBase:       time.Duration(f.BackoffBaseMS) * time.Millisecond,
		HashSalt:          f.HashSalt,
		RequestsPerSecond: f.RequestsPerSecond,
		Schema:            f.Schema,
	}
}

// Validate checks the parts of the file that pipeline.New does not see.
func (f *File) Validate() error {
	switch f.Sink.Kind {
	case "", SinkNone, SinkFile, SinkSQLite:
	case SinkRedis:
		if f.Redis.Addr == "" {
			return fmt.Errorf("sink kind redis requires redis.addr")
		}
	default:
		return fmt.Errorf("unknown sink kind %q", f.Sink.Kind)
	}
	if f.Sink.TTLSeconds < 0 || f.Redis.CacheTTLSeconds < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if f.Redis.Cache && f.Redis.Addr == "" {
		return fmt.Errorf("redis.cache requires redis.addr")
	}
	return nil
}
