package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/Sternrassler/persons-etl/internal/config"
	"github.com/Sternrassler/persons-etl/pkg/cache"
	"github.com/Sternrassler/persons-etl/pkg/logging"
	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/Sternrassler/persons-etl/pkg/sink"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// SQLiteFile is the database name used when the sqlite sink has no location.
const SQLiteFile = "persons-etl.db"

// loadConfig reads the configuration named by --config and applies the
// persistent logging flags.
func loadConfig(cmd *cobra.Command) (*config.File, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = string(logging.LevelDebug)
	}
	pretty, err := cmd.Flags().GetBool("pretty")
	if err != nil {
		return nil, err
	}
	if pretty {
		cfg.Log.Pretty = true
	}
	return cfg, nil
}

func setupLogging(cfg *config.File, output io.Writer) zerolog.Logger {
	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: output,
	})
	return logging.NewLogger(logging.ComponentCLI)
}

// resources owns the connections opened for one run.
type resources struct {
	redis  *redis.Client
	sqlite *sink.SQLiteSink
}

func (r *resources) Close() error {
	var firstErr error
	if r.sqlite != nil {
		if err := r.sqlite.Close(); err != nil {
			firstErr = err
		}
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildDeps connects the page cache and the configured sink.
func buildDeps(ctx context.Context, cfg *config.File, logger zerolog.Logger) (pipeline.Deps, *resources, error) {
	res := &resources{}
	deps := pipeline.Deps{}

	if cfg.Sink.Kind == config.SinkRedis || cfg.Redis.Cache {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		switch {
		case err == nil:
			res.redis = rdb
			logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
		case cfg.Sink.Kind == config.SinkRedis:
			_ = rdb.Close()
			return deps, res, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		default:
			_ = rdb.Close()
			logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, page cache disabled")
		}
	}

	if res.redis != nil && cfg.Redis.Cache {
		if cfg.Seed == "" {
			logger.Warn().Msg("Page cache only applies to seeded runs; set seed to enable it")
		}
		deps.Cache = cache.NewManager(res.redis, time.Duration(cfg.Redis.CacheTTLSeconds)*time.Second)
	}

	switch cfg.Sink.Kind {
	case config.SinkFile:
		deps.Sink = sink.NewFileSink(cfg.Sink.Location)
	case config.SinkRedis:
		deps.Sink = sink.NewRedisSink(res.redis, time.Duration(cfg.Sink.TTLSeconds)*time.Second)
	case config.SinkSQLite:
		path := cfg.Sink.Location
		if path == "" {
			path = filepath.Join(sink.DefaultRoot(), SQLiteFile)
		}
		db, err := sink.OpenSQLite(path)
		if err != nil {
			return deps, res, err
		}
		res.sqlite = db
		deps.Sink = db
	}

	return deps, res, nil
}
