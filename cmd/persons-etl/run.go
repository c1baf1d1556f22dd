package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/persons-etl/internal/render"
	"github.com/Sternrassler/persons-etl/pkg/metrics"
	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/spf13/cobra"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction, anonymization and report pipeline",
		Long: `Run fetches every page from the person service, anonymizes the records
with the configured field policy, computes the configured metrics and writes
the anonymized records and report to the configured sink.

Examples:
  # Run with persons-etl.yaml from the working directory
  persons-etl run

  # Reproducible run rendered as Markdown
  persons-etl run --seed 42 --format markdown --output report.md

  # Expose Prometheus metrics while the run is in progress
  persons-etl run --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().String("seed", "", "Seed passed to the service (overrides the config)")
	cmd.Flags().Int("page-size", 0, "Records per page (overrides the config)")
	cmd.Flags().StringP("format", "f", render.FormatText, "Report format: text, markdown or json")
	cmd.Flags().StringP("output", "o", "", "Write the report to a file instead of stdout")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	return cmd
}

func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("seed") {
		if cfg.Seed, err = cmd.Flags().GetString("seed"); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("page-size") {
		if cfg.PageSize, err = cmd.Flags().GetInt("page-size"); err != nil {
			return err
		}
	}
	format, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	outputPath, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return err
	}

	// Fail on a bad format before any request is made.
	var out io.Writer = cmd.OutOrStdout()
	if _, err := render.New(format, out); err != nil {
		return err
	}

	logger := setupLogging(cfg, cmd.ErrOrStderr())
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if metricsAddr != "" {
		srv, err := metrics.Listen(metricsAddr, logger)
		if err != nil {
			return fmt.Errorf("failed to serve metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	deps, res, err := buildDeps(ctx, cfg, logger)
	defer func() {
		if cerr := res.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close resources")
		}
	}()
	if err != nil {
		return err
	}

	orch, err := pipeline.New(cfg.Pipeline(), deps)
	if err != nil {
		return err
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return err
	}

	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	w, err := render.New(format, out)
	if err != nil {
		return err
	}
	if err := w.Write(result); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if outputPath != "" {
		logger.Info().Str("path", outputPath).Msg("Report written")
	}
	return nil
}
