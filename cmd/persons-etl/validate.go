package main

import (
	"fmt"

	"github.com/Sternrassler/persons-etl/pkg/pipeline"
	"github.com/spf13/cobra"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without contacting any service",
		Long: `Validate loads the configuration, checks the field policy and every metric
spec against the known record fields, and reports the first problem found.
No request is made to the person service, Redis or the sink.`,
		Args: cobra.NoArgs,
		RunE: runValidateCmd,
	}
}

func runValidateCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg, cmd.ErrOrStderr())

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := pipeline.New(cfg.Pipeline(), pipeline.Deps{}); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d field rules, %d metrics, page size %d\n",
		len(cfg.FieldPolicy), len(cfg.Metrics), cfg.PageSize)
	return nil
}
