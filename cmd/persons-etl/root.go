package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for persons-etl.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persons-etl",
		Short: "Extract, anonymize and report on person records",
		Long: `persons-etl pulls every page of a person data service, drops duplicate
records, anonymizes the configured PII fields and computes aggregate metrics
over the anonymized set.

Configuration is read from persons-etl.yaml (or --config), an optional .env
file and PERSONS_ETL_* environment variables. The hash salt is only read from
PERSONS_ETL_HASH_SALT.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().Bool("pretty", false, "Human-readable log output instead of JSON")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command and exits with status 1 on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
