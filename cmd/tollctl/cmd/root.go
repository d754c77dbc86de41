package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/config"
)

var (
	// Global flags
	logLevel  string
	logFormat string

	rootCmd = &cobra.Command{
		Use:   "tollctl",
		Short: "tollctl - operational CLI for the tollsync aggregation service",
		Long: `tollctl drives the toll aggregation pipeline from the command line.

It can validate agency connector configs, run one-off sync cycles against a
single agency, manage database migrations, and inspect events flagged for
manual review.`,
	}
)

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (json, console)")
}

// newLogger builds a logger honoring the global flags on top of env config.
func newLogger(cfg config.Config) zerolog.Logger {
	logging := cfg.Logging
	if logLevel != "" {
		logging.Level = logLevel
	}
	if logFormat != "" {
		logging.Format = logFormat
	}
	return config.NewLogger(logging)
}
