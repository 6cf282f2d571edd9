// Package main is the entry point for the canvas-ingest CLI. An external
// scheduler invokes "canvas-ingest run" for each extraction pass.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evisions/canvas-ingest/internal/config"
	"github.com/evisions/canvas-ingest/pkg/logging"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	v      = viper.New()
	cfg    *config.Config
	logger zerolog.Logger
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// rootCmd is the base command for the canvas-ingest CLI.
var rootCmd = &cobra.Command{
	Use:   "canvas-ingest",
	Short: "Extract Canvas LMS entities into a relational store",
	Long: `canvas-ingest paginates the Canvas LMS REST API for each configured entity
(users, courses, enrollments, assignments, submissions, quizzes, discussions),
normalizes the records and upserts them into one table per entity.

Configuration comes from canvas-ingest.yaml (or --config) and CANVAS_INGEST_*
environment variables, e.g. CANVAS_INGEST_API_TOKEN.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = c

		logger = logging.Setup(logging.Config{
			Level:  logging.LogLevel(c.Log.Level),
			Pretty: c.Log.Pretty,
			Output: cmd.ErrOrStderr(),
		})
		if used := v.ConfigFileUsed(); used != "" {
			logger.Debug().Str("file", used).Msg("Using config file")
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default: ./canvas-ingest.yaml or ~/.config/canvas-ingest/config.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable console logs instead of JSON")
	flags.StringSlice("entities", nil, "entity names to include (comma-separated, default all)")

	v.BindPFlag("log.level", flags.Lookup("log-level"))
	v.BindPFlag("log.pretty", flags.Lookup("pretty"))
	v.BindPFlag("entities", flags.Lookup("entities"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
