// Package cmd provides the CLI commands for codeindex.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/logging"
	"github.com/Aman-CERP/codeindex/internal/output"
	"github.com/Aman-CERP/codeindex/internal/profiling"
	"github.com/Aman-CERP/codeindex/pkg/version"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	dir      string
	format   string
	debug    bool
	logLevel string
	profile  profiling.Options
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var (
		opts           globalOptions
		loggingCleanup func()
		prof           *profiling.Session
	)

	cmd := &cobra.Command{
		Use:   "codeindex",
		Short: "Plugin-based code indexing with lexical and semantic search",
		Long: `codeindex extracts symbols from source files through language plugins,
keeps them in a local store with a BM25 index and, when enabled, a
sharded vector index for semantic search.

Indexing can also be distributed: 'codeindex submit' queues jobs and
'codeindex worker' processes them.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := output.ParseFormat(opts.format); err != nil {
				return err
			}
			cfg := logging.DefaultConfig()
			cfg.Level = opts.logLevel
			if opts.debug {
				cfg = logging.DebugConfig()
			}
			logger, cleanup, err := logging.Setup(cfg)
			if err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}
			loggingCleanup = cleanup
			slog.SetDefault(logger)

			if opts.profile.Enabled() {
				if prof, err = profiling.Start(opts.profile); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			err := prof.Stop()
			prof = nil
			if loggingCleanup != nil {
				loggingCleanup()
				loggingCleanup = nil
			}
			return err
		},
	}
	cmd.SetVersionTemplate("codeindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", ".", "Project directory holding .codeindex.yaml and the index")
	cmd.PersistentFlags().StringVar(&opts.format, "format", string(output.FormatAuto), "Output format: auto, text, json")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to ~/.codeindex/logs/")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.profile.CPUPath, "cpu-profile", "", "Write a CPU profile to this file")
	cmd.PersistentFlags().StringVar(&opts.profile.HeapPath, "mem-profile", "", "Write a heap profile to this file on exit")

	cmd.AddCommand(newIndexCmd(&opts))
	cmd.AddCommand(newSearchCmd(&opts))
	cmd.AddCommand(newLookupCmd(&opts))
	cmd.AddCommand(newPluginsCmd(&opts))
	cmd.AddCommand(newStatsCmd(&opts))
	cmd.AddCommand(newWatchCmd(&opts))
	cmd.AddCommand(newWorkerCmd(&opts))
	cmd.AddCommand(newSubmitCmd(&opts))
	cmd.AddCommand(newInitCmd(&opts))
	cmd.AddCommand(newVersionCmd(&opts))

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// writer returns the output writer for cmd honoring --format.
func (o *globalOptions) writer(cmd *cobra.Command) *output.Writer {
	f, _ := output.ParseFormat(o.format)
	return output.New(cmd.OutOrStdout(), f)
}
