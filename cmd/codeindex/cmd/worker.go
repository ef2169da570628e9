package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/logging"
	"github.com/Aman-CERP/codeindex/internal/queue"
	"github.com/Aman-CERP/codeindex/internal/worker"
)

type workerOptions struct {
	id     string
	broker string
}

func newWorkerCmd(g *globalOptions) *cobra.Command {
	var opts workerOptions

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process queued indexing jobs",
		Long: `Run a worker that pops indexing jobs, highest priority first, and indexes
their files into this project's index. The worker holds the data
directory lock until it stops (SIGINT or SIGTERM).

Status is published every heartbeat and expires after worker.status_ttl,
so a crashed worker drops out of 'codeindex worker status'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, g, opts)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.broker, "broker", "", "Queue database (default <data_dir>/queue.db)")
	cmd.Flags().StringVar(&opts.id, "id", "", "Worker id (default: generated)")

	cmd.AddCommand(newWorkerStatusCmd(g, &opts))
	return cmd
}

func runWorker(ctx context.Context, g *globalOptions, opts workerOptions) error {
	if opts.id == "" {
		opts.id = "worker-" + uuid.New().String()[:8]
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = "info"
	logCfg.FilePath = logging.WorkerLogPath(opts.id)
	if g.debug {
		logCfg.Level = "debug"
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup worker logging: %w", err)
	}
	defer cleanup()
	slog.SetDefault(logger)

	a, err := openApp(ctx, g.dir, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.manager.StartHotReload(ctx); err != nil {
		logger.Warn("plugin_hot_reload_unavailable", slog.String("error", err.Error()))
	}

	b, err := openBroker(a.dataDir, opts.broker)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	w, err := worker.New(worker.Options{
		ID:      opts.id,
		Broker:  b,
		Indexer: a.d,
		Config:  a.cfg.Worker,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func newWorkerStatusCmd(g *globalOptions, opts *workerOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <worker-id>",
		Short: "Show the last published status of a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, dataDir, cfg, err := loadConfig(g.dir)
			if err != nil {
				return err
			}
			b, err := openBroker(dataDir, opts.broker)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			ctx := cmd.Context()
			st, err := worker.ReadStatus(ctx, b, cfg.Worker.QueuePrefix, args[0])
			if err != nil {
				return err
			}
			pending, err := worker.Pending(ctx, b, cfg.Worker.QueuePrefix)
			if err != nil {
				return err
			}

			out := g.writer(cmd)
			if out.JSON() {
				return out.Encode(map[string]any{"status": st, "pending": pending})
			}
			if st == nil {
				out.Warningf("%s has no live status", args[0])
			} else {
				out.Statusf("👷", "%s is %s", st.WorkerID, st.State)
				out.Statusf("", "jobs: %d completed, %d failed", st.JobsCompleted, st.JobsFailed)
				out.Statusf("", "files: %d processed, %d failed, %d symbols", st.FilesProcessed, st.FilesFailed, st.SymbolsFound)
				out.Statusf("", "cpu %.1f%%, memory %.1f MB, last heartbeat %s",
					st.CPUPercent, st.MemoryMB, st.LastHeartbeat.Format("15:04:05"))
			}
			out.Statusf("", "pending: critical %d, high %d, normal %d, low %d, legacy %d",
				pending["critical"], pending["high"], pending["normal"], pending["low"], pending["legacy"])
			return nil
		},
	}
}

// openBroker opens the SQLite queue at path, or at <dataDir>/queue.db.
func openBroker(dataDir, path string) (*queue.SQLiteBroker, error) {
	if path == "" {
		path = filepath.Join(dataDir, queueFile)
	}
	b, err := queue.NewSQLiteBroker(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue %s: %w", path, err)
	}
	return b, nil
}
