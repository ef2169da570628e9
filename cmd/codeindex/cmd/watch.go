package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/dispatcher"
	"github.com/Aman-CERP/codeindex/internal/watcher"
)

var _ watcher.Target = (*dispatcher.Dispatcher)(nil)

func newWatchCmd(g *globalOptions) *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Index the project, then keep the index current as files change",
		Long: `Index the project, then watch it and re-index files as they are created,
modified or removed. Changes are batched over --debounce. Runs until
interrupted and holds the data directory lock meanwhile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, g, debounce)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "Quiet period before a batch of changes is indexed")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, g *globalOptions, debounce time.Duration) error {
	a, err := openApp(ctx, g.dir, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.manager.StartHotReload(ctx); err != nil {
		a.logger.Warn("plugin_hot_reload_unavailable", slog.String("error", err.Error()))
	}

	out := g.writer(cmd)
	res, err := a.d.Index(ctx, a.root)
	if err != nil {
		return err
	}
	out.Successf("Indexed %d files (%d failed), watching %s", res.Successful, res.Failed, a.root)

	opts := watcher.DefaultOptions()
	opts.DebounceWindow = debounce
	opts.SkipHidden = a.cfg.Index.SkipHidden
	opts.Ignore = func(path string, _ bool) bool {
		return path == a.dataDir || strings.HasPrefix(path, a.dataDir+string(filepath.Separator))
	}
	w, err := watcher.New(opts, a.logger)
	if err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	errCh := make(chan error, 1)
	go func() { errCh <- w.Start(ctx, a.root) }()

	watchErrs := w.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if ctx.Err() != nil {
				return nil
			}
			return err
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			a.logger.Warn("watch_error", slog.String("error", err.Error()))
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			r := watcher.Apply(ctx, a.d, batch, a.logger)
			if out.JSON() {
				if err := out.Encode(r); err != nil {
					return err
				}
				continue
			}
			out.Statusf("↻", "%d indexed, %d removed, %d skipped, %d failed", r.Indexed, r.Removed, r.Skipped, r.Failed)
		}
	}
}
