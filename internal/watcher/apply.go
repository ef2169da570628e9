package watcher

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/codeindex/internal/index"
)

// Target is what a batch of changes is applied to.
type Target interface {
	IndexFile(ctx context.Context, path string, content []byte) (*index.FileResult, error)
	RemoveFile(ctx context.Context, path string) error
}

// ApplyResult counts what Apply did with a batch.
type ApplyResult struct {
	Indexed int
	Skipped int
	Removed int
	Failed  int
}

// Apply indexes created and modified files and removes deleted ones. A
// failing file is logged and counted; the rest of the batch still runs.
func Apply(ctx context.Context, t Target, batch []FileEvent, logger *slog.Logger) ApplyResult {
	if logger == nil {
		logger = slog.Default()
	}
	var res ApplyResult
	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		switch ev.Operation {
		case OpDelete:
			if err := t.RemoveFile(ctx, ev.Path); err != nil {
				res.Failed++
				logger.Warn("watch_remove_failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
				continue
			}
			res.Removed++
		default:
			if ev.IsDir {
				continue
			}
			fr, err := t.IndexFile(ctx, ev.Path, nil)
			switch {
			case err != nil:
				res.Failed++
				logger.Warn("watch_index_failed", slog.String("path", ev.Path), slog.String("error", err.Error()))
			case fr.Skipped():
				res.Skipped++
			default:
				res.Indexed++
			}
		}
	}
	logger.Debug("watch_batch_applied",
		slog.Int("events", len(batch)),
		slog.Int("indexed", res.Indexed),
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed))
	return res
}
