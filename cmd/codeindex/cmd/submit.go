package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/queue"
	"github.com/Aman-CERP/codeindex/internal/worker"
)

type submitOptions struct {
	priority  string
	batchSize int
	broker    string
	wait      bool
	timeout   time.Duration
}

type submitReport struct {
	Jobs    []string            `json:"jobs"`
	Files   int                 `json:"files"`
	Results []*worker.JobResult `json:"results,omitempty"`
}

func newSubmitCmd(g *globalOptions) *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit <path>...",
		Short: "Queue files for indexing by workers",
		Long: `Queue files for indexing by 'codeindex worker'. Directories are expanded
to the regular files below them, skipping hidden entries. Files are split
into jobs of --batch-size files.`,
		Example: `  codeindex submit src/
  codeindex submit --priority high --wait api/handlers.go api/routes.go`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), cmd, g, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.priority, "priority", "p", "normal", "Job priority: low, normal, high, critical")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 100, "Files per job")
	cmd.Flags().StringVar(&opts.broker, "broker", "", "Queue database (default <data_dir>/queue.db)")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "Wait for the jobs' results")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Minute, "How long --wait waits")
	return cmd
}

func runSubmit(ctx context.Context, cmd *cobra.Command, g *globalOptions, paths []string, opts submitOptions) error {
	prio, err := worker.ParsePriority(opts.priority)
	if err != nil {
		return err
	}
	if opts.batchSize < 1 {
		return fmt.Errorf("--batch-size must be at least 1")
	}

	_, dataDir, cfg, err := loadConfig(g.dir)
	if err != nil {
		return err
	}
	files, err := expandPaths(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files to submit")
	}

	b, err := openBroker(dataDir, opts.broker)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	prefix := cfg.Worker.QueuePrefix
	rep := submitReport{Files: len(files)}
	for start := 0; start < len(files); start += opts.batchSize {
		end := min(start+opts.batchSize, len(files))
		job := &worker.Job{Files: files[start:end], Priority: prio}
		if err := worker.Submit(ctx, b, prefix, job); err != nil {
			return err
		}
		rep.Jobs = append(rep.Jobs, job.ID)
	}

	if opts.wait {
		if rep.Results, err = awaitResults(ctx, b, prefix, rep.Jobs, opts.timeout); err != nil {
			return err
		}
	}

	out := g.writer(cmd)
	if out.JSON() {
		return out.Encode(rep)
	}
	out.Successf("Queued %d files in %d %s-priority jobs", rep.Files, len(rep.Jobs), prio)
	for _, id := range rep.Jobs {
		out.Status("", id)
	}
	for _, r := range rep.Results {
		out.Statusf("•", "%s %s: %d processed, %d failed, %d symbols",
			r.JobID, r.Status, r.FilesProcessed, r.FilesFailed, r.Symbols)
		for _, e := range r.Errors {
			out.Statusf("", "%s: %s", e.Path, e.Error)
		}
	}
	return nil
}

// awaitResults collects the results of ids. Results of other jobs popped
// meanwhile are pushed back for their own producer.
func awaitResults(ctx context.Context, b queue.Broker, prefix string, ids []string, timeout time.Duration) ([]*worker.JobResult, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var (
		out     []*worker.JobResult
		foreign []*worker.JobResult
	)
	deadline := time.Now().Add(timeout)
	defer func() {
		for _, r := range foreign {
			_ = worker.PublishResult(context.WithoutCancel(ctx), b, prefix, r)
		}
	}()

	for len(want) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out, fmt.Errorf("timed out waiting for %d jobs", len(want))
		}
		res, err := worker.NextResult(ctx, b, prefix, remaining)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("failed waiting for results: %w", err)
		}
		if !want[res.JobID] {
			foreign = append(foreign, res)
			continue
		}
		delete(want, res.JobID)
		out = append(out, res)
	}
	return out, nil
}

// expandPaths turns arguments into absolute regular-file paths.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path != abs && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Type().IsRegular() {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", p, err)
		}
	}
	return files, nil
}
