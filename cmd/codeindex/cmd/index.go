package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newIndexCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "index [path]",
		Short: "Index a file or directory",
		Long: `Index a file or a directory tree into the project's index.

Files no plugin supports are skipped. A file that fails to parse is
reported and the rest are still indexed.`,
		Example: `  codeindex index
  codeindex index src/
  codeindex -C ~/work/api index`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target := g.dir
			if len(args) == 1 {
				target = args[0]
			}
			return runIndex(ctx, cmd, g, target)
		},
	}
}

func runIndex(ctx context.Context, cmd *cobra.Command, g *globalOptions, target string) error {
	a, err := openApp(ctx, g.dir, true)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.d.Index(ctx, target)
	if res == nil {
		return err
	}

	out := g.writer(cmd)
	if out.JSON() {
		if encErr := out.Encode(res); encErr != nil {
			return encErr
		}
		return err
	}

	out.Successf("Indexed %s in %s", res.Root, res.Duration.Round(time.Millisecond))
	out.Statusf("", "%d indexed, %d skipped, %d failed, %d symbols",
		res.Successful, res.Skipped, res.Failed, res.Symbols)
	if len(res.Errors) > 0 {
		out.Newline()
		rows := make([][]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			rows = append(rows, []string{e.Path, e.Code, e.Error})
		}
		if tErr := out.Table([]string{"FILE", "CODE", "ERROR"}, rows); tErr != nil {
			return tErr
		}
	}
	if a.d.SemanticEnabled() {
		m := a.d.Metrics()
		out.Statusf("", "semantic: %d documents, %d failures", m.SemanticDocuments, m.SemanticFailures)
	}
	return err
}
