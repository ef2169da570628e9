package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/dispatcher"
	"github.com/Aman-CERP/codeindex/internal/output"
	"github.com/Aman-CERP/codeindex/internal/semantic"
)

type searchOptions struct {
	semantic bool
	hybrid   bool
	limit    int
	json     bool
	language []string
}

func newSearchCmd(g *globalOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Search the index. Lexical (BM25) by default; --semantic uses the vector
index only and --hybrid merges both, keeping the best score per file.`,
		Example: `  codeindex search Logger
  codeindex search "retry with backoff" --hybrid --limit 5
  codeindex search "parse config" --semantic --language go --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.json {
				g.format = string(output.FormatJSON)
			}
			return runSearch(cmd.Context(), cmd, g, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.semantic, "semantic", false, "Search the vector index only")
	cmd.Flags().BoolVar(&opts.hybrid, "hybrid", false, "Merge lexical and semantic results")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", dispatcher.DefaultSearchLimit, "Maximum number of results")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print results as JSON")
	cmd.Flags().StringSliceVarP(&opts.language, "language", "l", nil, "Semantic filter by language (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("semantic", "hybrid")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, g *globalOptions, query string, opts searchOptions) error {
	a, err := openApp(ctx, g.dir, false)
	if err != nil {
		return err
	}
	defer a.Close()

	so := dispatcher.SearchOptions{Semantic: opts.semantic, Hybrid: opts.hybrid, Limit: opts.limit}
	if len(opts.language) > 0 {
		so.Filters = semantic.Filters{semantic.FieldLanguage: opts.language}
	}
	results, err := a.d.Search(ctx, query, so)
	if err != nil {
		return err
	}

	out := g.writer(cmd)
	if out.JSON() {
		return out.Encode(results)
	}
	if len(results) == 0 {
		out.Warningf("No results for %q", query)
		return nil
	}

	out.Statusf("🔍", "%d results for %q (%s)", len(results), query, so.Mode())
	out.Newline()
	for i, r := range results {
		path := r.Path
		if rel, err := filepath.Rel(a.root, r.Path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
		out.Statusf(fmt.Sprintf("%2d.", i+1), "%s:%d  %.3f  [%s]", path, r.Line, r.Score, r.Source)
		if r.Snippet != "" {
			out.Code(r.Snippet)
		}
	}
	return nil
}
