package cmd

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/codeindex/internal/store"
)

func newStatsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd.Context(), cmd, g)
		},
	}
}

func runStats(ctx context.Context, cmd *cobra.Command, g *globalOptions) error {
	a, err := openApp(ctx, g.dir, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.d.Stats(ctx)
	if err != nil {
		return err
	}

	out := g.writer(cmd)
	if out.JSON() {
		return out.Encode(stats)
	}

	out.Statusf("📁", "%s", a.dataDir)
	if s := stats.Storage; s != nil {
		out.Statusf("", "%d repositories, %d files, %d symbols", s.Repositories, s.Files, s.Symbols)
	}
	out.Statusf("", "BM25: %d documents, %d symbols", stats.BM25.TotalDocuments, stats.BM25.TotalSymbols)
	out.Newline()

	langs := make([]string, 0, len(stats.BM25.LanguageDistribution))
	for l := range stats.BM25.LanguageDistribution {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	rows := make([][]string, 0, len(langs))
	for _, l := range langs {
		rows = append(rows, []string{l, strconv.Itoa(stats.BM25.LanguageDistribution[l])})
	}
	if err := out.Table([]string{"LANGUAGE", "FILES"}, rows); err != nil {
		return err
	}

	if a.semantic != nil {
		out.Newline()
		info, err := a.semantic.CollectionInfo(ctx)
		var missing store.ErrCollectionNotFound
		switch {
		case errors.As(err, &missing):
			out.Statusf("", "semantic: collection %s not created yet", a.semantic.Collection())
		case err != nil:
			out.Warningf("semantic collection unavailable: %v", err)
		default:
			out.Statusf("", "semantic: %s, %d points in %d shards (dimension %d)",
				info.Config.Name, info.PointCount, info.Config.Shards, info.Config.Dimension)
		}
	}
	return nil
}
