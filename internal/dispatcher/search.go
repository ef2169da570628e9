package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/semantic"
)

// DefaultSearchLimit is used when SearchOptions.Limit is not positive.
const DefaultSearchLimit = 10

// Mode names the search path taken.
type Mode string

const (
	ModeLexical  Mode = "lexical"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// SearchOptions selects the search mode. Hybrid wins over Semantic; with
// neither set the search is lexical.
type SearchOptions struct {
	Semantic bool
	// Hybrid merges both result lists by raw score. BM25 scores are
	// unbounded while cosine scores are at most 1, so a path found by both
	// usually keeps its lexical entry.
	Hybrid bool
	Limit  int
	// Filters restrict semantic results by payload field, e.g. language.
	Filters semantic.Filters
}

// Mode returns the mode opts select.
func (o SearchOptions) Mode() Mode {
	switch {
	case o.Hybrid:
		return ModeHybrid
	case o.Semantic:
		return ModeSemantic
	default:
		return ModeLexical
	}
}

// Result is one search hit, at most one per file.
type Result struct {
	Path     string  `json:"path"`
	Snippet  string  `json:"snippet"`
	Line     int     `json:"line"`
	Score    float64 `json:"score"`
	Language string  `json:"language,omitempty"`
	Source   Mode    `json:"source"`
}

// Search runs query in the mode opts select. Results are ordered by score,
// highest first. An empty index yields an empty slice.
func (d *Dispatcher) Search(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	mode := opts.Mode()
	d.metrics.search(mode)
	if opts.Limit <= 0 {
		opts.Limit = DefaultSearchLimit
	}
	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}

	switch mode {
	case ModeSemantic:
		if d.semantic == nil {
			return nil, cerrors.New(cerrors.ErrCodeInvalidInput, "semantic search is not enabled", nil).
				WithSuggestion("set semantic.enabled: true and reindex")
		}
		return d.searchSemantic(ctx, query, opts)
	case ModeHybrid:
		lexical, err := d.searchLexical(ctx, query, opts.Limit)
		if err != nil {
			return nil, err
		}
		if d.semantic == nil {
			d.logger.Debug("hybrid_without_semantic", slog.String("query", query))
			return lexical, nil
		}
		sem, err := d.searchSemantic(ctx, query, opts)
		if err != nil {
			return nil, err
		}
		return merge(opts.Limit, lexical, sem), nil
	default:
		return d.searchLexical(ctx, query, opts.Limit)
	}
}

func (d *Dispatcher) searchLexical(ctx context.Context, query string, limit int) ([]Result, error) {
	hits, err := d.bm25.Search(ctx, query, limit)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodeStorage, "lexical search failed", err)
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{
			Path:     h.Path,
			Snippet:  h.Snippet,
			Line:     h.Line,
			Score:    h.Score,
			Language: h.Language,
			Source:   ModeLexical,
		}
	}
	return out, nil
}

// searchSemantic over-fetches because several symbols of one file may match.
func (d *Dispatcher) searchSemantic(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	hits, err := d.semantic.Search(ctx, query, opts.Limit*4, opts.Filters)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		line, _ := strconv.Atoi(h.Payload[fieldLine])
		out = append(out, Result{
			Path:     h.Path,
			Snippet:  h.Payload[fieldText],
			Line:     line,
			Score:    h.Score,
			Language: h.Language,
			Source:   ModeSemantic,
		})
	}
	return merge(opts.Limit, out), nil
}

// merge keeps the highest-scoring result per path and sorts by score,
// highest first. Ties keep the earlier list's entry.
func merge(limit int, lists ...[]Result) []Result {
	best := make(map[string]int)
	var out []Result
	for _, list := range lists {
		for _, r := range list {
			i, seen := best[r.Path]
			if !seen {
				best[r.Path] = len(out)
				out = append(out, r)
				continue
			}
			if r.Score > out[i].Score {
				out[i] = r
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []Result{}
	}
	return out
}
