// Package dispatcher is the top-level index and query facade. It routes
// indexing to the index engine, searches to the BM25 and semantic indexers
// and symbol lookups to the active plugins. It holds no indexing or ranking
// logic of its own.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/index"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/semantic"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Plugins is the plugin manager surface the dispatcher needs.
type Plugins interface {
	index.PluginResolver
	GetActivePlugins() []plugin.ActivePlugin
}

var _ Plugins = (*plugin.Manager)(nil)

// Options wires a Dispatcher. Storage, BM25 and Semantic are shared, not
// owned: the caller closes them after the dispatcher is done.
type Options struct {
	Plugins Plugins
	Storage store.Storage
	BM25    store.BM25Indexer
	// Semantic is nil when semantic search is disabled.
	Semantic *semantic.Indexer
	Index    config.IndexConfig
	Logger   *slog.Logger
}

// Dispatcher routes index, search and lookup calls.
type Dispatcher struct {
	plugins  Plugins
	storage  store.Storage
	bm25     store.BM25Indexer
	semantic *semantic.Indexer
	engine   *index.Engine
	metrics  metrics
	logger   *slog.Logger
}

// New creates a Dispatcher and the index engine it routes to.
func New(opts Options) (*Dispatcher, error) {
	if opts.Plugins == nil {
		return nil, fmt.Errorf("plugin manager is required")
	}
	if opts.BM25 == nil {
		return nil, fmt.Errorf("BM25 indexer is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		plugins:  opts.Plugins,
		storage:  opts.Storage,
		bm25:     opts.BM25,
		semantic: opts.Semantic,
		logger:   opts.Logger,
	}
	d.metrics.init()

	engineOpts := []index.Option{index.WithBM25(opts.BM25), index.WithLogger(opts.Logger)}
	if d.semantic != nil {
		engineOpts = append(engineOpts, index.WithFileHook(d.embedFile))
	}
	d.engine = index.NewEngine(opts.Plugins, opts.Storage, opts.Index, engineOpts...)
	return d, nil
}

// Engine returns the index engine behind the dispatcher.
func (d *Dispatcher) Engine() *index.Engine {
	return d.engine
}

// SemanticEnabled reports whether a semantic indexer is attached.
func (d *Dispatcher) SemanticEnabled() bool {
	return d.semantic != nil
}

// Index indexes path: a directory recursively, or a single file. The
// semantic side runs best-effort; its failures only show in metrics.
func (d *Dispatcher) Index(ctx context.Context, path string) (*index.BatchResult, error) {
	d.metrics.indexCall()

	info, err := os.Stat(path)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("cannot access %s", path), err)
	}
	if info.IsDir() {
		res, err := d.engine.IndexDirectory(ctx, path, true)
		if res != nil {
			d.metrics.filesIndexed(res.Successful)
		}
		return res, err
	}

	res := &index.BatchResult{Root: path, Errors: []index.FileError{}}
	fr, err := d.engine.IndexFile(ctx, path, nil)
	switch {
	case err != nil:
		res.Failed = 1
		res.Errors = append(res.Errors, index.FileError{Path: path, Code: cerrors.GetCode(err), Error: err.Error()})
	case fr.Skipped():
		res.Skipped = 1
	default:
		res.Successful = 1
		res.Symbols = len(fr.Symbols)
		d.metrics.filesIndexed(1)
	}
	return res, nil
}

// IndexFile indexes a single file, reading it from disk when content is nil.
func (d *Dispatcher) IndexFile(ctx context.Context, path string, content []byte) (*index.FileResult, error) {
	d.metrics.indexCall()
	res, err := d.engine.IndexFile(ctx, path, content)
	if err == nil && !res.Skipped() {
		d.metrics.filesIndexed(1)
	}
	return res, err
}

// RemoveFile drops path from every index.
func (d *Dispatcher) RemoveFile(ctx context.Context, path string) error {
	if err := d.engine.RemoveFile(ctx, path); err != nil {
		return err
	}
	if d.semantic == nil {
		return nil
	}
	abs, err := absPath(path)
	if err != nil {
		return err
	}
	prev := d.pointCount(ctx, abs)
	if err := d.semantic.DeleteDocuments(ctx, pointIDs(abs, 0, prev)); err != nil {
		d.metrics.semanticFailure()
		d.logger.Warn("semantic_delete_failed", slog.String("path", abs), slog.String("error", err.Error()))
		return nil
	}
	d.setPointCount(ctx, abs, 0)
	return nil
}

// Lookup asks each active plugin, in priority order, for the definition of
// symbol and returns the first match. A plugin error is logged and the next
// plugin is asked.
func (d *Dispatcher) Lookup(ctx context.Context, symbol string) (*plugin.Definition, error) {
	d.metrics.lookup()
	for _, ap := range d.plugins.GetActivePlugins() {
		def, err := ap.Plugin.GetDefinition(ctx, symbol)
		if err != nil {
			d.logger.Warn("plugin_lookup_failed",
				slog.String("plugin", ap.Name),
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
			continue
		}
		if def != nil {
			if def.Plugin == "" {
				def.Plugin = ap.Name
			}
			return def, nil
		}
	}
	return nil, nil
}

// References collects uses of symbol from every active plugin.
func (d *Dispatcher) References(ctx context.Context, symbol string) ([]plugin.Reference, error) {
	var out []plugin.Reference
	for _, ap := range d.plugins.GetActivePlugins() {
		refs, err := ap.Plugin.FindReferences(ctx, symbol)
		if err != nil {
			d.logger.Warn("plugin_references_failed",
				slog.String("plugin", ap.Name),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, refs...)
	}
	return out, nil
}

// embedFile upserts one document for the file and one per symbol. Point ids
// are path#ordinal; ordinals left over from a previous, longer version of
// the file are deleted.
func (d *Dispatcher) embedFile(ctx context.Context, res *index.FileResult) {
	docs := documentsFor(res)
	prev := d.pointCount(ctx, res.Path)

	if _, err := d.semantic.IndexDocuments(ctx, docs); err != nil {
		d.metrics.semanticFailure()
		d.logger.Warn("semantic_index_failed",
			slog.String("path", res.Path),
			slog.String("error", err.Error()))
		return
	}
	if prev > len(docs) {
		if err := d.semantic.DeleteDocuments(ctx, pointIDs(res.Path, len(docs), prev)); err != nil {
			d.logger.Warn("semantic_prune_failed", slog.String("path", res.Path), slog.String("error", err.Error()))
		}
	}
	d.setPointCount(ctx, res.Path, len(docs))
	d.metrics.semanticDocs(len(docs))
}

func (d *Dispatcher) pointCount(ctx context.Context, path string) int {
	if d.storage == nil {
		return 0
	}
	v, err := d.storage.GetState(ctx, pointStateKey(path))
	if err != nil || v == "" {
		return 0
	}
	n, _ := strconv.Atoi(v)
	return n
}

func (d *Dispatcher) setPointCount(ctx context.Context, path string, n int) {
	if d.storage == nil {
		return
	}
	if err := d.storage.SetState(ctx, pointStateKey(path), strconv.Itoa(n)); err != nil {
		d.logger.Debug("semantic_state_write_failed", slog.String("error", err.Error()))
	}
}

func pointStateKey(path string) string {
	return "semantic_points:" + path
}
