package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Aman-CERP/codeindex/internal/config"
	"github.com/Aman-CERP/codeindex/internal/dispatcher"
	"github.com/Aman-CERP/codeindex/internal/embed"
	"github.com/Aman-CERP/codeindex/internal/lock"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/plugins/builtin"
	"github.com/Aman-CERP/codeindex/internal/semantic"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Files under the data directory.
const (
	metadataFile   = "metadata.db"
	bm25Dir        = "bm25"
	vectorsDir     = "vectors"
	embeddingCache = "embeddings.db"
	queueFile      = "queue.db"
)

// app is the wired single-node stack behind every command.
type app struct {
	root    string
	dataDir string
	cfg     *config.Config
	logger  *slog.Logger

	lock     *lock.DirLock
	storage  *store.SQLiteStore
	bm25     store.BM25Indexer
	manager  *plugin.Manager
	report   *plugin.LoadReport
	provider embed.Provider
	vectors  *store.HNSWVectorStore
	shared   *store.SQLiteEmbeddingCache
	semantic *semantic.Indexer
	d        *dispatcher.Dispatcher
}

// openApp loads configuration from dir and opens the stores, the plugins
// and, when enabled, the semantic layer. write takes the data directory lock.
func openApp(ctx context.Context, dir string, write bool) (a *app, err error) {
	root, dataDir, cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}

	a = &app{root: root, dataDir: dataDir, cfg: cfg, logger: slog.Default()}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if write {
		a.lock = lock.New(a.dataDir)
		if err := a.lock.TryLock(); err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return nil, fmt.Errorf("%s is in use by another codeindex process", a.dataDir)
			}
			return nil, err
		}
	}

	if a.storage, err = store.NewSQLiteStore(filepath.Join(a.dataDir, metadataFile)); err != nil {
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	if a.bm25, err = store.NewBM25Indexer(filepath.Join(a.dataDir, bm25Dir), cfg.BM25.Backend,
		store.BM25Options{SnippetLines: cfg.BM25.SnippetLines}); err != nil {
		return nil, fmt.Errorf("failed to open BM25 index: %w", err)
	}

	a.manager = plugin.NewManager(cfg.Plugins, builtin.Modules(),
		plugin.WithStorage(a.storage), plugin.WithLogger(a.logger))
	if a.report, err = a.manager.LoadPlugins(ctx, ""); err != nil {
		return nil, err
	}

	if cfg.Semantic.Enabled {
		if err := a.openSemantic(); err != nil {
			return nil, err
		}
	}

	a.d, err = dispatcher.New(dispatcher.Options{
		Plugins:  a.manager,
		Storage:  a.storage,
		BM25:     a.bm25,
		Semantic: a.semantic,
		Index:    cfg.Index,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig resolves the project root and data directory for dir.
func loadConfig(dir string) (root, dataDir string, cfg *config.Config, err error) {
	if root, err = filepath.Abs(dir); err != nil {
		return "", "", nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if cfg, err = config.Load(root); err != nil {
		return "", "", nil, err
	}
	dataDir = cfg.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(root, dataDir)
	}
	return root, dataDir, cfg, nil
}

func (a *app) openSemantic() error {
	sc := a.cfg.Semantic
	var err error
	if a.provider, err = embed.NewProvider(sc, a.logger); err != nil {
		return err
	}
	if a.vectors, err = store.NewHNSWVectorStore(store.HNSWOptions{Dir: filepath.Join(a.dataDir, vectorsDir)}); err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	opts := semantic.Options{Config: sc, Provider: a.provider, Vectors: a.vectors, Logger: a.logger}
	if sc.SharedCache {
		if a.shared, err = store.NewSQLiteEmbeddingCache(filepath.Join(a.dataDir, embeddingCache), sc.SharedCacheTTL); err != nil {
			return fmt.Errorf("failed to open embedding cache: %w", err)
		}
		opts.Shared = a.shared
	}
	a.semantic, err = semantic.New(opts)
	return err
}

// Close releases everything openApp opened, in reverse order.
func (a *app) Close() {
	if a.manager != nil {
		if err := a.manager.Shutdown(context.Background()); err != nil {
			a.logger.Warn("plugin_shutdown_failed", slog.String("error", err.Error()))
		}
	}
	if a.shared != nil {
		a.closeLogged("embedding_cache", a.shared.Close)
	}
	if a.vectors != nil {
		a.closeLogged("vectors", a.vectors.Close)
	}
	if a.provider != nil {
		a.closeLogged("provider", a.provider.Close)
	}
	if a.bm25 != nil {
		a.closeLogged("bm25", a.bm25.Close)
	}
	if a.storage != nil {
		a.closeLogged("storage", a.storage.Close)
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}

func (a *app) closeLogged(component string, closeFn func() error) {
	if err := closeFn(); err != nil {
		a.logger.Warn("close_failed", slog.String("component", component), slog.String("error", err.Error()))
	}
}
