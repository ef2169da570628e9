// Package index turns files into symbols and documents. The Engine resolves
// each file to a plugin, extracts its symbols and persists them to the
// relational store and the BM25 index. Directory indexing isolates failures
// per file.
package index

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// binarySniffLen is how many leading bytes are checked for NUL.
const binarySniffLen = 8000

// PluginResolver picks the plugin for a file. *plugin.Manager implements it.
type PluginResolver interface {
	PluginForFile(path string) (string, plugin.Plugin)
}

var _ PluginResolver = (*plugin.Manager)(nil)

// FileResult is the outcome of indexing one file.
type FileResult struct {
	*plugin.ExtractionResult

	// Path is the absolute path used as the document key.
	Path   string `json:"path"`
	Plugin string `json:"plugin,omitempty"`

	// Content is the file content that was indexed. Not serialized.
	Content []byte `json:"-"`

	// Unchanged is set when the stored content hash matched, so stored
	// symbols were kept.
	Unchanged bool `json:"unchanged,omitempty"`

	// SkipReason is set for files filtered out before extraction.
	SkipReason string `json:"skip_reason,omitempty"`
}

// Skipped reports whether the file produced nothing to index.
func (r *FileResult) Skipped() bool {
	return r.SkipReason != "" || r.Unsupported
}

// FileError records one file's failure.
type FileError struct {
	Path  string `json:"path"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// BatchResult summarizes a directory run. It is returned even when every
// file failed.
type BatchResult struct {
	Root       string        `json:"root"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Symbols    int           `json:"symbols"`
	Errors     []FileError   `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

// FileHook runs after a file is indexed successfully.
type FileHook func(ctx context.Context, res *FileResult)

// Option configures an Engine.
type Option func(*Engine)

// WithBM25 sets the full-text index documents are written to.
func WithBM25(idx store.BM25Indexer) Option {
	return func(e *Engine) { e.bm25 = idx }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithFileHook registers a hook called after each successful file.
func WithFileHook(h FileHook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// Engine indexes files and directories. Calls are synchronous; the engine
// may be shared between goroutines.
type Engine struct {
	plugins PluginResolver
	storage store.Storage
	bm25    store.BM25Indexer
	cfg     config.IndexConfig
	hooks   []FileHook
	logger  *slog.Logger

	mu    sync.Mutex
	repos map[string]*store.Repository
}

// NewEngine creates an Engine. storage may be nil, in which case symbols
// are only returned.
func NewEngine(plugins PluginResolver, storage store.Storage, cfg config.IndexConfig, opts ...Option) *Engine {
	e := &Engine{
		plugins: plugins,
		storage: storage,
		cfg:     cfg,
		logger:  slog.Default(),
		repos:   make(map[string]*store.Repository),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) maxFileSize() int64 {
	if e.cfg.MaxFileSizeMB <= 0 {
		return 10 * 1024 * 1024
	}
	return int64(e.cfg.MaxFileSizeMB) * 1024 * 1024
}

// IndexFile indexes one file. With nil content the file is read from disk
// and the size, symlink and binary filters apply. A file no plugin handles
// yields an unsupported result and no error. Extraction and persistence
// failures are returned as errors for this file only.
func (e *Engine) IndexFile(ctx context.Context, path string, content []byte) (*FileResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("failed to resolve %s", path), err)
	}
	root, err := e.rootFor(ctx, abs)
	if err != nil {
		return nil, err
	}
	return e.indexFile(ctx, root, abs, content)
}

// rootFor returns the root of the deepest known repository containing abs,
// looking in the engine first and then in storage. A file outside every
// repository is rooted at its own directory.
func (e *Engine) rootFor(ctx context.Context, abs string) (string, error) {
	for dir := filepath.Dir(abs); ; {
		e.mu.Lock()
		_, ok := e.repos[dir]
		e.mu.Unlock()
		if ok {
			return dir, nil
		}
		if e.storage != nil {
			repo, err := e.storage.GetRepository(ctx, dir)
			if err != nil {
				return "", cerrors.New(cerrors.ErrCodeStorage, fmt.Sprintf("failed to look up repository %s", dir), err)
			}
			if repo != nil {
				e.mu.Lock()
				e.repos[dir] = repo
				e.mu.Unlock()
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Dir(abs), nil
		}
		dir = parent
	}
}

func (e *Engine) indexFile(ctx context.Context, root, abs string, content []byte) (*FileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if content == nil {
		var reason string
		var err error
		content, reason, err = e.readFile(abs)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			e.logger.Debug("file_skipped", slog.String("path", abs), slog.String("reason", reason))
			return &FileResult{ExtractionResult: plugin.UnsupportedResult(abs), Path: abs, SkipReason: reason}, nil
		}
	}

	name, inst := e.plugins.PluginForFile(abs)
	if inst == nil {
		if name != "" {
			e.logger.Debug("plugin_inactive", slog.String("path", abs), slog.String("plugin", name))
		}
		return &FileResult{ExtractionResult: plugin.UnsupportedResult(abs), Path: abs, Content: content}, nil
	}

	extracted, err := extract(ctx, inst, abs, content)
	if err != nil {
		return nil, err
	}
	if extracted.Unsupported {
		return &FileResult{ExtractionResult: extracted, Path: abs, Plugin: name, Content: content}, nil
	}
	if extracted.Symbols == nil {
		extracted.Symbols = []store.Symbol{}
	}

	res := &FileResult{ExtractionResult: extracted, Path: abs, Plugin: name, Content: content}
	if err := e.persist(ctx, root, res); err != nil {
		return nil, err
	}

	for _, h := range e.hooks {
		h(ctx, res)
	}
	return res, nil
}

// readFile applies the disk filters. A non-empty reason means skip.
func (e *Engine) readFile(abs string) ([]byte, string, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		return nil, "", cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("failed to stat %s", abs), err)
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		if !e.cfg.FollowSymlinks {
			return nil, "symlink", nil
		}
		if info, err = os.Stat(abs); err != nil {
			return nil, "", cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("broken symlink %s", abs), err)
		}
	}
	if !info.Mode().IsRegular() {
		return nil, "not_regular", nil
	}
	if info.Size() > e.maxFileSize() {
		return nil, "too_large", nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, "", cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("failed to read %s", abs), err)
	}
	if isBinary(content) {
		return nil, "binary", nil
	}
	return content, "", nil
}

// extract runs the plugin, turning a panic or error into an extraction error.
func extract(ctx context.Context, p plugin.Plugin, path string, content []byte) (res *plugin.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = cerrors.Extraction(path, fmt.Errorf("plugin panicked: %v", r))
		}
	}()

	res, err = p.Index(ctx, path, content)
	if err != nil {
		if errors.Is(err, cerrors.ErrExtraction) {
			return nil, err
		}
		return nil, cerrors.Extraction(path, err)
	}
	if res == nil {
		return nil, cerrors.Extraction(path, errors.New("plugin returned no result"))
	}
	return res, nil
}

// persist writes the file row, its symbols and its BM25 document.
func (e *Engine) persist(ctx context.Context, root string, res *FileResult) error {
	if e.storage != nil {
		repo, err := e.repository(ctx, root)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, res.Path)
		if err != nil {
			rel = res.Path
		}
		stored, changed, err := e.storage.StoreFile(ctx, &store.File{
			RepositoryID: repo.ID,
			Path:         filepath.ToSlash(rel),
			Language:     res.Language,
			Size:         int64(len(res.Content)),
			Hash:         hashContent(res.Content),
		})
		if err != nil {
			return cerrors.New(cerrors.ErrCodeStorage, fmt.Sprintf("failed to store file %s", res.Path), err)
		}
		res.Unchanged = !changed
		if changed {
			if err := e.storage.StoreSymbols(ctx, stored.ID, res.Symbols); err != nil {
				return cerrors.New(cerrors.ErrCodeStorage, fmt.Sprintf("failed to store symbols of %s", res.Path), err)
			}
		}
	}

	if e.bm25 != nil {
		names := make([]string, len(res.Symbols))
		for i, s := range res.Symbols {
			names[i] = s.Name
		}
		err := e.bm25.AddDocument(ctx, store.BM25Document{
			Path:     res.Path,
			Content:  string(res.Content),
			Language: res.Language,
			Symbols:  names,
			Imports:  res.Imports,
			Comments: res.Comments,
			Metadata: map[string]string{"plugin": res.Plugin},
		})
		if err != nil {
			return cerrors.New(cerrors.ErrCodeStorage, fmt.Sprintf("failed to add document %s", res.Path), err)
		}
	}
	return nil
}

// repository returns the repository rooted at root, creating it once.
func (e *Engine) repository(ctx context.Context, root string) (*store.Repository, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if repo, ok := e.repos[root]; ok {
		return repo, nil
	}
	repo, err := e.storage.CreateRepository(ctx, root, filepath.Base(root))
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodeStorage, fmt.Sprintf("failed to register repository %s", root), err)
	}
	e.repos[root] = repo
	return repo, nil
}

// RemoveFile drops path from the store and the BM25 index.
func (e *Engine) RemoveFile(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	if e.bm25 != nil {
		if err := e.bm25.DeleteDocument(ctx, abs); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
	}
	if e.storage == nil {
		return nil
	}

	// Loads the owning repository from storage when this process has not
	// seen it yet.
	if _, err := e.rootFor(ctx, abs); err != nil {
		return err
	}
	e.mu.Lock()
	var roots []string
	for root := range e.repos {
		roots = append(roots, root)
	}
	e.mu.Unlock()
	for _, root := range roots {
		rel, err := filepath.Rel(root, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		repo, err := e.repository(ctx, root)
		if err != nil {
			return err
		}
		if err := e.storage.DeleteFile(ctx, repo.ID, filepath.ToSlash(rel)); err != nil {
			return fmt.Errorf("failed to delete file: %w", err)
		}
	}
	return nil
}

// IndexDirectory indexes every regular file under root, descending into
// subdirectories when recursive is set. Per-file failures are counted and
// recorded; only an inaccessible root is an error. On cancellation the
// partial result is returned together with the context error.
func (e *Engine) IndexDirectory(ctx context.Context, root string, recursive bool) (*BatchResult, error) {
	start := time.Now()
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("failed to resolve %s", root), err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("cannot access %s", root), err)
	}
	if !info.IsDir() {
		return nil, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("%s is not a directory", root), nil)
	}

	result := &BatchResult{Root: abs, Errors: []FileError{}}
	ignore := &ignoreSet{}
	for _, p := range e.cfg.Exclude {
		ignore.add(p, "")
	}

	e.logger.Info("index_directory_started", slog.String("root", abs), slog.Bool("recursive", recursive))

	walkErr := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == abs {
				return err
			}
			e.logger.Warn("walk_entry_failed", slog.String("path", path), slog.String("error", err.Error()))
			result.Failed++
			result.Errors = append(result.Errors, FileError{Path: path, Code: cerrors.ErrCodePathInaccessible, Error: err.Error()})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		rel, _ := filepath.Rel(abs, path)
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if path == abs {
				e.loadGitignore(ignore, path, "")
				return nil
			}
			if !recursive || (e.cfg.SkipHidden && isHidden(d.Name())) || ignore.ignored(rel, true) {
				return fs.SkipDir
			}
			e.loadGitignore(ignore, path, rel)
			return nil
		}

		if (e.cfg.SkipHidden && isHidden(d.Name())) || ignore.ignored(rel, false) {
			result.Skipped++
			return nil
		}

		res, err := e.indexFile(ctx, abs, path, nil)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			e.logger.Warn("index_file_failed", slog.String("path", rel), slog.String("error", err.Error()))
			result.Failed++
			result.Errors = append(result.Errors, FileError{Path: rel, Code: cerrors.GetCode(err), Error: err.Error()})
		case res.Skipped():
			result.Skipped++
		default:
			result.Successful++
			result.Symbols += len(res.Symbols)
		}
		return nil
	})

	result.Duration = time.Since(start)
	e.logger.Info("index_directory_done",
		slog.String("root", abs),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("symbols", result.Symbols),
		slog.Duration("duration", result.Duration))

	if walkErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		return result, cerrors.New(cerrors.ErrCodePathInaccessible, fmt.Sprintf("failed to walk %s", root), walkErr)
	}
	return result, nil
}

func (e *Engine) loadGitignore(ignore *ignoreSet, dir, rel string) {
	if !e.cfg.RespectGitignore {
		return
	}
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := ignore.addFile(path, rel); err != nil {
		e.logger.Warn("gitignore_unreadable", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func isHidden(name string) bool {
	return len(name) > 1 && strings.HasPrefix(name, ".")
}

// isBinary reports a NUL byte near the start of content.
func isBinary(content []byte) bool {
	return bytes.IndexByte(content[:min(len(content), binarySniffLen)], 0) >= 0
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
