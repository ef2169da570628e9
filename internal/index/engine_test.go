package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/plugins/builtin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// panicPlugin claims .boom files and panics while indexing them.
type panicPlugin struct{}

func (panicPlugin) Supports(path string) bool { return strings.HasSuffix(path, ".boom") }
func (panicPlugin) Index(ctx context.Context, path string, content []byte) (*plugin.ExtractionResult, error) {
	panic("parser exploded")
}
func (panicPlugin) GetDefinition(ctx context.Context, symbol string) (*plugin.Definition, error) {
	return nil, nil
}
func (panicPlugin) FindReferences(ctx context.Context, symbol string) ([]plugin.Reference, error) {
	return nil, nil
}
func (panicPlugin) Search(ctx context.Context, query string, opts plugin.SearchOptions) ([]plugin.SearchResult, error) {
	return nil, nil
}

type env struct {
	engine  *Engine
	manager *plugin.Manager
	storage *store.SQLiteStore
	bm25    store.BM25Indexer
}

// newEnv loads the built-in plugins with strict Python parsing, so Python
// files with syntax errors fail extraction.
func newEnv(t *testing.T, mutate func(*config.IndexConfig), opts ...Option) env {
	t.Helper()
	ctx := context.Background()

	mods := builtin.List()
	mods = append(mods, &plugin.Module{
		Name:       "boom",
		Version:    "0.1.0",
		Language:   "boom",
		Extensions: []string{".boom"},
		Kind:       plugin.KindLanguage,
		New: func(plugin.Settings, *slog.Logger) (plugin.Plugin, error) {
			return panicPlugin{}, nil
		},
	})
	modules, err := plugin.NewModules(mods...)
	require.NoError(t, err)

	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	bm25, err := store.NewBM25Indexer("", "sqlite", store.BM25Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm25.Close() })

	pcfg := config.NewPluginsConfig()
	pcfg.Plugins = map[string]config.PluginSettings{
		"python": {Settings: map[string]any{"strict": true}},
	}
	m := plugin.NewManager(pcfg, modules, plugin.WithStorage(st), plugin.WithLogger(quietLogger()))
	_, err = m.LoadPlugins(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(ctx) })

	icfg := config.NewConfig().Index
	if mutate != nil {
		mutate(&icfg)
	}
	opts = append([]Option{WithBM25(bm25), WithLogger(quietLogger())}, opts...)
	return env{
		engine:  NewEngine(m, st, icfg, opts...),
		manager: m,
		storage: st,
		bm25:    bm25,
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

const loggerPy = `class Logger:
    """Writes log lines."""

    def log(self, msg):
        print(msg)
`

func TestEngine_IndexFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "log.py")
	writeFiles(t, dir, map[string]string{"log.py": loggerPy})

	// When: the file is indexed from disk
	res, err := e.engine.IndexFile(ctx, path, nil)

	// Then: symbols come back in source order and are persisted
	require.NoError(t, err)
	assert.Equal(t, "python", res.Plugin)
	assert.Equal(t, "python", res.Language)
	require.Len(t, res.Symbols, 2)
	assert.Equal(t, "Logger", res.Symbols[0].Name)
	assert.Equal(t, "log", res.Symbols[1].Name)
	assert.False(t, res.Unchanged)

	found, err := e.storage.FindSymbols(ctx, "Logger", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)

	hits, err := e.bm25.Search(ctx, "Logger", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, path, hits[0].Path)
}

func TestEngine_IndexFile_UnsupportedIsNotAnError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	tests := []struct {
		name string
		path string
	}{
		{"unknown extension", "notes.txt"},
		{"no extension", "Makefile"},
		{"markdown", "docs/README.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.engine.IndexFile(ctx, tt.path, []byte("anything at all"))

			require.NoError(t, err)
			assert.True(t, res.Unsupported)
			assert.NotNil(t, res.Symbols)
			assert.Empty(t, res.Symbols)
		})
	}
}

func TestEngine_IndexFile_ReindexUnchanged(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"log.py": loggerPy})
	path := filepath.Join(dir, "log.py")

	_, err := e.engine.IndexFile(ctx, path, nil)
	require.NoError(t, err)
	res, err := e.engine.IndexFile(ctx, path, nil)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)

	// Changing the content rewrites the symbols
	res, err = e.engine.IndexFile(ctx, path, []byte("class Renamed:\n    pass\n"))
	require.NoError(t, err)
	assert.False(t, res.Unchanged)

	stats, err := e.storage.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	assert.Equal(t, 1, stats.Symbols)

	bm, err := e.bm25.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bm.TotalDocuments)
}

func TestEngine_IndexFile_NestedInIndexedDirectory(t *testing.T) {
	ctx := context.Background()
	edited := loggerPy + "\n    def flush(self):\n        pass\n"

	tests := []struct {
		name        string
		freshEngine bool
	}{
		{"same engine", false},
		{"fresh engine over the same storage", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a project indexed as a directory
			e := newEnv(t, nil)
			root := t.TempDir()
			writeFiles(t, root, map[string]string{"pkg/a.py": loggerPy})
			_, err := e.engine.IndexDirectory(ctx, root, true)
			require.NoError(t, err)

			engine := e.engine
			if tt.freshEngine {
				engine = NewEngine(e.manager, e.storage, config.NewConfig().Index, WithLogger(quietLogger()))
			}

			// When: the nested file is edited and re-indexed on its own
			_, err = engine.IndexFile(ctx, filepath.Join(root, "pkg", "a.py"), []byte(edited))
			require.NoError(t, err)

			// Then: the existing row is updated in place under the project repository
			stats, err := e.storage.Statistics(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Repositories)
			assert.Equal(t, 1, stats.Files)
			assert.Equal(t, 3, stats.Symbols)

			found, err := e.storage.FindSymbols(ctx, "Logger", 10)
			require.NoError(t, err)
			assert.Len(t, found, 1)
		})
	}
}

func TestEngine_RemoveFile_FreshEngine(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"pkg/a.py": loggerPy, "b.py": "def b():\n    pass\n"})
	_, err := e.engine.IndexDirectory(ctx, root, true)
	require.NoError(t, err)

	// When: another engine over the same storage removes a nested file
	fresh := NewEngine(e.manager, e.storage, config.NewConfig().Index, WithLogger(quietLogger()))
	require.NoError(t, fresh.RemoveFile(ctx, filepath.Join(root, "pkg", "a.py")))

	// Then: its row is gone from the project repository
	stats, err := e.storage.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
	found, err := e.storage.FindSymbols(ctx, "Logger", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestEngine_IndexFile_ExtractionErrors(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	_, err := e.engine.IndexFile(ctx, "broken.py", []byte("def broken(:\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrExtraction)

	_, err = e.engine.IndexFile(ctx, "x.boom", []byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrExtraction)
	assert.Contains(t, err.Error(), "extract")
}

func TestEngine_IndexDirectory_PartialFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	root := t.TempDir()

	// Given: 4 valid files and 2 that fail extraction
	writeFiles(t, root, map[string]string{
		"app/log.py":     loggerPy,
		"app/util.py":    "def helper():\n    return 1\n",
		"cmd/main.go":    "package main\n\nfunc main() {}\n",
		"web/app.js":     "export function start() {}\n",
		"app/broken.py":  "def broken(:\n",
		"data/blob.boom": "whatever",
	})

	// When: the directory is indexed
	result, err := e.engine.IndexDirectory(ctx, root, true)

	// Then: failures are counted, not raised
	require.NoError(t, err)
	assert.Equal(t, 4, result.Successful)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 2)

	var failed []string
	for _, fe := range result.Errors {
		failed = append(failed, fe.Path)
		assert.Equal(t, cerrors.ErrCodeExtractionFailed, fe.Code)
	}
	assert.ElementsMatch(t, []string{"app/broken.py", "data/blob.boom"}, failed)
}

func TestEngine_IndexDirectory_AllFilesFail(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.py": "def a(:\n",
		"b.py": "class (:\n",
	})

	result, err := e.engine.IndexDirectory(ctx, root, true)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Successful)
	assert.Equal(t, 2, result.Failed)
}

func TestEngine_IndexDirectory_Filters(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, func(c *config.IndexConfig) {
		c.MaxFileSizeMB = 1
		c.Exclude = append(c.Exclude, "generated/", "*.min.js")
	})
	root := t.TempDir()

	writeFiles(t, root, map[string]string{
		"src/main.py":                "def main():\n    pass\n",
		"src/.hidden.py":             "def hidden():\n    pass\n",
		".venv/lib/site.py":          "def site():\n    pass\n",
		"node_modules/pkg/index.js":  "function dep() {}\n",
		"generated/models.py":        "class Model:\n    pass\n",
		"web/app.min.js":             "function a(){}\n",
		"build/out.py":               "def out():\n    pass\n",
		"logs/app.log":               "not code\n",
		".gitignore":                 "build/\n*.log\n",
		"src/keep/ignored_local.py":  "def local():\n    pass\n",
		"src/keep/.gitignore":        "ignored_local.py\n",
		"src/keep/visible.py":        "def visible():\n    pass\n",
	})
	big := strings.Repeat("x = 1\n", 200000)
	writeFiles(t, root, map[string]string{"src/huge.py": big})
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "image.py"), []byte("def x():\x00\n"), 0o644))

	result, err := e.engine.IndexDirectory(ctx, root, true)
	require.NoError(t, err)

	// Only src/main.py and src/keep/visible.py are indexed
	assert.Equal(t, 2, result.Successful)
	assert.Equal(t, 0, result.Failed)

	for _, name := range []string{"hidden", "site", "dep", "Model", "a", "out", "local"} {
		found, err := e.storage.FindSymbols(ctx, name, 10)
		require.NoError(t, err)
		for _, s := range found {
			assert.NotEqual(t, name, s.Name, "%s should have been filtered", name)
		}
	}
	found, err := e.storage.FindSymbols(ctx, "visible", 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestEngine_IndexDirectory_NonRecursive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"top.py":       "def top():\n    pass\n",
		"pkg/inner.py": "def inner():\n    pass\n",
	})

	result, err := e.engine.IndexDirectory(ctx, root, false)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
}

func TestEngine_IndexDirectory_Symlinks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"real.py": "def real():\n    pass\n"})
	if err := os.Symlink(filepath.Join(root, "real.py"), filepath.Join(root, "link.py")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	tests := []struct {
		name   string
		follow bool
		want   int
	}{
		{"skipped by default", false, 1},
		{"followed when enabled", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, func(c *config.IndexConfig) { c.FollowSymlinks = tt.follow })

			result, err := e.engine.IndexDirectory(ctx, root, true)

			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Successful)
		})
	}
}

func TestEngine_IndexDirectory_InaccessibleRoot(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.engine.IndexDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), true)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodePathInaccessible, cerrors.GetCode(err))

	file := filepath.Join(t.TempDir(), "f.py")
	require.NoError(t, os.WriteFile(file, []byte("x = 1\n"), 0o644))
	_, err = e.engine.IndexDirectory(context.Background(), file, true)
	assert.Equal(t, cerrors.ErrCodePathInaccessible, cerrors.GetCode(err))
}

func TestEngine_IndexDirectory_Cancelled(t *testing.T) {
	e := newEnv(t, nil)
	root := t.TempDir()
	files := map[string]string{}
	for i := range 5 {
		files[fmt.Sprintf("f%d.py", i)] = "def f():\n    pass\n"
	}
	writeFiles(t, root, files)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := e.engine.IndexDirectory(ctx, root, true)

	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Successful)
}

func TestEngine_FileHook(t *testing.T) {
	ctx := context.Background()
	var seen []string
	e := newEnv(t, nil, WithFileHook(func(ctx context.Context, res *FileResult) {
		seen = append(seen, filepath.Base(res.Path))
	}))
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.py":     "def a():\n    pass\n",
		"b.txt":    "plain",
		"c.py":     "def c(:\n",
		"d/e.yaml": "key: value\n",
	})

	_, err := e.engine.IndexDirectory(ctx, root, true)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.py", "e.yaml"}, seen)
}

func TestEngine_RemoveFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"log.py": loggerPy, "other.py": "def other():\n    pass\n"})
	_, err := e.engine.IndexDirectory(ctx, root, true)
	require.NoError(t, err)

	require.NoError(t, e.engine.RemoveFile(ctx, filepath.Join(root, "log.py")))

	hits, err := e.bm25.Search(ctx, "Logger", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	stats, err := e.storage.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Files)
}

func TestEngine_IndexWithoutStorage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	bare := NewEngine(e.manager, nil, config.NewConfig().Index, WithLogger(quietLogger()))

	res, err := bare.IndexFile(ctx, "log.py", []byte(loggerPy))

	require.NoError(t, err)
	assert.Len(t, res.Symbols, 2)
}
