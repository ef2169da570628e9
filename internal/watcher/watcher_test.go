package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codeindex/internal/index"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

func startWatcher(t *testing.T, root string, opts Options) *Watcher {
	t.Helper()
	w, err := New(opts, quietLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx, root)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Stop()
	})
	// fsnotify only reports changes after the directories are added.
	time.Sleep(100 * time.Millisecond)
	return w
}

// collect gathers events until want is satisfied or the deadline passes.
func collect(t *testing.T, w *Watcher, want func(map[string]Operation) bool) map[string]Operation {
	t.Helper()
	seen := map[string]Operation{}
	deadline := time.After(3 * time.Second)
	for !want(seen) {
		select {
		case batch, ok := <-w.Events():
			if !ok {
				return seen
			}
			for _, ev := range batch {
				seen[ev.Path] = ev.Operation
			}
		case <-deadline:
			t.Fatalf("timeout; saw %v", seen)
		}
	}
	return seen
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.DebounceWindow = 30 * time.Millisecond
	return opts
}

func TestWatcher_ReportsFileChanges(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "old.go")
	require.NoError(t, os.WriteFile(existing, []byte("package a\n"), 0o644))
	w := startWatcher(t, root, fastOptions())

	// When: a file is created and another removed
	created := filepath.Join(root, "new.go")
	require.NoError(t, os.WriteFile(created, []byte("package a\n"), 0o644))
	require.NoError(t, os.Remove(existing))

	// Then: both changes are reported
	seen := collect(t, w, func(s map[string]Operation) bool {
		_, c := s[created]
		_, d := s[existing]
		return c && d
	})
	assert.Contains(t, []Operation{OpCreate, OpModify}, seen[created])
	assert.Equal(t, OpDelete, seen[existing])
}

func TestWatcher_NewDirectoryAnnouncesFiles(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, fastOptions())

	// Given: a directory populated elsewhere and moved in
	staging := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "pkg", "sub", "a.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.Rename(filepath.Join(staging, "pkg"), filepath.Join(root, "pkg")))

	// Then: the file inside it is reported as created
	target := filepath.Join(root, "pkg", "sub", "a.py")
	seen := collect(t, w, func(s map[string]Operation) bool {
		_, ok := s[target]
		return ok
	})
	assert.Equal(t, OpCreate, seen[target])
}

func TestWatcher_IgnoresHiddenAndFiltered(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".codeindex"), 0o755))
	opts := fastOptions()
	opts.Ignore = func(path string, _ bool) bool { return strings.HasSuffix(path, ".log") }
	w := startWatcher(t, root, opts)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".codeindex", "metadata.db"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build.log"), []byte("x"), 0o644))
	visible := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(visible, []byte("package main\n"), 0o644))

	seen := collect(t, w, func(s map[string]Operation) bool {
		_, ok := s[visible]
		return ok
	})
	assert.Len(t, seen, 1)
}

func TestWatcher_StopClosesChannels(t *testing.T) {
	w, err := New(fastOptions(), quietLogger())
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, ok := <-w.Events()
	assert.False(t, ok)
	_, ok = <-w.Errors()
	assert.False(t, ok)
}

type fakeTarget struct {
	mu      sync.Mutex
	indexed []string
	removed []string
	fail    string
}

func (f *fakeTarget) IndexFile(_ context.Context, path string, _ []byte) (*index.FileResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if path == f.fail {
		return nil, errors.New("parse error")
	}
	f.indexed = append(f.indexed, path)
	if strings.HasSuffix(path, ".md") {
		return &index.FileResult{Path: path, SkipReason: "unsupported"}, nil
	}
	return &index.FileResult{
		Path:             path,
		ExtractionResult: &plugin.ExtractionResult{FilePath: path, Language: "go", Symbols: []store.Symbol{{Name: "X"}}},
	}, nil
}

func (f *fakeTarget) RemoveFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func TestApply(t *testing.T) {
	// Given: a batch mixing every operation, a skipped file and a failure
	target := &fakeTarget{fail: "/p/bad.go"}
	batch := []FileEvent{
		{Path: "/p/a.go", Operation: OpCreate},
		{Path: "/p/b.go", Operation: OpModify},
		{Path: "/p/bad.go", Operation: OpModify},
		{Path: "/p/README.md", Operation: OpModify},
		{Path: "/p/dir", Operation: OpCreate, IsDir: true},
		{Path: "/p/gone.go", Operation: OpDelete},
	}

	// When: the batch is applied
	res := Apply(context.Background(), target, batch, quietLogger())

	// Then: the failure does not stop the rest
	assert.Equal(t, ApplyResult{Indexed: 2, Skipped: 1, Removed: 1, Failed: 1}, res)
	assert.Equal(t, []string{"/p/gone.go"}, target.removed)
	assert.NotContains(t, target.indexed, "/p/dir")
}
