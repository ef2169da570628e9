package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codeindex/internal/config"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// fakePlugin claims files by extension and records hook calls.
type fakePlugin struct {
	exts      []string
	storage   store.Storage
	settings  Settings
	startErr  error
	stopErr   error
	started   atomic.Int32
	stopped   atomic.Int32
	destroyed atomic.Int32
	sniff     func(path string) bool
}

func (p *fakePlugin) Supports(path string) bool {
	if p.sniff != nil {
		return p.sniff(path)
	}
	ext := ExtensionOf(path)
	for _, e := range p.exts {
		if e == ext {
			return true
		}
	}
	return false
}

func (p *fakePlugin) Index(ctx context.Context, path string, content []byte) (*ExtractionResult, error) {
	if strings.Contains(string(content), "FAIL") {
		return nil, errors.New("cannot parse")
	}
	return &ExtractionResult{FilePath: path, Language: "fake"}, nil
}

func (p *fakePlugin) GetDefinition(ctx context.Context, symbol string) (*Definition, error) {
	return nil, nil
}

func (p *fakePlugin) FindReferences(ctx context.Context, symbol string) ([]Reference, error) {
	return nil, nil
}

func (p *fakePlugin) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	return nil, nil
}

func (p *fakePlugin) Start(ctx context.Context) error {
	p.started.Add(1)
	return p.startErr
}

func (p *fakePlugin) Stop(ctx context.Context) error {
	p.stopped.Add(1)
	return p.stopErr
}

func (p *fakePlugin) Destroy() error {
	p.destroyed.Add(1)
	return nil
}

// fakeModule builds a module whose constructor hands out inst (or a fresh
// fakePlugin when inst is nil).
func fakeModule(name, language string, exts []string, inst *fakePlugin) *Module {
	return &Module{
		Name:       name,
		Version:    "1.0.0",
		Language:   language,
		Extensions: exts,
		New: func(settings Settings, logger *slog.Logger) (Plugin, error) {
			if inst != nil {
				inst.settings = settings
				return inst, nil
			}
			return &fakePlugin{exts: NormalizeExtensions(exts), settings: settings}, nil
		},
	}
}

func failingModule(name, language string, exts []string) *Module {
	return &Module{
		Name:       name,
		Version:    "1.0.0",
		Language:   language,
		Extensions: exts,
		New: func(Settings, *slog.Logger) (Plugin, error) {
			return nil, errors.New("constructor exploded")
		},
	}
}

func mustModules(t *testing.T, mods ...*Module) *Modules {
	t.Helper()
	table, err := NewModules(mods...)
	require.NoError(t, err)
	return table
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg config.PluginsConfig, mods ...*Module) *Manager {
	t.Helper()
	m := NewManager(cfg, mustModules(t, mods...), WithLogger(quietLogger()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func writeManifest(t *testing.T, dir, file, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
