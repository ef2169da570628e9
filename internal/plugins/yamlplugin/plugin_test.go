package yamlplugin

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

const composeFile = `# service defaults
defaults: &defaults
  restart: always
  image: app:latest

web:
  <<: *defaults
  ports: [8080]

worker:
  <<: *defaults
  command: run
`

func newPlugin(settings plugin.Settings) *Plugin {
	return New(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestIndex_TopLevelKeysAndAnchors(t *testing.T) {
	// Given: a compose-like file with an anchor reused twice
	p := newPlugin(nil)

	// When: it is indexed
	res, err := p.Index(context.Background(), "deploy/compose.yaml", []byte(composeFile))

	// Then: top-level keys and the anchor are symbols, in document order
	require.NoError(t, err)
	assert.Equal(t, "yaml", res.Language)

	var keys, anchors []string
	for _, s := range res.Symbols {
		switch s.Kind {
		case store.SymbolKindKey:
			keys = append(keys, s.Name)
		case store.SymbolKindVariable:
			anchors = append(anchors, s.Name)
		}
	}
	assert.Equal(t, []string{"defaults", "web", "worker"}, keys)
	assert.Equal(t, []string{"defaults"}, anchors)

	web := res.Symbols[2]
	assert.Equal(t, "web", web.Name)
	assert.Equal(t, 6, web.StartLine)
	assert.Equal(t, "web: {...}", web.Signature)
	assert.Equal(t, "deploy/compose.yaml", web.FilePath)
	assert.NotEmpty(t, res.Comments)

	refs, err := p.FindReferences(context.Background(), "defaults")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, 7, refs[0].Line)
	assert.Equal(t, 11, refs[1].Line)
}

func TestIndex_NestedDepth(t *testing.T) {
	p := newPlugin(plugin.Settings{SettingNestedDepth: 2})

	res, err := p.Index(context.Background(), "c.yml", []byte("server:\n  port: 80\n  host: x\n"))

	require.NoError(t, err)
	var names []string
	for _, s := range res.Symbols {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"server", "server.port", "server.host"}, names)
	assert.Equal(t, "port: 80", res.Symbols[1].Signature)
}

func TestIndex_MultipleDocuments(t *testing.T) {
	p := newPlugin(nil)

	res, err := p.Index(context.Background(), "k8s.yaml", []byte("kind: Service\n---\nkind: Deployment\nreplicas: 2\n"))

	require.NoError(t, err)
	require.Len(t, res.Symbols, 3)
	assert.Equal(t, 3, res.Symbols[1].StartLine)
	assert.Equal(t, "replicas", res.Symbols[2].Name)
}

func TestIndex_InvalidYAML(t *testing.T) {
	p := newPlugin(nil)

	_, err := p.Index(context.Background(), "bad.yaml", []byte("key: [unclosed\n  - : :"))

	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeExtractionFailed, cerrors.GetCode(err))
}

func TestIndex_EmptyAndUnsupported(t *testing.T) {
	p := newPlugin(nil)

	res, err := p.Index(context.Background(), "empty.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Symbols)

	res, err = p.Index(context.Background(), "x.json", []byte("{}"))
	require.NoError(t, err)
	assert.True(t, res.Unsupported)
}

func TestDefinitionAndSearch(t *testing.T) {
	ctx := context.Background()
	p := newPlugin(nil)
	_, err := p.Index(ctx, "compose.yaml", []byte(composeFile))
	require.NoError(t, err)

	def, err := p.GetDefinition(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, 10, def.Symbol.StartLine)
	assert.Equal(t, "yaml", def.Plugin)

	none, err := p.GetDefinition(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)

	results, err := p.Search(ctx, "WEB", plugin.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Score)

	results, err = p.Search(ctx, "default", plugin.SearchOptions{Kinds: []store.SymbolKind{store.SymbolKindVariable}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.SymbolKindVariable, results[0].Symbol.Kind)
}

func TestSupports(t *testing.T) {
	p := newPlugin(nil)
	assert.True(t, p.Supports("a.yaml"))
	assert.True(t, p.Supports("A.YML"))
	assert.False(t, p.Supports("a.json"))
}
