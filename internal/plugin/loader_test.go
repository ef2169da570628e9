package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
)

func TestLoader_Load_CompletesDescriptor(t *testing.T) {
	l := NewLoader(mustModules(t, fakeModule("python", "python", []string{"py"}, nil)), true)

	desc, m, err := l.Load(Descriptor{Name: "py-custom", Module: "python", Priority: 3})

	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "python", desc.Language)
	assert.Equal(t, []string{".py"}, desc.Extensions)
	assert.Equal(t, "1.0.0", desc.Version)
	assert.Equal(t, KindLanguage, desc.Kind)
	assert.Equal(t, 3, desc.Priority)

	loaded, ok := l.Loaded("py-custom")
	assert.True(t, ok)
	assert.Same(t, m, loaded)
}

func TestLoader_Load_Failures(t *testing.T) {
	mods := mustModules(t, fakeModule("python", "python", []string{".py"}, nil))

	tests := []struct {
		name string
		desc Descriptor
	}{
		{"unregistered module", Descriptor{Name: "ruby", Module: "ruby"}},
		{"language mismatch", Descriptor{Name: "x", Module: "python", Language: "go"}},
		{"bad version", Descriptor{Name: "x", Module: "python", Version: "one"}},
		{"bad constraint", Descriptor{Name: "x", Module: "python", Requires: map[string]string{"go": ">>1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewLoader(mods, true).Load(tt.desc)

			require.Error(t, err)
			assert.True(t, errors.Is(err, cerrors.ErrPluginLoad))
			assert.False(t, cerrors.IsRetryable(err), "load errors are contract violations")
		})
	}
}

func TestLoader_Load_WithoutValidation(t *testing.T) {
	mods := mustModules(t, fakeModule("python", "python", []string{".py"}, nil))

	_, _, err := NewLoader(mods, false).Load(Descriptor{Name: "x", Module: "python", Version: "one"})

	assert.NoError(t, err)
}

func TestLoader_Unload_IsBestEffort(t *testing.T) {
	l := NewLoader(mustModules(t, fakeModule("go", "go", []string{".go"}, nil)), true)
	l.Unload("never-loaded")

	_, _, err := l.Load(Descriptor{Name: "go"})
	require.NoError(t, err)
	l.Unload("go")

	_, ok := l.Loaded("go")
	assert.False(t, ok)
}

func TestCheckRequires(t *testing.T) {
	desc := Descriptor{Name: "django", Requires: map[string]string{"python": ">=1.0, <2.0"}}

	assert.NoError(t, CheckRequires(desc, map[string]string{"python": "1.4.2"}))

	err := CheckRequires(desc, map[string]string{"python": "2.1.0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "found 2.1.0")

	err = CheckRequires(desc, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")

	assert.NoError(t, CheckRequires(Descriptor{Name: "plain"}, nil))
}
