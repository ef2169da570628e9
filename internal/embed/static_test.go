package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func TestNewStaticProvider_ValidatesDimension(t *testing.T) {
	for _, dim := range []int{256, 512, 1024, 2048} {
		p, err := NewStaticProvider(dim)
		require.NoError(t, err)
		assert.Equal(t, dim, p.Dimension())
	}

	_, err := NewStaticProvider(768)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrInvalidDimension)
}

func TestStaticProvider_EmbedBatch(t *testing.T) {
	ctx := context.Background()
	p, err := NewStaticProvider(256)
	require.NoError(t, err)

	vecs, err := p.EmbedBatch(ctx, []string{"func parseConfig()", "func parseConfig()", "", "class HttpClient"}, InputDocument)

	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.Equal(t, vecs[0], vecs[1], "deterministic")
	for _, v := range vecs {
		assert.Len(t, v, 256)
	}

	var norm float64
	for _, x := range vecs[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Equal(t, make([]float32, 256), vecs[2], "blank text is the zero vector")

	assert.Equal(t, int64(1), p.Calls())
	assert.Equal(t, int64(4), p.TextsEmbedded())
}

func TestStaticProvider_SimilarCodeScoresHigher(t *testing.T) {
	p, err := NewStaticProvider(512)
	require.NoError(t, err)

	vecs, err := p.EmbedBatch(context.Background(), []string{
		"parseConfigFile reads the config",
		"parse_config_file",
		"render html template",
	}, InputQuery)
	require.NoError(t, err)

	assert.Greater(t, cosine(vecs[0], vecs[1]), cosine(vecs[0], vecs[2]))
}

func TestStaticProvider_Closed(t *testing.T) {
	p, err := NewStaticProvider(256)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = p.EmbedBatch(context.Background(), []string{"x"}, InputDocument)
	assert.Error(t, err)
}

func TestSplitCodeToken(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"parseHTTPRequest", []string{"parse", "HTTP", "Request"}},
		{"snake_case_name", []string{"snake", "case", "name"}},
		{"simple", []string{"simple"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, splitCodeToken(tt.in))
		})
	}
}
