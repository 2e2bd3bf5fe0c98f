package search

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/pillvision/catalog"
)

func TestMatch_Percentage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		score float32
		want  float64
	}{
		{"完全相同", 1, 100},
		{"一般相似", 0.8734, 87.34},
		{"负相关截断为0", -0.3, 0},
		{"超过1截断为100", 1.0001, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, Match{Score: tt.score}.Percentage(), 1e-3)
		})
	}
}

func TestRank(t *testing.T) {
	t.Parallel()

	in := []Match{
		{Path: "c.png", Score: 0.2},
		{Path: "a.png", Score: 0.9},
		{Path: "b.png", Score: 0.9},
		{Path: "d.png", Score: 0.5},
	}

	got := Rank(in, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a.png", "b.png", "d.png"}, []string{got[0].Path, got[1].Path, got[2].Path})
	// 不修改入参
	assert.Equal(t, "c.png", in[0].Path)

	assert.Len(t, Rank(in, 10), 4)
	assert.Empty(t, Rank(nil, 5))
}

func TestWriteResults(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteResults(&buf, []Match{
		{Path: "pills/a.jpg", Score: 0.98765},
		{Path: "pills/b.jpg", Score: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, "pills/a.jpg (98.77%)\npills/b.jpg (50.00%)\n", buf.String())
}

func TestWriteResultsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "result.txt")
	require.NoError(t, WriteResultsFile(path, []Match{{Path: "x.png", Score: 1}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x.png (100.00%)\n", string(data))
}

func TestCosine(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 1}, []float32{-1, -1}), 1e-6)
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 1}))
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 1}))
}

func TestLocal_Query(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	cat, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = cat.Close()
	}()

	vectors := map[string][]float32{
		"red.png":    {1, 0, 0},
		"orange.png": {0.9, 0.4, 0},
		"green.png":  {0, 1, 0},
		"blue.png":   {0, 0, 1},
		"purple.png": {0.6, 0, 0.8},
		"white.png":  {1, 1, 1},
		"gray.png":   {0.5, 0.5, 0.5},
	}
	for path, v := range vectors {
		_, err := cat.Put(ctx, path, v)
		require.NoError(t, err)
	}

	local, err := NewLocal(ctx, cat)
	require.NoError(t, err)
	defer func() {
		_ = local.Close()
	}()

	matches, err := local.Query(ctx, []float32{1, 0, 0}, DefaultTopK)
	require.NoError(t, err)
	require.LessOrEqual(t, len(matches), DefaultTopK)
	require.NotEmpty(t, matches)

	require.Len(t, matches, DefaultTopK)
	assert.Equal(t, []string{"red.png", "orange.png", "purple.png"},
		[]string{matches[0].Path, matches[1].Path, matches[2].Path})
	assert.InDelta(t, 100.0, matches[0].Percentage(), 1e-3)
	for _, m := range matches {
		assert.NotContains(t, []string{"green.png", "blue.png"}, m.Path)
	}
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i-1].Score, matches[i].Score)
	}

	_, err = local.Query(ctx, []float32{1, 0}, 3)
	assert.Error(t, err)

	// 缩放查询向量不影响结果
	scaled, err := local.Query(ctx, []float32{10, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, scaled, 2)
	assert.Equal(t, "red.png", scaled[0].Path)
	assert.Equal(t, "orange.png", scaled[1].Path)
}

func TestLocal_Empty(t *testing.T) {
	t.Parallel()

	local, err := newLocal(t.Context(), nil)
	require.NoError(t, err)

	_, err = local.Query(t.Context(), []float32{1}, 5)
	assert.ErrorIs(t, err, ErrEmptyIndex)
	assert.NoError(t, local.Close())
}

func TestLocal_DimensionMismatch(t *testing.T) {
	t.Parallel()

	_, err := newLocal(t.Context(), []catalog.Entry{
		{Path: "a.png", Vector: []float32{1, 2}},
		{Path: "b.png", Vector: []float32{1, 2, 3}},
	})
	assert.Error(t, err)
}

type stubExtractor struct {
	vec []float32
	err error
}

func (s stubExtractor) Extract(context.Context, string) ([]float32, error) { return s.vec, s.err }
func (s stubExtractor) Dimension() int                                     { return len(s.vec) }

type stubIndex struct {
	matches []Match
	gotK    int
}

func (s *stubIndex) Query(_ context.Context, _ []float32, k int) ([]Match, error) {
	s.gotK = k
	return s.matches, nil
}

func TestSearcher_Search(t *testing.T) {
	t.Parallel()

	idx := &stubIndex{matches: []Match{
		{Path: "a", Score: 0.1}, {Path: "b", Score: 0.7}, {Path: "c", Score: 0.3},
		{Path: "d", Score: 0.9}, {Path: "e", Score: 0.5}, {Path: "f", Score: 0.2},
	}}
	s := NewSearcher(stubExtractor{vec: []float32{1, 2}}, idx, 0)

	res, err := s.Search(t.Context(), "query.png")
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, idx.gotK)
	require.Len(t, res.Matches, DefaultTopK)
	assert.Equal(t, "d", res.Matches[0].Path)
	assert.Equal(t, "f", res.Matches[4].Path)
}

func TestSearcher_ExtractError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := NewSearcher(stubExtractor{err: boom}, &stubIndex{}, 5)

	_, err := s.Search(t.Context(), "missing.png")
	assert.ErrorIs(t, err, boom)
}
