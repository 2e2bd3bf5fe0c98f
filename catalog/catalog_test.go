package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_PutAndAll(t *testing.T) {
	t.Parallel()

	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = c.Close()
	}()

	ctx := t.Context()
	id1, err := c.Put(ctx, "pills/a.png", []float32{1, 2, 3})
	require.NoError(t, err)
	_, err = c.Put(ctx, "pills/b.png", []float32{-1.5, 0, 42})
	require.NoError(t, err)

	// 同一路径再次写入时覆盖向量，id 不变
	again, err := c.Put(ctx, "pills/a.png", []float32{7, 8, 9})
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	n, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := c.All(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "pills/a.png", entries[0].Path)
	assert.Equal(t, []float32{7, 8, 9}, entries[0].Vector)
	assert.Equal(t, []float32{-1.5, 0, 42}, entries[1].Vector)
}

func TestCatalog_PutEmptyVector(t *testing.T) {
	t.Parallel()

	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer func() {
		_ = c.Close()
	}()

	_, err = c.Put(t.Context(), "x.png", nil)
	assert.Error(t, err)
}

func TestDecodeVector_SizeMismatch(t *testing.T) {
	t.Parallel()

	_, err := decodeVector(encodeVector([]float32{1, 2}), 3)
	assert.Error(t, err)
}
