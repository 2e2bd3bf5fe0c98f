package rembg

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/pillvision/util"
)

// gradientRunner 输出一个从左到右递增的 (1, 1, n, n) mask
type gradientRunner struct {
	size  int64
	input []float32
}

func (g *gradientRunner) InputShape() []int64  { return []int64{1, 3, g.size, g.size} }
func (g *gradientRunner) OutputShape() []int64 { return []int64{1, 1, g.size, g.size} }
func (g *gradientRunner) Close() error         { return nil }

func (g *gradientRunner) Run(input []float32) ([]float32, error) {
	g.input = input
	n := int(g.size)
	out := make([]float32, n*n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			out[y*n+x] = float32(x)*0.2 - 0.3
		}
	}
	return out, nil
}

func TestNewONNXSegmenter_ShapeMismatch(t *testing.T) {
	t.Parallel()

	_, err := NewONNXSegmenter(&gradientRunner{size: 8}, 512)
	assert.Error(t, err)
}

func TestONNXSegmenter_Segment(t *testing.T) {
	t.Parallel()

	runner := &gradientRunner{size: 8}
	seg, err := NewONNXSegmenter(runner, 8)
	require.NoError(t, err)

	img := image.NewNRGBA(image.Rect(0, 0, 32, 20))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 255, 0, 255, 30
	}

	mask, err := seg.Segment(t.Context(), img)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), mask.Bounds())

	// 拉伸后覆盖完整的 [0, 255]
	assert.Equal(t, uint8(0), mask.GrayAt(0, 10).Y)
	assert.Equal(t, uint8(255), mask.GrayAt(31, 10).Y)
	assert.Less(t, mask.GrayAt(8, 10).Y, mask.GrayAt(24, 10).Y)

	// 预处理丢弃 alpha，/255 后减 0.5
	plane := 8 * 8
	require.Len(t, runner.input, 3*plane)
	assert.InDelta(t, 0.5, runner.input[0], 0.01)
	assert.InDelta(t, -0.5, runner.input[plane], 0.01)
	assert.InDelta(t, 0.5, runner.input[2*plane], 0.01)
}

func TestPostprocess_ConstantOutput(t *testing.T) {
	t.Parallel()

	mask := postprocess([]float32{0.7, 0.7, 0.7, 0.7}, 2, 2, image.Pt(3, 3))
	assert.Equal(t, image.Rect(0, 0, 3, 3), mask.Bounds())
	for _, v := range mask.Pix {
		assert.Zero(t, v)
	}
}

func TestAlphaMask(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 1, A: 64})

	mask := alphaMask(img, image.Pt(2, 1))
	assert.Equal(t, []uint8{255, 64}, mask.Pix)

	scaled := alphaMask(img, image.Pt(4, 2))
	assert.Equal(t, image.Rect(0, 0, 4, 2), scaled.Bounds())
}

func TestPipeline_ONNXSegmenter(t *testing.T) {
	t.Parallel()

	seg, err := NewONNXSegmenter(&gradientRunner{size: 8}, 8)
	require.NoError(t, err)

	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	input := writeImage(t, dir, "pill.png", solid(32, 20, color.NRGBA{R: 240, G: 240, B: 240, A: 255}))
	output := filepath.Join(dir, "result.png")

	p, err := NewPipeline(NewMaskRemover(seg), Options{Passes: 1, ScratchDir: scratch})
	require.NoError(t, err)
	require.NoError(t, p.Run(t.Context(), []string{input}, output))
	assertEmptyDir(t, scratch)

	img, err := util.OpenImage(output)
	require.NoError(t, err)
	out := util.ToNRGBA(img)
	require.Equal(t, image.Rect(0, 0, 32, 20), out.Bounds())

	// 左侧为背景，写出的 PNG 中完全透明
	for y := 0; y < 20; y++ {
		assert.Equal(t, uint8(0), out.NRGBAAt(0, y).A)
		assert.Equal(t, uint8(255), out.NRGBAAt(31, y).A)
	}
	assert.Less(t, out.NRGBAAt(8, 10).A, out.NRGBAAt(24, 10).A)
	assert.True(t, util.HasUsefulAlpha(out))
}
