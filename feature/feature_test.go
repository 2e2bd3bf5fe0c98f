package feature

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner 把输入张量按通道求均值，铺成 (1, 3, 2, 2) 的特征图
type fakeRunner struct {
	inShape []int64
	calls   int
}

func (f *fakeRunner) InputShape() []int64  { return f.inShape }
func (f *fakeRunner) OutputShape() []int64 { return []int64{1, 3, 2, 2} }
func (f *fakeRunner) Close() error         { return nil }

func (f *fakeRunner) Run(input []float32) ([]float32, error) {
	f.calls++
	plane := len(input) / 3
	out := make([]float32, 0, 12)
	for c := 0; c < 3; c++ {
		var sum float32
		for _, v := range input[c*plane : (c+1)*plane] {
			sum += v
		}
		mean := sum / float32(plane)
		out = append(out, mean, mean, mean, mean)
	}
	return out, nil
}

var testParams = Params{
	ImageSize: 8,
	CropPct:   1.0,
	Mean:      [3]float32{0.5, 0.5, 0.5},
	Std:       [3]float32{0.5, 0.5, 0.5},
}

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestSPoC(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []float32
		shape   []int64
		want    []float32
		wantErr bool
	}{
		{
			name:  "4维特征图按空间求和",
			data:  []float32{1, 2, 3, 4, 10, 20, 30, 40},
			shape: []int64{1, 2, 2, 2},
			want:  []float32{10, 100},
		},
		{
			name:  "已经池化的输出原样返回",
			data:  []float32{0.1, 0.2, 0.3},
			shape: []int64{1, 3},
			want:  []float32{0.1, 0.2, 0.3},
		},
		{
			name:  "无batch维的特征图",
			data:  []float32{1, 1, 2, 2},
			shape: []int64{2, 1, 2},
			want:  []float32{2, 4},
		},
		{name: "batch大于1", data: make([]float32, 8), shape: []int64{2, 1, 2, 2}, wantErr: true},
		{name: "形状与数据不符", data: make([]float32, 3), shape: []int64{1, 2, 2, 2}, wantErr: true},
		{name: "不支持的维数", data: make([]float32, 32), shape: []int64{1, 2, 2, 2, 4}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := SPoC(tt.data, tt.shape)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreprocess_Normalize(t *testing.T) {
	t.Parallel()

	img := solid(16, 12, color.NRGBA{R: 255, G: 0, B: 128, A: 255})
	tensor := Preprocess(img, testParams)

	plane := 8 * 8
	require.Len(t, tensor, 3*plane)
	// (1 - 0.5) / 0.5 = 1, (0 - 0.5) / 0.5 = -1
	assert.InDelta(t, 1.0, tensor[0], 0.02)
	assert.InDelta(t, -1.0, tensor[plane], 0.02)
	assert.InDelta(t, float32(128)/255*2-1, tensor[2*plane+plane-1], 0.02)
}

func TestPreprocess_DropsAlpha(t *testing.T) {
	t.Parallel()

	// 半透明像素按原始 RGB 处理，不与背景混合
	img := solid(8, 8, color.NRGBA{R: 255, G: 255, B: 255, A: 10})
	tensor := Preprocess(img, testParams)
	assert.InDelta(t, 1.0, tensor[0], 1e-6)
}

func TestResizeShortSideAndCrop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		w, h, size int
		wantW      int
		wantH      int
	}{
		{"横图", 400, 300, 150, 200, 150},
		{"竖图", 300, 400, 150, 150, 200},
		{"短边已等于目标", 150, 300, 150, 150, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scaled := resizeShortSide(image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h)), tt.size)
			assert.Equal(t, tt.wantW, scaled.Bounds().Dx())
			assert.Equal(t, tt.wantH, scaled.Bounds().Dy())

			cropped := centerCrop(scaled, tt.size)
			assert.Equal(t, image.Rect(0, 0, tt.size, tt.size), cropped.Bounds())
		})
	}
}

func TestParams_ScaleSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 448, Params{ImageSize: 448, CropPct: 1}.ScaleSize())
	assert.Equal(t, 256, Params{ImageSize: 224, CropPct: 0.875}.ScaleSize())
}

func TestNewBackbone_ShapeMismatch(t *testing.T) {
	t.Parallel()

	_, err := NewBackbone(&fakeRunner{inShape: []int64{1, 3, 224, 224}}, testParams)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model input shape")
}

func TestBackbone_ExtractDeterministic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pill.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	img := solid(20, 10, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	img.Set(3, 4, color.NRGBA{R: 0, G: 255, B: 0, A: 255})
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	runner := &fakeRunner{inShape: []int64{1, 3, 8, 8}}
	backbone, err := NewBackbone(runner, testParams)
	require.NoError(t, err)
	assert.Equal(t, 3, backbone.Dimension())

	first, err := backbone.Extract(t.Context(), path)
	require.NoError(t, err)
	second, err := backbone.Extract(t.Context(), path)
	require.NoError(t, err)

	assert.Len(t, first, 3)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, runner.calls)
}

func TestBackbone_ExtractMissingFile(t *testing.T) {
	t.Parallel()

	backbone, err := NewBackbone(&fakeRunner{inShape: []int64{1, 3, 8, 8}}, testParams)
	require.NoError(t, err)

	_, err = backbone.Extract(t.Context(), filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
