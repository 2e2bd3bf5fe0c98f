package rembg

import (
	"context"
	"fmt"
	"image"
	"slices"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/chaos-io/pillvision/onnx"
	"github.com/chaos-io/pillvision/util"
)

// ONNXSegmenter 用 RMBG-1.4 的 ONNX 导出模型做前景分割
type ONNXSegmenter struct {
	runner onnx.Runner
	size   int
}

// NewONNXSegmenter 模型输入必须是 (1, 3, size, size)
func NewONNXSegmenter(runner onnx.Runner, size int) (*ONNXSegmenter, error) {
	want := []int64{1, 3, int64(size), int64(size)}
	if got := runner.InputShape(); !slices.Equal(got, want) {
		return nil, fmt.Errorf("model input shape %v, want %v", got, want)
	}
	out := runner.OutputShape()
	if len(out) < 2 {
		return nil, fmt.Errorf("model output shape %v is not a mask", out)
	}
	return &ONNXSegmenter{runner: runner, size: size}, nil
}

func (s *ONNXSegmenter) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := s.runner.Run(preprocess(img, s.size))
	if err != nil {
		return nil, fmt.Errorf("segmentation forward: %w", err)
	}

	shape := s.runner.OutputShape()
	h, w := int(shape[len(shape)-2]), int(shape[len(shape)-1])
	if len(out) < h*w {
		return nil, fmt.Errorf("model output has %d values, want at least %d", len(out), h*w)
	}
	return postprocess(out[:h*w], w, h, img.Bounds().Size()), nil
}

func (s *ONNXSegmenter) Close() error {
	return s.runner.Close()
}

// preprocess RGB（丢弃 alpha），双线性缩放到 size x size，/255 后减 0.5
func preprocess(img image.Image, size int) []float32 {
	scaled := util.ToNRGBA(resize.Resize(uint(size), uint(size), img, resize.Bilinear))

	plane := size * size
	tensor := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := y * scaled.Stride
		for x := 0; x < size; x++ {
			i := row + x*4
			for c := 0; c < 3; c++ {
				tensor[c*plane+y*size+x] = float32(scaled.Pix[i+c])/255 - 0.5
			}
		}
	}
	return tensor
}

// postprocess 模型输出先归一化成 16 位灰度图，双线性放大回原图尺寸，再按最小最大值拉伸到 [0, 255]
func postprocess(out []float32, w, h int, size image.Point) *image.Gray {
	lo, hi := slices.Min(out), slices.Max(out)
	scale := float32(0)
	if hi > lo {
		scale = 65535 / (hi - lo)
	}

	small := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range out {
		g := uint16((v - lo) * scale)
		small.Pix[2*i] = uint8(g >> 8)
		small.Pix[2*i+1] = uint8(g)
	}

	large := image.NewGray16(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(large, large.Bounds(), small, small.Bounds(), draw.Src, nil)

	return stretch(large)
}

// stretch 按最小最大值线性拉伸到 8 位
func stretch(g *image.Gray16) *image.Gray {
	n := len(g.Pix) / 2
	vals := make([]uint16, n)
	for i := range vals {
		vals[i] = uint16(g.Pix[2*i])<<8 | uint16(g.Pix[2*i+1])
	}

	mask := image.NewGray(g.Bounds())
	if n == 0 {
		return mask
	}
	lo, hi := slices.Min(vals), slices.Max(vals)
	if hi == lo {
		return mask
	}
	span := float64(hi - lo)
	for i, v := range vals {
		mask.Pix[i] = uint8(float64(v-lo) / span * 255)
	}
	return mask
}
