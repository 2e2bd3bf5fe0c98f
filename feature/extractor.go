// Package feature 用预训练骨干网络提取图片特征向量。
package feature

import (
	"context"
	"fmt"
	"image"
	"slices"

	"github.com/chaos-io/pillvision/onnx"
	"github.com/chaos-io/pillvision/util"
)

// Extractor 特征提取接口
type Extractor interface {
	Extract(ctx context.Context, pathOrURL string) ([]float32, error)
	Dimension() int
}

// Backbone 基于 onnx.Runner 的特征提取器
type Backbone struct {
	runner onnx.Runner
	params Params
}

// NewBackbone 检查模型输入形状与预处理参数是否一致
func NewBackbone(runner onnx.Runner, params Params) (*Backbone, error) {
	want := []int64{1, 3, int64(params.ImageSize), int64(params.ImageSize)}
	if got := runner.InputShape(); !slices.Equal(got, want) {
		return nil, fmt.Errorf("model input shape %v, preprocess produces %v", got, want)
	}
	return &Backbone{runner: runner, params: params}, nil
}

// Dimension 池化后向量维度
func (b *Backbone) Dimension() int {
	shape := b.runner.OutputShape()
	switch len(shape) {
	case 4, 2:
		return int(shape[1])
	case 3, 1:
		return int(shape[0])
	}
	return 0
}

func (b *Backbone) Extract(ctx context.Context, pathOrURL string) ([]float32, error) {
	img, err := util.LoadImage(ctx, pathOrURL)
	if err != nil {
		return nil, err
	}
	return b.ExtractImage(img)
}

// ExtractImage 预处理 -> 前向推理 -> SPoC pooling
func (b *Backbone) ExtractImage(img image.Image) ([]float32, error) {
	tensor := Preprocess(img, b.params)

	out, err := b.runner.Run(tensor)
	if err != nil {
		return nil, fmt.Errorf("forward features: %w", err)
	}

	vec, err := SPoC(out, b.runner.OutputShape())
	if err != nil {
		return nil, fmt.Errorf("pooling: %w", err)
	}
	return vec, nil
}

func (b *Backbone) Close() error {
	return b.runner.Close()
}
