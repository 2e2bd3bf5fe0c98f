// Package rembg 去除图片背景：分割模型给出前景 mask，再把原图按 mask 贴到透明画布上。
package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/chaos-io/pillvision/util"
)

// ErrImageCount 输入图片数量不是 1 或 2
var ErrImageCount = errors.New("check image count: expected one or two input images")

// Segmenter 前景分割
type Segmenter interface {
	// Segment 返回与 img 同尺寸的 mask，0 为背景，255 为前景
	Segment(ctx context.Context, img image.Image) (*image.Gray, error)
}

// Remover 单次去背景
type Remover interface {
	Remove(ctx context.Context, img image.Image) (*image.NRGBA, error)
}

// MaskRemover 用 Segmenter 的 mask 合成透明背景图
type MaskRemover struct {
	segmenter Segmenter
}

func NewMaskRemover(segmenter Segmenter) *MaskRemover {
	return &MaskRemover{segmenter: segmenter}
}

func (r *MaskRemover) Remove(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	mask, err := r.segmenter.Segment(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	if mask.Bounds().Size() != img.Bounds().Size() {
		return nil, fmt.Errorf("mask size %v does not match image size %v", mask.Bounds().Size(), img.Bounds().Size())
	}
	return Composite(img, mask), nil
}

// Composite 把 img 按 mask 贴到全透明画布上，mask 即结果的 alpha
func Composite(img image.Image, mask *image.Gray) *image.NRGBA {
	src := util.ToNRGBA(img)
	dst := image.NewNRGBA(src.Bounds())
	draw.DrawMask(dst, dst.Bounds(), src, image.Point{}, alphaOf(mask), mask.Bounds().Min, draw.Over)
	return dst
}

// alphaOf 把灰度 mask 视为 alpha 通道，共用同一块像素。
// DrawMask 只读取 mask 的 alpha，而 image.Gray 的 alpha 恒为不透明
func alphaOf(mask *image.Gray) *image.Alpha {
	return &image.Alpha{Pix: mask.Pix, Stride: mask.Stride, Rect: mask.Rect}
}

// RemoveFile 单次去背景：读入 input，写出 PNG 到 output
func RemoveFile(ctx context.Context, remover Remover, input, output string) error {
	img, err := util.OpenImage(input)
	if err != nil {
		return err
	}

	out, err := remover.Remove(ctx, img)
	if err != nil {
		return fmt.Errorf("remove background of %s: %w", input, err)
	}

	return util.SavePNG(output, out)
}
