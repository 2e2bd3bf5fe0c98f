package rembg

import (
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/chaos-io/pillvision/util"
)

// Merge 两张图等比缩放到相同高度（取较小者）后左右拼接
func Merge(left, right image.Image) *image.NRGBA {
	height := min(left.Bounds().Dy(), right.Bounds().Dy())
	a := resizeToHeight(left, height)
	b := resizeToHeight(right, height)

	aw, bw := a.Bounds().Dx(), b.Bounds().Dx()
	dst := image.NewNRGBA(image.Rect(0, 0, aw+bw, height))
	draw.Draw(dst, image.Rect(0, 0, aw, height), a, a.Bounds().Min, draw.Src)
	draw.Draw(dst, image.Rect(aw, 0, aw+bw, height), b, b.Bounds().Min, draw.Src)
	return dst
}

// resizeToHeight 等比缩放到指定高度，宽度四舍五入
func resizeToHeight(img image.Image, height int) *image.NRGBA {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if h == height {
		return util.ToNRGBA(img)
	}
	width := int(math.Round(float64(w) * float64(height) / float64(h)))
	return util.ToNRGBA(resize.Resize(uint(max(width, 1)), uint(height), img, resize.Lanczos3))
}
