package feature

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"

	"github.com/chaos-io/pillvision/util"
)

// Params 骨干网络的输入预处理参数
type Params struct {
	ImageSize int
	CropPct   float64
	Mean      [3]float32
	Std       [3]float32
}

// ScaleSize 短边缩放的目标尺寸 floor(size / crop_pct)
func (p Params) ScaleSize() int {
	return int(math.Floor(float64(p.ImageSize) / p.CropPct))
}

// resizeShortSide 按短边等比缩放到 size，长边截断取整
func resizeShortSide(img image.Image, size int) image.Image {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w <= h {
		if w == size {
			return img
		}
		return resize.Resize(uint(size), uint(size*h/w), img, resize.Bilinear)
	}
	if h == size {
		return img
	}
	return resize.Resize(uint(size*w/h), uint(size), img, resize.Bilinear)
}

// centerCrop 中心裁剪 size x size，偏移四舍五入
func centerCrop(img image.Image, size int) image.Image {
	b := img.Bounds()
	top := int(math.Round(float64(b.Dy()-size) / 2))
	left := int(math.Round(float64(b.Dx()-size) / 2))
	rect := image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+size, b.Min.Y+top+size)
	return imaging.Crop(img, rect)
}

// Preprocess 把图片变成 (1, 3, size, size) 的 NCHW 张量
//
//	RGB（丢弃 alpha）
//	短边缩放到 floor(size / crop_pct)
//	中心裁剪
//	/255 后按通道做 (x - mean) / std
func Preprocess(img image.Image, p Params) []float32 {
	scaled := resizeShortSide(img, p.ScaleSize())
	cropped := util.ToNRGBA(centerCrop(scaled, p.ImageSize))

	size := p.ImageSize
	plane := size * size
	tensor := make([]float32, 3*plane)
	for y := 0; y < size; y++ {
		row := y * cropped.Stride
		for x := 0; x < size; x++ {
			i := row + x*4
			for c := 0; c < 3; c++ {
				v := float32(cropped.Pix[i+c]) / 255
				tensor[c*plane+y*size+x] = (v - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return tensor
}
