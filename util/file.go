package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	nhttp "github.com/chaos-io/pillvision/util/http"
)

// IsURL 判断输入是否为 http(s) 地址
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// LoadImage 打开本地图片或下载远程图片
func LoadImage(ctx context.Context, pathOrURL string) (image.Image, error) {
	if IsURL(pathOrURL) {
		return DownloadImage(ctx, pathOrURL)
	}
	return OpenImage(pathOrURL)
}

var httpClient = nhttp.NewHTTPClient()

// DownloadImage 下载图片
func DownloadImage(ctx context.Context, url string) (image.Image, error) {
	var data []byte
	err := httpClient.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: url,
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// OpenImage 打开本地图片，按 EXIF 方向自动旋转
func OpenImage(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	return img, nil
}

// SavePNG 以 PNG 格式保存图片，父目录不存在时自动创建
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		return fmt.Errorf("png encode: %w", err)
	}
	return f.Close()
}

// RemoveIfExists 删除文件，文件不存在时静默跳过
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MoveFile 移动文件；rename 失败（例如跨设备）时退化为复制后删除
func MoveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// Trace 记录一段操作的耗时，用法：defer util.Trace("search")()
func Trace(msg string) func() {
	start := time.Now()
	slog.Debug("enter", "op", msg)
	return func() {
		slog.Info("done", "op", msg, "elapsed", time.Since(start))
	}
}
