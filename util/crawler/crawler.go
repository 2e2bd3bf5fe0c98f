// Package crawler 抓取网页中的图片，用于准备待索引的图库。
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	nhttp "github.com/chaos-io/pillvision/util/http"
)

// 匹配 img 标签中的 src
var imgSrcPattern = regexp.MustCompile(`<img[^>]+src="([^">]+)"`)

type Crawler struct {
	cli    nhttp.IClient
	filter *regexp.Regexp
}

// New filter 为空时下载页面上的全部图片，否则只下载 URL 匹配 filter 的图片
func New(cli nhttp.IClient, filter string) (*Crawler, error) {
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	c := &Crawler{cli: cli}
	if filter != "" {
		re, err := regexp.Compile(filter)
		if err != nil {
			return nil, fmt.Errorf("compile filter: %w", err)
		}
		c.filter = re
	}
	return c, nil
}

// ImageURLs 返回页面上图片的绝对地址，去重并保持出现顺序
func (c *Crawler) ImageURLs(ctx context.Context, pageURL string) ([]string, error) {
	baseURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	var body []byte
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: pageURL,
		Method:     http.MethodGet,
		Response:   &body,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	seen := map[string]bool{}
	var urls []string
	for _, m := range imgSrcPattern.FindAllSubmatch(body, -1) {
		imgURL := string(m[1])
		if c.filter != nil && !c.filter.MatchString(imgURL) {
			continue
		}
		imgURL = normalizeThumbURL(imgURL)

		// 补全相对路径
		u, err := url.Parse(imgURL)
		if err != nil {
			continue
		}
		full := baseURL.ResolveReference(u).String()
		if seen[full] {
			continue
		}
		seen[full] = true
		urls = append(urls, full)
	}
	return urls, nil
}

// Download 把页面上的图片保存到 saveDir，返回成功下载的数量。单张失败只记录日志
func (c *Crawler) Download(ctx context.Context, pageURL, saveDir string) (int, error) {
	if err := os.MkdirAll(saveDir, os.ModePerm); err != nil {
		return 0, fmt.Errorf("create save dir: %w", err)
	}

	urls, err := c.ImageURLs(ctx, pageURL)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, imgURL := range urls {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		slog.Debug("download", "url", imgURL)
		if err := c.downloadImage(ctx, imgURL, saveDir); err != nil {
			slog.Warn("download image", "url", imgURL, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

func (c *Crawler) downloadImage(ctx context.Context, imgURL, saveDir string) error {
	u, err := url.Parse(imgURL)
	if err != nil {
		return err
	}
	filename := path.Base(u.Path)
	if filename == "/" || filename == "." {
		return fmt.Errorf("no file name in %s", imgURL)
	}

	var data []byte
	err = c.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: imgURL,
		Method:     http.MethodGet,
		Response:   &data,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(saveDir, filename), data, 0o644)
}

// normalizeThumbURL MediaWiki 缩略图地址还原成原图地址
// /images/thumb/a/ab/Pill.png/120px-Pill.png -> /images/a/ab/Pill.png
func normalizeThumbURL(imgURL string) string {
	if !strings.Contains(imgURL, "/thumb/") {
		return imgURL
	}
	parts := strings.Split(imgURL, "/thumb/")
	if len(parts) != 2 {
		return imgURL
	}
	sub := parts[1]
	idx := strings.LastIndex(sub, "/")
	if idx == -1 {
		return imgURL
	}
	return parts[0] + "/" + sub[:idx]
}
