package server

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/chaos-io/pillvision/rembg"
	"github.com/chaos-io/pillvision/util"
)

var (
	errSearchDisabled = errors.New("search is not configured")
	errRemBGDisabled  = errors.New("background removal is not configured")
	errNoImage        = errors.New("form field \"image\" or \"url\" is required")
	errURLNotAllowed  = errors.New("image url host is not allowed")
)

// urlAllowed 只允许 server.url_hosts 中列出的域名
func (s *Server) urlAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return slices.Contains(s.cfg.URLHosts, strings.ToLower(u.Hostname()))
}

type matchResponse struct {
	Path       string  `json:"path"`
	Score      float32 `json:"score"`
	Percentage float64 `json:"percentage"`
}

type searchResponse struct {
	Matches   []matchResponse `json:"matches"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// search 上传图片（字段 image）或给出图片地址（字段 url），返回最相似的图片
func (s *Server) search(c *gin.Context) {
	if s.searcher == nil {
		abortWithError(c, http.StatusServiceUnavailable, errSearchDisabled)
		return
	}

	query := c.PostForm("url")
	if query != "" {
		if !util.IsURL(query) {
			abortWithError(c, http.StatusBadRequest, fmt.Errorf("url %q is not http(s)", query))
			return
		}
		if !s.urlAllowed(query) {
			abortWithError(c, http.StatusForbidden, errURLNotAllowed)
			return
		}
	}
	if query == "" {
		fh, err := c.FormFile("image")
		if err != nil {
			abortWithError(c, http.StatusBadRequest, errNoImage)
			return
		}
		path, err := s.saveUpload(c, fh)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, err)
			return
		}
		defer removeUpload(path)
		query = path
	}

	res, err := s.searcher.Search(c.Request.Context(), query)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, err)
		return
	}

	resp := searchResponse{
		Matches:   make([]matchResponse, 0, len(res.Matches)),
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	for _, m := range res.Matches {
		resp.Matches = append(resp.Matches, matchResponse{Path: m.Path, Score: m.Score, Percentage: m.Percentage()})
	}
	c.JSON(http.StatusOK, resp)
}

// rmbg 上传一张或两张图片（字段 images），返回去背景后的 PNG
func (s *Server) rmbg(c *gin.Context) {
	if s.pipeline == nil {
		abortWithError(c, http.StatusServiceUnavailable, errRemBGDisabled)
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	files := form.File["images"]
	if len(files) < 1 || len(files) > 2 {
		abortWithError(c, http.StatusBadRequest, rembg.ErrImageCount)
		return
	}

	inputs := make([]string, 0, len(files))
	defer func() {
		for _, p := range inputs {
			removeUpload(p)
		}
	}()
	for _, fh := range files {
		path, err := s.saveUpload(c, fh)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, err)
			return
		}
		inputs = append(inputs, path)
	}

	output := filepath.Join(s.cfg.UploadDir, ksuid.New().String()+"_rmbg.png")
	defer removeUpload(output)

	if err := s.pipeline.Run(c.Request.Context(), inputs, output); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rembg.ErrImageCount) {
			status = http.StatusBadRequest
		}
		abortWithError(c, status, err)
		return
	}

	c.Header("Content-Type", "image/png")
	c.File(output)
}

// saveUpload 以 ksuid 重命名后保存到上传目录，只保留原扩展名
func (s *Server) saveUpload(c *gin.Context, fh *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	path := filepath.Join(s.cfg.UploadDir, ksuid.New().String()+ext)
	if err := c.SaveUploadedFile(fh, path); err != nil {
		return "", fmt.Errorf("save upload %s: %w", fh.Filename, err)
	}
	return path, nil
}

func removeUpload(path string) {
	if err := util.RemoveIfExists(path); err != nil {
		slog.Warn("remove upload", "path", path, "error", err)
	}
}
