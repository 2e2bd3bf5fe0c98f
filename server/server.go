// Package server 以 HTTP 接口提供相似图片检索和去背景服务。
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chaos-io/pillvision/config"
	"github.com/chaos-io/pillvision/search"
)

// Searcher 提取特征并检索
type Searcher interface {
	Search(ctx context.Context, pathOrURL string) (*search.Result, error)
}

// Pipeline 多遍去背景
type Pipeline interface {
	Run(ctx context.Context, inputs []string, output string) error
}

type Server struct {
	cfg      config.ServerConfig
	searcher Searcher
	pipeline Pipeline
	engine   *gin.Engine
}

// New searcher 或 pipeline 为 nil 时对应接口返回 503
func New(cfg config.ServerConfig, searcher Searcher, pipeline Pipeline) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	if cfg.MaxUpload > 0 {
		engine.MaxMultipartMemory = cfg.MaxUpload
	}

	s := &Server{
		cfg:      cfg,
		searcher: searcher,
		pipeline: pipeline,
		engine:   engine,
	}

	engine.GET("/healthz", s.healthz)
	api := engine.Group("/api", s.limitBody)
	api.POST("/search", s.search)
	api.POST("/rmbg", s.rmbg)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run 监听 cfg.Addr，ctx 取消后优雅退出
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"search": s.searcher != nil,
		"rmbg":   s.pipeline != nil,
	})
}

func (s *Server) limitBody(c *gin.Context) {
	if s.cfg.MaxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUpload)
	}
	c.Next()
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		slog.Info("http request", attrs...)
	}
}

func abortWithError(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
