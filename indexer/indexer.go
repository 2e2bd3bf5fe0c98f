// Package indexer 扫描图片目录，提取特征并写入本地 catalog 或 Pinecone。
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/pillvision/catalog"
	"github.com/chaos-io/pillvision/feature"
	"github.com/chaos-io/pillvision/search"
)

// Sink 接收提取好的向量
type Sink interface {
	Add(ctx context.Context, path string, vector []float32) error
	Flush(ctx context.Context) error
}

type Stats struct {
	Scanned int
	Indexed int
	Failed  int
	Elapsed time.Duration
}

type Indexer struct {
	extractor feature.Extractor
	sink      Sink
	workers   int
}

func New(extractor feature.Extractor, sink Sink, workers int) *Indexer {
	return &Indexer{extractor: extractor, sink: sink, workers: max(workers, 1)}
}

// IsImageFile 按扩展名判断是否为支持的图片
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tif", ".tiff":
		return true
	default:
		return false
	}
}

// Run 递归扫描 root。单张图片失败只记录日志，不中断扫描
func (ix *Indexer) Run(ctx context.Context, root string) (Stats, error) {
	start := time.Now()
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && IsImageFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("walk %s: %w", root, err)
	}

	stats := Stats{Scanned: len(paths)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for _, path := range paths {
		g.Go(func() error {
			vector, err := ix.extractor.Extract(gctx, path)
			if err != nil {
				slog.Warn("extract features", "path", path, "error", err)
				mu.Lock()
				stats.Failed++
				mu.Unlock()
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err := ix.sink.Add(gctx, path, vector); err != nil {
				return fmt.Errorf("store %s: %w", path, err)
			}
			stats.Indexed++
			if stats.Indexed%100 == 0 {
				slog.Info("indexing", "indexed", stats.Indexed, "total", stats.Scanned)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if err := ix.sink.Flush(ctx); err != nil {
		return stats, fmt.Errorf("flush: %w", err)
	}
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// CatalogSink 写入本地 SQLite catalog
type CatalogSink struct {
	cat *catalog.Catalog
}

func NewCatalogSink(cat *catalog.Catalog) *CatalogSink {
	return &CatalogSink{cat: cat}
}

func (s *CatalogSink) Add(ctx context.Context, path string, vector []float32) error {
	_, err := s.cat.Put(ctx, path, vector)
	return err
}

func (s *CatalogSink) Flush(context.Context) error { return nil }

// Upserter 远程索引的写入接口，由 search.Pinecone 实现
type Upserter interface {
	Upsert(ctx context.Context, paths []string, vectors [][]float32) (int, error)
}

var _ Upserter = (*search.Pinecone)(nil)

// UpsertSink 攒够 batch 条后批量写入远程索引
type UpsertSink struct {
	up      Upserter
	batch   int
	paths   []string
	vectors [][]float32
}

func NewUpsertSink(up Upserter, batch int) *UpsertSink {
	return &UpsertSink{up: up, batch: max(batch, 1)}
}

func (s *UpsertSink) Add(ctx context.Context, path string, vector []float32) error {
	s.paths = append(s.paths, path)
	s.vectors = append(s.vectors, vector)
	if len(s.paths) >= s.batch {
		return s.Flush(ctx)
	}
	return nil
}

func (s *UpsertSink) Flush(ctx context.Context) error {
	if len(s.paths) == 0 {
		return nil
	}
	n, err := s.up.Upsert(ctx, s.paths, s.vectors)
	if err != nil {
		return err
	}
	slog.Debug("vectors upserted", "count", n)
	s.paths, s.vectors = nil, nil
	return nil
}
