package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaos-io/pillvision/feature"
)

// Searcher 提取查询图片的特征并在索引中检索
type Searcher struct {
	extractor feature.Extractor
	index     Index
	topK      int
}

func NewSearcher(extractor feature.Extractor, index Index, topK int) *Searcher {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Searcher{extractor: extractor, index: index, topK: topK}
}

// Result 一次检索的结果与耗时
type Result struct {
	Matches []Match       `json:"matches"`
	Elapsed time.Duration `json:"elapsed"`
}

func (s *Searcher) Search(ctx context.Context, pathOrURL string) (*Result, error) {
	start := time.Now()

	vector, err := s.extractor.Extract(ctx, pathOrURL)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", pathOrURL, err)
	}

	matches, err := s.index.Query(ctx, vector, s.topK)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	res := &Result{Matches: Rank(matches, s.topK), Elapsed: time.Since(start)}
	slog.Info("search done", "query", pathOrURL, "matches", len(res.Matches), "elapsed", res.Elapsed)
	return res, nil
}
