// Package search 在向量索引中检索相似图片。
//
// 两个后端使用同一个相似度约定：Score 为余弦相似度，百分比 = Score * 100，截断到 [0, 100]。
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
)

// DefaultTopK 默认返回的结果数
const DefaultTopK = 5

var (
	// ErrEmptyIndex 索引中没有任何向量
	ErrEmptyIndex = errors.New("index is empty")
	// ErrNoAPIKey 远程索引缺少 API key
	ErrNoAPIKey = errors.New("pinecone api key is not set")
)

// Match 一条检索结果
type Match struct {
	Path  string  `json:"path"`
	Score float32 `json:"score"`
}

// Percentage 相似度百分比
func (m Match) Percentage() float64 {
	p := float64(m.Score) * 100
	return math.Max(0, math.Min(100, p))
}

func (m Match) String() string {
	return fmt.Sprintf("%s (%.2f%%)", m.Path, m.Percentage())
}

// Index 向量索引
type Index interface {
	// Query 返回最多 k 条按相似度降序排列的结果
	Query(ctx context.Context, vector []float32, k int) ([]Match, error)
}

// Rank 按分数降序排序（同分按路径），截取前 k 条
func Rank(matches []Match, k int) []Match {
	ranked := slices.Clone(matches)
	slices.SortStableFunc(ranked, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Path, b.Path)
	})
	if k >= 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// WriteResults 每行一条 "<path> (<xx.xx>%)"
func WriteResults(w io.Writer, matches []Match) error {
	for _, m := range matches {
		if _, err := fmt.Fprintln(w, m.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteResultsFile 把结果写入文件，父目录不存在时自动创建
func WriteResultsFile(path string, matches []Match) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	if err := WriteResults(f, matches); err != nil {
		_ = f.Close()
		return fmt.Errorf("write results: %w", err)
	}
	return f.Close()
}

// Cosine 余弦相似度，任一向量为零向量时返回 0
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
