package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/hupe1980/vecgo"
	"github.com/hupe1980/vecgo/index"
	"github.com/hupe1980/vecgo/index/flat"

	"github.com/chaos-io/pillvision/catalog"
)

// Local 把 catalog 中的向量装入内存中的 vecgo Flat 索引。
// 向量先归一化为单位长度，平方 L2 距离升序即余弦相似度降序；返回前用原始向量重算精确的余弦相似度。
type Local struct {
	db      *vecgo.Vecgo[int]
	entries []catalog.Entry
	dim     int
}

// NewLocal 读取 catalog 并建立索引
func NewLocal(ctx context.Context, cat *catalog.Catalog) (*Local, error) {
	entries, err := cat.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return newLocal(ctx, entries)
}

func newLocal(ctx context.Context, entries []catalog.Entry) (*Local, error) {
	l := &Local{entries: entries}
	if len(entries) == 0 {
		return l, nil
	}

	l.dim = len(entries[0].Vector)
	db := vecgo.NewFlat[int](func(o *flat.Options) {
		o.DistanceType = index.DistanceTypeSquaredL2
	})

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(e.Vector) != l.dim {
			return nil, fmt.Errorf("%s has dimension %d, index dimension is %d", e.Path, len(e.Vector), l.dim)
		}
		if _, err := db.Insert(vecgo.VectorWithData[int]{Vector: unit(e.Vector), Data: i}); err != nil {
			return nil, fmt.Errorf("index %s: %w", e.Path, err)
		}
	}

	slog.Debug("local index loaded", "vectors", len(entries), "dimension", l.dim)
	l.db = db
	return l, nil
}

func (l *Local) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if l.db == nil {
		return nil, ErrEmptyIndex
	}
	if len(vector) != l.dim {
		return nil, fmt.Errorf("query dimension %d, index dimension is %d", len(vector), l.dim)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k = min(k, len(l.entries))
	results, err := l.db.KNNSearch(unit(vector), k, func(o *vecgo.KNNSearchOptions) {
		o.EF = max(o.EF, k)
	})
	if err != nil {
		return nil, fmt.Errorf("knn search: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		e := l.entries[r.Data]
		matches = append(matches, Match{Path: e.Path, Score: Cosine(vector, e.Vector)})
	}
	return Rank(matches, k), nil
}

// Close 索引只在内存中，无需释放
func (l *Local) Close() error {
	l.db = nil
	return nil
}

// unit 返回 v 的单位向量副本，零向量原样返回
func unit(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out
}
