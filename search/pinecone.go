package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chaos-io/pillvision/config"
	httputil "github.com/chaos-io/pillvision/util/http"
)

const (
	pineconeAPIVersion = "2024-07"
	metadataImagePath  = "image_path"
	upsertBatchSize    = 100
)

// Pinecone 通过 REST 接口访问 Pinecone 索引
type Pinecone struct {
	cfg    config.PineconeConfig
	client httputil.IClient

	mu   sync.Mutex
	host string
}

func NewPinecone(cfg config.PineconeConfig, client httputil.IClient) (*Pinecone, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Host == "" && cfg.IndexName == "" {
		return nil, errors.New("pinecone: index name or host is required")
	}
	if client == nil {
		client = httputil.NewHTTPClient()
	}
	return &Pinecone{cfg: cfg, client: client, host: cfg.Host}, nil
}

type pineconeMatch struct {
	ID       string            `json:"id"`
	Score    float32           `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// imagePath metadata 中的 image_path，缺失或不是字符串时退回向量 id
func (m pineconeMatch) imagePath() string {
	if path, ok := m.Metadata[metadataImagePath].(string); ok && path != "" {
		return path
	}
	return m.ID
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	Namespace       string    `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []pineconeMatch `json:"matches"`
}

type pineconeVector struct {
	ID       string            `json:"id"`
	Values   []float32         `json:"values"`
	Metadata map[string]string `json:"metadata"`
}

type upsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace,omitempty"`
}

type upsertResponse struct {
	UpsertedCount int `json:"upsertedCount"`
}

type describeIndexResponse struct {
	Name string `json:"name"`
	Host string `json:"host"`
}

func (p *Pinecone) headers() map[string]string {
	return map[string]string{
		"Api-Key":                p.cfg.APIKey,
		"Content-Type":           "application/json",
		"X-Pinecone-API-Version": pineconeAPIVersion,
	}
}

// resolveHost 未配置 host 时向控制面查询索引的数据面地址
func (p *Pinecone) resolveHost(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.host != "" {
		return normalizeHost(p.host), nil
	}

	var resp describeIndexResponse
	err := p.client.DoHTTPRequest(ctx, &httputil.RequestParam{
		RequestURI: strings.TrimRight(p.cfg.ControlURL, "/") + "/indexes/" + p.cfg.IndexName,
		Method:     http.MethodGet,
		Header:     p.headers(),
		Response:   &resp,
	})
	if err != nil {
		return "", fmt.Errorf("describe index %s: %w", p.cfg.IndexName, err)
	}
	if resp.Host == "" {
		return "", fmt.Errorf("describe index %s: empty host", p.cfg.IndexName)
	}

	p.host = resp.Host
	return normalizeHost(p.host), nil
}

func normalizeHost(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

func (p *Pinecone) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	host, err := p.resolveHost(ctx)
	if err != nil {
		return nil, err
	}

	var resp queryResponse
	err = p.client.DoHTTPRequest(ctx, &httputil.RequestParam{
		RequestURI: host + "/query",
		Method:     http.MethodPost,
		Header:     p.headers(),
		Body: queryRequest{
			Vector:          vector,
			TopK:            k,
			IncludeMetadata: true,
			Namespace:       p.cfg.Namespace,
		},
		Response: &resp,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}

	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		matches = append(matches, Match{Path: m.imagePath(), Score: m.Score})
	}
	return Rank(matches, k), nil
}

// vectorID 由图片路径派生的固定 id，重复索引同一路径会覆盖旧记录
func vectorID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
}

// Upsert 写入向量，id 由路径派生，metadata 中保存图片路径
func (p *Pinecone) Upsert(ctx context.Context, paths []string, vectors [][]float32) (int, error) {
	if len(paths) != len(vectors) {
		return 0, fmt.Errorf("got %d paths and %d vectors", len(paths), len(vectors))
	}
	host, err := p.resolveHost(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for start := 0; start < len(paths); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(paths))

		req := upsertRequest{Namespace: p.cfg.Namespace}
		for i := start; i < end; i++ {
			req.Vectors = append(req.Vectors, pineconeVector{
				ID:       vectorID(paths[i]),
				Values:   vectors[i],
				Metadata: map[string]string{metadataImagePath: paths[i]},
			})
		}

		var resp upsertResponse
		err := p.client.DoHTTPRequest(ctx, &httputil.RequestParam{
			RequestURI: host + "/vectors/upsert",
			Method:     http.MethodPost,
			Header:     p.headers(),
			Body:       req,
			Response:   &resp,
		})
		if err != nil {
			return total, fmt.Errorf("pinecone upsert: %w", err)
		}
		total += resp.UpsertedCount
	}
	return total, nil
}
