package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/segmentio/ksuid"
	"golang.org/x/image/draw"

	"github.com/chaos-io/pillvision/config"
	nhttp "github.com/chaos-io/pillvision/util/http"
)

//go:embed workflow.json
var defaultWorkflow []byte

// ComfyUISegmenter 通过 ComfyUI 的 BiRefNet 工作流分割前景，取结果图的 alpha 作为 mask
type ComfyUISegmenter struct {
	baseURL      string
	workflow     []byte
	pollInterval time.Duration
	timeout      time.Duration
	cli          nhttp.IClient
}

func NewComfyUISegmenter(cfg config.ComfyUIConfig, cli nhttp.IClient) (*ComfyUISegmenter, error) {
	workflow := defaultWorkflow
	if cfg.WorkflowPath != "" {
		data, err := os.ReadFile(cfg.WorkflowPath)
		if err != nil {
			return nil, fmt.Errorf("read workflow: %w", err)
		}
		workflow = data
	}
	if !json.Valid(workflow) {
		return nil, errors.New("workflow is not valid json")
	}
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}

	return &ComfyUISegmenter{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/") + "/",
		workflow:     workflow,
		pollInterval: orDefault(cfg.PollInterval, 500*time.Millisecond),
		timeout:      orDefault(cfg.Timeout, 2*time.Minute),
		cli:          cli,
	}, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (b *ComfyUISegmenter) Segment(ctx context.Context, img image.Image) (*image.Gray, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	name, err := b.uploadImage(ctx, img)
	if err != nil {
		return nil, err
	}

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, err
	}

	out, err := b.waitForOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}

	result, err := b.fetchImage(ctx, out)
	if err != nil {
		return nil, err
	}

	return alphaMask(result, img.Bounds().Size()), nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}
*/
func (b *ComfyUISegmenter) uploadImage(ctx context.Context, img image.Image) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	// image 文件字段
	part, err := writer.CreateFormFile("image", "pillvision_"+ksuid.New().String()+".png")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return "", fmt.Errorf("encode form file: %w", err)
	}

	// 其他字段
	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	err = b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/upload/image",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	slog.Debug("get the upload response", "response", resp)

	if resp.Name == "" {
		return "", errors.New("upload image: empty name in response")
	}
	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

type promptResp struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *ComfyUISegmenter) prompt(ctx context.Context, imageName string) (string, error) {
	wk := map[string]map[string]any{}
	if err := json.Unmarshal(b.workflow, &wk); err != nil {
		return "", fmt.Errorf("unmarshal workflow data: %w", err)
	}

	// 所有 LoadImage 节点都指向刚上传的图片
	loaders := 0
	for _, node := range wk {
		if node["class_type"] != "LoadImage" {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			continue
		}
		inputs["image"] = imageName
		loaders++
	}
	if loaders == 0 {
		return "", errors.New("workflow has no LoadImage node")
	}

	resp := &promptResp{}
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/prompt",
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": "pillvision"},
		Response:   resp,
	})
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	if len(resp.NodeErrors) > 0 {
		return "", fmt.Errorf("queue prompt: node errors %v", resp.NodeErrors)
	}
	if resp.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id")
	}

	slog.Debug("prompt queued", "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// waitForOutput 轮询 /api/history/{id} 直到任务完成
func (b *ComfyUISegmenter) waitForOutput(ctx context.Context, promptID string) (outputImage, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		history := map[string]historyEntry{}
		err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
			RequestURI: b.baseURL + "api/history/" + promptID,
			Method:     http.MethodGet,
			Response:   &history,
		})
		if err != nil {
			return outputImage{}, fmt.Errorf("get history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return outputImage{}, fmt.Errorf("prompt %s failed", promptID)
			}
			for _, out := range entry.Outputs {
				for _, img := range out.Images {
					if img.Type == "output" {
						return img, nil
					}
				}
			}
			if entry.Status.Completed {
				return outputImage{}, fmt.Errorf("prompt %s completed without output image", promptID)
			}
		}

		select {
		case <-ctx.Done():
			return outputImage{}, fmt.Errorf("wait for prompt %s: %w", promptID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (b *ComfyUISegmenter) fetchImage(ctx context.Context, out outputImage) (image.Image, error) {
	var data []byte
	err := b.cli.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: b.baseURL + "api/view",
		Method:     http.MethodGet,
		Query: map[string]string{
			"filename":  out.Filename,
			"subfolder": out.Subfolder,
			"type":      out.Type,
		},
		Response: &data,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return img, nil
}

// alphaMask 取结果图的 alpha 通道，尺寸不同时双线性缩放到 size
func alphaMask(img image.Image, size image.Point) *image.Gray {
	b := img.Bounds()
	mask := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			_, _, _, a := img.At(x, y).RGBA()
			mask.Pix[(y-b.Min.Y)*mask.Stride+(x-b.Min.X)] = uint8(a >> 8)
		}
	}

	if mask.Bounds().Size() == size {
		return mask
	}
	scaled := image.NewGray(image.Rect(0, 0, size.X, size.Y))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), mask, mask.Bounds(), draw.Src, nil)
	return scaled
}
