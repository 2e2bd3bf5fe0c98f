package rembg

import (
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/pillvision/config"
)

// fakeComfyUI 模拟 ComfyUI：第一次查询 history 时任务未完成，第二次返回输出图片
func fakeComfyUI(t *testing.T, result image.Image) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var polls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		defer func() {
			_ = file.Close()
		}()
		_, err = png.Decode(file)
		assert.NoError(t, err)
		assert.Equal(t, "input", r.FormValue("type"))

		_ = json.NewEncoder(w).Encode(uploadImageResp{Name: header.Filename, Type: "input"})
	})

	mux.HandleFunc("POST /api/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt map[string]map[string]any `json:"prompt"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		inputs := req.Prompt["1"]["inputs"].(map[string]any)
		assert.Contains(t, inputs["image"], "pillvision_")

		_ = json.NewEncoder(w).Encode(promptResp{PromptID: "p-1", Number: 1})
	})

	mux.HandleFunc("GET /api/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"p-1": {
			"outputs": {"3": {"images": [{"filename": "pillvision_00001_.png", "subfolder": "", "type": "output"}]}},
			"status": {"status_str": "success", "completed": true}
		}}`))
	})

	mux.HandleFunc("GET /api/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "pillvision_00001_.png", r.URL.Query().Get("filename"))
		assert.Equal(t, "output", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "image/png")
		assert.NoError(t, png.Encode(w, result))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

func TestComfyUISegmenter_Segment(t *testing.T) {
	t.Parallel()

	result := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	result.SetNRGBA(0, 0, color.NRGBA{R: 9, A: 255})
	result.SetNRGBA(5, 3, color.NRGBA{R: 9, A: 100})

	srv, polls := fakeComfyUI(t, result)
	seg, err := NewComfyUISegmenter(config.ComfyUIConfig{
		BaseURL:      srv.URL,
		PollInterval: 10 * time.Millisecond,
		Timeout:      5 * time.Second,
	}, nil)
	require.NoError(t, err)

	mask, err := seg.Segment(t.Context(), solid(6, 4, color.NRGBA{G: 200, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), mask.Bounds())
	assert.Equal(t, uint8(255), mask.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(100), mask.GrayAt(5, 3).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(2, 2).Y)
	assert.EqualValues(t, 2, polls.Load())
}

func TestComfyUISegmenter_PromptFailed(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "x.png", "subfolder": "", "type": "input"}`))
	})
	mux.HandleFunc("POST /api/prompt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt_id": "p-2", "number": 1, "node_errors": {}}`))
	})
	mux.HandleFunc("GET /api/history/p-2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p-2": {"outputs": {}, "status": {"status_str": "error", "completed": false}}}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	seg, err := NewComfyUISegmenter(config.ComfyUIConfig{BaseURL: srv.URL, PollInterval: time.Millisecond}, nil)
	require.NoError(t, err)

	_, err = seg.Segment(t.Context(), solid(2, 2, color.NRGBA{A: 255}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "p-2 failed")
}

func TestComfyUISegmenter_Timeout(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "x.png"}`))
	})
	mux.HandleFunc("POST /api/prompt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"prompt_id": "p-3"}`))
	})
	mux.HandleFunc("GET /api/history/p-3", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	seg, err := NewComfyUISegmenter(config.ComfyUIConfig{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	_, err = seg.Segment(t.Context(), solid(2, 2, color.NRGBA{A: 255}))
	assert.Error(t, err)
}

func TestNewComfyUISegmenter_Workflow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	_, err := NewComfyUISegmenter(config.ComfyUIConfig{WorkflowPath: bad}, nil)
	assert.Error(t, err)

	_, err = NewComfyUISegmenter(config.ComfyUIConfig{WorkflowPath: filepath.Join(dir, "missing.json")}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)

	seg, err := NewComfyUISegmenter(config.ComfyUIConfig{BaseURL: "http://127.0.0.1:8188"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8188/", seg.baseURL)
}
