package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/chaos-io/pillvision/catalog"
	"github.com/chaos-io/pillvision/config"
	"github.com/chaos-io/pillvision/feature"
	"github.com/chaos-io/pillvision/onnx"
	"github.com/chaos-io/pillvision/rembg"
	"github.com/chaos-io/pillvision/search"
	nhttp "github.com/chaos-io/pillvision/util/http"
)

// closers 按相反顺序释放资源
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i].Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newBackbone(cfg *config.Config) (*feature.Backbone, error) {
	fc := cfg.Feature
	size := int64(fc.ImageSize)
	session, err := onnx.NewSession(fc.ModelPath, onnx.Options{
		LibraryPath:    cfg.ONNX.LibraryPath,
		IntraOpThreads: cfg.ONNX.IntraOpThreads,
		InputName:      fc.InputName,
		OutputName:     fc.OutputName,
		InputShape:     []int64{1, 3, size, size},
		OutputShape:    fc.OutputShape,
	})
	if err != nil {
		return nil, fmt.Errorf("load feature model: %w", err)
	}

	backbone, err := feature.NewBackbone(session, feature.Params{
		ImageSize: fc.ImageSize,
		CropPct:   fc.CropPct,
		Mean:      fc.Mean,
		Std:       fc.Std,
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	return backbone, nil
}

// newIndex 按 search.backend 打开本地索引或连接 Pinecone
func newIndex(ctx context.Context, cfg *config.Config) (search.Index, io.Closer, error) {
	switch cfg.Search.Backend {
	case config.BackendPinecone:
		p, err := search.NewPinecone(cfg.Search.Pinecone, nhttp.NewHTTPClient())
		if err != nil {
			return nil, nil, err
		}
		return p, closers{}, nil
	default:
		cat, err := catalog.Open(cfg.Search.Local.Dir)
		if err != nil {
			return nil, nil, err
		}
		local, err := search.NewLocal(ctx, cat)
		if err != nil {
			_ = cat.Close()
			return nil, nil, err
		}
		return local, closers{cat, local}, nil
	}
}

// newSearcher 加载特征模型和索引
func newSearcher(ctx context.Context, cfg *config.Config) (*search.Searcher, io.Closer, error) {
	backbone, err := newBackbone(cfg)
	if err != nil {
		return nil, nil, err
	}
	index, closeIndex, err := newIndex(ctx, cfg)
	if err != nil {
		_ = backbone.Close()
		return nil, nil, err
	}
	return search.NewSearcher(backbone, index, cfg.Search.TopK), closers{backbone, closeIndex}, nil
}

func newSegmenter(cfg *config.Config) (rembg.Segmenter, io.Closer, error) {
	rc := cfg.RemBG
	switch rc.Backend {
	case config.BackendComfyUI:
		seg, err := rembg.NewComfyUISegmenter(rc.ComfyUI, nhttp.NewHTTPClient())
		if err != nil {
			return nil, nil, err
		}
		return seg, closers{}, nil
	default:
		size := int64(rc.InputSize)
		session, err := onnx.NewSession(rc.ModelPath, onnx.Options{
			LibraryPath:    cfg.ONNX.LibraryPath,
			IntraOpThreads: cfg.ONNX.IntraOpThreads,
			InputName:      rc.InputName,
			OutputName:     rc.OutputName,
			InputShape:     []int64{1, 3, size, size},
			OutputShape:    []int64{1, 1, size, size},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("load segmentation model: %w", err)
		}
		seg, err := rembg.NewONNXSegmenter(session, rc.InputSize)
		if err != nil {
			_ = session.Close()
			return nil, nil, err
		}
		return seg, seg, nil
	}
}

// newPipeline 加载分割模型，组装多遍去背景流水线
func newPipeline(cfg *config.Config) (*rembg.Pipeline, io.Closer, error) {
	seg, closeSeg, err := newSegmenter(cfg)
	if err != nil {
		return nil, nil, err
	}
	p, err := rembg.NewPipeline(rembg.NewMaskRemover(seg), rembg.Options{
		Passes:     cfg.RemBG.Passes,
		ScratchDir: cfg.RemBG.ScratchDir,
		Trim:       cfg.RemBG.Trim,
	})
	if err != nil {
		_ = closeSeg.Close()
		return nil, nil, err
	}
	return p, closeSeg, nil
}

// shutdownRuntime 进程退出前释放 onnxruntime
var shutdownRuntime io.Closer = closerFunc(onnx.Shutdown)
