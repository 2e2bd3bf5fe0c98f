package rembg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"

	"github.com/chaos-io/pillvision/util"
)

const trimThreshold = 0.1

type Options struct {
	// Passes 去背景的重复次数
	Passes int
	// ScratchDir 中间文件目录
	ScratchDir string
	// Trim 最后一遍后按前景裁剪
	Trim bool
}

// Pipeline 多遍去背景：可选两图拼接，重复 N 遍单次去背景，最后把结果移动到输出路径。
// 每遍产生一个中间文件，返回前全部删除。
type Pipeline struct {
	remover Remover
	opts    Options
}

func NewPipeline(remover Remover, opts Options) (*Pipeline, error) {
	if opts.Passes <= 0 {
		return nil, fmt.Errorf("passes must be positive, got %d", opts.Passes)
	}
	if opts.ScratchDir == "" {
		return nil, errors.New("scratch dir is required")
	}
	return &Pipeline{remover: remover, opts: opts}, nil
}

// Run inputs 为一张或两张图片，数量不对时返回 ErrImageCount 且不做任何处理
func (p *Pipeline) Run(ctx context.Context, inputs []string, output string) error {
	if len(inputs) < 1 || len(inputs) > 2 {
		return ErrImageCount
	}
	defer util.Trace("rembg pipeline")()

	if err := os.MkdirAll(p.opts.ScratchDir, os.ModePerm); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	runID := ksuid.New().String()
	slog.Debug("rembg pipeline start", "run", runID, "inputs", inputs, "passes", p.opts.Passes)

	var scratch []string
	defer func() {
		for _, f := range scratch {
			if err := util.RemoveIfExists(f); err != nil {
				slog.Warn("remove intermediate file", "path", f, "error", err)
			}
		}
	}()

	src := inputs[0]
	if len(inputs) == 2 {
		merged := filepath.Join(p.opts.ScratchDir, "merged_"+runID+".png")
		scratch = append(scratch, merged)
		if err := mergeFiles(inputs[0], inputs[1], merged); err != nil {
			return err
		}
		src = merged
	}

	stem := strings.TrimSuffix(filepath.Base(inputs[0]), filepath.Ext(inputs[0]))
	for pass := 1; pass <= p.opts.Passes; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		dst := filepath.Join(p.opts.ScratchDir, fmt.Sprintf("%s_%s_%d.png", stem, runID, pass))
		scratch = append(scratch, dst)
		if err := RemoveFile(ctx, p.remover, src, dst); err != nil {
			return fmt.Errorf("pass %d: %w", pass, err)
		}
		slog.Debug("rembg pass done", "pass", pass, "output", dst)
		src = dst
	}

	if p.opts.Trim {
		if err := trimFile(src); err != nil {
			return err
		}
	}

	if err := util.MoveFile(src, output); err != nil {
		return fmt.Errorf("move result to %s: %w", output, err)
	}
	return nil
}

func mergeFiles(left, right, output string) error {
	a, err := util.OpenImage(left)
	if err != nil {
		return err
	}
	b, err := util.OpenImage(right)
	if err != nil {
		return err
	}
	if err := util.SavePNG(output, Merge(a, b)); err != nil {
		return fmt.Errorf("save merged image: %w", err)
	}
	return nil
}

// trimFile 按前景 bounding box 原地裁剪，没有前景时保持原样
func trimFile(path string) error {
	img, err := util.OpenImage(path)
	if err != nil {
		return err
	}

	nrgba := util.ToNRGBA(img)
	if !util.HasUsefulAlpha(nrgba) {
		return nil
	}
	bbox, err := util.AlphaBBox(nrgba, trimThreshold)
	if errors.Is(err, util.ErrNoForeground) {
		slog.Warn("trim skipped", "path", path, "reason", err)
		return nil
	}
	if err != nil {
		return err
	}
	return util.SavePNG(path, util.Crop(nrgba, bbox))
}
