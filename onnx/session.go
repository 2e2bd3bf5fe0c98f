// Package onnx 封装 onnxruntime：进程内只初始化一次运行时，每个模型一个会话。
package onnx

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Runner 单输入单输出的推理接口，便于在测试中替换
type Runner interface {
	// InputShape 模型输入形状（NCHW）
	InputShape() []int64
	// OutputShape 模型输出形状
	OutputShape() []int64
	// Run 执行一次前向推理，返回输出张量的拷贝
	Run(input []float32) ([]float32, error)
	Close() error
}

type Options struct {
	LibraryPath    string
	IntraOpThreads int
	InputName      string
	OutputName     string
	// InputShape 覆盖模型声明的输入形状，动态维度(-1)必须在这里给出
	InputShape []int64
	// OutputShape 覆盖模型声明的输出形状
	OutputShape []int64
}

var (
	initOnce sync.Once
	initErr  error
)

// Init 初始化 onnxruntime 运行时，多次调用只生效一次
func Init(libraryPath string) error {
	initOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		initErr = ort.InitializeEnvironment()
		if initErr == nil {
			slog.Debug("onnxruntime initialized", "library", libraryPath)
		}
	})
	return initErr
}

// Shutdown 释放运行时
func Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Session 持有一个 AdvancedSession 以及预分配的输入输出张量。
// 张量与会话绑定，Run 之间用互斥锁串行化。
type Session struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	inShape  []int64
	outShape []int64
}

// NewSession 加载模型并分配张量
func NewSession(modelPath string, opts Options) (*Session, error) {
	if err := Init(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("read model info %s: %w", modelPath, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("model %s has no inputs or outputs", modelPath)
	}

	inName, inShape, err := pick(inputs, opts.InputName, opts.InputShape)
	if err != nil {
		return nil, fmt.Errorf("model input: %w", err)
	}
	outName, outShape, err := pick(outputs, opts.OutputName, opts.OutputShape)
	if err != nil {
		return nil, fmt.Errorf("model output: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape...))
	if err != nil {
		return nil, fmt.Errorf("new input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(outShape...))
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("new output tensor: %w", err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("new session options: %w", err)
	}
	defer func() {
		_ = sessionOpts.Destroy()
	}()
	if opts.IntraOpThreads > 0 {
		if err := sessionOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			slog.Warn("set intra op threads", "error", err)
		}
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inName}, []string{outName},
		[]ort.Value{input}, []ort.Value{output}, sessionOpts)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("new session %s: %w", modelPath, err)
	}

	slog.Info("model loaded", "model", modelPath, "input", inName, "input_shape", inShape, "output", outName, "output_shape", outShape)

	return &Session{
		session:  session,
		input:    input,
		output:   output,
		inShape:  inShape,
		outShape: outShape,
	}, nil
}

func (s *Session) InputShape() []int64  { return s.inShape }
func (s *Session) OutputShape() []int64 { return s.outShape }

func (s *Session) Run(input []float32) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input size %d, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	out := s.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return errors.Join(
		s.session.Destroy(),
		s.input.Destroy(),
		s.output.Destroy(),
	)
}

// pick 选出指定名字（或第一个）的输入输出，并确定一个全静态的形状
func pick(infos []ort.InputOutputInfo, name string, override []int64) (string, []int64, error) {
	info := infos[0]
	if name != "" {
		found := false
		for _, i := range infos {
			if i.Name == name {
				info, found = i, true
				break
			}
		}
		if !found {
			return "", nil, fmt.Errorf("no tensor named %q", name)
		}
	}

	if len(override) > 0 {
		return info.Name, override, nil
	}

	shape := make([]int64, len(info.Dimensions))
	for i, d := range info.Dimensions {
		switch {
		case d > 0:
			shape[i] = d
		case i == 0:
			// batch
			shape[i] = 1
		default:
			return "", nil, fmt.Errorf("%s has dynamic dimension %d, set the shape in config", info.Name, i)
		}
	}
	return info.Name, shape, nil
}

// ShapeSize 形状元素个数
func ShapeSize(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}
