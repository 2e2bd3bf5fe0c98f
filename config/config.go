package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	ONNX    ONNXConfig    `yaml:"onnx"`
	Feature FeatureConfig `yaml:"feature"`
	Search  SearchConfig  `yaml:"search"`
	RemBG   RemBGConfig   `yaml:"rembg"`
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
}

// ONNXConfig onnxruntime 共享库与线程设置
type ONNXConfig struct {
	LibraryPath    string `yaml:"library_path"` // onnxruntime.so / .dylib / .dll，为空时使用库的默认查找
	IntraOpThreads int    `yaml:"intra_op_threads"`
}

// FeatureConfig 特征提取骨干网络
type FeatureConfig struct {
	ModelPath   string     `yaml:"model_path"`
	InputName   string     `yaml:"input_name"`   // 为空时取模型第一个输入
	OutputName  string     `yaml:"output_name"`  // 为空时取模型第一个输出
	OutputShape []int64    `yaml:"output_shape"` // 输出含动态维度时指定，例如 [1, 2048, 14, 14]
	ImageSize   int        `yaml:"image_size"`
	CropPct     float64    `yaml:"crop_pct"`
	Mean        [3]float32 `yaml:"mean"`
	Std         [3]float32 `yaml:"std"`
}

type SearchConfig struct {
	Backend  string         `yaml:"backend"` // local | pinecone
	TopK     int            `yaml:"top_k"`
	Local    LocalConfig    `yaml:"local"`
	Pinecone PineconeConfig `yaml:"pinecone"`
}

type LocalConfig struct {
	Dir string `yaml:"dir"`
}

type PineconeConfig struct {
	IndexName  string `yaml:"index_name"`
	Host       string `yaml:"host"` // 为空时通过控制面查询
	APIKey     string `yaml:"api_key"`
	Namespace  string `yaml:"namespace"`
	ControlURL string `yaml:"control_url"`
}

type RemBGConfig struct {
	Backend    string        `yaml:"backend"` // onnx | comfyui
	ModelPath  string        `yaml:"model_path"`
	InputName  string        `yaml:"input_name"`
	OutputName string        `yaml:"output_name"`
	InputSize  int           `yaml:"input_size"`
	Passes     int           `yaml:"passes"`
	ScratchDir string        `yaml:"scratch_dir"`
	Trim       bool          `yaml:"trim"`
	ComfyUI    ComfyUIConfig `yaml:"comfyui"`
}

type ComfyUIConfig struct {
	BaseURL      string        `yaml:"base_url"`
	WorkflowPath string        `yaml:"workflow_path"` // 为空时使用内置 workflow
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr        string        `yaml:"addr"`
	UploadDir   string        `yaml:"upload_dir"`
	MaxUpload   int64         `yaml:"max_upload"`
	SweepSpec   string        `yaml:"sweep_spec"`
	SweepMaxAge time.Duration `yaml:"sweep_max_age"`
	// URLHosts 允许按地址检索的图片域名，为空时只接受上传
	URLHosts    []string      `yaml:"url_hosts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

const (
	BackendLocal    = "local"
	BackendPinecone = "pinecone"
	BackendONNX     = "onnx"
	BackendComfyUI  = "comfyui"
)

// Default 默认配置，与 resnetv2_50x1_bit 和 RMBG-1.4 的预处理参数一致
func Default() *Config {
	return &Config{
		Feature: FeatureConfig{
			ModelPath: "models/resnetv2_50x1_bit.onnx",
			ImageSize: 448,
			CropPct:   1.0,
			Mean:      [3]float32{0.5, 0.5, 0.5},
			Std:       [3]float32{0.5, 0.5, 0.5},
		},
		Search: SearchConfig{
			Backend: BackendLocal,
			TopK:    5,
			Local:   LocalConfig{Dir: "index"},
			Pinecone: PineconeConfig{
				IndexName:  "image-search",
				APIKey:     "${PINECONE_API_KEY}",
				ControlURL: "https://api.pinecone.io",
			},
		},
		RemBG: RemBGConfig{
			Backend:    BackendONNX,
			ModelPath:  "models/rmbg-1.4.onnx",
			InputSize:  512,
			Passes:     3,
			ScratchDir: "scratch",
			ComfyUI: ComfyUIConfig{
				BaseURL:      "http://127.0.0.1:8188/",
				PollInterval: 500 * time.Millisecond,
				Timeout:      2 * time.Minute,
			},
		},
		Server: ServerConfig{
			Addr:        ":8080",
			UploadDir:   "uploads",
			MaxUpload:   10 << 20,
			SweepSpec:   "@every 10m",
			SweepMaxAge: time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 读取 YAML 配置并覆盖默认值；path 为空时只使用默认值
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.expandEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}

// expandEnvVars 展开 ${VAR} 形式的环境变量
func (c *Config) expandEnvVars() {
	for _, s := range []*string{
		&c.ONNX.LibraryPath,
		&c.Feature.ModelPath,
		&c.Search.Local.Dir,
		&c.Search.Pinecone.Host,
		&c.Search.Pinecone.APIKey,
		&c.Search.Pinecone.IndexName,
		&c.RemBG.ModelPath,
		&c.RemBG.ScratchDir,
		&c.RemBG.ComfyUI.BaseURL,
		&c.Server.UploadDir,
	} {
		*s = expand(*s)
	}
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Search.Backend {
	case BackendLocal, BackendPinecone:
	default:
		errs = append(errs, fmt.Errorf("search.backend: unknown backend %q", c.Search.Backend))
	}
	if c.Search.TopK <= 0 {
		errs = append(errs, errors.New("search.top_k must be positive"))
	}

	switch c.RemBG.Backend {
	case BackendONNX, BackendComfyUI:
	default:
		errs = append(errs, fmt.Errorf("rembg.backend: unknown backend %q", c.RemBG.Backend))
	}
	if c.RemBG.Passes <= 0 {
		errs = append(errs, errors.New("rembg.passes must be positive"))
	}
	if c.RemBG.InputSize <= 0 {
		errs = append(errs, errors.New("rembg.input_size must be positive"))
	}
	if c.RemBG.ScratchDir == "" {
		errs = append(errs, errors.New("rembg.scratch_dir is required"))
	}

	if c.Feature.ImageSize <= 0 {
		errs = append(errs, errors.New("feature.image_size must be positive"))
	}
	if c.Feature.CropPct <= 0 || c.Feature.CropPct > 1 {
		errs = append(errs, errors.New("feature.crop_pct must be in (0, 1]"))
	}
	for i, s := range c.Feature.Std {
		if s == 0 {
			errs = append(errs, fmt.Errorf("feature.std[%d] must not be zero", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
