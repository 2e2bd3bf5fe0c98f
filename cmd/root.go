// Package cmd 命令行入口：search、rmbg、index、serve、sweep。
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaos-io/pillvision/config"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pillvision",
	Short: "Pill image similarity search and background removal",
	Long: `pillvision extracts image features with a pretrained backbone and searches a vector index
for similar images, and removes image backgrounds with a segmentation model.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = logFormat
		}
		return setupLogger(cmd.ErrOrStderr(), cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json")

	rootCmd.AddCommand(searchCmd, rmbgCmd, indexCmd, serveCmd, sweepCmd)
}

// Execute 执行根命令
func Execute() error {
	return rootCmd.Execute()
}

func setupLogger(w io.Writer, lc config.LogConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", lc.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
