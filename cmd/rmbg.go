package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chaos-io/pillvision/rembg"
)

var (
	passes int
	trim   bool
)

var rmbgCmd = &cobra.Command{
	Use:   "rmbg <input_path1> [input_path2] <output_path>",
	Short: "Remove the background of one image, or of two images merged side by side",
	Long: `Run the segmentation pass N times (rembg.passes) and write a PNG with an alpha channel.
With two inputs, both are resized to the smaller height and concatenated horizontally first.`,
	// 参数数量不对时只打印提示，不做任何处理
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) < 2 || len(args) > 3 {
			fmt.Fprintln(cmd.OutOrStdout(), rembg.ErrImageCount.Error())
			return nil
		}
		inputs, output := args[:len(args)-1], args[len(args)-1]

		if cmd.Flags().Changed("passes") {
			cfg.RemBG.Passes = passes
		}
		if cmd.Flags().Changed("trim") {
			cfg.RemBG.Trim = trim
		}

		pipeline, closer, err := newPipeline(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = closer.Close()
			_ = shutdownRuntime.Close()
		}()

		err = pipeline.Run(cmd.Context(), inputs, output)
		if errors.Is(err, rembg.ErrImageCount) {
			fmt.Fprintln(cmd.OutOrStdout(), err.Error())
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), output)
		return nil
	},
}

func init() {
	rmbgCmd.Flags().IntVarP(&passes, "passes", "n", 3, "number of segmentation passes")
	rmbgCmd.Flags().BoolVar(&trim, "trim", false, "crop the result to the foreground bounding box")
}
