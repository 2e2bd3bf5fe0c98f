package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaos-io/pillvision/rembg"
)

var sweepMaxAge time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete stale intermediate and upload files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAge := cfg.Server.SweepMaxAge
		if cmd.Flags().Changed("max-age") {
			maxAge = sweepMaxAge
		}

		n, err := rembg.NewSweeper(maxAge, cfg.RemBG.ScratchDir, cfg.Server.UploadDir).Sweep()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d files older than %s\n", n, maxAge)
		return nil
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepMaxAge, "max-age", time.Hour, "remove files older than this")
}
