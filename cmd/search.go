package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/chaos-io/pillvision/search"
)

var searchCmd = &cobra.Command{
	Use:   "search <image_path|url> <output_path>",
	Short: "Search the index for images similar to the given one",
	Long: `Extract a feature vector from the image and query the configured index.
The top matches are written to output_path, one "<path> (<xx.xx>%)" line each.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		searcher, closer, err := newSearcher(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = closer.Close()
			_ = shutdownRuntime.Close()
		}()

		res, err := searcher.Search(ctx, args[0])
		if err != nil {
			return err
		}
		if err := search.WriteResultsFile(args[1], res.Matches); err != nil {
			return err
		}

		slog.Debug("results written", "output", args[1], "matches", len(res.Matches))
		fmt.Fprintln(cmd.OutOrStdout(), "similar image search finished")
		fmt.Fprintf(cmd.OutOrStdout(), "elapsed: %s\n", res.Elapsed)
		return nil
	},
}
