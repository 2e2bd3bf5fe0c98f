package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chaos-io/pillvision/catalog"
	"github.com/chaos-io/pillvision/config"
	"github.com/chaos-io/pillvision/indexer"
	"github.com/chaos-io/pillvision/search"
	"github.com/chaos-io/pillvision/util/crawler"
	nhttp "github.com/chaos-io/pillvision/util/http"
)

var (
	indexWorkers int
	upsertBatch  int
	fromPage     string
	pageFilter   string
)

var indexCmd = &cobra.Command{
	Use:   "index <folder>",
	Short: "Extract features for every image under folder and store them in the configured index",
	Long: `Extract features for every image under folder and store them in the configured index.
With --from-page, the images of that web page are downloaded into folder first.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if fromPage != "" {
			c, err := crawler.New(nhttp.NewHTTPClient(), pageFilter)
			if err != nil {
				return err
			}
			n, err := c.Download(cmd.Context(), fromPage, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "downloaded %d images from %s\n", n, fromPage)
		}

		backbone, err := newBackbone(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = backbone.Close()
			_ = shutdownRuntime.Close()
		}()

		sink, closer, err := newSink(cfg)
		if err != nil {
			return err
		}
		defer func() {
			_ = closer.Close()
		}()

		stats, err := indexer.New(backbone, sink, indexWorkers).Run(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d images (%d failed) in %s\n",
			stats.Indexed, stats.Scanned, stats.Failed, stats.Elapsed)
		return nil
	},
}

func newSink(cfg *config.Config) (indexer.Sink, io.Closer, error) {
	if cfg.Search.Backend == config.BackendPinecone {
		p, err := search.NewPinecone(cfg.Search.Pinecone, nhttp.NewHTTPClient())
		if err != nil {
			return nil, nil, err
		}
		return indexer.NewUpsertSink(p, upsertBatch), closers{}, nil
	}

	cat, err := catalog.Open(cfg.Search.Local.Dir)
	if err != nil {
		return nil, nil, err
	}
	return indexer.NewCatalogSink(cat), cat, nil
}

func init() {
	indexCmd.Flags().IntVarP(&indexWorkers, "workers", "w", 4, "number of images decoded in parallel")
	indexCmd.Flags().IntVar(&upsertBatch, "batch", 100, "vectors per Pinecone upsert request")
	indexCmd.Flags().StringVar(&fromPage, "from-page", "", "download the images of this web page into folder before indexing")
	indexCmd.Flags().StringVar(&pageFilter, "match", "", "only download image urls matching this regexp")
}
