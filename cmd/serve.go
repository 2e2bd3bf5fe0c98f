package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/pillvision/rembg"
	"github.com/chaos-io/pillvision/server"
)

var (
	serveAddr string
	noSearch  bool
	noRemBG   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search and background removal over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		var res closers
		defer func() {
			_ = res.Close()
			_ = shutdownRuntime.Close()
		}()

		var searcher server.Searcher
		if !noSearch {
			s, closer, err := newSearcher(ctx, cfg)
			if err != nil {
				return err
			}
			res = append(res, closer)
			searcher = s
		}

		var pipeline server.Pipeline
		if !noRemBG {
			p, closer, err := newPipeline(cfg)
			if err != nil {
				return err
			}
			res = append(res, closer)
			pipeline = p
		}

		srv := server.New(cfg.Server, searcher, pipeline)
		sweeper := rembg.NewSweeper(cfg.Server.SweepMaxAge, cfg.RemBG.ScratchDir, cfg.Server.UploadDir)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		g.Go(func() error {
			if err := sweeper.Start(cfg.Server.SweepSpec); err != nil {
				return err
			}
			<-gctx.Done()
			sweeper.Stop()
			return nil
		})

		if err := g.Wait(); err != nil {
			return err
		}
		slog.Info("server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().BoolVar(&noSearch, "no-search", false, "do not load the search model and index")
	serveCmd.Flags().BoolVar(&noRemBG, "no-rmbg", false, "do not load the segmentation model")
}
