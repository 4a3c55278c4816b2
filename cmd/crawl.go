package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	crawlMaxPages int
	crawlNoCycle  bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Process queued pages in batches until the queue drains",
	Long: "Claims queued jobs in batches, fetches and classifies each page, extracts " +
		"fields from funding pages, and runs the improvement cycle between batches.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		processed := 0
		sinceCycle := 0
		for {
			if ctx.Err() != nil {
				zap.L().Info("crawl: interrupted", zap.Int("processed", processed))
				return nil
			}

			res, err := e.Pipeline.RunBatch(ctx, cfg.Pipeline.BatchSize)
			if err != nil {
				return err
			}
			if res.Claimed == 0 {
				zap.L().Info("crawl: queue drained", zap.Int("processed", processed))
				return nil
			}

			processed += res.Claimed
			sinceCycle += res.Claimed
			zap.L().Info("crawl: batch finished",
				zap.Int("done", res.Done),
				zap.Int("failed", res.Failed),
				zap.Int("records", res.Records),
				zap.Int("discovered", res.Discovered),
				zap.Int("processed_total", processed))

			if !crawlNoCycle && sinceCycle >= cfg.Cycle.CrawlBatch {
				sinceCycle = 0
				report := e.Cycle.Run(ctx)
				if failed := report.Failed(); len(failed) > 0 {
					zap.L().Warn("crawl: cycle phases failed", zap.Strings("phases", failed))
				}
				if _, err := e.Balancer.Rebalance(ctx); err != nil {
					zap.L().Warn("crawl: rebalance failed", zap.Error(err))
				}
			}

			if crawlMaxPages > 0 && processed >= crawlMaxPages {
				zap.L().Info("crawl: page limit reached", zap.Int("processed", processed))
				return nil
			}
		}
	},
}

func init() {
	crawlCmd.Flags().IntVar(&crawlMaxPages, "max-pages", 0, "stop after processing this many pages (0 = until drained)")
	crawlCmd.Flags().BoolVar(&crawlNoCycle, "no-cycle", false, "skip the improvement cycle between batches")
	rootCmd.AddCommand(crawlCmd)
}
