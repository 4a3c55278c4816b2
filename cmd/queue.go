package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	queueRetryLimit    int
	queueRescrapeLimit int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the crawl queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue counts by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.Queue.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed jobs with a score boost",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Queue.RetryFailed(ctx, cfg.Cycle.RetryBoost, queueRetryLimit)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d failed jobs\n", n)
		return nil
	},
}

var queueRescrapeCmd = &cobra.Command{
	Use:   "rescrape",
	Short: "Requeue pages flagged for rescraping",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Queue.RequeueRescrapes(ctx, cfg.Cycle.RescrapeFloor, queueRescrapeLimit)
		if err != nil {
			return err
		}
		fmt.Printf("requeued %d pages for rescrape\n", n)
		return nil
	},
}

func init() {
	queueRetryCmd.Flags().IntVar(&queueRetryLimit, "limit", 100, "maximum jobs to requeue")
	queueRescrapeCmd.Flags().IntVar(&queueRescrapeLimit, "limit", 50, "maximum pages to requeue")
	queueCmd.AddCommand(queueStatsCmd, queueRetryCmd, queueRescrapeCmd)
	rootCmd.AddCommand(queueCmd)
}
