package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var discoverScore int

var discoverCmd = &cobra.Command{
	Use:   "discover URL [URL...]",
	Short: "Expand seed pages into queued crawl targets",
	Long: "Fetches each seed page, extracts its same-host links, and enqueues " +
		"them without classifying the seed itself. Useful for priming the queue " +
		"from institution overview pages.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		score := discoverScore
		if score <= 0 {
			score = cfg.Crawl.DefaultScore
		}

		total := 0
		for _, seed := range args {
			page, err := e.Fetcher.Fetch(ctx, seed)
			if err != nil {
				zap.L().Warn("discover: seed fetch failed", zap.String("url", seed), zap.Error(err))
				continue
			}

			added := 0
			for _, link := range page.Links {
				ok, err := e.Queue.Enqueue(ctx, link, 1, seed, score)
				if err != nil {
					return err
				}
				if ok {
					added++
				}
			}
			total += added
			fmt.Printf("%s: %d links enqueued\n", seed, added)
		}
		fmt.Printf("discovered %d urls from %d seeds\n", total, len(args))
		return nil
	},
}

func init() {
	discoverCmd.Flags().IntVar(&discoverScore, "score", 0, "priority score for discovered urls (default from config)")
	rootCmd.AddCommand(discoverCmd)
}
