package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var enqueueScore int

var enqueueCmd = &cobra.Command{
	Use:   "enqueue URL [URL...]",
	Short: "Add seed URLs to the crawl queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		score := enqueueScore
		if score <= 0 {
			score = cfg.Crawl.DefaultScore
		}

		added := 0
		for _, url := range args {
			ok, err := e.Queue.Enqueue(ctx, url, 0, url, score)
			if err != nil {
				return err
			}
			if ok {
				added++
			} else {
				fmt.Printf("excluded: %s\n", url)
			}
		}
		fmt.Printf("enqueued %d of %d urls\n", added, len(args))
		return nil
	},
}

func init() {
	enqueueCmd.Flags().IntVar(&enqueueScore, "score", 0, "priority score for the seeds (default from config)")
	rootCmd.AddCommand(enqueueCmd)
}
