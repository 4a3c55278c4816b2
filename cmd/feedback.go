package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var feedbackMistakeLimit int

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Inspect the classification feedback loop",
}

var feedbackStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print classification accuracy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		report, err := e.Feedback.Accuracy(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var feedbackMistakesCmd = &cobra.Command{
	Use:   "mistakes",
	Short: "Print recent misclassifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		mistakes, err := e.Feedback.CommonMistakes(ctx, feedbackMistakeLimit)
		if err != nil {
			return err
		}
		return printJSON(mistakes)
	},
}

var feedbackPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete feedback older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Feedback.Prune(ctx, cfg.Feedback.RetentionDays)
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d outcomes older than %d days\n", n, cfg.Feedback.RetentionDays)
		return nil
	},
}

func init() {
	feedbackMistakesCmd.Flags().IntVar(&feedbackMistakeLimit, "limit", 20, "maximum mistakes to show")
	feedbackCmd.AddCommand(feedbackStatsCmd, feedbackMistakesCmd, feedbackPruneCmd)
	rootCmd.AddCommand(feedbackCmd)
}
