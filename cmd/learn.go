package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fundscope/crawler-cli/internal/learner"
)

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Mine the field corpus for requirement patterns and quality rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		summary, err := e.Learner.LearnRequirementPatterns(ctx)
		if errors.Is(err, learner.ErrNotEnoughData) {
			fmt.Println("corpus too small, skipping requirement patterns")
		} else if err != nil {
			return err
		} else {
			if err := printJSON(summary); err != nil {
				return err
			}
		}

		rules, err := e.Learner.LearnQualityRules(ctx)
		if errors.Is(err, learner.ErrNotEnoughData) {
			fmt.Println("corpus too small, skipping quality rules")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("learned %d quality rules\n", rules)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(learnCmd)
}
