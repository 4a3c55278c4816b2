package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fundscope/crawler-cli/internal/pipeline"
)

var patternsMinRate float64

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and maintain learned extraction patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print all dynamic extraction patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		patterns, err := e.Store.LoadDynamicPatterns(ctx)
		if err != nil {
			return err
		}
		return printJSON(patterns)
	},
}

var patternsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove stale or underperforming extraction patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Patterns.Cleanup(ctx, patternsMinRate)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d patterns, %d remain\n", n, e.Patterns.Size())
		return nil
	},
}

var patternsNormalizeCmd = &cobra.Command{
	Use:   "normalize",
	Short: "Remap known miscategorized fields to their proper category",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Store.RemapFieldCategories(ctx, pipeline.CategoryRemaps)
		if err != nil {
			return err
		}
		fmt.Printf("remapped %d fields\n", n)
		return nil
	},
}

func init() {
	patternsCleanupCmd.Flags().Float64Var(&patternsMinRate, "min-rate", 0.2, "minimum success rate to keep a tried pattern")
	patternsCmd.AddCommand(patternsListCmd, patternsCleanupCmd, patternsNormalizeCmd)
	rootCmd.AddCommand(patternsCmd)
}
