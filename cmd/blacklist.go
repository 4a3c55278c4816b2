package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fundscope/crawler-cli/internal/model"
)

var (
	blacklistType       string
	blacklistReason     string
	blacklistConfidence float64
)

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage learned and manual URL exclusion rules",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add HOST PATTERN",
	Short: "Add an include or exclude rule for a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ptype, err := parsePatternType(blacklistType)
		if err != nil {
			return err
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Blacklist.Add(ctx, args[0], ptype, args[1], blacklistReason, blacklistConfidence); err != nil {
			return err
		}
		fmt.Printf("added %s rule %q for %s\n", ptype, args[1], args[0])
		return nil
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:   "remove HOST PATTERN",
	Short: "Remove a rule for a host",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		ptype, err := parsePatternType(blacklistType)
		if err != nil {
			return err
		}

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Blacklist.Remove(ctx, args[0], ptype, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("removed %d rules\n", n)
		return nil
	},
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all URL rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		patterns, err := e.Blacklist.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(patterns)
	},
}

var blacklistCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Drop low-confidence rules that never matched",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Blacklist.Clean(ctx, cfg.Blacklist.MinConfidence, cfg.Blacklist.CleanMinUsage)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale rules\n", n)
		return nil
	},
}

var blacklistSeedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Import exclusion rules from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Blacklist.LoadSeeds(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d seed rules\n", n)
		return nil
	},
}

func parsePatternType(s string) (model.PatternType, error) {
	switch s {
	case "include":
		return model.PatternTypeInclude, nil
	case "exclude":
		return model.PatternTypeExclude, nil
	default:
		return "", eris.Errorf("invalid pattern type: %s (want include or exclude)", s)
	}
}

func init() {
	blacklistCmd.PersistentFlags().StringVar(&blacklistType, "type", "exclude", "rule type: include or exclude")
	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "manual", "why this rule exists")
	blacklistAddCmd.Flags().Float64Var(&blacklistConfidence, "confidence", 1.0, "rule confidence")
	blacklistCmd.AddCommand(blacklistAddCmd, blacklistRemoveCmd, blacklistListCmd, blacklistCleanCmd, blacklistSeedCmd)
	rootCmd.AddCommand(blacklistCmd)
}
