package main

import (
	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Rebalance queue priorities by institution success rate",
	Long: "Groups recent job outcomes by funding institution and shifts queued " +
		"priority scores toward institutions that yield more usable pages.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		stats, err := e.Balancer.Rebalance(ctx)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}
