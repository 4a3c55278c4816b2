package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one improvement cycle and print the phase report",
	Long: "Runs all six maintenance phases once: junk cleanup, coverage analysis, " +
		"rescrape flagging, URL pattern learning, requirement coverage rescrapes, " +
		"and region balancing. Phase failures are reported but never abort the cycle.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		report := e.Cycle.Run(ctx)
		return printJSON(report)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}
