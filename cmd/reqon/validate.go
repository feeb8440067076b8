package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mcclowes/reqon"
)

var validateCmd = &cobra.Command{
	Use:   "validate <mission.yaml>",
	Short: "Check a mission document without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := reqon.LoadMission(args[0])
		if err != nil {
			return err
		}
		if errs := reqon.ValidateMission(m); len(errs) > 0 {
			for _, e := range errs {
				fmt.Printf("  %v\n", e)
			}
			return fmt.Errorf("mission %q has %d problem(s)", m.Name, len(errs))
		}
		fmt.Printf("mission %q is valid: %d source(s), %d store(s), %d action(s), %d stage(s)\n",
			m.Name, len(m.Sources), len(m.Stores), len(m.Actions), len(m.Pipeline))
		return nil
	},
}
