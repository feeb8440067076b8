package main

import (
	"github.com/spf13/cobra"

	"github.com/mcclowes/reqon"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <mission.yaml> [execution-id]",
	Short: "Resume a failed or paused execution",
	Long: `Resume continues a failed or paused execution from its last
completed stage. Without an execution id, the most recent resumable
execution of the mission is picked.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := reqon.LoadMission(args[0])
		if err != nil {
			return err
		}
		resolveStorePaths(m, cfg.StoreDir)

		eng, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()
		eng.WithObserver(reqon.NewLoggingObserver(logger))

		ctx := cmd.Context()
		var res *reqon.Result
		if len(args) == 2 {
			res, err = eng.Resume(ctx, m, args[1])
		} else {
			res, err = eng.ResumeLatest(ctx, m)
		}
		if err != nil {
			return err
		}
		return printResult(res)
	},
}
