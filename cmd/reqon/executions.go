package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcclowes/reqon"
)

var (
	listMission string
	listLimit   int
	showEvents  bool
)

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Inspect persisted executions",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		var states []*reqon.State
		if listMission != "" {
			states, err = eng.ListExecutions(ctx, listMission)
		} else {
			states, err = eng.ListRecent(ctx, listLimit)
		}
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("no executions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMISSION\tSTATUS\tSTARTED\tDURATION\tPROGRESS")
		for _, st := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\n",
				st.ID, st.Mission, st.Status,
				st.StartedAt.Format(time.RFC3339),
				st.Duration.Round(resultRounding),
				st.Progress())
		}
		return w.Flush()
	},
}

var executionsShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show one execution in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		st, err := eng.GetExecution(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("id:       %s\n", st.ID)
		fmt.Printf("mission:  %s\n", st.Mission)
		fmt.Printf("status:   %s\n", st.Status)
		fmt.Printf("started:  %s\n", st.StartedAt.Format(time.RFC3339))
		if st.CompletedAt != nil {
			fmt.Printf("finished: %s\n", st.CompletedAt.Format(time.RFC3339))
		}
		fmt.Printf("summary:  %s\n", st.Summary())

		fmt.Println("stages:")
		for i, stage := range st.Stages {
			line := fmt.Sprintf("  %d. %s: %s", i, stage.Action, stage.Status)
			if stage.Attempt > 1 {
				line += fmt.Sprintf(" (attempt %d)", stage.Attempt)
			}
			if stage.Error != "" {
				line += " - " + stage.Error
			}
			fmt.Println(line)
		}

		if len(st.Errors) > 0 {
			fmt.Println("errors:")
			for _, e := range st.Errors {
				fmt.Printf("  [%s/%s] %s\n", e.Action, e.Step, e.Message)
			}
		}

		if showEvents {
			events, err := eng.ExecutionEvents(ctx, st.ID)
			if err != nil {
				return err
			}
			fmt.Println("events:")
			for _, ev := range events {
				line := fmt.Sprintf("  %s %s", ev.At.Format(time.RFC3339), ev.Type)
				if ev.Action != "" {
					line += " " + ev.Action
				}
				if ev.Step != "" {
					line += "/" + ev.Step
				}
				if ev.Detail != "" {
					line += ": " + ev.Detail
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var executionsDeleteCmd = &cobra.Command{
	Use:   "delete <execution-id>",
	Short: "Delete one execution's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := eng.DeleteExecution(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

func init() {
	executionsListCmd.Flags().StringVar(&listMission, "mission", "", "only executions of this mission")
	executionsListCmd.Flags().IntVar(&listLimit, "limit", 20, "how many executions to list")
	executionsShowCmd.Flags().BoolVar(&showEvents, "events", false, "include the journaled event stream")

	executionsCmd.AddCommand(executionsListCmd)
	executionsCmd.AddCommand(executionsShowCmd)
	executionsCmd.AddCommand(executionsDeleteCmd)
}
