package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcclowes/reqon"
	"github.com/mcclowes/reqon/pkg/mission"
)

const resultRounding = time.Millisecond

var (
	runVars     []string
	runResumeID string
	runRecover  bool
)

var runCmd = &cobra.Command{
	Use:   "run <mission.yaml>",
	Short: "Execute a mission",
	Long: `Run executes the mission described by the given YAML document
against the configured backend. A durable backend makes the execution
resumable: re-run with --resume (or use the resume command) to continue
a failed run from its last completed stage.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := reqon.LoadMission(args[0])
		if err != nil {
			return err
		}
		resolveStorePaths(m, cfg.StoreDir)

		vars, err := parseVars(runVars)
		if err != nil {
			return err
		}

		eng, cleanup, err := buildEngine()
		if err != nil {
			return err
		}
		defer cleanup()
		eng.WithObserver(reqon.NewLoggingObserver(logger))

		ctx := cmd.Context()
		if runRecover {
			n, err := eng.RecoverStuck(ctx)
			if err != nil {
				return fmt.Errorf("recover stuck executions: %w", err)
			}
			if n > 0 {
				fmt.Printf("recovered %d stuck execution(s)\n", n)
			}
		}

		var res *reqon.Result
		if runResumeID != "" {
			res, err = eng.Resume(ctx, m, runResumeID)
		} else {
			res, err = eng.Execute(ctx, m, reqon.Options{Variables: vars})
		}
		if err != nil {
			return err
		}
		return printResult(res)
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "execution variable as key=value (repeatable)")
	runCmd.Flags().StringVar(&runResumeID, "resume", "", "resume the given execution instead of starting fresh")
	runCmd.Flags().BoolVar(&runRecover, "recover", false, "mark executions stranded by a crash as failed before running")
}

// resolveStorePaths anchors relative file and sqlite store paths under
// dir, so missions stay portable across deployments.
func resolveStorePaths(m *reqon.Mission, dir string) {
	if dir == "" {
		return
	}
	for name, def := range m.Stores {
		switch def.Kind {
		case mission.StoreFile, mission.StoreSQLite:
			if def.Path != "" && !filepath.IsAbs(def.Path) {
				def.Path = filepath.Join(dir, def.Path)
				m.Stores[name] = def
			}
		}
	}
}

// parseVars converts repeated key=value flags into typed variables.
// Values parse as int, then float, then bool, then fall back to string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("variable %q is not key=value", pair)
		}
		vars[key] = parseVarValue(raw)
	}
	return vars, nil
}

func parseVarValue(raw string) any {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

// printResult renders the run outcome and returns an error for failed
// runs so the process exits non-zero.
func printResult(res *reqon.Result) error {
	if res.Success {
		fmt.Printf("execution %s completed in %s\n", res.ExecutionID, res.Duration.Round(resultRounding))
	} else {
		fmt.Printf("execution %s failed after %s\n", res.ExecutionID, res.Duration.Round(resultRounding))
	}

	names := make([]string, 0, len(res.Stores))
	for name := range res.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %d record(s)\n", name, res.Stores[name])
	}

	for _, e := range res.Errors {
		fmt.Printf("  error [%s/%s]: %s\n", e.Action, e.Step, e.Message)
	}
	if !res.Success {
		return fmt.Errorf("execution %s failed with %d error(s); resume it with: reqon resume <mission.yaml> %s",
			res.ExecutionID, len(res.Errors), res.ExecutionID)
	}
	return nil
}
