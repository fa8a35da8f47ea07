package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/webeval/webeval/pkg/pipeline"
	"github.com/webeval/webeval/pkg/results"
)

// NewViewCmd creates the view command for rendering run results.
func NewViewCmd() *cobra.Command {
	var (
		taskFilter string
		failedOnly bool
	)

	cmd := &cobra.Command{
		Use:   "view <results-file>",
		Short: "Pretty-print run results from a JSON file",
		Long: `Render the JSON output produced by "webeval run" in a human-friendly format.

Examples:
  webeval view webeval-run-42-out.json
  webeval view --task shop --failed webeval-run-42-out.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := results.Load(args[0])
			if err != nil {
				return err
			}

			filtered := results.Filter(statuses, taskFilter)
			if failedOnly {
				filtered = onlyFailed(filtered)
			}
			if len(filtered) == 0 {
				if taskFilter == "" && !failedOnly {
					return errors.New("no tasks found in results")
				}
				return fmt.Errorf("no tasks matched the filter")
			}

			for _, status := range filtered {
				printStatus(status)
			}

			displaySummary(args[0], statuses)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskFilter, "task", "", "Only show results for tasks whose ID contains this value")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Only show failed tasks")

	return cmd
}

func onlyFailed(statuses []pipeline.LocalStatus) []pipeline.LocalStatus {
	failed := make([]pipeline.LocalStatus, 0, len(statuses))
	for _, s := range statuses {
		if !s.Success {
			failed = append(failed, s)
		}
	}
	return failed
}

func printStatus(status pipeline.LocalStatus) {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	cyan := color.New(color.FgCyan)

	cyan.Printf("Task: %s\n", status.TaskID)
	if status.Success {
		green.Println("  Status: PASSED")
	} else {
		red.Println("  Status: FAILED")
		if reason := results.FailureReason(status); reason != "" {
			fmt.Printf("  Reason: %s\n", reason)
		}
	}
	fmt.Printf("  Stages: %s\n", strings.Join(status.CompletedStages, " → "))
	fmt.Println()
}
