package cli

import (
	"github.com/spf13/cobra"

	"github.com/webeval/webeval/pkg/results"
)

// NewSummaryCmd creates the summary command for run statistics.
func NewSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <results-file>",
		Short: "Print aggregate statistics for a results file",
		Long: `Compute pass rate and stage-completion counts from the JSON output
produced by "webeval run", without listing individual tasks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := results.Load(args[0])
			if err != nil {
				return err
			}
			displaySummary(args[0], statuses)
			return nil
		},
	}
}
