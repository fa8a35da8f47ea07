package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root webeval command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "webeval",
		Short: "Browser agent evaluation harness",
		Long: `webeval runs a browser-automation agent through natural-language web tasks
and judges the recorded trajectories with an LLM-as-judge pipeline.`,
	}

	// Add subcommands
	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewViewCmd())
	rootCmd.AddCommand(NewSummaryCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}
