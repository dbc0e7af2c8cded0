package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:   "apply <pid> <metadata-file>",
	Short: "Apply a livepatch to a running process",
	Long: `Drives the cross-process hijack protocol against pid: stops every
thread, waits for the agent's allocator/loader locks to clear, stages the
metadata file path into the agent's scratch buffer, and redirects the main
thread into the agent's trigger entry point.`,
	Args: cobra.ExactArgs(2),
	RunE: runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx := GetContext()

	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("parse pid: %w", err)
	}

	return triggerAgent(ctx, pid, args[1])
}
