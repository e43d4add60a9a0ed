// Package commands wires the dipeo-run CLI's cobra command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dipeo-run",
	Short: "Execute a compiled DiPeO diagram",
	Long: `dipeo-run loads a compiled diagram, runs it against the runtime
engine, and reports its outcome.

Exit codes:
  0  the run reached COMPLETED
  1  the run reached FAILED
  2  the run was CANCELLED
  3  the run hit MAX_STEPS`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dipeo-run:", err)
		return exitCodeFor(err)
	}
	return lastExitCode
}
