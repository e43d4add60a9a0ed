// Command dipeo-run executes a compiled diagram against the runtime
// engine and reports its outcome, per spec §6's exit-code contract:
// 0 COMPLETED, 1 FAILED, 2 CANCELLED, 3 MAX_STEPS.
package main

import (
	"os"

	"github.com/dipeo/dipeo-engine/cmd/dipeo-run/commands"
)

func main() {
	os.Exit(commands.Execute())
}
