package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dipeo/dipeo-engine/cmd/dipeo-run/diagramfile"
	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/emit"
	"github.com/dipeo/dipeo-engine/handlers"
	"github.com/dipeo/dipeo-engine/runtime"
	"github.com/dipeo/dipeo-engine/store"
	"github.com/dipeo/dipeo-engine/usage"
)

var (
	flagVarsJSON   string
	flagJSONLog    bool
	flagSQLitePath string
	flagMaxSteps   int
	flagFailFast   bool

	// lastExitCode carries the mapped reason code out of a successful
	// RunE (one that returned nil error) back to Execute.
	lastExitCode int
)

func init() {
	rootCmd.Args = cobra.ExactArgs(1)
	rootCmd.Use = "dipeo-run DIAGRAM_FILE"
	rootCmd.RunE = runDiagram

	rootCmd.Flags().StringVar(&flagVarsJSON, "vars", "", "JSON object of initial variables bound to the START node")
	rootCmd.Flags().BoolVar(&flagJSONLog, "json-log", false, "emit lifecycle events as JSON lines instead of text")
	rootCmd.Flags().StringVar(&flagSQLitePath, "sqlite-path", "", "persist the final run snapshot to this SQLite file (default: in-memory, not persisted)")
	rootCmd.Flags().IntVar(&flagMaxSteps, "max-steps", 0, "override the global step cap (0 = engine default)")
	rootCmd.Flags().BoolVar(&flagFailFast, "fail-fast", false, "end the run FAILED on the first isolated node failure")
}

// exitCodeFor maps a setup/usage error (bad flags, unreadable diagram file)
// to the generic failure code; runDiagram itself sets lastExitCode directly
// from the engine's terminal reason when it returns nil.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

func runDiagram(cmd *cobra.Command, args []string) error {
	d, err := diagramfile.Load(args[0])
	if err != nil {
		return err
	}

	vars := map[string]any{}
	if flagVarsJSON != "" {
		if err := json.Unmarshal([]byte(flagVarsJSON), &vars); err != nil {
			return fmt.Errorf("--vars: %w", err)
		}
	}

	pipeline := emit.NewPipeline()
	pipeline.AddEmitter(emit.NewLogEmitter(os.Stderr, flagJSONLog))

	registry := runtime.NewRegistry()
	registerHandlers(registry)

	opts := []runtime.Option{
		runtime.WithPipeline(pipeline),
		runtime.WithFailFast(flagFailFast),
	}
	if flagMaxSteps > 0 {
		opts = append(opts, runtime.WithMaxSteps(flagMaxSteps))
	}

	engine := runtime.New(d, registry, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := engine.Run(ctx, vars)
	if result == nil {
		return runErr
	}

	fmt.Fprintf(os.Stdout, "reason=%s completed=%d failed=%d skipped=%d total=%d\n",
		result.Reason, result.Summary.Completed, result.Summary.Failed, result.Summary.Skipped, result.Summary.TotalNodes)

	if flagSQLitePath != "" {
		if err := persistSnapshot(ctx, flagSQLitePath, d.ID, engine, result); err != nil {
			fmt.Fprintln(os.Stderr, "dipeo-run: snapshot:", err)
		}
	}

	lastExitCode = exitCodeForReason(result.Reason)
	return nil
}

func exitCodeForReason(reason emit.EndReason) int {
	switch reason {
	case emit.ReasonCompleted:
		return 0
	case emit.ReasonFailed:
		return 1
	case emit.ReasonCancelled:
		return 2
	case emit.ReasonMaxSteps:
		return 3
	default:
		return 1
	}
}

func persistSnapshot(ctx context.Context, path, diagramID string, engine *runtime.Engine, result *runtime.Result) error {
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return err
	}
	defer s.Close()

	snap := store.Snapshot{
		RunID:     result.RunID,
		Step:      result.Summary.TotalNodes,
		DiagramID: diagramID,
		State:     engine.Dump(),
	}
	return s.Save(ctx, snap)
}

func registerHandlers(registry *runtime.Registry) {
	tracker := usage.NewTracker("", "USD")

	registry.Register(diagram.Start, handlers.Start{})
	registry.Register(diagram.Endpoint, handlers.Endpoint{})
	registry.Register(diagram.Condition, handlers.NewCondition())
	registry.Register(diagram.APIJob, handlers.NewAPIJob())
	registry.Register(diagram.DiffPatch, handlers.DiffPatch{})
	registry.Register(diagram.PersonJob, &handlers.PersonJob{Tracker: tracker})
}
