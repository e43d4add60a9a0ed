// Package store persists and restores a run's opaque state snapshot: the
// single object spec §6 describes as {nodeStates, executionRecords,
// executionCounts, lastOutputs, iterationsPerEpoch, metadata,
// executionOrder}, produced by statetracker.Tracker.Dump and consumed by
// LoadStates. The core scheduler never depends on this package directly —
// callers snapshot and restore a Tracker around calls to runtime.Engine.
package store

import (
	"context"
	"encoding/json"

	"github.com/dipeo/dipeo-engine/statetracker"
)

// Snapshot is one run's persisted point-in-time state, keyed by run ID and
// stamped with the step count it was taken at (for display/ordering only;
// restoring does not require it).
type Snapshot struct {
	RunID     string
	Step      int
	DiagramID string
	State     statetracker.DumpState
}

// Store persists and retrieves run snapshots. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save writes (or overwrites) the snapshot for snap.RunID.
	Save(ctx context.Context, snap Snapshot) error
	// Load returns the most recently saved snapshot for runID.
	Load(ctx context.Context, runID string) (Snapshot, error)
	// Delete removes every snapshot for runID.
	Delete(ctx context.Context, runID string) error
	// ListRuns returns every run ID with at least one saved snapshot.
	ListRuns(ctx context.Context) ([]string, error)
}

// ErrNotFound is returned by Load when runID has no saved snapshot.
type ErrNotFound struct{ RunID string }

func (e *ErrNotFound) Error() string { return "store: no snapshot for run " + e.RunID }

func encodeState(s statetracker.DumpState) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (statetracker.DumpState, error) {
	var s statetracker.DumpState
	err := json.Unmarshal(data, &s)
	return s, err
}
