package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists run snapshots in a single-file SQLite database: one
// row per run, overwritten on every Save. WAL mode is enabled for
// concurrent reads alongside a single writer, matching SQLite's native
// concurrency model.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) the database at path and
// ensures its schema exists. path may be ":memory:" for an ephemeral
// database, typically used in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS run_snapshots (
	run_id     TEXT PRIMARY KEY,
	diagram_id TEXT NOT NULL,
	step       INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	data, err := encodeState(snap.State)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO run_snapshots (run_id, diagram_id, step, state_json, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(run_id) DO UPDATE SET
	diagram_id = excluded.diagram_id,
	step = excluded.step,
	state_json = excluded.state_json,
	updated_at = CURRENT_TIMESTAMP`,
		snap.RunID, snap.DiagramID, snap.Step, string(data))
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, diagram_id, step, state_json FROM run_snapshots WHERE run_id = ?`, runID)

	var snap Snapshot
	var stateJSON string
	if err := row.Scan(&snap.RunID, &snap.DiagramID, &snap.Step, &stateJSON); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, &ErrNotFound{RunID: runID}
		}
		return Snapshot{}, fmt.Errorf("store: load snapshot: %w", err)
	}

	state, err := decodeState([]byte(stateJSON))
	if err != nil {
		return Snapshot{}, fmt.Errorf("store: decode snapshot: %w", err)
	}
	snap.State = state
	return snap, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_snapshots WHERE run_id = ?`, runID)
	return err
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM run_snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
