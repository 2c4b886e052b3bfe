// Package runindex records processed steps in a sqlite database so
// downstream tooling can query what a postprocessing run produced without
// crawling the output tree.
//
// The index is an optional convenience: the ledgers on disk remain the
// source of truth for coordination.
package runindex

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the run index database. A nil *DB is a valid no-op index, so
// callers can thread an optional index without nil checks at every site.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the run index at path and applies any
// pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run index %s: %w", path, err)
	}
	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// RecordRun registers a postprocessing run before its units start.
func (db *DB) RecordRun(runID string, startedAt time.Time) error {
	if db == nil {
		return nil
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stamps a run's completion time.
func (db *DB) FinishRun(runID string, finishedAt time.Time) error {
	if db == nil {
		return nil
	}
	_, err := db.Exec(
		`UPDATE runs SET finished_at = ? WHERE run_id = ?`,
		finishedAt.UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// RecordStep indexes one processed step.
func (db *DB) RecordStep(runID, unitID string, step, artifacts int, d time.Duration) error {
	if db == nil {
		return nil
	}
	_, err := db.Exec(
		`INSERT INTO steps (run_id, unit_id, step, artifacts, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		runID, unitID, step, artifacts, float64(d)/float64(time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("record step %d of %s: %w", step, unitID, err)
	}
	return nil
}

// StepCount returns how many steps the index holds for one unit of a run.
func (db *DB) StepCount(runID, unitID string) (int, error) {
	if db == nil {
		return 0, nil
	}
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND unit_id = ?`,
		runID, unitID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count steps of %s: %w", unitID, err)
	}
	return n, nil
}

// Close closes the underlying database if the index is in use.
func (db *DB) Close() error {
	if db == nil {
		return nil
	}
	return db.DB.Close()
}
