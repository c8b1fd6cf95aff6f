package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// StartRun records the beginning of a sync run.
func (db *DB) StartRun(runID string) error {
	_, err := db.Exec(`INSERT INTO sync_runs (run_id, started_at, status) VALUES (?, ?, ?)`,
		runID, time.Now().Unix(), RunRunning)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the final counters and status of r.
func (db *DB) FinishRun(r *Run) error {
	_, err := db.Exec(`
		UPDATE sync_runs SET
			finished_at = ?, status = ?, dialogs = ?, new_messages = ?,
			failed_dialogs = ?, holes = ?, holes_missing = ?, error_message = ?
		WHERE run_id = ?`,
		time.Now().Unix(), r.Status, r.Dialogs, r.NewMessages,
		r.FailedDialogs, r.Holes, r.HolesMissing, r.ErrorMessage, r.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", r.RunID, err)
	}
	return nil
}

// LatestRun returns the most recently started run, or nil when none exists.
func (db *DB) LatestRun() (*Run, error) {
	var r Run
	var finished sql.NullInt64
	err := db.QueryRow(`
		SELECT run_id, started_at, finished_at, status, dialogs, new_messages,
			failed_dialogs, holes, holes_missing, error_message
		FROM sync_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`).Scan(&r.RunID, &r.StartedAt, &finished, &r.Status, &r.Dialogs, &r.NewMessages,
		&r.FailedDialogs, &r.Holes, &r.HolesMissing, &r.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.FinishedAt = nullInt(finished)
	return &r, nil
}
