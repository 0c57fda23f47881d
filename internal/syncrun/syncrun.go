// Package syncrun records per-run status rows so a run's outcome survives
// the process.
package syncrun

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Run kinds.
const (
	KindIngest = "ingest"
	KindPush   = "push"
)

// Run is one recorded pipeline run.
type Run struct {
	RunID       string                 `json:"run_id"`
	Kind        string                 `json:"kind"`
	Status      string                 `json:"status"`
	StartedAt   int64                  `json:"started_at"`
	UpdatedAt   int64                  `json:"updated_at"`
	LastError   *string                `json:"last_error,omitempty"`
	Progress    map[string]interface{} `json:"progress,omitempty"`
	ProgressRaw *string                `json:"-"`
}

func ensureRunsTable(db *sql.DB) error {
	// Keep this defensive: existing installs may not have re-run init/schema.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_runs (
			run_id        TEXT PRIMARY KEY,
			kind          TEXT NOT NULL,
			status        TEXT NOT NULL,
			started_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			last_error    TEXT,
			progress_json TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure sync_runs table: %w", err)
	}
	return nil
}

// Start records a new running run and returns its id.
func Start(db *sql.DB, kind string) (string, error) {
	if err := ensureRunsTable(db); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	now := time.Now().Unix()
	_, err := db.Exec(`
		INSERT INTO sync_runs (run_id, kind, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, kind, StatusRunning, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// Update stores the run's current progress.
func Update(db *sql.DB, runID string, progress any) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = db.Exec(`
		UPDATE sync_runs
		SET updated_at = ?, progress_json = ?
		WHERE run_id = ?
	`, now, progressJSON, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// FinishSuccess marks the run succeeded with its final progress.
func FinishSuccess(db *sql.DB, runID string, progress any) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = db.Exec(`
		UPDATE sync_runs
		SET status = ?, updated_at = ?, last_error = NULL, progress_json = ?
		WHERE run_id = ?
	`, StatusSucceeded, now, progressJSON, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// FinishError marks the run failed, keeping whatever progress was last
// recorded.
func FinishError(db *sql.DB, runID string, runErr error) error {
	now := time.Now().Unix()
	msg := runErr.Error()
	_, err := db.Exec(`
		UPDATE sync_runs
		SET status = ?, updated_at = ?, last_error = ?
		WHERE run_id = ?
	`, StatusFailed, now, msg, runID)
	if err != nil {
		return fmt.Errorf("failed to record run error: %w", err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func List(db *sql.DB, limit int) ([]Run, error) {
	if err := ensureRunsTable(db); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.Query(`
		SELECT run_id, kind, status, started_at, updated_at, last_error, progress_json
		FROM sync_runs
		ORDER BY started_at DESC, run_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.Kind, &r.Status, &r.StartedAt, &r.UpdatedAt, &r.LastError, &r.ProgressRaw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.ProgressRaw != nil {
			_ = json.Unmarshal([]byte(*r.ProgressRaw), &r.Progress)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalProgress(progress any) (*string, error) {
	if progress == nil {
		return nil, nil
	}
	b, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress json: %w", err)
	}
	s := string(b)
	return &s, nil
}
