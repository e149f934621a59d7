package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// UpsertRun persists the full run document plus the handful of columns the
// required indexes query directly: finished, deleted,
// approved, is_green, is_yellow, tc_base_seconds, username, last_updated.
func (db *DB) UpsertRun(ctx context.Context, run *domain.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run %s: %w", run.ID, err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO runs (id, username, finished, deleted, approved, is_green, is_yellow, tc_base_seconds, last_updated, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username        = excluded.username,
			finished        = excluded.finished,
			deleted         = excluded.deleted,
			approved        = excluded.approved,
			is_green        = excluded.is_green,
			is_yellow       = excluded.is_yellow,
			tc_base_seconds = excluded.tc_base_seconds,
			last_updated    = excluded.last_updated,
			data            = excluded.data
	`,
		run.ID, run.Args.Username, boolToInt(run.Finished), boolToInt(run.Deleted),
		boolToInt(run.Approved), boolToInt(run.IsGreen), boolToInt(run.IsYellow),
		run.BaseTCSeconds, run.LastUpdated.UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert run %s: %w", run.ID, err)
	}
	return nil
}

// FindRun loads one run document by id.
func (db *DB) FindRun(ctx context.Context, id string) (*domain.Run, error) {
	var data []byte
	var deleted int
	err := db.db.QueryRowContext(ctx, `SELECT data, deleted FROM runs WHERE id = ?`, id).Scan(&data, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find run %s: %w", id, err)
	}
	run, err := decodeRun(data)
	if err != nil {
		return nil, err
	}
	if deleted == 1 {
		run.Deleted = true
	}
	return run, nil
}

// FindUnfinishedRuns returns every non-deleted, unfinished run ordered by
// last_updated descending, backing the Dispatcher's candidate-list rebuild
// against the `idx_runs_unfinished` partial index.
func (db *DB) FindUnfinishedRuns(ctx context.Context) ([]*domain.Run, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT data FROM runs
		WHERE finished = 0 AND deleted = 0
		ORDER BY last_updated DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun marks a run deleted=1 rather than removing the row, preserving
// it for the action log's audit trail (action entries reference run ids
// indefinitely).
func (db *DB) DeleteRun(ctx context.Context, id string) error {
	res, err := db.db.ExecContext(ctx, `UPDATE runs SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

func decodeRun(data []byte) (*domain.Run, error) {
	var run domain.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("sqlite: decode run: %w", err)
	}
	return &run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
