package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// InsertAction appends one action-log entry, assigning a
// surrogate id via google/uuid when the caller hasn't set one — mirroring
// actiondb.py's append-only, replay-safe log.
func (db *DB) InsertAction(ctx context.Context, a *domain.Action) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: marshal action payload: %w", err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO actions (id, timestamp, username, verb, payload)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Timestamp.UTC().Format(time.RFC3339Nano), a.Username, string(a.Verb), payload)
	if err != nil {
		return fmt.Errorf("sqlite: insert action: %w", err)
	}
	return nil
}

// FindActions returns the most recent actions for username, newest first,
// bounded by limit.
func (db *DB) FindActions(ctx context.Context, username string, limit int) ([]*domain.Action, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, timestamp, username, verb, payload
		FROM actions WHERE username = ?
		ORDER BY timestamp DESC LIMIT ?
	`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find actions for %s: %w", username, err)
	}
	defer rows.Close()

	var out []*domain.Action
	for rows.Next() {
		var a domain.Action
		var ts string
		var verb string
		var payload []byte
		if err := rows.Scan(&a.ID, &ts, &a.Username, &verb, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan action: %w", err)
		}
		a.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		a.Verb = domain.ActionVerb(verb)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &a.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: decode action payload: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
