package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// UpsertPGN stores a zlib-compressed PGN blob keyed by
// "{run_id}-{task_id}". The worker compresses client-side; the store never
// inspects the bytes.
func (db *DB) UpsertPGN(ctx context.Context, key string, compressed []byte) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO pgns (key, compressed)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET compressed = excluded.compressed
	`, key, compressed)
	if err != nil {
		return fmt.Errorf("sqlite: upsert pgn %s: %w", key, err)
	}
	return nil
}

// FindPGN retrieves a stored PGN blob by its "{run_id}-{task_id}" key.
func (db *DB) FindPGN(ctx context.Context, key string) ([]byte, error) {
	var compressed []byte
	err := db.db.QueryRowContext(ctx, `SELECT compressed FROM pgns WHERE key = ?`, key).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find pgn %s: %w", key, err)
	}
	return compressed, nil
}
