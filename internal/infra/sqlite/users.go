package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fishtest-net/orchestrator/internal/domain"
)

// UpsertUser persists a user record (block state, cpu-hours, machine
// limit).
func (db *DB) UpsertUser(ctx context.Context, u *domain.User) error {
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, blocked, cpu_hours, machine_limit)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			password_hash = excluded.password_hash,
			blocked       = excluded.blocked,
			cpu_hours     = excluded.cpu_hours,
			machine_limit = excluded.machine_limit
	`, u.Username, u.PasswordHash, boolToInt(u.Blocked), u.CPUHours, u.MachineLimit)
	if err != nil {
		return fmt.Errorf("sqlite: upsert user %s: %w", u.Username, err)
	}
	return nil
}

// FindUser loads a user by username.
func (db *DB) FindUser(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	var blocked int
	err := db.db.QueryRowContext(ctx, `
		SELECT username, password_hash, blocked, cpu_hours, machine_limit
		FROM users WHERE username = ?
	`, username).Scan(&u.Username, &u.PasswordHash, &blocked, &u.CPUHours, &u.MachineLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find user %s: %w", username, err)
	}
	u.Blocked = blocked == 1
	return &u, nil
}
