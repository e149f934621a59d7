package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers. Infrastructure
// implements them; the application layer (RunRegistry, Dispatcher,
// TaskUpdater, Scavenger) depends on them, never on a concrete driver.

// Store is the persistent document store boundary. Every method returns a
// Go error; only the ApiFacade translates one into an HTTP status.
type Store interface {
	UpsertRun(ctx context.Context, run *Run) error
	FindRun(ctx context.Context, id string) (*Run, error)
	// FindUnfinishedRuns returns unfinished, non-deleted runs, ordered by
	// last_updated descending, for Dispatcher candidate-list rebuilds.
	FindUnfinishedRuns(ctx context.Context) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	UpsertUser(ctx context.Context, u *User) error
	FindUser(ctx context.Context, username string) (*User, error)

	InsertAction(ctx context.Context, a *Action) error
	FindActions(ctx context.Context, username string, limit int) ([]*Action, error)

	// UpsertPGN stores a zlib-compressed PGN blob keyed by "{run_id}-{task_id}".
	UpsertPGN(ctx context.Context, key string, compressed []byte) error
	FindPGN(ctx context.Context, key string) ([]byte, error)

	Close() error
}

// Notifier is the external mail-notification collaborator, reached only
// through this interface.
type Notifier interface {
	RunFinished(ctx context.Context, run *Run)
}
