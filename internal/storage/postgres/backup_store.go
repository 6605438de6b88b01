package postgres

import (
	"context"
	"fmt"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// BackupStore implements storage.BackupStore using PostgreSQL.
// Snapshots are copied row-for-row from history_events.
type BackupStore struct {
	pool *Pool
}

// NewBackupStore creates a new BackupStore.
func NewBackupStore(pool *Pool) *BackupStore {
	return &BackupStore{pool: pool}
}

// Compile-time interface check.
var _ storage.BackupStore = (*BackupStore)(nil)

// Save snapshots the event's current state. No-op if a backup exists, so the
// earliest original version survives multiple edits.
func (s *BackupStore) Save(ctx context.Context, eventID int64) error {
	return s.save(ctx, s.pool, eventID)
}

func (s *BackupStore) save(ctx context.Context, q querier, eventID int64) error {
	query := `
		INSERT INTO history_events_backup
		SELECT ` + eventColumns + `
		FROM history_events
		WHERE identifier = $1
		ON CONFLICT (identifier) DO NOTHING
	`
	tag, err := q.Exec(ctx, query, eventID)
	if err != nil {
		return fmt.Errorf("save event backup: %w", err)
	}
	// ON CONFLICT swallows the duplicate case, so zero rows means the source
	// event does not exist unless a backup is already there.
	if tag.RowsAffected() == 0 {
		exists, err := s.hasBackup(ctx, q, eventID)
		if err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (s *BackupStore) hasBackup(ctx context.Context, q querier, eventID int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_events_backup WHERE identifier = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event backup: %w", err)
	}
	return exists, nil
}

// Get retrieves a backup. Returns ErrNotFound if none exists.
func (s *BackupStore) Get(ctx context.Context, eventID int64) (*domain.HistoryEvent, error) {
	query := `SELECT` + eventColumns + `FROM history_events_backup WHERE identifier = $1`

	e, err := scanEvent(s.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get event backup: %w", err)
	}
	return e, nil
}

// Pop retrieves and removes backups for the given ids. Ids without a backup
// are silently skipped.
func (s *BackupStore) Pop(ctx context.Context, ids []int64) ([]*domain.HistoryEvent, error) {
	return s.pop(ctx, s.pool, ids)
}

func (s *BackupStore) pop(ctx context.Context, q querier, ids []int64) ([]*domain.HistoryEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		DELETE FROM history_events_backup
		WHERE identifier = ANY($1)
		RETURNING ` + eventColumns

	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("pop event backups: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}
