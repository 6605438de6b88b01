package postgres

import (
	"context"
	"fmt"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// MappingStore implements storage.MappingStore using PostgreSQL.
type MappingStore struct {
	pool *Pool
}

// NewMappingStore creates a new MappingStore.
func NewMappingStore(pool *Pool) *MappingStore {
	return &MappingStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MappingStore = (*MappingStore)(nil)

// SetState marks an event. Idempotent.
func (s *MappingStore) SetState(ctx context.Context, eventID int64, state domain.MappingState) error {
	return s.setState(ctx, s.pool, eventID, state)
}

func (s *MappingStore) setState(ctx context.Context, q querier, eventID int64, state domain.MappingState) error {
	if eventID == 0 || state == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO history_events_mappings (parent_identifier, name)
		VALUES ($1, $2)
		ON CONFLICT (parent_identifier, name) DO NOTHING
	`
	if _, err := q.Exec(ctx, query, eventID, string(state)); err != nil {
		return fmt.Errorf("set event state: %w", err)
	}
	return nil
}

// RemoveState unmarks an event. No-op if not set.
func (s *MappingStore) RemoveState(ctx context.Context, eventID int64, state domain.MappingState) error {
	return s.removeState(ctx, s.pool, eventID, state)
}

func (s *MappingStore) removeState(ctx context.Context, q querier, eventID int64, state domain.MappingState) error {
	query := `DELETE FROM history_events_mappings WHERE parent_identifier = $1 AND name = $2`
	if _, err := q.Exec(ctx, query, eventID, string(state)); err != nil {
		return fmt.Errorf("remove event state: %w", err)
	}
	return nil
}

// HasState reports whether the event carries the marker.
func (s *MappingStore) HasState(ctx context.Context, eventID int64, state domain.MappingState) (bool, error) {
	return s.hasState(ctx, s.pool, eventID, state)
}

func (s *MappingStore) hasState(ctx context.Context, q querier, eventID int64, state domain.MappingState) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM history_events_mappings
			WHERE parent_identifier = $1 AND name = $2
		)
	`
	var exists bool
	if err := q.QueryRow(ctx, query, eventID, string(state)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event state: %w", err)
	}
	return exists, nil
}

// IDsWithState filters ids down to those carrying the marker.
func (s *MappingStore) IDsWithState(ctx context.Context, ids []int64, state domain.MappingState) (map[int64]struct{}, error) {
	if len(ids) == 0 {
		return map[int64]struct{}{}, nil
	}

	query := `
		SELECT parent_identifier
		FROM history_events_mappings
		WHERE parent_identifier = ANY($1) AND name = $2
	`
	rows, err := s.pool.Query(ctx, query, ids, string(state))
	if err != nil {
		return nil, fmt.Errorf("list event states: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event state row: %w", err)
		}
		result[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event state rows: %w", err)
	}
	return result, nil
}
