package postgres

import (
	"context"
	"fmt"
	"sort"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// LinkStore implements storage.LinkStore using PostgreSQL.
type LinkStore struct {
	pool *Pool
}

// NewLinkStore creates a new LinkStore.
func NewLinkStore(pool *Pool) *LinkStore {
	return &LinkStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LinkStore = (*LinkStore)(nil)

// RecordMatch upserts a link row per matched id.
func (s *LinkStore) RecordMatch(ctx context.Context, movementID int64, matchedIDs []int64) error {
	return s.recordMatch(ctx, s.pool, movementID, matchedIDs)
}

func (s *LinkStore) recordMatch(ctx context.Context, q querier, movementID int64, matchedIDs []int64) error {
	if movementID == 0 || len(matchedIDs) == 0 {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO history_event_links (left_event_id, right_event_id, link_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (left_event_id, right_event_id, link_type) DO NOTHING
	`
	for _, id := range matchedIDs {
		if id == 0 {
			return storage.ErrInvalidInput
		}
		if _, err := q.Exec(ctx, query, movementID, id, string(domain.LinkTypeMovementMatch)); err != nil {
			return fmt.Errorf("record match link: %w", err)
		}
	}
	return nil
}

// RecordNoMatch marks a movement as having no onchain counterpart.
func (s *LinkStore) RecordNoMatch(ctx context.Context, movementID int64) error {
	if movementID == 0 {
		return storage.ErrInvalidInput
	}

	linked, err := s.IsLinked(ctx, movementID)
	if err != nil {
		return err
	}
	if linked {
		return storage.ErrConflict
	}

	query := `
		INSERT INTO history_event_link_ignores (event_id, link_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id, link_type) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, movementID, string(domain.LinkTypeMovementMatch)); err != nil {
		return fmt.Errorf("record no-match marker: %w", err)
	}
	return nil
}

// RemoveLinks deletes every link and ignore row touching eventID as either
// endpoint and returns the freed sibling event ids.
func (s *LinkStore) RemoveLinks(ctx context.Context, eventID int64) ([]int64, error) {
	return s.removeLinks(ctx, s.pool, eventID)
}

func (s *LinkStore) removeLinks(ctx context.Context, q querier, eventID int64) ([]int64, error) {
	query := `
		DELETE FROM history_event_links
		WHERE (left_event_id = $1 OR right_event_id = $1) AND link_type = $2
		RETURNING left_event_id, right_event_id
	`
	rows, err := q.Query(ctx, query, eventID, string(domain.LinkTypeMovementMatch))
	if err != nil {
		return nil, fmt.Errorf("remove links: %w", err)
	}
	defer rows.Close()

	siblingSet := make(map[int64]struct{})
	for rows.Next() {
		var left, right int64
		if err := rows.Scan(&left, &right); err != nil {
			return nil, fmt.Errorf("scan removed link row: %w", err)
		}
		if left == eventID {
			siblingSet[right] = struct{}{}
		} else {
			siblingSet[left] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate removed link rows: %w", err)
	}
	rows.Close()

	if err := s.clearIgnore(ctx, q, eventID); err != nil {
		return nil, err
	}

	return sortedIDs(siblingSet), nil
}

func (s *LinkStore) clearIgnore(ctx context.Context, q querier, eventID int64) error {
	query := `DELETE FROM history_event_link_ignores WHERE event_id = $1 AND link_type = $2`
	if _, err := q.Exec(ctx, query, eventID, string(domain.LinkTypeMovementMatch)); err != nil {
		return fmt.Errorf("clear no-match marker: %w", err)
	}
	return nil
}

func (s *LinkStore) isIgnored(ctx context.Context, eventID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM history_event_link_ignores
			WHERE event_id = $1 AND link_type = $2
		)
	`
	var exists bool
	err := s.pool.QueryRow(ctx, query, eventID, string(domain.LinkTypeMovementMatch)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check no-match marker: %w", err)
	}
	return exists, nil
}

// IsLinked reports whether eventID appears as either link endpoint.
func (s *LinkStore) IsLinked(ctx context.Context, eventID int64) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM history_event_links
			WHERE (left_event_id = $1 OR right_event_id = $1) AND link_type = $2
		)
	`
	var exists bool
	err := s.pool.QueryRow(ctx, query, eventID, string(domain.LinkTypeMovementMatch)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check link: %w", err)
	}
	return exists, nil
}

// LinkedEventIDs returns all ids appearing as either link endpoint.
func (s *LinkStore) LinkedEventIDs(ctx context.Context) (map[int64]struct{}, error) {
	query := `
		SELECT left_event_id, right_event_id
		FROM history_event_links
		WHERE link_type = $1
	`
	rows, err := s.pool.Query(ctx, query, string(domain.LinkTypeMovementMatch))
	if err != nil {
		return nil, fmt.Errorf("list linked event ids: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]struct{})
	for rows.Next() {
		var left, right int64
		if err := rows.Scan(&left, &right); err != nil {
			return nil, fmt.Errorf("scan link row: %w", err)
		}
		result[left] = struct{}{}
		result[right] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link rows: %w", err)
	}
	return result, nil
}

// MatchedRightIDs returns the ids of events already matched to a movement.
func (s *LinkStore) MatchedRightIDs(ctx context.Context) (map[int64]struct{}, error) {
	query := `
		SELECT DISTINCT right_event_id
		FROM history_event_links
		WHERE link_type = $1
	`
	return s.queryIDSet(ctx, query)
}

// IgnoredEventIDs returns the ids of events carrying an ignore marker.
func (s *LinkStore) IgnoredEventIDs(ctx context.Context) (map[int64]struct{}, error) {
	query := `
		SELECT event_id
		FROM history_event_link_ignores
		WHERE link_type = $1
	`
	return s.queryIDSet(ctx, query)
}

func (s *LinkStore) queryIDSet(ctx context.Context, query string) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, query, string(domain.LinkTypeMovementMatch))
	if err != nil {
		return nil, fmt.Errorf("query id set: %w", err)
	}
	defer rows.Close()

	result := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id row: %w", err)
		}
		result[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate id rows: %w", err)
	}
	return result, nil
}

// GroupLinks returns every link whose movement is associated with any of the
// given groups through either endpoint, joined with group info.
func (s *LinkStore) GroupLinks(ctx context.Context, groupIDs []string) ([]*domain.GroupLink, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}

	// Movements associated with the wanted groups through either endpoint,
	// then every link of those movements so whole clusters come back.
	query := `
		WITH target_movements AS (
			SELECT DISTINCT l.left_event_id
			FROM history_event_links l
			JOIN history_events lm ON lm.identifier = l.left_event_id
			JOIN history_events rm ON rm.identifier = l.right_event_id
			WHERE l.link_type = $2
			  AND (lm.group_identifier = ANY($1) OR rm.group_identifier = ANY($1))
		)
		SELECT l.left_event_id, l.right_event_id,
		       lm.group_identifier, rm.group_identifier,
		       lm.entry_type, rm.entry_type
		FROM history_event_links l
		JOIN target_movements t ON t.left_event_id = l.left_event_id
		JOIN history_events lm ON lm.identifier = l.left_event_id
		JOIN history_events rm ON rm.identifier = l.right_event_id
		WHERE l.link_type = $2
		ORDER BY l.left_event_id ASC, l.right_event_id ASC
	`

	rows, err := s.pool.Query(ctx, query, groupIDs, string(domain.LinkTypeMovementMatch))
	if err != nil {
		return nil, fmt.Errorf("query group links: %w", err)
	}
	defer rows.Close()

	var result []*domain.GroupLink
	for rows.Next() {
		var l domain.GroupLink
		var movementEntry, matchedEntry string
		err := rows.Scan(
			&l.MovementID, &l.MatchedID,
			&l.MovementGroupID, &l.MatchedGroupID,
			&movementEntry, &matchedEntry,
		)
		if err != nil {
			return nil, fmt.Errorf("scan group link row: %w", err)
		}
		l.MovementEntryType = domain.EntryType(movementEntry)
		l.MatchedEntryType = domain.EntryType(matchedEntry)
		result = append(result, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group link rows: %w", err)
	}
	return result, nil
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
