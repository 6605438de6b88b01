package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// MatchStore implements storage.MatchStore using PostgreSQL. Every mutation
// runs in one transaction, so a crash never leaves a link without its backup.
type MatchStore struct {
	pool     *Pool
	events   *EventStore
	links    *LinkStore
	backups  *BackupStore
	mappings *MappingStore
}

// NewMatchStore creates a match store over the given component stores.
func NewMatchStore(pool *Pool, events *EventStore, links *LinkStore, backups *BackupStore, mappings *MappingStore) *MatchStore {
	return &MatchStore{
		pool:     pool,
		events:   events,
		links:    links,
		backups:  backups,
		mappings: mappings,
	}
}

// Compile-time interface check.
var _ storage.MatchStore = (*MatchStore)(nil)

// ApplyMatch commits one match mutation.
func (s *MatchStore) ApplyMatch(ctx context.Context, m *storage.MatchMutation) error {
	if m == nil || m.MovementID == 0 || len(m.MatchedEvents) == 0 {
		return storage.ErrInvalidInput
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var movementExists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM history_events WHERE identifier = $1)`,
		m.MovementID,
	).Scan(&movementExists)
	if err != nil {
		return fmt.Errorf("check movement %d: %w", m.MovementID, err)
	}
	if !movementExists {
		return fmt.Errorf("load movement %d: %w", m.MovementID, storage.ErrNotFound)
	}

	if len(m.DeleteAdjustmentIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM history_events WHERE identifier = ANY($1)`,
			m.DeleteAdjustmentIDs,
		); err != nil {
			return fmt.Errorf("delete stale adjustments: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM history_events_mappings WHERE parent_identifier = ANY($1)`,
			m.DeleteAdjustmentIDs,
		); err != nil {
			return fmt.Errorf("delete stale adjustment markers: %w", err)
		}
	}

	matchedIDs := make([]int64, 0, len(m.MatchedEvents))
	for _, e := range m.MatchedEvents {
		if e == nil || e.Identifier == 0 {
			return storage.ErrInvalidInput
		}
		if err := s.backups.save(ctx, tx, e.Identifier); err != nil {
			return fmt.Errorf("backup event %d: %w", e.Identifier, err)
		}
		if err := s.events.update(ctx, tx, e); err != nil {
			return fmt.Errorf("update event %d: %w", e.Identifier, err)
		}
		matchedIDs = append(matchedIDs, e.Identifier)
	}

	if m.Adjustment != nil {
		if err := s.events.insert(ctx, tx, m.Adjustment); err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}
		if err := s.mappings.setState(ctx, tx, m.Adjustment.Identifier, domain.MappingStateAutoMatched); err != nil {
			return fmt.Errorf("tag adjustment: %w", err)
		}
	}

	if err := s.links.recordMatch(ctx, tx, m.MovementID, matchedIDs); err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	if err := s.links.clearIgnore(ctx, tx, m.MovementID); err != nil {
		return err
	}

	for _, id := range m.AutoMatchedIDs {
		if err := s.mappings.setState(ctx, tx, id, domain.MappingStateAutoMatched); err != nil {
			return fmt.Errorf("tag event %d: %w", id, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ApplyUnmatch undoes every link touching eventID and restores the pre-match
// state of all freed events.
func (s *MatchStore) ApplyUnmatch(ctx context.Context, eventID int64) (*storage.UnmatchResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var linked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM history_event_links
			WHERE (left_event_id = $1 OR right_event_id = $1) AND link_type = $2
		)`,
		eventID, string(domain.LinkTypeMovementMatch),
	).Scan(&linked)
	if err != nil {
		return nil, fmt.Errorf("check link: %w", err)
	}

	if !linked {
		tag, err := tx.Exec(ctx,
			`DELETE FROM history_event_link_ignores WHERE event_id = $1 AND link_type = $2`,
			eventID, string(domain.LinkTypeMovementMatch),
		)
		if err != nil {
			return nil, fmt.Errorf("clear no-match marker: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, storage.ErrNotFound
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return &storage.UnmatchResult{RemovedIgnore: true}, nil
	}

	siblings, err := s.links.removeLinks(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	freed := append(siblings, eventID)
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })

	groups, err := collectGroups(ctx, tx, freed)
	if err != nil {
		return nil, err
	}

	restores, err := s.backups.pop(ctx, tx, freed)
	if err != nil {
		return nil, err
	}
	restoredIDs := make([]int64, 0, len(restores))
	for _, e := range restores {
		if err := s.events.update(ctx, tx, e); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // event deleted since the match, nothing to restore
			}
			return nil, fmt.Errorf("restore event %d: %w", e.Identifier, err)
		}
		groups[e.GroupIdentifier] = struct{}{}
		restoredIDs = append(restoredIDs, e.Identifier)
	}

	deletedAdjustments, err := cleanupAdjustments(ctx, tx, groups)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM history_events_mappings WHERE parent_identifier = ANY($1) AND name = $2`,
		freed, string(domain.MappingStateAutoMatched),
	); err != nil {
		return nil, fmt.Errorf("strip auto-matched markers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &storage.UnmatchResult{
		FreedEventIDs:        freed,
		RestoredEventIDs:     restoredIDs,
		DeletedAdjustmentIDs: deletedAdjustments,
	}, nil
}

func collectGroups(ctx context.Context, q querier, ids []int64) (map[string]struct{}, error) {
	rows, err := q.Query(ctx,
		`SELECT DISTINCT group_identifier FROM history_events WHERE identifier = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("collect groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[string]struct{})
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups[g] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group rows: %w", err)
	}
	return groups, nil
}

// cleanupAdjustments deletes auto-matched adjustment events in the given
// groups. Adjustments the user has customized stay, only their auto-matched
// marker is dropped (by the caller's marker sweep or here via group sweep).
func cleanupAdjustments(ctx context.Context, q querier, groups map[string]struct{}) ([]int64, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	groupList := make([]string, 0, len(groups))
	for g := range groups {
		groupList = append(groupList, g)
	}

	rows, err := q.Query(ctx, `
		DELETE FROM history_events he
		USING history_events_mappings am
		WHERE am.parent_identifier = he.identifier
		  AND am.name = $2
		  AND he.group_identifier = ANY($1)
		  AND he.event_type = $3
		  AND NOT EXISTS (
			SELECT 1 FROM history_events_mappings cm
			WHERE cm.parent_identifier = he.identifier AND cm.name = $4
		  )
		RETURNING he.identifier`,
		groupList,
		string(domain.MappingStateAutoMatched),
		domain.EventTypeAdjustment,
		string(domain.MappingStateCustomized),
	)
	if err != nil {
		return nil, fmt.Errorf("delete auto-matched adjustments: %w", err)
	}
	defer rows.Close()

	var deleted []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted adjustment row: %w", err)
		}
		deleted = append(deleted, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted adjustment rows: %w", err)
	}
	rows.Close()

	if len(deleted) > 0 {
		if _, err := q.Exec(ctx,
			`DELETE FROM history_events_mappings WHERE parent_identifier = ANY($1)`,
			deleted,
		); err != nil {
			return nil, fmt.Errorf("delete adjustment markers: %w", err)
		}
	}

	// Customized adjustments keep the row but lose the auto-matched marker.
	if _, err := q.Exec(ctx, `
		DELETE FROM history_events_mappings am
		USING history_events he
		WHERE am.parent_identifier = he.identifier
		  AND am.name = $2
		  AND he.group_identifier = ANY($1)
		  AND he.event_type = $3`,
		groupList,
		string(domain.MappingStateAutoMatched),
		domain.EventTypeAdjustment,
	); err != nil {
		return nil, fmt.Errorf("strip adjustment markers: %w", err)
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}
