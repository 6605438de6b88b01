package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// MatchStore composes the memory stores into atomic match mutations.
// A single mutex serializes mutations, so readers between the component
// stores never see a link without its backup.
type MatchStore struct {
	mu       sync.Mutex
	events   *EventStore
	links    *LinkStore
	backups  *BackupStore
	mappings *MappingStore
}

// NewMatchStore creates a match store over the given component stores.
func NewMatchStore(events *EventStore, links *LinkStore, backups *BackupStore, mappings *MappingStore) *MatchStore {
	return &MatchStore{
		events:   events,
		links:    links,
		backups:  backups,
		mappings: mappings,
	}
}

// ApplyMatch commits one match mutation.
func (s *MatchStore) ApplyMatch(ctx context.Context, m *storage.MatchMutation) error {
	if m == nil || m.MovementID == 0 || len(m.MatchedEvents) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.events.GetByID(ctx, m.MovementID); err != nil {
		return fmt.Errorf("load movement %d: %w", m.MovementID, err)
	}

	if len(m.DeleteAdjustmentIDs) > 0 {
		if err := s.events.Delete(ctx, m.DeleteAdjustmentIDs); err != nil {
			return fmt.Errorf("delete stale adjustments: %w", err)
		}
		for _, id := range m.DeleteAdjustmentIDs {
			_ = s.mappings.RemoveState(ctx, id, domain.MappingStateAutoMatched)
		}
	}

	matchedIDs := make([]int64, 0, len(m.MatchedEvents))
	for _, e := range m.MatchedEvents {
		if e == nil || e.Identifier == 0 {
			return storage.ErrInvalidInput
		}
		if err := s.backups.Save(ctx, e.Identifier); err != nil {
			return fmt.Errorf("backup event %d: %w", e.Identifier, err)
		}
		if err := s.events.Update(ctx, e); err != nil {
			return fmt.Errorf("update event %d: %w", e.Identifier, err)
		}
		matchedIDs = append(matchedIDs, e.Identifier)
	}

	if m.Adjustment != nil {
		if err := s.events.Insert(ctx, m.Adjustment); err != nil {
			return fmt.Errorf("insert adjustment: %w", err)
		}
		if err := s.mappings.SetState(ctx, m.Adjustment.Identifier, domain.MappingStateAutoMatched); err != nil {
			return fmt.Errorf("tag adjustment: %w", err)
		}
	}

	if err := s.links.RecordMatch(ctx, m.MovementID, matchedIDs); err != nil {
		return fmt.Errorf("record match: %w", err)
	}
	s.links.clearIgnore(m.MovementID)

	for _, id := range m.AutoMatchedIDs {
		if err := s.mappings.SetState(ctx, id, domain.MappingStateAutoMatched); err != nil {
			return fmt.Errorf("tag event %d: %w", id, err)
		}
	}
	return nil
}

// ApplyUnmatch undoes every link touching eventID and restores the pre-match
// state of all freed events.
func (s *MatchStore) ApplyUnmatch(ctx context.Context, eventID int64) (*storage.UnmatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	linked, err := s.links.IsLinked(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !linked {
		if s.links.isIgnored(eventID) {
			s.links.clearIgnore(eventID)
			return &storage.UnmatchResult{RemovedIgnore: true}, nil
		}
		return nil, storage.ErrNotFound
	}

	siblings, err := s.links.RemoveLinks(ctx, eventID)
	if err != nil {
		return nil, err
	}
	freed := append(siblings, eventID)
	sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })

	// Groups touched by the unmatch, collected before the backup restore so
	// rewritten group ids are seen too.
	groupSet := make(map[string]struct{})
	current, err := s.events.GetByIDs(ctx, freed)
	if err != nil {
		return nil, err
	}
	for _, e := range current {
		groupSet[e.GroupIdentifier] = struct{}{}
	}

	restores, err := s.backups.Pop(ctx, freed)
	if err != nil {
		return nil, err
	}
	restoredIDs := make([]int64, 0, len(restores))
	for _, e := range restores {
		if err := s.events.Update(ctx, e); err != nil {
			if err == storage.ErrNotFound {
				continue // event deleted since the match, nothing to restore
			}
			return nil, fmt.Errorf("restore event %d: %w", e.Identifier, err)
		}
		groupSet[e.GroupIdentifier] = struct{}{}
		restoredIDs = append(restoredIDs, e.Identifier)
	}

	deletedAdjustments, err := s.cleanupAdjustments(ctx, groupSet)
	if err != nil {
		return nil, err
	}

	for _, id := range freed {
		_ = s.mappings.RemoveState(ctx, id, domain.MappingStateAutoMatched)
	}

	return &storage.UnmatchResult{
		FreedEventIDs:        freed,
		RestoredEventIDs:     restoredIDs,
		DeletedAdjustmentIDs: deletedAdjustments,
	}, nil
}

// cleanupAdjustments deletes auto-matched adjustment events in the given
// groups. Adjustments the user has customized stay, only their auto-matched
// marker is dropped.
func (s *MatchStore) cleanupAdjustments(ctx context.Context, groups map[string]struct{}) ([]int64, error) {
	var deleted []int64
	for groupID := range groups {
		events, err := s.events.GetByGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if !e.IsAdjustment() {
				continue
			}
			auto, err := s.mappings.HasState(ctx, e.Identifier, domain.MappingStateAutoMatched)
			if err != nil {
				return nil, err
			}
			if !auto {
				continue
			}
			customized, err := s.mappings.HasState(ctx, e.Identifier, domain.MappingStateCustomized)
			if err != nil {
				return nil, err
			}
			if customized {
				_ = s.mappings.RemoveState(ctx, e.Identifier, domain.MappingStateAutoMatched)
				continue
			}
			if err := s.events.Delete(ctx, []int64{e.Identifier}); err != nil {
				return nil, err
			}
			_ = s.mappings.RemoveState(ctx, e.Identifier, domain.MappingStateAutoMatched)
			deleted = append(deleted, e.Identifier)
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}

var _ storage.MatchStore = (*MatchStore)(nil)
