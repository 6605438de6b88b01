package memory

import (
	"context"
	"sort"
	"sync"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// linkKey identifies a link row.
type linkKey struct {
	left     int64
	right    int64
	linkType domain.LinkType
}

// ignoreKey identifies an ignore marker row.
type ignoreKey struct {
	eventID  int64
	linkType domain.LinkType
}

// LinkStore is an in-memory implementation of storage.LinkStore.
// It joins against the event store for group-level lookups.
type LinkStore struct {
	mu      sync.RWMutex
	links   map[linkKey]struct{}
	ignores map[ignoreKey]struct{}
	events  *EventStore
}

// NewLinkStore creates a new in-memory link store backed by events.
func NewLinkStore(events *EventStore) *LinkStore {
	return &LinkStore{
		links:   make(map[linkKey]struct{}),
		ignores: make(map[ignoreKey]struct{}),
		events:  events,
	}
}

// RecordMatch upserts a link row per matched id.
func (s *LinkStore) RecordMatch(_ context.Context, movementID int64, matchedIDs []int64) error {
	if movementID == 0 || len(matchedIDs) == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range matchedIDs {
		if id == 0 {
			return storage.ErrInvalidInput
		}
		s.links[linkKey{left: movementID, right: id, linkType: domain.LinkTypeMovementMatch}] = struct{}{}
	}
	return nil
}

// RecordNoMatch marks a movement as having no onchain counterpart.
func (s *LinkStore) RecordNoMatch(_ context.Context, movementID int64) error {
	if movementID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isLinkedLocked(movementID) {
		return storage.ErrConflict
	}
	s.ignores[ignoreKey{eventID: movementID, linkType: domain.LinkTypeMovementMatch}] = struct{}{}
	return nil
}

// RemoveLinks deletes every link and ignore row touching eventID as either
// endpoint and returns the freed sibling event ids.
func (s *LinkStore) RemoveLinks(_ context.Context, eventID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLinksLocked(eventID), nil
}

func (s *LinkStore) removeLinksLocked(eventID int64) []int64 {
	siblingSet := make(map[int64]struct{})
	for key := range s.links {
		if key.left == eventID {
			siblingSet[key.right] = struct{}{}
			delete(s.links, key)
		} else if key.right == eventID {
			siblingSet[key.left] = struct{}{}
			delete(s.links, key)
		}
	}
	delete(s.ignores, ignoreKey{eventID: eventID, linkType: domain.LinkTypeMovementMatch})

	siblings := make([]int64, 0, len(siblingSet))
	for id := range siblingSet {
		siblings = append(siblings, id)
	}
	sort.Slice(siblings, func(i, j int) bool { return siblings[i] < siblings[j] })
	return siblings
}

// clearIgnore drops the ignore marker of eventID without touching links.
func (s *LinkStore) clearIgnore(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.ignores, ignoreKey{eventID: eventID, linkType: domain.LinkTypeMovementMatch})
}

// isIgnored reports whether eventID carries an ignore marker.
func (s *LinkStore) isIgnored(eventID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.ignores[ignoreKey{eventID: eventID, linkType: domain.LinkTypeMovementMatch}]
	return exists
}

// IsLinked reports whether eventID appears as either link endpoint.
func (s *LinkStore) IsLinked(_ context.Context, eventID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.isLinkedLocked(eventID), nil
}

func (s *LinkStore) isLinkedLocked(eventID int64) bool {
	for key := range s.links {
		if key.left == eventID || key.right == eventID {
			return true
		}
	}
	return false
}

// LinkedEventIDs returns all ids appearing as either link endpoint.
func (s *LinkStore) LinkedEventIDs(_ context.Context) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]struct{}, len(s.links)*2)
	for key := range s.links {
		result[key.left] = struct{}{}
		result[key.right] = struct{}{}
	}
	return result, nil
}

// MatchedRightIDs returns the ids of events already matched to a movement.
func (s *LinkStore) MatchedRightIDs(_ context.Context) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]struct{}, len(s.links))
	for key := range s.links {
		result[key.right] = struct{}{}
	}
	return result, nil
}

// IgnoredEventIDs returns the ids of events carrying an ignore marker.
func (s *LinkStore) IgnoredEventIDs(_ context.Context) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]struct{}, len(s.ignores))
	for key := range s.ignores {
		result[key.eventID] = struct{}{}
	}
	return result, nil
}

// GroupLinks returns every link whose movement is associated with any of the
// given groups through either endpoint, joined with group info.
func (s *LinkStore) GroupLinks(ctx context.Context, groupIDs []string) ([]*domain.GroupLink, error) {
	wanted := make(map[string]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		wanted[g] = struct{}{}
	}

	s.mu.RLock()
	keys := make([]linkKey, 0, len(s.links))
	for key := range s.links {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	// Find the movements associated with the given groups through either
	// endpoint, then emit every link of those movements. This picks up the
	// whole cluster no matter which side of a pair was in the page.
	movementIDs := make(map[int64]struct{})
	eventCache := make(map[int64]*domain.HistoryEvent)
	lookup := func(id int64) (*domain.HistoryEvent, error) {
		if e, ok := eventCache[id]; ok {
			return e, nil
		}
		e, err := s.events.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		eventCache[id] = e
		return e, nil
	}

	for _, key := range keys {
		for _, id := range [2]int64{key.left, key.right} {
			e, err := lookup(id)
			if err != nil {
				continue // dangling link, skip
			}
			if _, ok := wanted[e.GroupIdentifier]; ok {
				movementIDs[key.left] = struct{}{}
				break
			}
		}
	}

	var result []*domain.GroupLink
	for _, key := range keys {
		if _, ok := movementIDs[key.left]; !ok {
			continue
		}
		movement, err := lookup(key.left)
		if err != nil {
			continue
		}
		matched, err := lookup(key.right)
		if err != nil {
			continue
		}
		result = append(result, &domain.GroupLink{
			MovementID:        key.left,
			MatchedID:         key.right,
			MovementGroupID:   movement.GroupIdentifier,
			MatchedGroupID:    matched.GroupIdentifier,
			MovementEntryType: movement.EntryType,
			MatchedEntryType:  matched.EntryType,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].MovementID != result[j].MovementID {
			return result[i].MovementID < result[j].MovementID
		}
		return result[i].MatchedID < result[j].MatchedID
	})
	return result, nil
}

var _ storage.LinkStore = (*LinkStore)(nil)
