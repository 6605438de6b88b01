package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// EventStore is an in-memory implementation of storage.EventStore.
type EventStore struct {
	mu       sync.RWMutex
	data     map[int64]*domain.HistoryEvent
	groupSeq map[string]int64 // group|seq -> identifier
	nextID   int64
}

// NewEventStore creates a new in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{
		data:     make(map[int64]*domain.HistoryEvent),
		groupSeq: make(map[string]int64),
	}
}

// groupSeqKey generates the unique key for (group_identifier, sequence_index).
func groupSeqKey(groupID string, seq int) string {
	return fmt.Sprintf("%s|%d", groupID, seq)
}

// Insert adds a new event and assigns its Identifier.
func (s *EventStore) Insert(_ context.Context, e *domain.HistoryEvent) error {
	if e == nil || e.GroupIdentifier == "" || !e.EntryType.IsValid() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.insertLocked(e)
}

func (s *EventStore) insertLocked(e *domain.HistoryEvent) error {
	key := groupSeqKey(e.GroupIdentifier, e.SequenceIndex)
	if _, exists := s.groupSeq[key]; exists {
		return storage.ErrDuplicateKey
	}
	if e.Identifier != 0 {
		if _, exists := s.data[e.Identifier]; exists {
			return storage.ErrDuplicateKey
		}
		if e.Identifier > s.nextID {
			s.nextID = e.Identifier
		}
	} else {
		s.nextID++
		e.Identifier = s.nextID
	}

	s.data[e.Identifier] = e.Clone()
	s.groupSeq[key] = e.Identifier
	return nil
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *EventStore) InsertBulk(_ context.Context, events []*domain.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: check for duplicates (existing + intra-batch)
	batchKeys := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.GroupIdentifier == "" || !e.EntryType.IsValid() {
			return storage.ErrInvalidInput
		}
		key := groupSeqKey(e.GroupIdentifier, e.SequenceIndex)
		if _, exists := s.groupSeq[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batchKeys[key]; exists {
			return storage.ErrDuplicateKey
		}
		batchKeys[key] = struct{}{}
	}

	// Second pass: insert all
	for _, e := range events {
		if err := s.insertLocked(e); err != nil {
			return err
		}
	}
	return nil
}

// GetByID retrieves an event by identifier.
func (s *EventStore) GetByID(_ context.Context, id int64) (*domain.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

// GetByIDs retrieves events by identifier, skipping missing ones.
func (s *EventStore) GetByIDs(_ context.Context, ids []int64) ([]*domain.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.HistoryEvent
	for _, id := range ids {
		if e, exists := s.data[id]; exists {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

// GetByGroup retrieves all events of a group, ordered by sequence_index ASC.
func (s *EventStore) GetByGroup(_ context.Context, groupID string) ([]*domain.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.HistoryEvent
	for _, e := range s.data {
		if e.GroupIdentifier == groupID {
			result = append(result, e.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SequenceIndex < result[j].SequenceIndex
	})
	return result, nil
}

// List retrieves events matching the filter.
func (s *EventStore) List(_ context.Context, f *storage.EventFilter) ([]*domain.HistoryEvent, error) {
	if f == nil {
		f = &storage.EventFilter{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.HistoryEvent
	for _, e := range s.data {
		if f.Matches(e) {
			result = append(result, e.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if f.NewestFirst {
			a, b = b, a
		}
		if a.TimestampMS != b.TimestampMS {
			return a.TimestampMS < b.TimestampMS
		}
		if a.GroupIdentifier != b.GroupIdentifier {
			return a.GroupIdentifier < b.GroupIdentifier
		}
		return a.SequenceIndex < b.SequenceIndex
	})
	return result, nil
}

// GroupCounts returns the number of events in each of the given groups.
func (s *EventStore) GroupCounts(_ context.Context, groupIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(groupIDs))
	for _, g := range groupIDs {
		wanted[g] = struct{}{}
	}

	counts := make(map[string]int)
	for _, e := range s.data {
		if _, ok := wanted[e.GroupIdentifier]; ok {
			counts[e.GroupIdentifier]++
		}
	}
	return counts, nil
}

// NextSequenceIndex returns the next free sequence index in a group.
func (s *EventStore) NextSequenceIndex(_ context.Context, groupID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	next := 0
	for _, e := range s.data {
		if e.GroupIdentifier == groupID && e.SequenceIndex >= next {
			next = e.SequenceIndex + 1
		}
	}
	return next, nil
}

// Update persists all mutable fields of an existing event.
func (s *EventStore) Update(_ context.Context, e *domain.HistoryEvent) error {
	if e == nil || e.Identifier == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.updateLocked(e)
}

func (s *EventStore) updateLocked(e *domain.HistoryEvent) error {
	old, exists := s.data[e.Identifier]
	if !exists {
		return storage.ErrNotFound
	}

	oldKey := groupSeqKey(old.GroupIdentifier, old.SequenceIndex)
	newKey := groupSeqKey(e.GroupIdentifier, e.SequenceIndex)
	if oldKey != newKey {
		if owner, taken := s.groupSeq[newKey]; taken && owner != e.Identifier {
			return storage.ErrDuplicateKey
		}
		delete(s.groupSeq, oldKey)
		s.groupSeq[newKey] = e.Identifier
	}

	s.data[e.Identifier] = e.Clone()
	return nil
}

// Delete removes events by identifier. Missing ids are skipped.
func (s *EventStore) Delete(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(ids)
	return nil
}

func (s *EventStore) deleteLocked(ids []int64) {
	for _, id := range ids {
		if e, exists := s.data[id]; exists {
			delete(s.groupSeq, groupSeqKey(e.GroupIdentifier, e.SequenceIndex))
			delete(s.data, id)
		}
	}
}

var _ storage.EventStore = (*EventStore)(nil)
