package memory

import (
	"context"
	"sync"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

type mappingKey struct {
	eventID int64
	state   domain.MappingState
}

// MappingStore is an in-memory implementation of storage.MappingStore.
type MappingStore struct {
	mu   sync.RWMutex
	data map[mappingKey]struct{}
}

// NewMappingStore creates a new in-memory mapping store.
func NewMappingStore() *MappingStore {
	return &MappingStore{
		data: make(map[mappingKey]struct{}),
	}
}

// SetState marks an event. Idempotent.
func (s *MappingStore) SetState(_ context.Context, eventID int64, state domain.MappingState) error {
	if eventID == 0 || state == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[mappingKey{eventID: eventID, state: state}] = struct{}{}
	return nil
}

// RemoveState unmarks an event. No-op if not set.
func (s *MappingStore) RemoveState(_ context.Context, eventID int64, state domain.MappingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, mappingKey{eventID: eventID, state: state})
	return nil
}

// HasState reports whether the event carries the marker.
func (s *MappingStore) HasState(_ context.Context, eventID int64, state domain.MappingState) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.data[mappingKey{eventID: eventID, state: state}]
	return exists, nil
}

// IDsWithState filters ids down to those carrying the marker.
func (s *MappingStore) IDsWithState(_ context.Context, ids []int64, state domain.MappingState) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[int64]struct{})
	for _, id := range ids {
		if _, exists := s.data[mappingKey{eventID: id, state: state}]; exists {
			result[id] = struct{}{}
		}
	}
	return result, nil
}

var _ storage.MappingStore = (*MappingStore)(nil)
