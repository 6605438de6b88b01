package memory

import (
	"context"
	"sync"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// BackupStore is an in-memory implementation of storage.BackupStore.
// Snapshots are taken from the event store it was created with.
type BackupStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.HistoryEvent
	events *EventStore
}

// NewBackupStore creates a new in-memory backup store backed by events.
func NewBackupStore(events *EventStore) *BackupStore {
	return &BackupStore{
		data:   make(map[int64]*domain.HistoryEvent),
		events: events,
	}
}

// Save snapshots the event's current state. No-op if a backup exists, so the
// earliest original version survives multiple edits.
func (s *BackupStore) Save(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[eventID]; exists {
		return nil
	}

	e, err := s.events.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	s.data[eventID] = e
	return nil
}

// Get retrieves a backup.
func (s *BackupStore) Get(_ context.Context, eventID int64) (*domain.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[eventID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return e.Clone(), nil
}

// Pop retrieves and removes backups for the given ids. Ids without a backup
// are silently skipped.
func (s *BackupStore) Pop(_ context.Context, ids []int64) ([]*domain.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.HistoryEvent
	for _, id := range ids {
		if e, exists := s.data[id]; exists {
			result = append(result, e.Clone())
			delete(s.data, id)
		}
	}
	return result, nil
}

var _ storage.BackupStore = (*BackupStore)(nil)
