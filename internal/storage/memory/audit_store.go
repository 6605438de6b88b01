package memory

import (
	"context"
	"sync"

	"movement-matcher/internal/storage"
)

// AuditStore is an in-memory implementation of storage.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	records []*storage.PassRecord
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// InsertPass appends one pass record.
func (s *AuditStore) InsertPass(_ context.Context, r *storage.PassRecord) error {
	if r == nil || r.PassID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *r
	s.records = append(s.records, &clone)
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *AuditStore) ListRecent(_ context.Context, limit int) ([]*storage.PassRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}

	result := make([]*storage.PassRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(result) < limit; i-- {
		clone := *s.records[i]
		result = append(result, &clone)
	}
	return result, nil
}

var _ storage.AuditStore = (*AuditStore)(nil)
