package storage

import (
	"context"

	"movement-matcher/internal/domain"
)

// EventStore provides access to history_events storage.
type EventStore interface {
	// Insert adds a new event and assigns its Identifier. Returns
	// ErrDuplicateKey if (group_identifier, sequence_index) exists.
	Insert(ctx context.Context, e *domain.HistoryEvent) error

	// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
	InsertBulk(ctx context.Context, events []*domain.HistoryEvent) error

	// GetByID retrieves an event by identifier. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id int64) (*domain.HistoryEvent, error)

	// GetByIDs retrieves events by identifier, skipping missing ones.
	GetByIDs(ctx context.Context, ids []int64) ([]*domain.HistoryEvent, error)

	// GetByGroup retrieves all events of a group, ordered by sequence_index ASC.
	GetByGroup(ctx context.Context, groupID string) ([]*domain.HistoryEvent, error)

	// List retrieves events matching the filter, ordered by timestamp then
	// sequence_index (descending when filter.NewestFirst).
	List(ctx context.Context, f *EventFilter) ([]*domain.HistoryEvent, error)

	// GroupCounts returns the number of events in each of the given groups.
	GroupCounts(ctx context.Context, groupIDs []string) (map[string]int, error)

	// NextSequenceIndex returns the next free sequence index in a group.
	NextSequenceIndex(ctx context.Context, groupID string) (int, error)

	// Update persists all mutable fields of an existing event.
	// Returns ErrNotFound if the identifier does not exist.
	Update(ctx context.Context, e *domain.HistoryEvent) error

	// Delete removes events by identifier. Missing ids are skipped.
	Delete(ctx context.Context, ids []int64) error
}

// LinkStore persists confirmed matches and explicit no-match markers.
// Lookups always treat an event as either endpoint of a link.
type LinkStore interface {
	// RecordMatch upserts a link row per matched id. Re-invocation with
	// overlapping sets adds no duplicates.
	RecordMatch(ctx context.Context, movementID int64, matchedIDs []int64) error

	// RecordNoMatch marks a movement as having no onchain counterpart.
	// Idempotent. Returns ErrConflict if an active link exists for the movement.
	RecordNoMatch(ctx context.Context, movementID int64) error

	// RemoveLinks deletes every link and ignore row touching eventID as
	// either endpoint and returns the freed sibling event ids.
	RemoveLinks(ctx context.Context, eventID int64) ([]int64, error)

	// IsLinked reports whether eventID appears as either link endpoint.
	IsLinked(ctx context.Context, eventID int64) (bool, error)

	// LinkedEventIDs returns all ids appearing as either link endpoint.
	LinkedEventIDs(ctx context.Context) (map[int64]struct{}, error)

	// MatchedRightIDs returns the ids of events already matched to a movement.
	MatchedRightIDs(ctx context.Context) (map[int64]struct{}, error)

	// IgnoredEventIDs returns the ids of events carrying an ignore marker.
	IgnoredEventIDs(ctx context.Context) (map[int64]struct{}, error)

	// GroupLinks returns every link whose movement is associated with any of
	// the given group ids through either endpoint, joined with both sides'
	// group identifiers and entry types. Used by the presentation assembler.
	GroupLinks(ctx context.Context, groupIDs []string) ([]*domain.GroupLink, error)
}

// BackupStore keeps pre-match snapshots of mutated events.
type BackupStore interface {
	// Save snapshots the event's current state. No-op if a backup already
	// exists, so the pre-match state survives re-matches.
	Save(ctx context.Context, eventID int64) error

	// Get retrieves a backup. Returns ErrNotFound if none exists.
	Get(ctx context.Context, eventID int64) (*domain.HistoryEvent, error)

	// Pop retrieves and removes backups for the given ids. Ids without a
	// backup are silently skipped.
	Pop(ctx context.Context, ids []int64) ([]*domain.HistoryEvent, error)
}

// MappingStore persists per-event state markers.
type MappingStore interface {
	// SetState marks an event. Idempotent.
	SetState(ctx context.Context, eventID int64, state domain.MappingState) error

	// RemoveState unmarks an event. No-op if not set.
	RemoveState(ctx context.Context, eventID int64, state domain.MappingState) error

	// HasState reports whether the event carries the marker.
	HasState(ctx context.Context, eventID int64, state domain.MappingState) (bool, error)

	// IDsWithState filters ids down to those carrying the marker.
	IDsWithState(ctx context.Context, ids []int64, state domain.MappingState) (map[int64]struct{}, error)
}

// MatchMutation is one confirmed match, prepared by the mutation manager and
// applied atomically by a MatchStore.
type MatchMutation struct {
	MovementID int64

	// MatchedEvents are the rewritten copies of the matched events.
	// Their current state is snapshotted into backups before the update.
	MatchedEvents []*domain.HistoryEvent

	// Adjustment is an optional synthetic event absorbing a small amount
	// gap. Inserted and tagged auto-matched.
	Adjustment *domain.HistoryEvent

	// DeleteAdjustmentIDs are stale uncustomized adjustment events to remove.
	DeleteAdjustmentIDs []int64

	// AutoMatchedIDs are existing events to tag with the auto-matched marker
	// (the movement and the matched events).
	AutoMatchedIDs []int64
}

// UnmatchResult describes what an unmatch touched.
type UnmatchResult struct {
	// FreedEventIDs are all events whose links were removed, both endpoints
	// included.
	FreedEventIDs []int64

	// RestoredEventIDs are the events restored from backup.
	RestoredEventIDs []int64

	// DeletedAdjustmentIDs are the auto-matched adjustments that were removed.
	DeletedAdjustmentIDs []int64

	// RemovedIgnore is true when only an ignore marker was cleared.
	RemovedIgnore bool
}

// MatchStore applies match and unmatch mutations atomically, so a crash
// never leaves a link without its backup.
type MatchStore interface {
	// ApplyMatch commits one match: snapshots each matched event, updates
	// it, inserts the adjustment, deletes stale adjustments, upserts the
	// links, clears any ignore marker on the movement and tags everything
	// auto-matched, all in one transaction.
	ApplyMatch(ctx context.Context, m *MatchMutation) error

	// ApplyUnmatch removes every link and ignore row touching eventID as
	// either endpoint (the whole multi-leg group; a partial unlink would
	// leave a backup that no longer corresponds to one mutation), restores
	// freed events from their backups, deletes auto-matched adjustments in
	// the restored groups unless they carry the customized marker, and
	// strips the auto-matched marker from all touched events.
	// Returns ErrNotFound if eventID has neither links nor an ignore marker.
	ApplyUnmatch(ctx context.Context, eventID int64) (*UnmatchResult, error)
}

// PassRecord is one reconciliation pass outcome, kept for auditing.
type PassRecord struct {
	PassID        string
	Trigger       string // "manual" | "scheduled"
	StartedAtMS   int64
	FinishedAtMS  int64
	MovementsSeen int
	Matched       int
	AutoIgnored   int
	Ambiguous     int
	Failed        int
}

// AuditStore is an append-only sink for pass records.
type AuditStore interface {
	// InsertPass appends one pass record.
	InsertPass(ctx context.Context, r *PassRecord) error

	// ListRecent returns up to limit records, newest first.
	ListRecent(ctx context.Context, limit int) ([]*PassRecord, error)
}

// PassLocker serializes concurrent reconciliation passes against each other.
// It never blocks reads or unrelated writes.
type PassLocker interface {
	// Acquire blocks until the named lock is held or ctx is done, and
	// returns the release function.
	Acquire(ctx context.Context, name string) (release func(), err error)
}
