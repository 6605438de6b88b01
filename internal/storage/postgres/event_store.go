package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// EventStore implements storage.EventStore using PostgreSQL.
type EventStore struct {
	pool *Pool
}

// NewEventStore creates a new EventStore.
func NewEventStore(pool *Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Compile-time interface check.
var _ storage.EventStore = (*EventStore)(nil)

const eventColumns = `
	identifier, group_identifier, sequence_index, timestamp_ms,
	location, location_label, asset, amount,
	event_type, event_subtype, entry_type,
	counterparty, tx_ref, notes, extra_data, is_fee`

// Insert adds a new event and assigns its Identifier.
func (s *EventStore) Insert(ctx context.Context, e *domain.HistoryEvent) error {
	if e == nil || e.GroupIdentifier == "" || !e.EntryType.IsValid() {
		return storage.ErrInvalidInput
	}
	return s.insert(ctx, s.pool, e)
}

func (s *EventStore) insert(ctx context.Context, q querier, e *domain.HistoryEvent) error {
	extra, err := marshalExtraData(e.ExtraData)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO history_events (
			group_identifier, sequence_index, timestamp_ms,
			location, location_label, asset, amount,
			event_type, event_subtype, entry_type,
			counterparty, tx_ref, notes, extra_data, is_fee
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15
		)
		RETURNING identifier
	`

	err = q.QueryRow(ctx, query,
		e.GroupIdentifier, e.SequenceIndex, e.TimestampMS,
		e.Location, e.LocationLabel, e.Asset, e.Amount.String(),
		e.EventType, e.EventSubtype, string(e.EntryType),
		e.Counterparty, e.TxRef, e.Notes, extra, e.IsFee,
	).Scan(&e.Identifier)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert history event: %w", err)
	}
	return nil
}

// InsertBulk adds multiple events atomically. Fails entire batch on any duplicate.
func (s *EventStore) InsertBulk(ctx context.Context, events []*domain.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	for _, e := range events {
		if e == nil || e.GroupIdentifier == "" || !e.EntryType.IsValid() {
			return storage.ErrInvalidInput
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if err := s.insert(ctx, tx, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// GetByID retrieves an event by identifier. Returns ErrNotFound if not exists.
func (s *EventStore) GetByID(ctx context.Context, id int64) (*domain.HistoryEvent, error) {
	query := `SELECT` + eventColumns + `FROM history_events WHERE identifier = $1`

	e, err := scanEvent(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get history event by id: %w", err)
	}
	return e, nil
}

// GetByIDs retrieves events by identifier, skipping missing ones.
func (s *EventStore) GetByIDs(ctx context.Context, ids []int64) ([]*domain.HistoryEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT` + eventColumns + `
		FROM history_events
		WHERE identifier = ANY($1)
		ORDER BY identifier ASC`

	rows, err := s.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("get history events by ids: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetByGroup retrieves all events of a group, ordered by sequence_index ASC.
func (s *EventStore) GetByGroup(ctx context.Context, groupID string) ([]*domain.HistoryEvent, error) {
	query := `SELECT` + eventColumns + `
		FROM history_events
		WHERE group_identifier = $1
		ORDER BY sequence_index ASC`

	rows, err := s.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("get history events by group: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// List retrieves events matching the filter.
func (s *EventStore) List(ctx context.Context, f *storage.EventFilter) ([]*domain.HistoryEvent, error) {
	if f == nil {
		f = &storage.EventFilter{}
	}

	where, args := buildEventWhere(f)
	order := "ASC"
	if f.NewestFirst {
		order = "DESC"
	}

	query := `SELECT` + eventColumns + `
		FROM history_events` + where + fmt.Sprintf(`
		ORDER BY timestamp_ms %s, group_identifier %s, sequence_index %s`, order, order, order)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// buildEventWhere compiles an EventFilter into a WHERE clause. The in-memory
// store's Matches is the reference semantics.
func buildEventWhere(f *storage.EventFilter) (string, []any) {
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Assets) > 0 {
		conds = append(conds, "asset = ANY("+arg(f.Assets)+")")
	}
	if f.FromTSMS != 0 {
		conds = append(conds, "timestamp_ms >= "+arg(f.FromTSMS))
	}
	if f.ToTSMS != 0 {
		conds = append(conds, "timestamp_ms <= "+arg(f.ToTSMS))
	}
	if len(f.TypePairs) > 0 {
		var pairs []string
		for _, p := range f.TypePairs {
			pairs = append(pairs, "(event_type = "+arg(p.Type)+" AND event_subtype = "+arg(p.Subtype)+")")
		}
		conds = append(conds, "("+strings.Join(pairs, " OR ")+")")
	}
	if len(f.EntryTypes) > 0 {
		conds = append(conds, "entry_type = ANY("+arg(entryTypeStrings(f.EntryTypes))+")")
	}
	if len(f.ExcludeEntryTypes) > 0 {
		conds = append(conds, "NOT (entry_type = ANY("+arg(entryTypeStrings(f.ExcludeEntryTypes))+"))")
	}
	if f.Location != "" {
		conds = append(conds, "location = "+arg(f.Location))
	}
	if len(f.GroupIdentifiers) > 0 {
		conds = append(conds, "group_identifier = ANY("+arg(f.GroupIdentifiers)+")")
	}
	if len(f.ExcludeIDs) > 0 {
		conds = append(conds, "NOT (identifier = ANY("+arg(f.ExcludeIDs)+"))")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "\n\t\tWHERE " + strings.Join(conds, " AND "), args
}

func entryTypeStrings(types []domain.EntryType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// GroupCounts returns the number of events in each of the given groups.
func (s *EventStore) GroupCounts(ctx context.Context, groupIDs []string) (map[string]int, error) {
	if len(groupIDs) == 0 {
		return map[string]int{}, nil
	}

	query := `
		SELECT group_identifier, COUNT(*)
		FROM history_events
		WHERE group_identifier = ANY($1)
		GROUP BY group_identifier
	`

	rows, err := s.pool.Query(ctx, query, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("count history event groups: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var group string
		var count int
		if err := rows.Scan(&group, &count); err != nil {
			return nil, fmt.Errorf("scan group count row: %w", err)
		}
		counts[group] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group count rows: %w", err)
	}
	return counts, nil
}

// NextSequenceIndex returns the next free sequence index in a group.
func (s *EventStore) NextSequenceIndex(ctx context.Context, groupID string) (int, error) {
	query := `
		SELECT COALESCE(MAX(sequence_index) + 1, 0)
		FROM history_events
		WHERE group_identifier = $1
	`

	var next int
	if err := s.pool.QueryRow(ctx, query, groupID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next sequence index: %w", err)
	}
	return next, nil
}

// Update persists all mutable fields of an existing event.
func (s *EventStore) Update(ctx context.Context, e *domain.HistoryEvent) error {
	if e == nil || e.Identifier == 0 {
		return storage.ErrInvalidInput
	}
	return s.update(ctx, s.pool, e)
}

func (s *EventStore) update(ctx context.Context, q querier, e *domain.HistoryEvent) error {
	extra, err := marshalExtraData(e.ExtraData)
	if err != nil {
		return err
	}

	query := `
		UPDATE history_events SET
			group_identifier = $2, sequence_index = $3, timestamp_ms = $4,
			location = $5, location_label = $6, asset = $7, amount = $8,
			event_type = $9, event_subtype = $10, entry_type = $11,
			counterparty = $12, tx_ref = $13, notes = $14, extra_data = $15, is_fee = $16
		WHERE identifier = $1
	`

	tag, err := q.Exec(ctx, query,
		e.Identifier,
		e.GroupIdentifier, e.SequenceIndex, e.TimestampMS,
		e.Location, e.LocationLabel, e.Asset, e.Amount.String(),
		e.EventType, e.EventSubtype, string(e.EntryType),
		e.Counterparty, e.TxRef, e.Notes, extra, e.IsFee,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("update history event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes events by identifier. Missing ids are skipped.
func (s *EventStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM history_events WHERE identifier = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete history events: %w", err)
	}
	return nil
}

// marshalExtraData encodes extra_data for the JSONB column. Nil maps become
// SQL NULL.
func marshalExtraData(extra map[string]string) ([]byte, error) {
	if extra == nil {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra_data: %w", err)
	}
	return data, nil
}

// scanEvent scans a single row into a HistoryEvent.
func scanEvent(row pgx.Row) (*domain.HistoryEvent, error) {
	var e domain.HistoryEvent
	var amount string
	var entryType string
	var extra []byte

	err := row.Scan(
		&e.Identifier, &e.GroupIdentifier, &e.SequenceIndex, &e.TimestampMS,
		&e.Location, &e.LocationLabel, &e.Asset, &amount,
		&e.EventType, &e.EventSubtype, &entryType,
		&e.Counterparty, &e.TxRef, &e.Notes, &extra, &e.IsFee,
	)
	if err != nil {
		return nil, err
	}

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	e.EntryType = domain.EntryType(entryType)
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &e.ExtraData); err != nil {
			return nil, fmt.Errorf("unmarshal extra_data: %w", err)
		}
	}
	return &e, nil
}

// scanEvents scans multiple rows into a slice of HistoryEvent.
func scanEvents(rows pgx.Rows) ([]*domain.HistoryEvent, error) {
	var events []*domain.HistoryEvent

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history event row: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history event rows: %w", err)
	}
	return events, nil
}
