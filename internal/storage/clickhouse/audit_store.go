package clickhouse

import (
	"context"
	"fmt"

	"movement-matcher/internal/storage"
)

// AuditStore implements storage.AuditStore using ClickHouse. Pass records are
// append-only, a natural fit for MergeTree.
type AuditStore struct {
	conn *Conn
}

// NewAuditStore creates a new AuditStore.
func NewAuditStore(conn *Conn) *AuditStore {
	return &AuditStore{conn: conn}
}

// Compile-time interface check.
var _ storage.AuditStore = (*AuditStore)(nil)

// InsertPass appends one pass record.
func (s *AuditStore) InsertPass(ctx context.Context, r *storage.PassRecord) error {
	if r == nil || r.PassID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO reconciliation_passes (
			pass_id, trigger, started_at_ms, finished_at_ms,
			movements_seen, matched, auto_ignored, ambiguous, failed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := s.conn.Exec(ctx, query,
		r.PassID, r.Trigger, r.StartedAtMS, r.FinishedAtMS,
		int32(r.MovementsSeen), int32(r.Matched), int32(r.AutoIgnored),
		int32(r.Ambiguous), int32(r.Failed),
	)
	if err != nil {
		return fmt.Errorf("insert pass record: %w", err)
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *AuditStore) ListRecent(ctx context.Context, limit int) ([]*storage.PassRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT pass_id, trigger, started_at_ms, finished_at_ms,
		       movements_seen, matched, auto_ignored, ambiguous, failed
		FROM reconciliation_passes
		ORDER BY started_at_ms DESC, pass_id DESC
		LIMIT ?
	`

	rows, err := s.conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pass records: %w", err)
	}
	defer rows.Close()

	var records []*storage.PassRecord
	for rows.Next() {
		var r storage.PassRecord
		var seen, matched, ignored, ambiguous, failed int32
		err := rows.Scan(
			&r.PassID, &r.Trigger, &r.StartedAtMS, &r.FinishedAtMS,
			&seen, &matched, &ignored, &ambiguous, &failed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pass record row: %w", err)
		}
		r.MovementsSeen = int(seen)
		r.Matched = int(matched)
		r.AutoIgnored = int(ignored)
		r.Ambiguous = int(ambiguous)
		r.Failed = int(failed)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pass record rows: %w", err)
	}
	return records, nil
}
