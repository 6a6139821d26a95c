package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

// EnqueueInbox stores a pending boundary event. A known id is ignored.
func (s *Store) EnqueueInbox(ctx context.Context, evt storage.InboxEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	evt.ID = strings.TrimSpace(evt.ID)
	evt.EventType = strings.TrimSpace(evt.EventType)
	if evt.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if evt.EventType == "" {
		return fmt.Errorf("event type is required")
	}
	if len(evt.PayloadJSON) == 0 {
		evt.PayloadJSON = []byte("{}")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.now()
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO inbox_events (id, event_type, payload_json, status, attempts, last_error, created_at, updated_at)
VALUES (?, ?, ?, 'pending', 0, '', ?, ?)
ON CONFLICT (id) DO NOTHING
`, evt.ID, evt.EventType, evt.PayloadJSON, toMillis(evt.CreatedAt), toMillis(evt.CreatedAt)); err != nil {
		return fmt.Errorf("enqueue inbox event: %w", err)
	}
	return nil
}

// ListPendingInbox lists pending events oldest first.
func (s *Store) ListPendingInbox(ctx context.Context, limit int) ([]storage.InboxEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, event_type, payload_json, status, attempts, last_error, created_at, updated_at, processed_at
FROM inbox_events
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending inbox: %w", err)
	}
	defer rows.Close()

	var out []storage.InboxEvent
	for rows.Next() {
		evt, err := scanInboxEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}
	return out, nil
}

// GetInboxEvent loads one event by id.
func (s *Store) GetInboxEvent(ctx context.Context, id string) (storage.InboxEvent, error) {
	if err := s.ready(ctx); err != nil {
		return storage.InboxEvent{}, err
	}
	evt, err := scanInboxEvent(s.sqlDB.QueryRowContext(ctx, `
SELECT id, event_type, payload_json, status, attempts, last_error, created_at, updated_at, processed_at
FROM inbox_events WHERE id = ?
`, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.InboxEvent{}, storage.ErrNotFound
	}
	return evt, err
}

// MarkInboxProcessed moves an event out of the pending set.
func (s *Store) MarkInboxProcessed(ctx context.Context, id string, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.updateInbox(ctx, `
UPDATE inbox_events SET status = 'processed', attempts = attempts + 1, last_error = '', updated_at = ?, processed_at = ?
WHERE id = ?
`, toMillis(at), toMillis(at), id)
}

// MarkInboxFailed records a failed attempt; dead events leave the pending set.
func (s *Store) MarkInboxFailed(ctx context.Context, id, lastError string, dead bool, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	status := storage.InboxPending
	if dead {
		status = storage.InboxDead
	}
	return s.updateInbox(ctx, `
UPDATE inbox_events SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE id = ?
`, string(status), lastError, toMillis(at), id)
}

func (s *Store) updateInbox(ctx context.Context, query string, args ...any) error {
	res, err := s.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update inbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update inbox event: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimEvent records key as processed and reports whether this call claimed it.
func (s *Store) ClaimEvent(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("event key is required")
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO processed_events (event_key, processed_at) VALUES (?, ?)
ON CONFLICT (event_key) DO NOTHING
`, key, toMillis(at))
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return n == 1, nil
}

func scanInboxEvent(row rowScanner) (storage.InboxEvent, error) {
	var (
		evt         storage.InboxEvent
		status      string
		createdAt   int64
		updatedAt   int64
		processedAt sql.NullInt64
	)
	if err := row.Scan(
		&evt.ID,
		&evt.EventType,
		&evt.PayloadJSON,
		&status,
		&evt.Attempts,
		&evt.LastError,
		&createdAt,
		&updatedAt,
		&processedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.InboxEvent{}, err
		}
		return storage.InboxEvent{}, fmt.Errorf("scan inbox event: %w", err)
	}
	evt.Status = storage.InboxStatus(status)
	evt.CreatedAt = fromMillis(createdAt)
	evt.UpdatedAt = fromMillis(updatedAt)
	evt.ProcessedAt = fromNullMillis(processedAt)
	return evt, nil
}
