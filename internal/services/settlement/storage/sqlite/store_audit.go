package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/louisbranch/fairstake/internal/services/settlement/audit"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

const auditColumns = `seq, event_type, payload, prev_hash, hash, signature, signature_key_id, created_at`

// LatestAuditEntry returns the chain head, storage.ErrNotFound when empty.
func (s *Store) LatestAuditEntry(ctx context.Context) (audit.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return audit.Entry{}, err
	}
	return scanAuditEntry(s.sqlDB.QueryRowContext(ctx, `
SELECT `+auditColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1
`))
}

// GetAuditEntry loads one entry by sequence number.
func (s *Store) GetAuditEntry(ctx context.Context, seq uint64) (audit.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return audit.Entry{}, err
	}
	return scanAuditEntry(s.sqlDB.QueryRowContext(ctx, `
SELECT `+auditColumns+` FROM audit_entries WHERE seq = ?
`, int64(seq)))
}

// InsertAuditEntry stores entry. A taken sequence number returns
// audit.ErrChainForked.
func (s *Store) InsertAuditEntry(ctx context.Context, entry audit.Entry) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if entry.Seq == 0 {
		return fmt.Errorf("audit sequence number is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO audit_entries (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		int64(entry.Seq),
		entry.EventType,
		entry.Payload,
		entry.PrevHash,
		entry.Hash,
		entry.Signature,
		entry.SignatureKeyID,
		toMillis(entry.CreatedAt),
	); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: seq %d", audit.ErrChainForked, entry.Seq)
		}
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists entries after afterSeq in ascending order.
func (s *Store) ListAuditEntries(ctx context.Context, afterSeq uint64, limit int) ([]audit.Entry, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+auditColumns+` FROM audit_entries WHERE seq > ? ORDER BY seq LIMIT ?
`, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]audit.Entry, 0, limit)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row rowScanner) (audit.Entry, error) {
	var (
		entry     audit.Entry
		seq       int64
		createdAt int64
	)
	if err := row.Scan(
		&seq,
		&entry.EventType,
		&entry.Payload,
		&entry.PrevHash,
		&entry.Hash,
		&entry.Signature,
		&entry.SignatureKeyID,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return audit.Entry{}, storage.ErrNotFound
		}
		return audit.Entry{}, fmt.Errorf("scan audit entry: %w", err)
	}
	entry.Seq = uint64(seq)
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}
