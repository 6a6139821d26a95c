package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/shopspring/decimal"
)

// ApplyCredit increments one balance and stores the optional commission
// record in a single transaction. The increment is applied in SQL so
// concurrent credits never overwrite each other.
func (s *Store) ApplyCredit(ctx context.Context, credit ledger.Credit) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.applyCredit(ctx, tx, credit)
	})
}

// ApplyCycle stores the cycle marker and every credit together. An existing
// marker fails the whole cycle with ledger.ErrCycleAlreadyDistributed.
func (s *Store) ApplyCycle(ctx context.Context, marker ledger.CycleMarker, credits []ledger.Credit) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if marker.DistributedAt.IsZero() {
		marker.DistributedAt = s.now()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO distribution_cycles (cycle_id, turnover, distributed_at) VALUES (?, ?, ?)
`, marker.CycleID, marker.Turnover.String(), toMillis(marker.DistributedAt)); err != nil {
			if isConstraintError(err) {
				return fmt.Errorf("%w: %s", ledger.ErrCycleAlreadyDistributed, marker.CycleID)
			}
			return fmt.Errorf("insert cycle marker: %w", err)
		}
		for _, credit := range credits {
			if err := s.applyCredit(ctx, tx, credit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) applyCredit(ctx context.Context, q dbtx, credit ledger.Credit) error {
	units, ok := toUnits(credit.Amount)
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrInvalidCredit, credit.Amount)
	}
	now := s.now()
	res, err := q.ExecContext(ctx, `
INSERT INTO account_balances (account_id, stream, amount_units, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (account_id, stream) DO UPDATE SET
	amount_units = amount_units + excluded.amount_units,
	updated_at = excluded.updated_at
WHERE amount_units <= ? - excluded.amount_units
`, credit.AccountID, string(credit.Stream), units, toMillis(now), int64(math.MaxInt64))
	if err != nil {
		if strings.Contains(err.Error(), "balance overflow") {
			return fmt.Errorf("%w: %s %s", ledger.ErrBalanceOverflow, credit.AccountID, credit.Stream)
		}
		return fmt.Errorf("increment balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment balance: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s", ledger.ErrBalanceOverflow, credit.AccountID, credit.Stream)
	}

	r := credit.Record
	if r == nil {
		return nil
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO commission_records (id, beneficiary_id, source_id, amount, level, type, stream, event_ref, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.ID,
		r.Beneficiary,
		r.Source,
		r.Amount.String(),
		r.Level,
		string(r.Type),
		string(r.Stream),
		r.EventRef,
		toMillis(r.Timestamp),
	); err != nil {
		return fmt.Errorf("insert commission record: %w", err)
	}
	return nil
}

// GetAccount returns every credited stream balance of accountID. An account
// that was never credited has no balances.
func (s *Store) GetAccount(ctx context.Context, accountID string) (ledger.Account, error) {
	if err := s.ready(ctx); err != nil {
		return ledger.Account{}, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT stream, amount_units FROM account_balances WHERE account_id = ?
`, accountID)
	if err != nil {
		return ledger.Account{}, fmt.Errorf("get balances: %w", err)
	}
	defer rows.Close()

	account := ledger.Account{ID: accountID, Balances: make(map[ledger.Stream]decimal.Decimal)}
	for rows.Next() {
		var (
			stream string
			units  int64
		)
		if err := rows.Scan(&stream, &units); err != nil {
			return ledger.Account{}, fmt.Errorf("scan balance: %w", err)
		}
		account.Balances[ledger.Stream(stream)] = fromUnits(units)
	}
	if err := rows.Err(); err != nil {
		return ledger.Account{}, fmt.Errorf("iterate balances: %w", err)
	}
	return account, nil
}

// ListCommissionRecords lists newest-first records credited to beneficiary.
func (s *Store) ListCommissionRecords(ctx context.Context, beneficiary string, limit int) ([]ledger.CommissionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return s.queryCommissionRecords(ctx, `
SELECT id, beneficiary_id, source_id, amount, level, type, stream, event_ref, created_at
FROM commission_records
WHERE beneficiary_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`, strings.TrimSpace(beneficiary), limit)
}

// ListCommissionRecordsByEvent lists every record produced by one event,
// ordered by level.
func (s *Store) ListCommissionRecordsByEvent(ctx context.Context, eventRef string) ([]ledger.CommissionRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	return s.queryCommissionRecords(ctx, `
SELECT id, beneficiary_id, source_id, amount, level, type, stream, event_ref, created_at
FROM commission_records
WHERE event_ref = ?
ORDER BY level, beneficiary_id
`, strings.TrimSpace(eventRef))
}

func (s *Store) queryCommissionRecords(ctx context.Context, query string, args ...any) ([]ledger.CommissionRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commission records: %w", err)
	}
	defer rows.Close()

	var records []ledger.CommissionRecord
	for rows.Next() {
		var (
			r         ledger.CommissionRecord
			amount    string
			kind      string
			stream    string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Beneficiary, &r.Source, &amount, &r.Level, &kind, &stream, &r.EventRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan commission record: %w", err)
		}
		if r.Amount, err = parseDecimal("amount", amount); err != nil {
			return nil, err
		}
		r.Type = ledger.CommissionType(kind)
		r.Stream = ledger.Stream(stream)
		r.Timestamp = fromMillis(createdAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commission records: %w", err)
	}
	return records, nil
}

// GetCycleMarker loads the marker of a distributed cycle.
func (s *Store) GetCycleMarker(ctx context.Context, cycleID string) (ledger.CycleMarker, error) {
	if err := s.ready(ctx); err != nil {
		return ledger.CycleMarker{}, err
	}
	var (
		marker        ledger.CycleMarker
		turnover      string
		distributedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT cycle_id, turnover, distributed_at FROM distribution_cycles WHERE cycle_id = ?
`, strings.TrimSpace(cycleID)).Scan(&marker.CycleID, &turnover, &distributedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.CycleMarker{}, storage.ErrNotFound
		}
		return ledger.CycleMarker{}, fmt.Errorf("get cycle marker: %w", err)
	}
	if marker.Turnover, err = parseDecimal("turnover", turnover); err != nil {
		return ledger.CycleMarker{}, err
	}
	marker.DistributedAt = fromMillis(distributedAt)
	return marker, nil
}
