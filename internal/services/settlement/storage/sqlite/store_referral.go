package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/fairstake/internal/services/settlement/rankpool"
	"github.com/louisbranch/fairstake/internal/services/settlement/referral"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

// UplineOf returns the direct upline of accountID, empty for roots.
// Unregistered accounts return storage.ErrNotFound.
func (s *Store) UplineOf(ctx context.Context, accountID string) (string, error) {
	if err := s.ready(ctx); err != nil {
		return "", err
	}
	var upline string
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT upline_id FROM referral_edges WHERE account_id = ?
`, strings.TrimSpace(accountID)).Scan(&upline)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("get upline: %w", err)
	}
	return upline, nil
}

// InsertReferralEdge registers accountID under uplineID once.
func (s *Store) InsertReferralEdge(ctx context.Context, accountID, uplineID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO referral_edges (account_id, upline_id, created_at) VALUES (?, ?, ?)
`, accountID, uplineID, toMillis(s.now())); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s", referral.ErrUplineAssigned, accountID)
		}
		return fmt.Errorf("insert referral edge: %w", err)
	}
	return nil
}

// PutActivation replaces the activation inputs of an account.
func (s *Store) PutActivation(ctx context.Context, a referral.Activation) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	a.AccountID = strings.TrimSpace(a.AccountID)
	if a.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if a.TotalDeposited.IsNegative() || a.DirectReferralCount < 0 {
		return fmt.Errorf("activation totals must not be negative")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO activation_states (account_id, total_deposited, direct_referral_count, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (account_id) DO UPDATE SET
	total_deposited = excluded.total_deposited,
	direct_referral_count = excluded.direct_referral_count,
	updated_at = excluded.updated_at
`, a.AccountID, a.TotalDeposited.String(), a.DirectReferralCount, toMillis(s.now())); err != nil {
		return fmt.Errorf("put activation: %w", err)
	}
	return nil
}

// GetActivation loads the activation inputs of an account.
func (s *Store) GetActivation(ctx context.Context, accountID string) (referral.Activation, error) {
	if err := s.ready(ctx); err != nil {
		return referral.Activation{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT account_id, total_deposited, direct_referral_count FROM activation_states WHERE account_id = ?
`, strings.TrimSpace(accountID))
	a, err := scanActivation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return referral.Activation{}, storage.ErrNotFound
		}
		return referral.Activation{}, err
	}
	return a, nil
}

// ListActivations loads every activation row.
func (s *Store) ListActivations(ctx context.Context) ([]referral.Activation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT account_id, total_deposited, direct_referral_count FROM activation_states ORDER BY account_id
`)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	defer rows.Close()

	var out []referral.Activation
	for rows.Next() {
		a, err := scanActivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activations: %w", err)
	}
	return out, nil
}

func scanActivation(row rowScanner) (referral.Activation, error) {
	var (
		a         referral.Activation
		deposited string
	)
	if err := row.Scan(&a.AccountID, &deposited, &a.DirectReferralCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return referral.Activation{}, err
		}
		return referral.Activation{}, fmt.Errorf("scan activation: %w", err)
	}
	amount, err := parseDecimal("total_deposited", deposited)
	if err != nil {
		return referral.Activation{}, err
	}
	a.TotalDeposited = amount
	return a, nil
}

// PutTeamVolume replaces the leg volumes of an account.
func (s *Store) PutTeamVolume(ctx context.Context, v rankpool.TeamVolume) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	v.AccountID = strings.TrimSpace(v.AccountID)
	if v.AccountID == "" {
		return fmt.Errorf("account id is required")
	}
	if v.StrongLeg.IsNegative() || v.OtherLegs.IsNegative() {
		return fmt.Errorf("leg volumes must not be negative")
	}
	if v.Total.IsZero() {
		v.Total = v.StrongLeg.Add(v.OtherLegs)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO team_volumes (account_id, strong_leg, other_legs, total, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (account_id) DO UPDATE SET
	strong_leg = excluded.strong_leg,
	other_legs = excluded.other_legs,
	total = excluded.total,
	updated_at = excluded.updated_at
`, v.AccountID, v.StrongLeg.String(), v.OtherLegs.String(), v.Total.String(), toMillis(s.now())); err != nil {
		return fmt.Errorf("put team volume: %w", err)
	}
	return nil
}

// ListTeamVolumes loads every team volume row.
func (s *Store) ListTeamVolumes(ctx context.Context) ([]rankpool.TeamVolume, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT account_id, strong_leg, other_legs, total FROM team_volumes ORDER BY account_id
`)
	if err != nil {
		return nil, fmt.Errorf("list team volumes: %w", err)
	}
	defer rows.Close()

	var out []rankpool.TeamVolume
	for rows.Next() {
		var (
			v                     rankpool.TeamVolume
			strong, others, total string
		)
		if err := rows.Scan(&v.AccountID, &strong, &others, &total); err != nil {
			return nil, fmt.Errorf("scan team volume: %w", err)
		}
		if v.StrongLeg, err = parseDecimal("strong_leg", strong); err != nil {
			return nil, err
		}
		if v.OtherLegs, err = parseDecimal("other_legs", others); err != nil {
			return nil, err
		}
		if v.Total, err = parseDecimal("total", total); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team volumes: %w", err)
	}
	return out, nil
}
