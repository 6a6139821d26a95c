package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

const commitmentColumns = `id, owner_id, request_id, server_seed, server_seed_hash, client_seed, nonce,
	variant, choice, stake, state, created_at, expires_at, revealed_at`

// CreateCommitment assigns the owner's next nonce and stores c in one
// transaction. A reused request id returns the stored commitment with
// fairness.ErrDuplicateRequestID.
func (s *Store) CreateCommitment(ctx context.Context, c fairness.Commitment) (fairness.Commitment, error) {
	if err := s.ready(ctx); err != nil {
		return fairness.Commitment{}, err
	}
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	c.RequestID = strings.TrimSpace(c.RequestID)
	if c.ID == "" || c.OwnerID == "" || c.RequestID == "" {
		return fairness.Commitment{}, fmt.Errorf("commitment id, owner id and request id are required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}

	var prior *fairness.Commitment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getCommitmentBy(ctx, tx, "request_id", c.RequestID)
		if err == nil {
			prior = &existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		var nonce int64
		if err := tx.QueryRowContext(ctx, `
INSERT INTO owner_nonces (owner_id, last_nonce) VALUES (?, 0)
ON CONFLICT (owner_id) DO UPDATE SET last_nonce = last_nonce + 1
RETURNING last_nonce
`, c.OwnerID).Scan(&nonce); err != nil {
			return fmt.Errorf("assign nonce: %w", err)
		}
		c.Nonce = uint64(nonce)

		_, err = tx.ExecContext(ctx, `
INSERT INTO commitments (`+commitmentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
			c.ID,
			c.OwnerID,
			c.RequestID,
			c.ServerSeed,
			c.ServerSeedHash,
			c.ClientSeed,
			nonce,
			string(c.Variant),
			c.Choice,
			c.Stake.String(),
			string(c.State),
			toMillis(c.CreatedAt),
			toMillis(c.ExpiresAt),
			toNullMillis(c.RevealedAt),
		)
		switch {
		case err == nil:
			return nil
		case isUniqueViolationOn(err, "commitments.request_id"):
			return fairness.ErrDuplicateRequestID
		case isUniqueViolationOn(err, "commitments.owner_id"):
			return fmt.Errorf("%w: owner %s nonce %d", fairness.ErrNonceReuse, c.OwnerID, nonce)
		default:
			return fmt.Errorf("insert commitment: %w", err)
		}
	})
	if errors.Is(err, fairness.ErrDuplicateRequestID) {
		// Lost an insert race on the request id; the winner's row is committed.
		existing, lookupErr := s.GetCommitmentByRequestID(ctx, c.RequestID)
		if lookupErr != nil {
			return fairness.Commitment{}, lookupErr
		}
		return existing, fairness.ErrDuplicateRequestID
	}
	if err != nil {
		return fairness.Commitment{}, err
	}
	if prior != nil {
		return *prior, fairness.ErrDuplicateRequestID
	}
	c.CreatedAt = fromMillis(toMillis(c.CreatedAt))
	c.ExpiresAt = fromMillis(toMillis(c.ExpiresAt))
	return c, nil
}

// GetCommitment loads a commitment by id, server seed included.
func (s *Store) GetCommitment(ctx context.Context, id string) (fairness.Commitment, error) {
	if err := s.ready(ctx); err != nil {
		return fairness.Commitment{}, err
	}
	return getCommitmentBy(ctx, s.sqlDB, "id", strings.TrimSpace(id))
}

// GetCommitmentByRequestID loads a commitment by its request id.
func (s *Store) GetCommitmentByRequestID(ctx context.Context, requestID string) (fairness.Commitment, error) {
	if err := s.ready(ctx); err != nil {
		return fairness.Commitment{}, err
	}
	return getCommitmentBy(ctx, s.sqlDB, "request_id", strings.TrimSpace(requestID))
}

// ListCommitmentsByOwner lists an owner's commitments by ascending nonce.
func (s *Store) ListCommitmentsByOwner(ctx context.Context, ownerID string, limit int) ([]fairness.Commitment, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+commitmentColumns+`
FROM commitments
WHERE owner_id = ?
ORDER BY nonce
LIMIT ?
`, strings.TrimSpace(ownerID), limit)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer rows.Close()

	var out []fairness.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commitments: %w", err)
	}
	return out, nil
}

// GetOutcome loads the outcome of a revealed commitment.
func (s *Store) GetOutcome(ctx context.Context, commitmentID string) (fairness.Outcome, error) {
	if err := s.ready(ctx); err != nil {
		return fairness.Outcome{}, err
	}
	return getOutcome(ctx, s.sqlDB, strings.TrimSpace(commitmentID))
}

// SaveOutcome stores the outcome and marks the commitment revealed in one
// transaction. An existing outcome is returned unchanged.
func (s *Store) SaveOutcome(ctx context.Context, outcome fairness.Outcome, revealedAt time.Time) (fairness.Outcome, error) {
	if err := s.ready(ctx); err != nil {
		return fairness.Outcome{}, err
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = revealedAt
	}

	var stored fairness.Outcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getOutcome(ctx, tx, outcome.CommitmentID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		res, err := tx.ExecContext(ctx, `
UPDATE commitments SET state = 'revealed', revealed_at = ?
WHERE id = ? AND state = 'committed'
`, toMillis(revealedAt), outcome.CommitmentID)
		if err != nil {
			return fmt.Errorf("mark commitment revealed: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("mark commitment revealed: %w", err)
		} else if n == 0 {
			return fmt.Errorf("%w: %s", fairness.ErrAlreadyExpired, outcome.CommitmentID)
		}

		isWin := 0
		if outcome.IsWin {
			isWin = 1
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO outcomes (commitment_id, result, digest, is_win, multiplier, payout, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
			outcome.CommitmentID,
			outcome.Result.String(),
			outcome.Digest,
			isWin,
			outcome.Multiplier.String(),
			outcome.Payout.String(),
			toMillis(outcome.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
		stored = outcome
		stored.CreatedAt = fromMillis(toMillis(outcome.CreatedAt))
		return nil
	})
	if err != nil {
		return fairness.Outcome{}, err
	}
	return stored, nil
}

// ExpireCommitments marks committed rows whose reveal window closed at or
// before now as expired and returns their ids.
func (s *Store) ExpireCommitments(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
UPDATE commitments SET state = 'expired'
WHERE state = 'committed' AND expires_at <= ?
RETURNING id
`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("expire commitments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired ids: %w", err)
	}
	return ids, nil
}

func getCommitmentBy(ctx context.Context, q dbtx, column, value string) (fairness.Commitment, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE `+column+` = ?`, value)
	c, err := scanCommitment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fairness.Commitment{}, storage.ErrNotFound
		}
		return fairness.Commitment{}, err
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row rowScanner) (fairness.Commitment, error) {
	var (
		c          fairness.Commitment
		nonce      int64
		variant    string
		stake      string
		state      string
		createdAt  int64
		expiresAt  int64
		revealedAt sql.NullInt64
	)
	if err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.RequestID,
		&c.ServerSeed,
		&c.ServerSeedHash,
		&c.ClientSeed,
		&nonce,
		&variant,
		&c.Choice,
		&stake,
		&state,
		&createdAt,
		&expiresAt,
		&revealedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fairness.Commitment{}, err
		}
		return fairness.Commitment{}, fmt.Errorf("scan commitment: %w", err)
	}
	amount, err := parseDecimal("stake", stake)
	if err != nil {
		return fairness.Commitment{}, err
	}
	c.Nonce = uint64(nonce)
	c.Variant = fairness.Variant(variant)
	c.Stake = amount
	c.State = fairness.State(state)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)
	c.RevealedAt = fromNullMillis(revealedAt)
	return c, nil
}

func getOutcome(ctx context.Context, q dbtx, commitmentID string) (fairness.Outcome, error) {
	var (
		o          fairness.Outcome
		result     string
		isWin      int
		multiplier string
		payout     string
		createdAt  int64
	)
	err := q.QueryRowContext(ctx, `
SELECT commitment_id, result, digest, is_win, multiplier, payout, created_at
FROM outcomes WHERE commitment_id = ?
`, commitmentID).Scan(&o.CommitmentID, &result, &o.Digest, &isWin, &multiplier, &payout, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fairness.Outcome{}, storage.ErrNotFound
		}
		return fairness.Outcome{}, fmt.Errorf("get outcome: %w", err)
	}
	if o.Result, err = parseDecimal("result", result); err != nil {
		return fairness.Outcome{}, err
	}
	if o.Multiplier, err = parseDecimal("multiplier", multiplier); err != nil {
		return fairness.Outcome{}, err
	}
	if o.Payout, err = parseDecimal("payout", payout); err != nil {
		return fairness.Outcome{}, err
	}
	o.IsWin = isWin == 1
	o.CreatedAt = fromMillis(createdAt)
	return o, nil
}
