// Package vault issues and reveals provably-fair commitments.
package vault

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/fairstake/internal/platform/id"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/shopspring/decimal"
)

// DefaultTTL is the reveal window applied when none is configured.
const DefaultTTL = 10 * time.Minute

const revealStripes = 64

// Audit event types recorded by the vault.
const (
	EventCommitmentCreated = "commitment.created"
	EventBetRevealed       = "bet.revealed"
	EventCommitmentExpired = "commitment.expired"
)

// Store persists commitments and outcomes.
type Store interface {
	// CreateCommitment assigns the owner's next nonce and stores c. A reused
	// request id returns the stored commitment with fairness.ErrDuplicateRequestID.
	CreateCommitment(ctx context.Context, c fairness.Commitment) (fairness.Commitment, error)
	GetCommitment(ctx context.Context, id string) (fairness.Commitment, error)
	GetOutcome(ctx context.Context, commitmentID string) (fairness.Outcome, error)
	// SaveOutcome stores the outcome and flips the commitment to revealed in
	// one transaction. If an outcome already exists it is returned instead.
	SaveOutcome(ctx context.Context, outcome fairness.Outcome, revealedAt time.Time) (fairness.Outcome, error)
	ExpireCommitments(ctx context.Context, now time.Time) ([]string, error)
}

// Auditor records vault events on the audit chain.
type Auditor interface {
	Record(ctx context.Context, eventType string, payload any) error
}

// CommitRequest asks for a new commitment.
type CommitRequest struct {
	OwnerID    string
	ClientSeed string
	Variant    fairness.Variant
	Choice     string
	Stake      decimal.Decimal
	RequestID  string
}

// Vault generates seeds, hands out commitments and reveals them once.
type Vault struct {
	store   Store
	auditor Auditor
	ttl     time.Duration
	now     func() time.Time
	newID   func() (string, error)
	locks   [revealStripes]sync.Mutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithTTL sets the reveal window.
func WithTTL(ttl time.Duration) Option {
	return func(v *Vault) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithAuditor records commit, reveal and expiry events.
func WithAuditor(auditor Auditor) Option {
	return func(v *Vault) {
		v.auditor = auditor
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

// New builds a vault over store.
func New(store Store, opts ...Option) *Vault {
	v := &Vault{
		store: store,
		ttl:   DefaultTTL,
		now:   func() time.Time { return time.Now().UTC() },
		newID: id.NewID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Commit creates a commitment with a fresh server seed. Only the seed's hash
// leaves the vault until reveal.
func (v *Vault) Commit(ctx context.Context, req CommitRequest) (fairness.Commitment, error) {
	if v == nil || v.store == nil {
		return fairness.Commitment{}, fmt.Errorf("vault store is not configured")
	}
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.OwnerID == "" {
		return fairness.Commitment{}, fmt.Errorf("owner id is required")
	}
	if req.RequestID == "" {
		return fairness.Commitment{}, fmt.Errorf("request id is required")
	}
	if !req.Variant.Valid() {
		return fairness.Commitment{}, fmt.Errorf("%w: %q", fairness.ErrInvalidVariant, string(req.Variant))
	}
	if err := fairness.ValidateChoice(req.Variant, req.Choice); err != nil {
		return fairness.Commitment{}, err
	}
	if !req.Stake.IsPositive() {
		return fairness.Commitment{}, fairness.ErrInvalidStake
	}

	serverSeed, err := fairness.NewServerSeed()
	if err != nil {
		return fairness.Commitment{}, err
	}
	clientSeed := strings.TrimSpace(req.ClientSeed)
	if clientSeed == "" {
		if clientSeed, err = fairness.NewClientSeed(); err != nil {
			return fairness.Commitment{}, err
		}
	}
	commitmentID, err := v.newID()
	if err != nil {
		return fairness.Commitment{}, err
	}

	now := v.now()
	stored, err := v.store.CreateCommitment(ctx, fairness.Commitment{
		ID:             commitmentID,
		OwnerID:        req.OwnerID,
		RequestID:      req.RequestID,
		ServerSeed:     serverSeed,
		ServerSeedHash: fairness.HashSeed(serverSeed),
		ClientSeed:     clientSeed,
		Variant:        req.Variant,
		Choice:         strings.TrimSpace(req.Choice),
		Stake:          req.Stake,
		State:          fairness.StateCommitted,
		CreatedAt:      now,
		ExpiresAt:      now.Add(v.ttl),
	})
	if err != nil {
		if errors.Is(err, fairness.ErrDuplicateRequestID) {
			return stored.Public(), err
		}
		return fairness.Commitment{}, fmt.Errorf("create commitment: %w", err)
	}

	public := stored.Public()
	v.record(ctx, EventCommitmentCreated, commitmentPayload(public, nil))
	return public, nil
}

// Reveal discloses the server seed and settles the commitment. The outcome
// is derived once; later calls return the stored outcome unchanged.
func (v *Vault) Reveal(ctx context.Context, commitmentID string) (fairness.Commitment, fairness.Outcome, error) {
	if v == nil || v.store == nil {
		return fairness.Commitment{}, fairness.Outcome{}, fmt.Errorf("vault store is not configured")
	}
	commitmentID = strings.TrimSpace(commitmentID)
	if commitmentID == "" {
		return fairness.Commitment{}, fairness.Outcome{}, fairness.ErrUnknownCommitment
	}

	lock := v.lockFor(commitmentID)
	lock.Lock()
	defer lock.Unlock()

	c, err := v.store.GetCommitment(ctx, commitmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fairness.Commitment{}, fairness.Outcome{}, fmt.Errorf("%w: %s", fairness.ErrUnknownCommitment, commitmentID)
		}
		return fairness.Commitment{}, fairness.Outcome{}, fmt.Errorf("get commitment: %w", err)
	}

	if c.State == fairness.StateRevealed {
		outcome, err := v.store.GetOutcome(ctx, commitmentID)
		if err != nil {
			return fairness.Commitment{}, fairness.Outcome{}, fmt.Errorf("get outcome: %w", err)
		}
		return c, outcome, nil
	}

	now := v.now()
	if c.ExpiredAt(now) {
		return c.Public(), fairness.Outcome{}, fmt.Errorf("%w: %s", fairness.ErrAlreadyExpired, commitmentID)
	}

	outcome, err := fairness.Resolve(c)
	if err != nil {
		return c.Public(), fairness.Outcome{}, fmt.Errorf("resolve commitment %s: %w", commitmentID, err)
	}
	outcome.CreatedAt = now

	stored, err := v.store.SaveOutcome(ctx, outcome, now)
	if err != nil {
		return c.Public(), fairness.Outcome{}, fmt.Errorf("save outcome: %w", err)
	}
	c.State = fairness.StateRevealed
	c.RevealedAt = &now

	v.record(ctx, EventBetRevealed, commitmentPayload(c, &stored))
	return c, stored, nil
}

// SweepExpired marks unrevealed commitments past their reveal window as
// expired and returns their ids.
func (v *Vault) SweepExpired(ctx context.Context) ([]string, error) {
	if v == nil || v.store == nil {
		return nil, fmt.Errorf("vault store is not configured")
	}
	ids, err := v.store.ExpireCommitments(ctx, v.now())
	if err != nil {
		return nil, fmt.Errorf("expire commitments: %w", err)
	}
	for _, commitmentID := range ids {
		v.record(ctx, EventCommitmentExpired, map[string]string{"commitment_id": commitmentID})
	}
	return ids, nil
}

func (v *Vault) lockFor(commitmentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(commitmentID))
	return &v.locks[h.Sum32()%revealStripes]
}

func (v *Vault) record(ctx context.Context, eventType string, payload any) {
	if v.auditor == nil {
		return
	}
	// The audit appender reports its own failures; settlement never waits on it.
	_ = v.auditor.Record(ctx, eventType, payload)
}

type auditCommitment struct {
	CommitmentID   string  `json:"commitment_id"`
	OwnerID        string  `json:"owner_id"`
	RequestID      string  `json:"request_id"`
	ServerSeedHash string  `json:"server_seed_hash"`
	ServerSeed     string  `json:"server_seed,omitempty"`
	ClientSeed     string  `json:"client_seed"`
	Nonce          uint64  `json:"nonce"`
	Variant        string  `json:"variant"`
	Choice         string  `json:"choice"`
	Stake          string  `json:"stake"`
	Result         string  `json:"result,omitempty"`
	IsWin          *bool   `json:"is_win,omitempty"`
	Payout         *string `json:"payout,omitempty"`
}

func commitmentPayload(c fairness.Commitment, outcome *fairness.Outcome) auditCommitment {
	payload := auditCommitment{
		CommitmentID:   c.ID,
		OwnerID:        c.OwnerID,
		RequestID:      c.RequestID,
		ServerSeedHash: c.ServerSeedHash,
		ServerSeed:     c.ServerSeed,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		Variant:        string(c.Variant),
		Choice:         c.Choice,
		Stake:          c.Stake.String(),
	}
	if outcome != nil {
		isWin := outcome.IsWin
		payout := outcome.Payout.String()
		payload.Result = outcome.Result.String()
		payload.IsWin = &isWin
		payload.Payout = &payout
	}
	return payload
}
