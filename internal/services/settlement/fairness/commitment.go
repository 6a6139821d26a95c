package fairness

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is a commitment's lifecycle state.
type State string

const (
	StateCommitted State = "committed"
	StateRevealed  State = "revealed"
	StateExpired   State = "expired"
)

// Commitment is one committed wager. ServerSeed stays secret until reveal.
type Commitment struct {
	ID             string
	OwnerID        string
	RequestID      string
	ServerSeed     string
	ServerSeedHash string
	ClientSeed     string
	Nonce          uint64
	Variant        Variant
	Choice         string
	Stake          decimal.Decimal
	State          State
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RevealedAt     *time.Time
}

// Public returns the commitment as it may be shown before reveal.
func (c Commitment) Public() Commitment {
	if c.State != StateRevealed {
		c.ServerSeed = ""
	}
	return c
}

// ExpiredAt reports whether the reveal window has closed at now.
func (c Commitment) ExpiredAt(now time.Time) bool {
	if c.State == StateExpired {
		return true
	}
	return c.State == StateCommitted && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Inputs returns the derivation inputs bound by this commitment.
func (c Commitment) Inputs() Inputs {
	return Inputs{
		ServerSeed: c.ServerSeed,
		ClientSeed: c.ClientSeed,
		Nonce:      c.Nonce,
		Variant:    c.Variant,
	}
}

// Outcome is the immutable result of revealing a commitment.
type Outcome struct {
	CommitmentID string
	Result       decimal.Decimal
	Digest       string
	IsWin        bool
	Multiplier   decimal.Decimal
	Payout       decimal.Decimal
	CreatedAt    time.Time
}

// Resolve derives and settles the commitment. It checks the seed against its
// published hash first so a corrupted seed is reported rather than settled.
func Resolve(c Commitment) (Outcome, error) {
	if HashSeed(c.ServerSeed) != c.ServerSeedHash {
		return Outcome{}, ErrHashMismatch
	}
	derived, err := DeriveResult(c.Inputs())
	if err != nil {
		return Outcome{}, err
	}
	settled := Settle(c.Variant, c.Choice, derived.Result, c.Stake)
	return Outcome{
		CommitmentID: c.ID,
		Result:       derived.Result,
		Digest:       derived.Digest,
		IsWin:        settled.IsWin,
		Multiplier:   settled.Multiplier,
		Payout:       settled.Payout,
	}, nil
}
