// Package referral models the referral forest and account activation.
package referral

import (
	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/shopspring/decimal"
)

// Tier is an activation level derived from an account's total deposits.
type Tier int

const (
	TierNone Tier = iota
	Tier1
	Tier2
)

// String returns the tier name used in logs and reports.
func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	default:
		return "none"
	}
}

const (
	// MaxLevels is the depth of the direct-level and winner walks.
	MaxLevels = 15
	// LegacyBonusDepth is the depth of the team cashback walk.
	LegacyBonusDepth = 100
	// FullUnlockReferrals unlocks every level at once.
	FullUnlockReferrals = 10
)

// Thresholds are the deposit totals that reach each tier.
type Thresholds struct {
	Tier1 decimal.Decimal
	Tier2 decimal.Decimal
}

// DefaultThresholds returns the 10 / 100 unit thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Tier1: decimal.NewFromInt(10),
		Tier2: decimal.NewFromInt(100),
	}
}

// TierFor maps a deposit total to its tier.
func (th Thresholds) TierFor(totalDeposited decimal.Decimal) Tier {
	switch {
	case totalDeposited.GreaterThanOrEqual(th.Tier2):
		return Tier2
	case totalDeposited.GreaterThanOrEqual(th.Tier1):
		return Tier1
	default:
		return TierNone
	}
}

// Activation is the externally maintained activation input of an account.
// The tier is never stored; it is derived from TotalDeposited on read.
type Activation struct {
	AccountID           string
	TotalDeposited      decimal.Decimal
	DirectReferralCount int
}

// Tier derives the account's tier under th.
func (a Activation) Tier(th Thresholds) Tier {
	return th.TierFor(a.TotalDeposited)
}

// UnlockedLevels returns the deepest level the account may earn from.
// Ten or more direct referrals unlock every level at once; below that each
// referral unlocks one level.
func (a Activation) UnlockedLevels() int {
	if a.DirectReferralCount >= FullUnlockReferrals {
		return MaxLevels
	}
	if a.DirectReferralCount < 0 {
		return 0
	}
	return min(a.DirectReferralCount, MaxLevels)
}

// StreamUnlocked reports whether an account at tier may receive stream.
// Tier1 opens the level-walk streams; Tier2 opens everything.
func StreamUnlocked(tier Tier, stream ledger.Stream) bool {
	switch tier {
	case Tier2:
		return true
	case Tier1:
		return stream == ledger.StreamDirectLevel || stream == ledger.StreamTeamWinners
	default:
		return false
	}
}
