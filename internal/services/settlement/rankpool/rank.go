// Package rankpool shares a daily turnover pool among accounts ranked by
// leg-balanced team volume.
package rankpool

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var legCap = decimal.RequireFromString("0.5")

// Rank is one club rank.
type Rank struct {
	Level        int
	Name         string
	TargetVolume decimal.Decimal
	PoolShare    decimal.Decimal
}

// DefaultRanks returns the five default club ranks.
func DefaultRanks() []Rank {
	return []Rank{
		{Level: 1, Name: "R1", TargetVolume: decimal.NewFromInt(10000), PoolShare: decimal.RequireFromString("0.02")},
		{Level: 2, Name: "R2", TargetVolume: decimal.NewFromInt(25000), PoolShare: decimal.RequireFromString("0.02")},
		{Level: 3, Name: "R3", TargetVolume: decimal.NewFromInt(50000), PoolShare: decimal.RequireFromString("0.015")},
		{Level: 4, Name: "R4", TargetVolume: decimal.NewFromInt(100000), PoolShare: decimal.RequireFromString("0.01")},
		{Level: 5, Name: "R5", TargetVolume: decimal.NewFromInt(250000), PoolShare: decimal.RequireFromString("0.01")},
	}
}

// ValidateRanks rejects duplicate levels, non-positive targets, negative
// shares and shares summing past the whole turnover.
func ValidateRanks(ranks []Rank) error {
	total := decimal.Zero
	levels := make(map[int]string, len(ranks))
	for _, r := range ranks {
		if other, ok := levels[r.Level]; ok {
			return fmt.Errorf("ranks %s and %s share level %d", other, r.Name, r.Level)
		}
		levels[r.Level] = r.Name
		if !r.TargetVolume.IsPositive() {
			return fmt.Errorf("rank %s target volume must be positive", r.Name)
		}
		if r.PoolShare.IsNegative() {
			return fmt.Errorf("rank %s pool share must not be negative", r.Name)
		}
		total = total.Add(r.PoolShare)
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("rank pool shares sum to %s", total)
	}
	return nil
}

// TeamVolume is the externally maintained leg volume of an account.
type TeamVolume struct {
	AccountID string
	StrongLeg decimal.Decimal
	OtherLegs decimal.Decimal
	Total     decimal.Decimal
}

// QualifiedVolume caps each side's contribution at half of target.
func QualifiedVolume(strongLeg, otherLegs, target decimal.Decimal) decimal.Decimal {
	half := target.Mul(legCap)
	return decimal.Min(strongLeg, half).Add(decimal.Min(otherLegs, half))
}

// Qualifies reports whether the leg volumes reach target.
func Qualifies(strongLeg, otherLegs, target decimal.Decimal) bool {
	return QualifiedVolume(strongLeg, otherLegs, target).GreaterThanOrEqual(target)
}

// AssignRank returns the highest rank the volume qualifies for. Each rank is
// tested against its own leg caps.
func AssignRank(volume TeamVolume, ranks []Rank) (Rank, bool) {
	ordered := append([]Rank(nil), ranks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TargetVolume.LessThan(ordered[j].TargetVolume)
	})
	var (
		best  Rank
		found bool
	)
	for _, r := range ordered {
		if Qualifies(volume.StrongLeg, volume.OtherLegs, r.TargetVolume) {
			best, found = r, true
		}
	}
	return best, found
}
