// Package commission distributes deposit, win and loss events up the
// referral chain.
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RateTable holds per-level rates; index 0 is level 1.
type RateTable []decimal.Decimal

// DefaultLevelRates returns 5%, 2%, 1% for levels 3-5 and 0.5% for 6-15.
func DefaultLevelRates() RateTable {
	rates := make(RateTable, 0, 15)
	rates = append(rates,
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.02"),
	)
	for i := 3; i <= 5; i++ {
		rates = append(rates, decimal.RequireFromString("0.01"))
	}
	for i := 6; i <= 15; i++ {
		rates = append(rates, decimal.RequireFromString("0.005"))
	}
	return rates
}

// DefaultCashbackRate is the flat per-level team cashback rate.
func DefaultCashbackRate() decimal.Decimal {
	return decimal.RequireFromString("0.001")
}

// Rate returns the rate for level, zero past the end of the table.
func (r RateTable) Rate(level int) decimal.Decimal {
	if level < 1 || level > len(r) {
		return decimal.Zero
	}
	return r[level-1]
}

// Sum adds every level's rate.
func (r RateTable) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, rate := range r {
		total = total.Add(rate)
	}
	return total
}

// Validate rejects negative rates and rates above 100%.
func (r RateTable) Validate() error {
	for i, rate := range r {
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("level %d rate %s out of range", i+1, rate)
		}
	}
	return nil
}
