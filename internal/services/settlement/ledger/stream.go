// Package ledger holds per-account balances split into earning streams.
package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places balances are kept at.
const Scale = 8

// MaxAmount is the largest balance representable at Scale in 64-bit units.
var MaxAmount = decimal.New(math.MaxInt64, -Scale)

var (
	// ErrInvalidCredit reports a negative credit amount or one past MaxAmount.
	ErrInvalidCredit = apperrors.New(apperrors.CodeInvalidCredit, "credit amount out of range")

	// ErrBalanceOverflow reports a credit that would push a balance past MaxAmount.
	ErrBalanceOverflow = apperrors.New(apperrors.CodeBalanceOverflow, "balance overflow")

	// ErrUnknownStream reports a stream name outside the closed set.
	ErrUnknownStream = apperrors.New(apperrors.CodeUnknownStream, "unknown balance stream")

	// ErrCycleAlreadyDistributed reports a second distribution of one cycle.
	ErrCycleAlreadyDistributed = apperrors.New(apperrors.CodeCycleAlreadyDistributed, "cycle already distributed")
)

// Stream names one earning bucket of an account.
type Stream string

const (
	StreamGame        Stream = "game"
	StreamCash        Stream = "cash"
	StreamDirectLevel Stream = "directLevel"
	StreamWinners     Stream = "winners"
	StreamTeamWinners Stream = "teamWinners"
	StreamCashback    Stream = "cashback"
	StreamROIOnROI    Stream = "roiOnRoi"
	StreamClub        Stream = "club"
	StreamLucky       Stream = "lucky"
)

// Streams lists every stream in display order.
func Streams() []Stream {
	return []Stream{
		StreamGame,
		StreamCash,
		StreamDirectLevel,
		StreamWinners,
		StreamTeamWinners,
		StreamCashback,
		StreamROIOnROI,
		StreamClub,
		StreamLucky,
	}
}

// Valid reports whether s is a known stream.
func (s Stream) Valid() bool {
	for _, known := range Streams() {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStream validates a stream name. Matching is exact.
func ParseStream(value string) (Stream, error) {
	s := Stream(strings.TrimSpace(value))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStream, value)
	}
	return s, nil
}

// CommissionType names the trigger of a commission credit.
type CommissionType string

const (
	CommissionDeposit  CommissionType = "deposit"
	CommissionWin      CommissionType = "win"
	CommissionCashback CommissionType = "cashback"
	CommissionClub     CommissionType = "club"
	CommissionPayout   CommissionType = "payout"
)

// CommissionRecord is an immutable line item explaining one credit.
type CommissionRecord struct {
	ID          string
	Beneficiary string
	Source      string
	Amount      decimal.Decimal
	Level       int
	Type        CommissionType
	Stream      Stream
	EventRef    string
	Timestamp   time.Time
}

// Credit is one balance increment, optionally explained by a record.
type Credit struct {
	AccountID string
	Stream    Stream
	Amount    decimal.Decimal
	Record    *CommissionRecord
}

// CycleMarker records that a distribution cycle has been paid.
type CycleMarker struct {
	CycleID       string
	Turnover      decimal.Decimal
	DistributedAt time.Time
}

// Account is a snapshot of every stream balance of one account.
type Account struct {
	ID       string
	Balances map[Stream]decimal.Decimal
}

// Balance returns the stream balance, zero when never credited.
func (a Account) Balance(stream Stream) decimal.Decimal {
	if v, ok := a.Balances[stream]; ok {
		return v
	}
	return decimal.Zero
}

// Total sums every stream.
func (a Account) Total() decimal.Decimal {
	total := decimal.Zero
	for _, v := range a.Balances {
		total = total.Add(v)
	}
	return total
}

// Truncate drops digits past Scale toward zero.
func Truncate(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(Scale)
}
