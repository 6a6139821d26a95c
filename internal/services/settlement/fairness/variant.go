package fairness

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Variant identifies a game variant. The set is closed: adding a variant
// means adding a constant here and a case to every switch in this file.
type Variant string

const (
	// VariantDice rolls 0.00-99.99; the player wins by rolling under a target.
	VariantDice Variant = "dice"
	// VariantCoinFlip is a fair coin; the player calls heads or tails.
	VariantCoinFlip Variant = "coinflip"
	// VariantNumber draws a digit 0-9; the player picks one.
	VariantNumber Variant = "number"
	// VariantCrash derives a continuous multiplier; the player wins if the
	// crash point reaches the chosen cash-out multiplier.
	VariantCrash Variant = "crash"
)

// Variants lists every supported variant.
func Variants() []Variant {
	return []Variant{VariantDice, VariantCoinFlip, VariantNumber, VariantCrash}
}

// ParseVariant normalizes and validates a variant name.
func ParseVariant(value string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(value)))
	if !v.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidVariant, value)
	}
	return v, nil
}

// Valid reports whether v belongs to the closed variant set.
func (v Variant) Valid() bool {
	switch v {
	case VariantDice, VariantCoinFlip, VariantNumber, VariantCrash:
		return true
	default:
		return false
	}
}

// Tolerance is the accepted absolute difference between a claimed and a
// recomputed result. Only continuous variants tolerate any difference.
func (v Variant) Tolerance() decimal.Decimal {
	if v == VariantCrash {
		return crashEpsilon
	}
	return decimal.Zero
}

const (
	diceDomain   = 10000
	numberDomain = 10

	diceMinTarget = 2
	diceMaxTarget = 98

	crashBits        = 52
	crashInstantBust = 33
)

var (
	diceEdgeNumerator  = decimal.NewFromInt(99)
	coinFlipMultiplier = decimal.RequireFromString("1.98")
	numberMultiplier   = decimal.NewFromInt(9)
	crashMinCashout    = decimal.RequireFromString("1.01")
	crashEpsilon       = decimal.RequireFromString("0.01")

	bigDiceDomain   = big.NewInt(diceDomain)
	bigCoinDomain   = big.NewInt(2)
	bigNumberDomain = big.NewInt(numberDomain)
)

// reduce maps a digest to its variant's output domain.
func reduce(v Variant, digest []byte) (decimal.Decimal, error) {
	switch v {
	case VariantDice:
		return decimal.NewFromInt(modUint(digest, bigDiceDomain)), nil
	case VariantCoinFlip:
		return decimal.NewFromInt(modUint(digest, bigCoinDomain)), nil
	case VariantNumber:
		return decimal.NewFromInt(modUint(digest, bigNumberDomain)), nil
	case VariantCrash:
		return crashPoint(digest), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidVariant, string(v))
	}
}

// modUint interprets digest as a big-endian unsigned integer and returns it
// modulo n.
func modUint(digest []byte, n *big.Int) int64 {
	value := new(big.Int).SetBytes(digest)
	return value.Mod(value, n).Int64()
}

// crashPoint derives a two-decimal multiplier from the top 52 bits of the
// digest. One draw in 33 busts instantly at 1.00; otherwise the point is
// floor((100·2^52 − h) / (2^52 − h)) / 100, all in integer arithmetic.
func crashPoint(digest []byte) decimal.Decimal {
	h := binary.BigEndian.Uint64(digest[:8]) >> (64 - crashBits)
	if h%crashInstantBust == 0 {
		return decimal.New(100, -2)
	}
	e := uint64(1) << crashBits
	hundredths := (100*e - h) / (e - h)
	return decimal.New(int64(hundredths), -2)
}

// ValidateChoice checks a player's choice against the variant's rules.
func ValidateChoice(v Variant, choice string) error {
	var err error
	switch v {
	case VariantDice:
		_, err = parseDiceTarget(choice)
	case VariantCoinFlip:
		_, err = parseCoinSide(choice)
	case VariantNumber:
		_, err = parseDigit(choice)
	case VariantCrash:
		_, err = parseCashout(choice)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidVariant, string(v))
	}
	return err
}

// Settlement is a variant's verdict on one derived result.
type Settlement struct {
	IsWin      bool
	Multiplier decimal.Decimal
	Payout     decimal.Decimal
}

// Settle applies the variant's win and payout rule. It is total: a choice
// the variant cannot parse loses with a zero payout.
func Settle(v Variant, choice string, result, stake decimal.Decimal) Settlement {
	var (
		win        bool
		multiplier decimal.Decimal
	)
	switch v {
	case VariantDice:
		target, err := parseDiceTarget(choice)
		if err != nil {
			return Settlement{}
		}
		win = result.LessThan(decimal.NewFromInt(target * 100))
		multiplier = diceEdgeNumerator.Div(decimal.NewFromInt(target)).Truncate(4)
	case VariantCoinFlip:
		side, err := parseCoinSide(choice)
		if err != nil {
			return Settlement{}
		}
		win = result.Equal(decimal.NewFromInt(side))
		multiplier = coinFlipMultiplier
	case VariantNumber:
		digit, err := parseDigit(choice)
		if err != nil {
			return Settlement{}
		}
		win = result.Equal(decimal.NewFromInt(digit))
		multiplier = numberMultiplier
	case VariantCrash:
		cashout, err := parseCashout(choice)
		if err != nil {
			return Settlement{}
		}
		win = result.GreaterThanOrEqual(cashout)
		multiplier = cashout
	default:
		return Settlement{}
	}
	if !win {
		return Settlement{Multiplier: multiplier, Payout: decimal.Zero}
	}
	return Settlement{
		IsWin:      true,
		Multiplier: multiplier,
		Payout:     stake.Mul(multiplier).Truncate(8),
	}
}

// parseDiceTarget accepts "under:N" with N in [2, 98].
func parseDiceTarget(choice string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(choice), "under:")
	if !ok {
		return 0, fmt.Errorf("%w: dice choice must be under:<target>", ErrInvalidChoice)
	}
	target, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || target < diceMinTarget || target > diceMaxTarget {
		return 0, fmt.Errorf("%w: dice target must be %d-%d", ErrInvalidChoice, diceMinTarget, diceMaxTarget)
	}
	return target, nil
}

// parseCoinSide maps heads to 0 and tails to 1.
func parseCoinSide(choice string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(choice)) {
	case "heads":
		return 0, nil
	case "tails":
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: coinflip choice must be heads or tails", ErrInvalidChoice)
	}
}

func parseDigit(choice string) (int64, error) {
	digit, err := strconv.ParseInt(strings.TrimSpace(choice), 10, 64)
	if err != nil || digit < 0 || digit >= numberDomain {
		return 0, fmt.Errorf("%w: number choice must be 0-9", ErrInvalidChoice)
	}
	return digit, nil
}

// parseCashout accepts "cashout:X" with X >= 1.01 and at most two decimals.
func parseCashout(choice string) (decimal.Decimal, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(choice), "cashout:")
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: crash choice must be cashout:<multiplier>", ErrInvalidChoice)
	}
	cashout, err := decimal.NewFromString(raw)
	if err != nil || cashout.LessThan(crashMinCashout) || !cashout.Equal(cashout.Truncate(2)) {
		return decimal.Zero, fmt.Errorf("%w: cashout must be >= %s with two decimals", ErrInvalidChoice, crashMinCashout)
	}
	return cashout, nil
}
