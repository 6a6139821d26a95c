package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/referral"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/shopspring/decimal"
)

// ActivationSource reads activation inputs. storage.ErrNotFound means the
// account has never deposited and is treated as tier none.
type ActivationSource interface {
	GetActivation(ctx context.Context, accountID string) (referral.Activation, error)
}

// Crediter applies one commission credit and stores its record.
type Crediter interface {
	CreditCommission(ctx context.Context, record ledger.CommissionRecord) (ledger.CommissionRecord, error)
}

// Config holds the rate tables and thresholds.
type Config struct {
	DirectLevelRates RateTable
	WinnerLevelRates RateTable
	CashbackRate     decimal.Decimal
	Thresholds       referral.Thresholds
}

// DefaultConfig returns the default rate tables and thresholds.
func DefaultConfig() Config {
	return Config{
		DirectLevelRates: DefaultLevelRates(),
		WinnerLevelRates: DefaultLevelRates(),
		CashbackRate:     DefaultCashbackRate(),
		Thresholds:       referral.DefaultThresholds(),
	}
}

// Deposit is a confirmed deposit by PayerID.
type Deposit struct {
	PayerID     string
	Amount      decimal.Decimal
	SourceTxRef string
}

// Win is a settled winning wager.
type Win struct {
	WinnerID     string
	Payout       decimal.Decimal
	CommitmentID string
}

// Loss is a settled losing wager.
type Loss struct {
	LoserID      string
	Stake        decimal.Decimal
	CommitmentID string
}

// SkipReason explains why a level was not credited.
type SkipReason string

const (
	SkipInactive     SkipReason = "inactive"
	SkipLevelLocked  SkipReason = "level_locked"
	SkipStreamLocked SkipReason = "stream_locked"
	SkipZeroAmount   SkipReason = "zero_amount"
)

// Skip is a level passed over without credit. Skips are expected control
// flow, not failures.
type Skip struct {
	Level     int
	AccountID string
	Reason    SkipReason
}

// Distribution is the outcome of one walk.
type Distribution struct {
	EventRef string
	Type     ledger.CommissionType
	Credits  []ledger.CommissionRecord
	Skips    []Skip
	Walk     referral.WalkResult
	Total    decimal.Decimal
}

// Engine walks uplines and credits eligible accounts. It does not
// deduplicate events; each event must reach it once.
type Engine struct {
	walker      *referral.Walker
	legacy      *referral.Walker
	activations ActivationSource
	crediter    Crediter
	cfg         Config
}

// NewEngine builds an engine. Empty rate tables fall back to the defaults.
func NewEngine(lookup referral.Lookup, activations ActivationSource, crediter Crediter, cfg Config) (*Engine, error) {
	if lookup == nil || activations == nil || crediter == nil {
		return nil, fmt.Errorf("upline lookup, activation source and crediter are required")
	}
	defaults := DefaultConfig()
	if len(cfg.DirectLevelRates) == 0 {
		cfg.DirectLevelRates = defaults.DirectLevelRates
	}
	if len(cfg.WinnerLevelRates) == 0 {
		cfg.WinnerLevelRates = defaults.WinnerLevelRates
	}
	if cfg.Thresholds.Tier1.IsZero() && cfg.Thresholds.Tier2.IsZero() {
		cfg.Thresholds = defaults.Thresholds
	}
	if err := cfg.DirectLevelRates.Validate(); err != nil {
		return nil, fmt.Errorf("direct level rates: %w", err)
	}
	if err := cfg.WinnerLevelRates.Validate(); err != nil {
		return nil, fmt.Errorf("winner level rates: %w", err)
	}
	if cfg.CashbackRate.IsNegative() {
		return nil, fmt.Errorf("cashback rate must not be negative")
	}
	return &Engine{
		walker:      referral.NewWalker(lookup, referral.MaxLevels),
		legacy:      referral.NewWalker(lookup, referral.LegacyBonusDepth),
		activations: activations,
		crediter:    crediter,
		cfg:         cfg,
	}, nil
}

// OnDeposit credits directLevel commission up to 15 levels above the payer.
func (e *Engine) OnDeposit(ctx context.Context, d Deposit) (Distribution, error) {
	return e.distribute(ctx, walkPlan{
		walker:   e.walker,
		source:   d.PayerID,
		base:     d.Amount,
		eventRef: d.SourceTxRef,
		kind:     ledger.CommissionDeposit,
		stream:   ledger.StreamDirectLevel,
		rate:     e.cfg.DirectLevelRates.Rate,
		levels:   true,
	})
}

// OnWin credits teamWinners commission up to 15 levels above the winner.
func (e *Engine) OnWin(ctx context.Context, w Win) (Distribution, error) {
	return e.distribute(ctx, walkPlan{
		walker:   e.walker,
		source:   w.WinnerID,
		base:     w.Payout,
		eventRef: w.CommitmentID,
		kind:     ledger.CommissionWin,
		stream:   ledger.StreamTeamWinners,
		rate:     e.cfg.WinnerLevelRates.Rate,
		levels:   true,
	})
}

// OnLoss credits team cashback up to 100 levels above the loser. Only
// accounts with every stream unlocked earn it; level unlocks do not apply.
func (e *Engine) OnLoss(ctx context.Context, l Loss) (Distribution, error) {
	if e.cfg.CashbackRate.IsZero() {
		return Distribution{EventRef: l.CommitmentID, Type: ledger.CommissionCashback, Total: decimal.Zero}, nil
	}
	rate := e.cfg.CashbackRate
	return e.distribute(ctx, walkPlan{
		walker:   e.legacy,
		source:   l.LoserID,
		base:     l.Stake,
		eventRef: l.CommitmentID,
		kind:     ledger.CommissionCashback,
		stream:   ledger.StreamCashback,
		rate:     func(int) decimal.Decimal { return rate },
	})
}

type walkPlan struct {
	walker   *referral.Walker
	source   string
	base     decimal.Decimal
	eventRef string
	kind     ledger.CommissionType
	stream   ledger.Stream
	rate     func(level int) decimal.Decimal
	// levels gates each level by the beneficiary's unlocked level count.
	levels bool
}

func (e *Engine) distribute(ctx context.Context, plan walkPlan) (Distribution, error) {
	dist := Distribution{
		EventRef: strings.TrimSpace(plan.eventRef),
		Type:     plan.kind,
		Total:    decimal.Zero,
	}
	if e == nil {
		return dist, fmt.Errorf("commission engine is not configured")
	}
	if plan.base.IsNegative() {
		return dist, fmt.Errorf("%w: %s", ledger.ErrInvalidCredit, plan.base)
	}
	if plan.base.IsZero() {
		return dist, nil
	}

	result, err := plan.walker.Walk(ctx, plan.source, func(ctx context.Context, level int, uplineID string) error {
		reason, err := e.eligibility(ctx, plan, level, uplineID)
		if err != nil {
			return err
		}
		if reason != "" {
			dist.Skips = append(dist.Skips, Skip{Level: level, AccountID: uplineID, Reason: reason})
			return nil
		}
		amount := ledger.Truncate(plan.base.Mul(plan.rate(level)))
		if amount.IsZero() {
			dist.Skips = append(dist.Skips, Skip{Level: level, AccountID: uplineID, Reason: SkipZeroAmount})
			return nil
		}
		record, err := e.crediter.CreditCommission(ctx, ledger.CommissionRecord{
			Beneficiary: uplineID,
			Source:      plan.source,
			Amount:      amount,
			Level:       level,
			Type:        plan.kind,
			Stream:      plan.stream,
			EventRef:    dist.EventRef,
		})
		if err != nil {
			return fmt.Errorf("credit level %d to %s: %w", level, uplineID, err)
		}
		dist.Credits = append(dist.Credits, record)
		dist.Total = dist.Total.Add(record.Amount)
		return nil
	})
	dist.Walk = result
	return dist, err
}

func (e *Engine) eligibility(ctx context.Context, plan walkPlan, level int, accountID string) (SkipReason, error) {
	activation, err := e.activations.GetActivation(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return SkipInactive, nil
		}
		return "", fmt.Errorf("load activation of %s: %w", accountID, err)
	}
	tier := activation.Tier(e.cfg.Thresholds)
	if tier == referral.TierNone {
		return SkipInactive, nil
	}
	if !referral.StreamUnlocked(tier, plan.stream) {
		return SkipStreamLocked, nil
	}
	if plan.levels && level > activation.UnlockedLevels() {
		return SkipLevelLocked, nil
	}
	return "", nil
}
