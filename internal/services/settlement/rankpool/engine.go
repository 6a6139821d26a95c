package rankpool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/referral"
	"github.com/shopspring/decimal"
)

// CycleDateLayout formats a snapshot date into its cycle id.
const CycleDateLayout = "2006-01-02"

// Source reads the externally maintained inputs of a distribution.
type Source interface {
	ListTeamVolumes(ctx context.Context) ([]TeamVolume, error)
	ListActivations(ctx context.Context) ([]referral.Activation, error)
}

// Crediter applies a cycle's credits together with its marker.
type Crediter interface {
	CreditCycle(ctx context.Context, marker ledger.CycleMarker, credits []ledger.Credit) ([]ledger.Credit, error)
}

// Snapshot is one day's turnover total.
type Snapshot struct {
	CycleID       string
	Date          time.Time
	TotalTurnover decimal.Decimal
}

// RankPayout is one rank's share of a cycle.
type RankPayout struct {
	Rank    Rank
	Pool    decimal.Decimal
	Members []string
	PerUser decimal.Decimal
	// Distributed is PerUser times the member count.
	Distributed decimal.Decimal
	// Undistributed is the whole pool when the rank has no members.
	Undistributed decimal.Decimal
	// Dust is what truncating PerUser to ledger.Scale left behind.
	Dust decimal.Decimal
}

// Report describes a planned or applied distribution.
type Report struct {
	CycleID  string
	Turnover decimal.Decimal
	Payouts  []RankPayout
	Total    decimal.Decimal
}

// Engine plans and applies club pool distributions.
type Engine struct {
	source     Source
	crediter   Crediter
	ranks      []Rank
	thresholds referral.Thresholds
}

// NewEngine builds an engine. An empty rank list uses DefaultRanks.
func NewEngine(source Source, crediter Crediter, ranks []Rank, thresholds referral.Thresholds) (*Engine, error) {
	if source == nil || crediter == nil {
		return nil, fmt.Errorf("rank pool source and crediter are required")
	}
	if len(ranks) == 0 {
		ranks = DefaultRanks()
	}
	if err := ValidateRanks(ranks); err != nil {
		return nil, err
	}
	if thresholds.Tier1.IsZero() && thresholds.Tier2.IsZero() {
		thresholds = referral.DefaultThresholds()
	}
	ordered := append([]Rank(nil), ranks...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TargetVolume.LessThan(ordered[j].TargetVolume)
	})
	return &Engine{source: source, crediter: crediter, ranks: ordered, thresholds: thresholds}, nil
}

// Plan computes the distribution without crediting anything.
func (e *Engine) Plan(ctx context.Context, snap Snapshot) (Report, []ledger.Credit, error) {
	snap, err := normalizeSnapshot(snap)
	if err != nil {
		return Report{}, nil, err
	}

	activations, err := e.source.ListActivations(ctx)
	if err != nil {
		return Report{}, nil, fmt.Errorf("list activations: %w", err)
	}
	eligible := make(map[string]bool, len(activations))
	for _, a := range activations {
		if referral.StreamUnlocked(a.Tier(e.thresholds), ledger.StreamClub) {
			eligible[a.AccountID] = true
		}
	}

	volumes, err := e.source.ListTeamVolumes(ctx)
	if err != nil {
		return Report{}, nil, fmt.Errorf("list team volumes: %w", err)
	}
	members := make(map[int][]string, len(e.ranks))
	for _, v := range volumes {
		if !eligible[v.AccountID] {
			continue
		}
		if r, ok := AssignRank(v, e.ranks); ok {
			members[r.Level] = append(members[r.Level], v.AccountID)
		}
	}

	report := Report{CycleID: snap.CycleID, Turnover: snap.TotalTurnover, Total: decimal.Zero}
	var credits []ledger.Credit
	for _, r := range e.ranks {
		payout := RankPayout{
			Rank:          r,
			Pool:          ledger.Truncate(snap.TotalTurnover.Mul(r.PoolShare)),
			PerUser:       decimal.Zero,
			Distributed:   decimal.Zero,
			Undistributed: decimal.Zero,
			Dust:          decimal.Zero,
		}
		ids := members[r.Level]
		sort.Strings(ids)
		payout.Members = ids
		if len(ids) == 0 {
			payout.Undistributed = payout.Pool
			report.Payouts = append(report.Payouts, payout)
			continue
		}
		count := decimal.NewFromInt(int64(len(ids)))
		payout.PerUser = payout.Pool.DivRound(count, ledger.Scale+2).Truncate(ledger.Scale)
		payout.Distributed = payout.PerUser.Mul(count)
		payout.Dust = payout.Pool.Sub(payout.Distributed)
		report.Total = report.Total.Add(payout.Distributed)
		report.Payouts = append(report.Payouts, payout)

		if payout.PerUser.IsZero() {
			continue
		}
		for _, accountID := range ids {
			credits = append(credits, ledger.Credit{
				AccountID: accountID,
				Stream:    ledger.StreamClub,
				Amount:    payout.PerUser,
				Record: &ledger.CommissionRecord{
					Beneficiary: accountID,
					Amount:      payout.PerUser,
					Level:       r.Level,
					Type:        ledger.CommissionClub,
					Stream:      ledger.StreamClub,
					EventRef:    snap.CycleID,
				},
			})
		}
	}
	return report, credits, nil
}

// Distribute plans the cycle and credits every member's club stream in one
// transaction with the cycle marker. A cycle is paid once; a re-run returns
// ledger.ErrCycleAlreadyDistributed and credits nothing.
func (e *Engine) Distribute(ctx context.Context, snap Snapshot) (Report, error) {
	report, credits, err := e.Plan(ctx, snap)
	if err != nil {
		return Report{}, err
	}
	marker := ledger.CycleMarker{CycleID: report.CycleID, Turnover: report.Turnover}
	if _, err := e.crediter.CreditCycle(ctx, marker, credits); err != nil {
		return report, err
	}
	return report, nil
}

func normalizeSnapshot(snap Snapshot) (Snapshot, error) {
	snap.CycleID = strings.TrimSpace(snap.CycleID)
	if snap.CycleID == "" {
		if snap.Date.IsZero() {
			return Snapshot{}, fmt.Errorf("cycle id or date is required")
		}
		snap.CycleID = snap.Date.UTC().Format(CycleDateLayout)
	}
	if snap.TotalTurnover.IsNegative() {
		return Snapshot{}, fmt.Errorf("turnover must not be negative")
	}
	return snap, nil
}
