package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/commission"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/rankpool"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Inbox event types the dispatcher understands.
const (
	EventDeposit          = "deposit"
	EventBetReveal        = "bet.reveal"
	EventTurnoverSnapshot = "turnover.snapshot"
)

const tracerName = "github.com/louisbranch/fairstake/internal/services/settlement/app"

// DepositPayload is a confirmed deposit reported by the payment boundary.
type DepositPayload struct {
	PayerID     string          `json:"payer_id"`
	Amount      decimal.Decimal `json:"amount"`
	SourceTxRef string          `json:"source_tx_ref"`
}

// BetRevealPayload asks for a commitment to be revealed and settled.
type BetRevealPayload struct {
	CommitmentID string `json:"commitment_id"`
}

// TurnoverSnapshotPayload is the daily turnover aggregate.
type TurnoverSnapshotPayload struct {
	Date          string          `json:"date"`
	TotalTurnover decimal.Decimal `json:"total_turnover"`
}

// Revealer reveals commitments.
type Revealer interface {
	Reveal(ctx context.Context, commitmentID string) (fairness.Commitment, fairness.Outcome, error)
}

// Commissions runs the upline walks.
type Commissions interface {
	OnDeposit(ctx context.Context, d commission.Deposit) (commission.Distribution, error)
	OnWin(ctx context.Context, w commission.Win) (commission.Distribution, error)
	OnLoss(ctx context.Context, l commission.Loss) (commission.Distribution, error)
}

// PayoutCrediter credits a winner's own payout.
type PayoutCrediter interface {
	CreditCommission(ctx context.Context, record ledger.CommissionRecord) (ledger.CommissionRecord, error)
}

// PoolDistributor pays a rank pool cycle.
type PoolDistributor interface {
	Distribute(ctx context.Context, snap rankpool.Snapshot) (rankpool.Report, error)
}

// DispatcherDeps wires the dispatcher to the settlement components.
type DispatcherDeps struct {
	Claims      storage.EventClaimStore
	Revealer    Revealer
	Commissions Commissions
	Payouts     PayoutCrediter
	Pool        PoolDistributor
	Clock       func() time.Time
}

// Dispatcher routes inbox events to the settlement components. Walks are
// claimed before they run so each deposit or reveal drives at most one walk.
type Dispatcher struct {
	claims      storage.EventClaimStore
	revealer    Revealer
	commissions Commissions
	payouts     PayoutCrediter
	pool        PoolDistributor
	now         func() time.Time
	tracer      trace.Tracer
}

// NewDispatcher validates deps and builds a dispatcher.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Claims == nil {
		return nil, fmt.Errorf("event claim store is required")
	}
	if deps.Revealer == nil || deps.Commissions == nil || deps.Payouts == nil || deps.Pool == nil {
		return nil, fmt.Errorf("revealer, commissions, payouts and pool are required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		claims:      deps.Claims,
		revealer:    deps.Revealer,
		commissions: deps.Commissions,
		payouts:     deps.Payouts,
		pool:        deps.Pool,
		now:         clock,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// Dispatch decodes evt and hands it to its component. Malformed payloads and
// unknown event types are permanent failures.
func (d *Dispatcher) Dispatch(ctx context.Context, evt storage.InboxEvent) (err error) {
	ctx, span := d.tracer.Start(ctx, "settlement.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", evt.ID),
			attribute.String("event.type", evt.EventType),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			span.SetAttributes(attribute.Bool("event.permanent", IsPermanent(err)))
		}
		span.End()
	}()

	switch strings.TrimSpace(evt.EventType) {
	case EventDeposit:
		var payload DepositPayload
		if err := decodePayload(evt, &payload); err != nil {
			return err
		}
		return d.HandleDeposit(ctx, payload)
	case EventBetReveal:
		var payload BetRevealPayload
		if err := decodePayload(evt, &payload); err != nil {
			return err
		}
		return d.HandleBetReveal(ctx, payload)
	case EventTurnoverSnapshot:
		var payload TurnoverSnapshotPayload
		if err := decodePayload(evt, &payload); err != nil {
			return err
		}
		return d.HandleTurnoverSnapshot(ctx, payload)
	default:
		return Permanent(fmt.Errorf("unsupported event type %q", evt.EventType))
	}
}

// HandleDeposit walks the payer's upline once per source transaction.
func (d *Dispatcher) HandleDeposit(ctx context.Context, payload DepositPayload) error {
	payload.PayerID = strings.TrimSpace(payload.PayerID)
	payload.SourceTxRef = strings.TrimSpace(payload.SourceTxRef)
	if payload.PayerID == "" || payload.SourceTxRef == "" {
		return Permanent(fmt.Errorf("deposit requires payer_id and source_tx_ref"))
	}
	if !payload.Amount.IsPositive() {
		return Permanent(fmt.Errorf("%w: deposit amount %s", ledger.ErrInvalidCredit, payload.Amount))
	}

	claimed, err := d.claim(ctx, "deposit:"+payload.SourceTxRef)
	if err != nil || !claimed {
		return err
	}
	dist, err := d.commissions.OnDeposit(ctx, commission.Deposit{
		PayerID:     payload.PayerID,
		Amount:      payload.Amount,
		SourceTxRef: payload.SourceTxRef,
	})
	if err != nil {
		return Permanent(fmt.Errorf("deposit walk %s: %w", payload.SourceTxRef, err))
	}
	logDistribution(dist)
	return nil
}

// HandleBetReveal reveals the commitment, pays a winner and runs the win or
// loss walk. Reveal is idempotent, so a retried event settles to the same
// outcome and the claims keep payout and walk single.
func (d *Dispatcher) HandleBetReveal(ctx context.Context, payload BetRevealPayload) error {
	commitmentID := strings.TrimSpace(payload.CommitmentID)
	if commitmentID == "" {
		return Permanent(fairness.ErrUnknownCommitment)
	}
	c, outcome, err := d.revealer.Reveal(ctx, commitmentID)
	if err != nil {
		switch {
		case errors.Is(err, fairness.ErrUnknownCommitment),
			errors.Is(err, fairness.ErrAlreadyExpired),
			errors.Is(err, fairness.ErrHashMismatch):
			return Permanent(err)
		default:
			return err
		}
	}

	if outcome.IsWin && outcome.Payout.IsPositive() {
		claimed, err := d.claim(ctx, "payout:"+commitmentID)
		if err != nil {
			return err
		}
		if claimed {
			if _, err := d.payouts.CreditCommission(ctx, ledger.CommissionRecord{
				Beneficiary: c.OwnerID,
				Source:      c.OwnerID,
				Amount:      outcome.Payout,
				Type:        ledger.CommissionPayout,
				Stream:      ledger.StreamWinners,
				EventRef:    commitmentID,
			}); err != nil {
				return Permanent(fmt.Errorf("credit payout %s: %w", commitmentID, err))
			}
		}
	}

	claimed, err := d.claim(ctx, "walk:"+commitmentID)
	if err != nil || !claimed {
		return err
	}
	var dist commission.Distribution
	if outcome.IsWin {
		dist, err = d.commissions.OnWin(ctx, commission.Win{
			WinnerID:     c.OwnerID,
			Payout:       outcome.Payout,
			CommitmentID: commitmentID,
		})
	} else {
		dist, err = d.commissions.OnLoss(ctx, commission.Loss{
			LoserID:      c.OwnerID,
			Stake:        c.Stake,
			CommitmentID: commitmentID,
		})
	}
	if err != nil {
		return Permanent(fmt.Errorf("reveal walk %s: %w", commitmentID, err))
	}
	logDistribution(dist)
	return nil
}

// HandleTurnoverSnapshot pays the rank pool for the snapshot's date. A cycle
// that was already paid is not an error.
func (d *Dispatcher) HandleTurnoverSnapshot(ctx context.Context, payload TurnoverSnapshotPayload) error {
	date, err := time.Parse(rankpool.CycleDateLayout, strings.TrimSpace(payload.Date))
	if err != nil {
		return Permanent(fmt.Errorf("parse snapshot date: %w", err))
	}
	if payload.TotalTurnover.IsNegative() {
		return Permanent(fmt.Errorf("turnover must not be negative"))
	}
	report, err := d.pool.Distribute(ctx, rankpool.Snapshot{Date: date, TotalTurnover: payload.TotalTurnover})
	if err != nil {
		if errors.Is(err, ledger.ErrCycleAlreadyDistributed) {
			log.Printf("rank pool cycle %s already distributed", date.Format(rankpool.CycleDateLayout))
			return nil
		}
		return err
	}
	log.Printf("rank pool cycle %s distributed %s of %s turnover", report.CycleID, report.Total, report.Turnover)
	return nil
}

func (d *Dispatcher) claim(ctx context.Context, key string) (bool, error) {
	claimed, err := d.claims.ClaimEvent(ctx, key, d.now())
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		log.Printf("skip %s: already handled", key)
	}
	return claimed, nil
}

func decodePayload(evt storage.InboxEvent, target any) error {
	if err := json.Unmarshal(evt.PayloadJSON, target); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", evt.EventType, err))
	}
	return nil
}

func logDistribution(dist commission.Distribution) {
	log.Printf("%s walk %s: %d credits totalling %s, %d skips, ended by %s",
		dist.Type, dist.EventRef, len(dist.Credits), dist.Total, len(dist.Skips), dist.Walk.Termination)
}
