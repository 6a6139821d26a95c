package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/commission"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/rankpool"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/shopspring/decimal"
)

type fakeClaims struct {
	mu     sync.Mutex
	claims map[string]time.Time
	err    error
}

func (f *fakeClaims) ClaimEvent(_ context.Context, key string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.claims == nil {
		f.claims = make(map[string]time.Time)
	}
	if _, ok := f.claims[key]; ok {
		return false, nil
	}
	f.claims[key] = at
	return true, nil
}

type fakeRevealer struct {
	commitment fairness.Commitment
	outcome    fairness.Outcome
	err        error
	calls      int
}

func (f *fakeRevealer) Reveal(_ context.Context, commitmentID string) (fairness.Commitment, fairness.Outcome, error) {
	f.calls++
	if f.err != nil {
		return fairness.Commitment{}, fairness.Outcome{}, f.err
	}
	return f.commitment, f.outcome, nil
}

type fakeCommissions struct {
	deposits []commission.Deposit
	wins     []commission.Win
	losses   []commission.Loss
	err      error
}

func (f *fakeCommissions) OnDeposit(_ context.Context, d commission.Deposit) (commission.Distribution, error) {
	f.deposits = append(f.deposits, d)
	return commission.Distribution{EventRef: d.SourceTxRef, Type: ledger.CommissionDeposit}, f.err
}

func (f *fakeCommissions) OnWin(_ context.Context, w commission.Win) (commission.Distribution, error) {
	f.wins = append(f.wins, w)
	return commission.Distribution{EventRef: w.CommitmentID, Type: ledger.CommissionWin}, f.err
}

func (f *fakeCommissions) OnLoss(_ context.Context, l commission.Loss) (commission.Distribution, error) {
	f.losses = append(f.losses, l)
	return commission.Distribution{EventRef: l.CommitmentID, Type: ledger.CommissionCashback}, f.err
}

type fakePayouts struct {
	records []ledger.CommissionRecord
}

func (f *fakePayouts) CreditCommission(_ context.Context, record ledger.CommissionRecord) (ledger.CommissionRecord, error) {
	f.records = append(f.records, record)
	return record, nil
}

type fakePool struct {
	snapshots []rankpool.Snapshot
	err       error
}

func (f *fakePool) Distribute(_ context.Context, snap rankpool.Snapshot) (rankpool.Report, error) {
	f.snapshots = append(f.snapshots, snap)
	if f.err != nil {
		return rankpool.Report{}, f.err
	}
	return rankpool.Report{CycleID: snap.Date.Format(rankpool.CycleDateLayout), Turnover: snap.TotalTurnover}, nil
}

type dispatcherFixture struct {
	dispatcher  *Dispatcher
	claims      *fakeClaims
	revealer    *fakeRevealer
	commissions *fakeCommissions
	payouts     *fakePayouts
	pool        *fakePool
}

func newDispatcherFixture(t *testing.T) dispatcherFixture {
	t.Helper()
	f := dispatcherFixture{
		claims:      &fakeClaims{},
		revealer:    &fakeRevealer{},
		commissions: &fakeCommissions{},
		payouts:     &fakePayouts{},
		pool:        &fakePool{},
	}
	d, err := NewDispatcher(DispatcherDeps{
		Claims:      f.claims,
		Revealer:    f.revealer,
		Commissions: f.commissions,
		Payouts:     f.payouts,
		Pool:        f.pool,
		Clock:       func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	f.dispatcher = d
	return f
}

func inboxEvent(id, eventType, payload string) storage.InboxEvent {
	return storage.InboxEvent{ID: id, EventType: eventType, PayloadJSON: []byte(payload)}
}

func TestNewDispatcherRequiresDeps(t *testing.T) {
	if _, err := NewDispatcher(DispatcherDeps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
	if _, err := NewDispatcher(DispatcherDeps{Claims: &fakeClaims{}}); err == nil {
		t.Fatal("expected error for missing components")
	}
}

func TestDispatchDepositWalksOnce(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	payload := `{"payer_id":"payer","amount":"1000","source_tx_ref":"tx-1"}`

	if err := f.dispatcher.Dispatch(ctx, inboxEvent("e1", EventDeposit, payload)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := f.dispatcher.Dispatch(ctx, inboxEvent("e2", EventDeposit, payload)); err != nil {
		t.Fatalf("dispatch replay: %v", err)
	}
	if len(f.commissions.deposits) != 1 {
		t.Fatalf("expected one deposit walk, got %d", len(f.commissions.deposits))
	}
	got := f.commissions.deposits[0]
	if got.PayerID != "payer" || !got.Amount.Equal(decimal.NewFromInt(1000)) || got.SourceTxRef != "tx-1" {
		t.Fatalf("unexpected deposit %+v", got)
	}
}

func TestDispatchRejectsBadEvents(t *testing.T) {
	f := newDispatcherFixture(t)
	tests := []struct {
		name string
		evt  storage.InboxEvent
	}{
		{name: "unknown type", evt: inboxEvent("e", "withdrawal", `{}`)},
		{name: "malformed json", evt: inboxEvent("e", EventDeposit, `{`)},
		{name: "missing payer", evt: inboxEvent("e", EventDeposit, `{"amount":"1","source_tx_ref":"tx"}`)},
		{name: "zero amount", evt: inboxEvent("e", EventDeposit, `{"payer_id":"p","amount":"0","source_tx_ref":"tx"}`)},
		{name: "missing commitment", evt: inboxEvent("e", EventBetReveal, `{}`)},
		{name: "bad date", evt: inboxEvent("e", EventTurnoverSnapshot, `{"date":"May 1","total_turnover":"1"}`)},
		{name: "negative turnover", evt: inboxEvent("e", EventTurnoverSnapshot, `{"date":"2026-05-01","total_turnover":"-1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.dispatcher.Dispatch(context.Background(), tt.evt)
			if err == nil || !IsPermanent(err) {
				t.Fatalf("expected permanent error, got %v", err)
			}
		})
	}
	if len(f.commissions.deposits) != 0 || len(f.pool.snapshots) != 0 {
		t.Fatal("expected no component calls for rejected events")
	}
}

func TestDispatchWinningReveal(t *testing.T) {
	f := newDispatcherFixture(t)
	f.revealer.commitment = fairness.Commitment{ID: "c1", OwnerID: "player", Stake: decimal.NewFromInt(10)}
	f.revealer.outcome = fairness.Outcome{CommitmentID: "c1", IsWin: true, Payout: decimal.RequireFromString("19.8")}
	ctx := context.Background()

	for _, id := range []string{"e1", "e2"} {
		if err := f.dispatcher.Dispatch(ctx, inboxEvent(id, EventBetReveal, `{"commitment_id":"c1"}`)); err != nil {
			t.Fatalf("dispatch %s: %v", id, err)
		}
	}
	if f.revealer.calls != 2 {
		t.Fatalf("expected reveal on every event, got %d", f.revealer.calls)
	}
	if len(f.payouts.records) != 1 {
		t.Fatalf("expected one payout credit, got %d", len(f.payouts.records))
	}
	payout := f.payouts.records[0]
	if payout.Beneficiary != "player" || payout.Stream != ledger.StreamWinners || payout.Type != ledger.CommissionPayout || !payout.Amount.Equal(decimal.RequireFromString("19.8")) {
		t.Fatalf("unexpected payout %+v", payout)
	}
	if len(f.commissions.wins) != 1 || len(f.commissions.losses) != 0 {
		t.Fatalf("expected one win walk, got %d wins %d losses", len(f.commissions.wins), len(f.commissions.losses))
	}
	if w := f.commissions.wins[0]; w.WinnerID != "player" || w.CommitmentID != "c1" {
		t.Fatalf("unexpected win %+v", w)
	}
}

func TestDispatchLosingReveal(t *testing.T) {
	f := newDispatcherFixture(t)
	f.revealer.commitment = fairness.Commitment{ID: "c1", OwnerID: "player", Stake: decimal.NewFromInt(10)}
	f.revealer.outcome = fairness.Outcome{CommitmentID: "c1", Payout: decimal.Zero}

	if err := f.dispatcher.Dispatch(context.Background(), inboxEvent("e1", EventBetReveal, `{"commitment_id":"c1"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.payouts.records) != 0 || len(f.commissions.wins) != 0 {
		t.Fatal("expected no payout or win walk for a loss")
	}
	if len(f.commissions.losses) != 1 || !f.commissions.losses[0].Stake.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("unexpected losses %+v", f.commissions.losses)
	}
}

func TestDispatchRevealErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "expired", err: fairness.ErrAlreadyExpired, permanent: true},
		{name: "unknown", err: fairness.ErrUnknownCommitment, permanent: true},
		{name: "hash mismatch", err: fairness.ErrHashMismatch, permanent: true},
		{name: "transient", err: errors.New("database is locked"), permanent: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t)
			f.revealer.err = tt.err
			err := f.dispatcher.Dispatch(context.Background(), inboxEvent("e1", EventBetReveal, `{"commitment_id":"c1"}`))
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if IsPermanent(err) != tt.permanent {
				t.Fatalf("permanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestDispatchWalkFailureIsPermanent(t *testing.T) {
	f := newDispatcherFixture(t)
	f.commissions.err = errors.New("credit failed")
	err := f.dispatcher.Dispatch(context.Background(), inboxEvent("e1", EventDeposit, `{"payer_id":"p","amount":"5","source_tx_ref":"tx"}`))
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDispatchClaimFailureRetries(t *testing.T) {
	f := newDispatcherFixture(t)
	f.claims.err = errors.New("busy")
	err := f.dispatcher.Dispatch(context.Background(), inboxEvent("e1", EventDeposit, `{"payer_id":"p","amount":"5","source_tx_ref":"tx"}`))
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if len(f.commissions.deposits) != 0 {
		t.Fatal("expected no walk without a claim")
	}
}

func TestDispatchTurnoverSnapshot(t *testing.T) {
	f := newDispatcherFixture(t)
	evt := inboxEvent("e1", EventTurnoverSnapshot, `{"date":"2026-05-01","total_turnover":"100000"}`)
	if err := f.dispatcher.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.pool.snapshots) != 1 {
		t.Fatalf("expected one distribution, got %d", len(f.pool.snapshots))
	}
	snap := f.pool.snapshots[0]
	if snap.Date.Format(rankpool.CycleDateLayout) != "2026-05-01" || !snap.TotalTurnover.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	f.pool.err = ledger.ErrCycleAlreadyDistributed
	if err := f.dispatcher.Dispatch(context.Background(), evt); err != nil {
		t.Fatalf("expected paid cycle to be accepted, got %v", err)
	}
	f.pool.err = errors.New("boom")
	if err := f.dispatcher.Dispatch(context.Background(), evt); err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	cause := errors.New("cause")
	err := Permanent(cause)
	if !IsPermanent(err) || !errors.Is(err, cause) || err.Error() != "cause" {
		t.Fatalf("unexpected permanent error %v", err)
	}
	if IsPermanent(cause) {
		t.Fatal("expected plain error to be retryable")
	}
}
