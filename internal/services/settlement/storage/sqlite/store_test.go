package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/audit"
	"github.com/louisbranch/fairstake/internal/services/settlement/commission"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/rankpool"
	"github.com/louisbranch/fairstake/internal/services/settlement/referral"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/louisbranch/fairstake/internal/services/settlement/vault"
	"github.com/shopspring/decimal"
)

var (
	_ vault.Store                 = (*Store)(nil)
	_ ledger.Store                = (*Store)(nil)
	_ audit.Store                 = (*Store)(nil)
	_ referral.EdgeStore          = (*Store)(nil)
	_ commission.ActivationSource = (*Store)(nil)
	_ rankpool.Source             = (*Store)(nil)
	_ storage.InboxStore          = (*Store)(nil)
	_ storage.EventClaimStore     = (*Store)(nil)
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newCommitment(id, owner, requestID string, now time.Time) fairness.Commitment {
	seed := "seed-" + id
	return fairness.Commitment{
		ID:             id,
		OwnerID:        owner,
		RequestID:      requestID,
		ServerSeed:     seed,
		ServerSeedHash: fairness.HashSeed(seed),
		ClientSeed:     "client",
		Variant:        fairness.VariantDice,
		Choice:         "under:50",
		Stake:          decimal.NewFromInt(10),
		State:          fairness.StateCommitted,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Minute),
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(" "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenTwiceKeepsMigrations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}

func TestCreateCommitmentAssignsNonces(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		c, err := store.CreateCommitment(ctx, newCommitment(fmt.Sprintf("c%d", i), "owner", fmt.Sprintf("r%d", i), now))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if c.Nonce != uint64(i) {
			t.Fatalf("commitment %d nonce = %d", i, c.Nonce)
		}
	}
	other, err := store.CreateCommitment(ctx, newCommitment("x", "other", "rx", now))
	if err != nil {
		t.Fatalf("create other: %v", err)
	}
	if other.Nonce != 0 {
		t.Fatalf("expected independent nonce per owner, got %d", other.Nonce)
	}

	listed, err := store.ListCommitmentsByOwner(ctx, "owner", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 || listed[2].ID != "c2" {
		t.Fatalf("unexpected commitments %+v", listed)
	}
}

func TestCreateCommitmentDuplicateRequestID(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := store.CreateCommitment(ctx, newCommitment("c1", "owner", "req", now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	prior, err := store.CreateCommitment(ctx, newCommitment("c2", "owner", "req", now))
	if !errors.Is(err, fairness.ErrDuplicateRequestID) {
		t.Fatalf("expected duplicate request id, got %v", err)
	}
	if prior.ID != first.ID {
		t.Fatalf("expected prior commitment %s, got %s", first.ID, prior.ID)
	}
	if _, err := store.GetCommitment(ctx, "c2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected replay not stored, got %v", err)
	}
}

func TestCreateCommitmentConcurrentNonces(t *testing.T) {
	store := openTempStore(t)
	now := time.Now().UTC()
	const n = 20

	var wg sync.WaitGroup
	nonces := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := store.CreateCommitment(context.Background(), newCommitment(fmt.Sprintf("c%d", i), "owner", fmt.Sprintf("r%d", i), now))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			nonces <- c.Nonce
		}(i)
	}
	wg.Wait()
	close(nonces)

	seen := make(map[uint64]bool)
	for nonce := range nonces {
		if seen[nonce] {
			t.Fatalf("nonce %d assigned twice", nonce)
		}
		seen[nonce] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct nonces, got %d", n, len(seen))
	}
}

func TestSaveOutcomeOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c, err := store.CreateCommitment(ctx, newCommitment("c1", "owner", "r1", now))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	outcome, err := fairness.Resolve(c)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	first, err := store.SaveOutcome(ctx, outcome, now.Add(time.Second))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	changed := outcome
	changed.Result = decimal.NewFromInt(1)
	second, err := store.SaveOutcome(ctx, changed, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if !second.Result.Equal(first.Result) || second.Digest != first.Digest {
		t.Fatalf("expected stored outcome to win, got %+v", second)
	}

	stored, err := store.GetCommitment(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.State != fairness.StateRevealed || stored.RevealedAt == nil {
		t.Fatalf("expected revealed commitment, got %+v", stored)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE outcomes SET payout = '0'`); err == nil {
		t.Fatal("expected outcome update to be rejected")
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE commitments SET server_seed = 'x' WHERE id = 'c1'`); err == nil {
		t.Fatal("expected seed update to be rejected")
	}
}

func TestExpireCommitments(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.CreateCommitment(ctx, newCommitment("old", "owner", "r1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateCommitment(ctx, newCommitment("new", "owner", "r2", now.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, err := store.ExpireCommitments(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("expected only old commitment expired, got %v", ids)
	}
	c, _ := store.GetCommitment(ctx, "old")
	if c.State != fairness.StateExpired {
		t.Fatalf("expected expired state, got %s", c.State)
	}

	outcome, err := fairness.Resolve(c)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := store.SaveOutcome(ctx, outcome, now.Add(2*time.Minute)); !errors.Is(err, fairness.ErrAlreadyExpired) {
		t.Fatalf("expected expired commitment to refuse an outcome, got %v", err)
	}
}

func TestConcurrentCreditsSumExactly(t *testing.T) {
	store := openTempStore(t)
	svc := ledger.NewService(store)
	amount := decimal.RequireFromString("0.12345678")
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Credit(context.Background(), "hot", ledger.StreamDirectLevel, amount); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	// A second service shares no in-process lock, so the SQL increment alone
	// must keep these updates.
	other := ledger.NewService(store)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := other.Credit(context.Background(), "hot", ledger.StreamDirectLevel, amount); err != nil {
				t.Errorf("credit: %v", err)
			}
		}()
	}
	wg.Wait()

	account, err := store.GetAccount(context.Background(), "hot")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	want := amount.Mul(decimal.NewFromInt(2 * n))
	if got := account.Balance(ledger.StreamDirectLevel); !got.Equal(want) {
		t.Fatalf("balance = %s, want %s", got, want)
	}
}

func TestBalancesAreCreditOnly(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.ApplyCredit(ctx, ledger.Credit{AccountID: "a", Stream: ledger.StreamCash, Amount: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE account_balances SET amount_units = 1 WHERE account_id = 'a'`); err == nil {
		t.Fatal("expected decrement to be rejected")
	}
}

func TestCreditRejectsAmountsPastUnitRange(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	huge := decimal.RequireFromString("184467440737.09551617")

	applied, err := ledger.NewService(store).Credit(ctx, "a", ledger.StreamCash, huge)
	if !errors.Is(err, ledger.ErrInvalidCredit) {
		t.Fatalf("expected invalid credit, got %s, %v", applied, err)
	}
	if err := store.ApplyCredit(ctx, ledger.Credit{AccountID: "a", Stream: ledger.StreamCash, Amount: huge}); !errors.Is(err, ledger.ErrInvalidCredit) {
		t.Fatalf("expected store to reject out-of-range amount, got %v", err)
	}
	account, err := store.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if len(account.Balances) != 0 {
		t.Fatalf("expected no balances, got %v", account.Balances)
	}
}

func TestCreditOverflowLeavesBalanceReadable(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	svc := ledger.NewService(store)
	amount := decimal.NewFromInt(50000000000)

	if _, err := svc.Credit(ctx, "a", ledger.StreamCash, amount); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	if _, err := svc.Credit(ctx, "a", ledger.StreamCash, amount); !errors.Is(err, ledger.ErrBalanceOverflow) {
		t.Fatalf("expected balance overflow, got %v", err)
	}
	account, err := store.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got := account.Balance(ledger.StreamCash); !got.Equal(amount) {
		t.Fatalf("balance = %s, want %s", got, amount)
	}

	if _, err := svc.Credit(ctx, "a", ledger.StreamCash, ledger.MaxAmount.Sub(amount)); err != nil {
		t.Fatalf("credit up to max: %v", err)
	}
	account, err = store.GetAccount(ctx, "a")
	if err != nil {
		t.Fatalf("get account at max: %v", err)
	}
	if got := account.Balance(ledger.StreamCash); !got.Equal(ledger.MaxAmount) {
		t.Fatalf("balance = %s, want %s", got, ledger.MaxAmount)
	}
}

func TestBalancesRejectNonIntegerUnits(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if _, err := store.sqlDB.ExecContext(ctx, `INSERT INTO account_balances (account_id, stream, amount_units, updated_at) VALUES ('a', 'cash', 1.5, 0)`); err == nil {
		t.Fatal("expected real-valued insert to be rejected")
	}
	if err := store.ApplyCredit(ctx, ledger.Credit{AccountID: "b", Stream: ledger.StreamCash, Amount: decimal.NewFromInt(90000000000)}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE account_balances SET amount_units = amount_units + 9223372036854775807 WHERE account_id = 'b'`); err == nil {
		t.Fatal("expected overflowing update to be rejected")
	}
	if _, err := store.GetAccount(ctx, "b"); err != nil {
		t.Fatalf("get account: %v", err)
	}
}

func TestCommissionRecordsAppendOnly(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	svc := ledger.NewService(store)
	record, err := svc.CreditCommission(ctx, ledger.CommissionRecord{
		Beneficiary: "upline",
		Source:      "payer",
		Amount:      decimal.NewFromInt(50),
		Level:       1,
		Type:        ledger.CommissionDeposit,
		Stream:      ledger.StreamDirectLevel,
		EventRef:    "tx-1",
	})
	if err != nil {
		t.Fatalf("credit commission: %v", err)
	}

	records, err := store.ListCommissionRecords(ctx, "upline", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID || !records[0].Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("unexpected records %+v", records)
	}
	byEvent, err := store.ListCommissionRecordsByEvent(ctx, "tx-1")
	if err != nil || len(byEvent) != 1 {
		t.Fatalf("expected one record for event, got %d, %v", len(byEvent), err)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `DELETE FROM commission_records`); err == nil {
		t.Fatal("expected delete to be rejected")
	}
}

func TestApplyCycleOnce(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	marker := ledger.CycleMarker{CycleID: "2026-05-01", Turnover: decimal.NewFromInt(100000)}
	credits := []ledger.Credit{{AccountID: "a", Stream: ledger.StreamClub, Amount: decimal.NewFromInt(2000)}}

	if err := store.ApplyCycle(ctx, marker, credits); err != nil {
		t.Fatalf("apply cycle: %v", err)
	}
	if err := store.ApplyCycle(ctx, marker, credits); !errors.Is(err, ledger.ErrCycleAlreadyDistributed) {
		t.Fatalf("expected cycle already distributed, got %v", err)
	}
	account, _ := store.GetAccount(ctx, "a")
	if !account.Balance(ledger.StreamClub).Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected one payout, got %s", account.Balance(ledger.StreamClub))
	}
	stored, err := store.GetCycleMarker(ctx, marker.CycleID)
	if err != nil || !stored.Turnover.Equal(marker.Turnover) {
		t.Fatalf("unexpected marker %+v, %v", stored, err)
	}
}

func TestRankPoolDistributeAgainstStore(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutActivation(ctx, referral.Activation{AccountID: "a", TotalDeposited: decimal.NewFromInt(150)}); err != nil {
		t.Fatalf("put activation: %v", err)
	}
	if err := store.PutTeamVolume(ctx, rankpool.TeamVolume{AccountID: "a", StrongLeg: decimal.NewFromInt(5000), OtherLegs: decimal.NewFromInt(5000)}); err != nil {
		t.Fatalf("put team volume: %v", err)
	}
	engine, err := rankpool.NewEngine(store, ledger.NewService(store), nil, referral.Thresholds{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	snap := rankpool.Snapshot{CycleID: "2026-05-01", TotalTurnover: decimal.NewFromInt(100000)}
	if _, err := engine.Distribute(ctx, snap); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := engine.Distribute(ctx, snap); !errors.Is(err, ledger.ErrCycleAlreadyDistributed) {
		t.Fatalf("expected rerun rejected, got %v", err)
	}
	account, _ := store.GetAccount(ctx, "a")
	if !account.Balance(ledger.StreamClub).Equal(decimal.NewFromInt(2000)) {
		t.Fatalf("expected club balance 2000, got %s", account.Balance(ledger.StreamClub))
	}
}

func TestReferralEdges(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	registry := referral.NewRegistry(store)
	if err := registry.Register(ctx, "root", ""); err != nil {
		t.Fatalf("register root: %v", err)
	}
	if err := registry.Register(ctx, "child", "root"); err != nil {
		t.Fatalf("register child: %v", err)
	}
	if err := store.InsertReferralEdge(ctx, "child", "root"); !errors.Is(err, referral.ErrUplineAssigned) {
		t.Fatalf("expected upline assigned, got %v", err)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE referral_edges SET upline_id = 'x' WHERE account_id = 'child'`); err == nil {
		t.Fatal("expected upline reassignment to be rejected")
	}

	upline, err := store.UplineOf(ctx, "child")
	if err != nil || upline != "root" {
		t.Fatalf("UplineOf(child) = %q, %v", upline, err)
	}
	upline, err = store.UplineOf(ctx, "root")
	if err != nil || upline != "" {
		t.Fatalf("UplineOf(root) = %q, %v", upline, err)
	}
	if _, err := store.UplineOf(ctx, "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivations(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	if err := store.PutActivation(ctx, referral.Activation{AccountID: "a", TotalDeposited: decimal.RequireFromString("12.5"), DirectReferralCount: 3}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.PutActivation(ctx, referral.Activation{AccountID: "a", TotalDeposited: decimal.NewFromInt(120), DirectReferralCount: 11}); err != nil {
		t.Fatalf("put again: %v", err)
	}
	a, err := store.GetActivation(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Tier(referral.DefaultThresholds()) != referral.Tier2 || a.UnlockedLevels() != referral.MaxLevels {
		t.Fatalf("unexpected activation %+v", a)
	}
	if _, err := store.GetActivation(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.PutActivation(ctx, referral.Activation{AccountID: "b", TotalDeposited: decimal.NewFromInt(-1)}); err == nil {
		t.Fatal("expected negative deposits rejected")
	}
}

func TestAuditEntriesImmutableAndTamperDetected(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	ring, err := audit.NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	chain, err := audit.NewChain(store, ring)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	for i := 1; i <= 5; i++ {
		if err := chain.Record(ctx, "test.event", map[string]int{"i": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if _, err := chain.VerifyRange(ctx, 1, 0); err != nil {
		t.Fatalf("verify clean chain: %v", err)
	}

	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE audit_entries SET payload = '{}' WHERE seq = 3`); err == nil {
		t.Fatal("expected audit update to be rejected")
	}
	if _, err := store.sqlDB.ExecContext(ctx, `DELETE FROM audit_entries WHERE seq = 5`); err == nil {
		t.Fatal("expected audit delete to be rejected")
	}

	if _, err := store.sqlDB.ExecContext(ctx, `DROP TRIGGER audit_entries_no_update`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := store.sqlDB.ExecContext(ctx, `UPDATE audit_entries SET payload = CAST('{"i":33}' AS BLOB) WHERE seq = 3`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := chain.VerifyRange(ctx, 1, 0)
	if !errors.Is(err, audit.ErrTamperDetected) {
		t.Fatalf("expected tamper detected, got %v", err)
	}
	if len(report.Failures) != 3 {
		t.Fatalf("expected failures at 3, 4 and 5, got %+v", report.Failures)
	}
	for i, f := range report.Failures {
		if f.Seq != uint64(3+i) {
			t.Fatalf("failure %d at seq %d", i, f.Seq)
		}
	}
}

func TestInsertAuditEntryConflict(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	entry := audit.Entry{Seq: 1, EventType: "x", Payload: []byte("{}"), Hash: "h", Signature: "s", SignatureKeyID: "v1", CreatedAt: time.Now()}
	if err := store.InsertAuditEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertAuditEntry(ctx, entry); !errors.Is(err, audit.ErrChainForked) {
		t.Fatalf("expected chain forked, got %v", err)
	}
	head, err := store.LatestAuditEntry(ctx)
	if err != nil || head.Seq != 1 {
		t.Fatalf("unexpected head %+v, %v", head, err)
	}
}

func TestLatestAuditEntryEmpty(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.LatestAuditEntry(context.Background()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInboxLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"e2", "e1", "e3"} {
		if err := store.EnqueueInbox(ctx, storage.InboxEvent{ID: id, EventType: "deposit", PayloadJSON: []byte(`{}`), CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := store.EnqueueInbox(ctx, storage.InboxEvent{ID: "e1", EventType: "deposit"}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	pending, err := store.ListPendingInbox(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 3 || pending[0].ID != "e2" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	if err := store.MarkInboxProcessed(ctx, "e2", base.Add(time.Minute)); err != nil {
		t.Fatalf("processed: %v", err)
	}
	if err := store.MarkInboxFailed(ctx, "e1", "boom", false, base.Add(time.Minute)); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if err := store.MarkInboxFailed(ctx, "e3", "fatal", true, base.Add(time.Minute)); err != nil {
		t.Fatalf("dead: %v", err)
	}
	if err := store.MarkInboxProcessed(ctx, "missing", base); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	pending, _ = store.ListPendingInbox(ctx, 10)
	if len(pending) != 1 || pending[0].ID != "e1" || pending[0].Attempts != 1 || pending[0].LastError != "boom" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	dead, err := store.GetInboxEvent(ctx, "e3")
	if err != nil || dead.Status != storage.InboxDead {
		t.Fatalf("expected dead event, got %+v, %v", dead, err)
	}
	done, _ := store.GetInboxEvent(ctx, "e2")
	if done.Status != storage.InboxProcessed || done.ProcessedAt == nil {
		t.Fatalf("expected processed event, got %+v", done)
	}
}

func TestClaimEvent(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	claimed, err := store.ClaimEvent(ctx, "deposit:tx-1", time.Now())
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = store.ClaimEvent(ctx, "deposit:tx-1", time.Now())
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v", claimed, err)
	}
	if _, err := store.ClaimEvent(ctx, " ", time.Now()); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestCanceledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.GetAccount(ctx, "a"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
