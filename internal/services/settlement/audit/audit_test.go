package audit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

type memStore struct {
	mu        sync.Mutex
	entries   map[uint64]Entry
	forkOnce  bool
	forkCalls int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[uint64]Entry)}
}

func (s *memStore) LatestAuditEntry(_ context.Context) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest Entry
	for seq, entry := range s.entries {
		if seq > latest.Seq {
			latest = entry
		}
	}
	if latest.Seq == 0 {
		return Entry{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *memStore) InsertAuditEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forkOnce {
		s.forkOnce = false
		s.forkCalls++
		s.entries[entry.Seq] = Entry{Seq: entry.Seq, EventType: "rival", Payload: []byte("{}"), PrevHash: entry.PrevHash, Hash: "rival"}
		return ErrChainForked
	}
	if _, ok := s.entries[entry.Seq]; ok {
		return ErrChainForked
	}
	s.entries[entry.Seq] = entry
	return nil
}

func (s *memStore) GetAuditEntry(_ context.Context, seq uint64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[seq]
	if !ok {
		return Entry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (s *memStore) ListAuditEntries(_ context.Context, afterSeq uint64, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for seq, entry := range s.entries {
		if seq > afterSeq {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) mutate(seq uint64, fn func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.entries[seq]
	fn(&entry)
	s.entries[seq] = entry
}

func newTestChain(t *testing.T, store Store) *Chain {
	t.Helper()
	ring, err := NewKeyring(map[string][]byte{"v1": []byte("secret")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	chain, err := NewChain(store, ring)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain
}

func appendN(t *testing.T, chain *Chain, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := chain.Record(context.Background(), "test.event", map[string]int{"i": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
}

func failingSeqs(report Report) []uint64 {
	seqs := make([]uint64, 0, len(report.Failures))
	for _, f := range report.Failures {
		seqs = append(seqs, f.Seq)
	}
	return seqs
}

func TestComputeHash(t *testing.T) {
	first := ComputeHash([]byte("abc"), "", 1)
	if first != "dbfcfd0d87220f629339bd3adcf452d083fde3246625fb3a93e314f833e20d37" {
		t.Fatalf("unexpected first hash %s", first)
	}
	second := ComputeHash([]byte("payload-2"), first, 2)
	if second != "49e537aaac5ed78d262cfcdb8f3de1838b9d28580fd460cac6b7bfcfe9373332" {
		t.Fatalf("unexpected second hash %s", second)
	}
}

func TestChainAppendLinksEntries(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)

	first, err := chain.Append(context.Background(), "a", []byte("one"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := chain.Append(context.Background(), "b", []byte("two"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Seq != 1 || first.PrevHash != "" {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if second.Seq != 2 || second.PrevHash != first.Hash {
		t.Fatalf("expected second entry linked to first, got %+v", second)
	}
	if second.SignatureKeyID != "v1" || second.Signature == "" {
		t.Fatalf("expected signed entry, got %+v", second)
	}
}

func TestChainAppendRequiresEventType(t *testing.T) {
	chain := newTestChain(t, newMemStore())
	if _, err := chain.Append(context.Background(), " ", []byte("x")); err == nil {
		t.Fatal("expected error for empty event type")
	}
}

func TestChainAppendRetriesAfterFork(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 1)

	store.forkOnce = true
	entry, err := chain.Append(context.Background(), "after-fork", []byte("x"))
	if err != nil {
		t.Fatalf("append after fork: %v", err)
	}
	if store.forkCalls != 1 {
		t.Fatalf("expected one forked insert, got %d", store.forkCalls)
	}
	if entry.Seq != 3 || entry.PrevHash != "rival" {
		t.Fatalf("expected append on top of rival entry, got %+v", entry)
	}
}

func TestVerifyRangeCleanChain(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 450)

	report, err := chain.VerifyRange(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Checked != 450 || report.From != 1 || report.To != 450 || !report.OK() {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestVerifyRangeDetectsTamperAtAndAfter(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 6)

	store.mutate(3, func(e *Entry) { e.Payload = []byte(`{"i":99}`) })

	report, err := chain.VerifyRange(context.Background(), 1, 6)
	if !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("expected tamper error, got %v", err)
	}
	got := failingSeqs(report)
	want := []uint64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("expected failures %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected failures %v, got %v", want, got)
		}
	}
	first, ok := report.FirstFailure()
	if !ok || first.Seq != 3 || first.Reason != "hash mismatch" {
		t.Fatalf("unexpected first failure %+v", first)
	}
}

func TestVerifyRangeAnchorsOnStoredPredecessor(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 6)
	store.mutate(3, func(e *Entry) { e.Payload = []byte(`{"i":99}`) })

	if _, err := chain.VerifyRange(context.Background(), 4, 6); err != nil {
		t.Fatalf("expected range after tampered entry to verify, got %v", err)
	}
	if _, err := chain.VerifyRange(context.Background(), 1, 2); err != nil {
		t.Fatalf("expected range before tampered entry to verify, got %v", err)
	}
}

func TestVerifyRangeDetectsMissingEntry(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 4)
	store.mu.Lock()
	delete(store.entries, 2)
	store.mu.Unlock()

	report, err := chain.VerifyRange(context.Background(), 1, 0)
	if !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("expected tamper error, got %v", err)
	}
	if first, _ := report.FirstFailure(); first.Seq != 2 || first.Reason != "missing entry" {
		t.Fatalf("unexpected first failure %+v", first)
	}
}

func TestVerifyRangeDetectsForeignSignature(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appendN(t, chain, 2)

	other, err := NewKeyring(map[string][]byte{"v1": []byte("other")}, "v1")
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	verifier, err := NewChain(store, other)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	report, err := verifier.VerifyRange(context.Background(), 1, 0)
	if !errors.Is(err, ErrTamperDetected) {
		t.Fatalf("expected tamper error, got %v", err)
	}
	if len(report.Failures) != 2 {
		t.Fatalf("expected both entries to fail signature checks, got %+v", report.Failures)
	}
}

func TestVerifyRangeRejectsInvertedRange(t *testing.T) {
	chain := newTestChain(t, newMemStore())
	if _, err := chain.VerifyRange(context.Background(), 5, 2); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestAppenderPreservesOrder(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appender := NewAppender(chain, 4)

	for i := 0; i < 20; i++ {
		if err := appender.Record(context.Background(), "ordered", map[string]int{"i": i}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if err := appender.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for seq := uint64(1); seq <= 20; seq++ {
		entry, err := store.GetAuditEntry(context.Background(), seq)
		if err != nil {
			t.Fatalf("get seq %d: %v", seq, err)
		}
		want := `{"i":` + strconv.Itoa(int(seq-1)) + `}`
		if string(entry.Payload) != want {
			t.Fatalf("seq %d payload = %s, want %s", seq, entry.Payload, want)
		}
	}

	appender.Close()
	if err := appender.Record(context.Background(), "late", nil); err == nil {
		t.Fatal("expected error after close")
	}
	appender.Close()
}

func TestAppenderCloseDrainsQueue(t *testing.T) {
	store := newMemStore()
	chain := newTestChain(t, store)
	appender := NewAppender(chain, 64)
	for i := 0; i < 10; i++ {
		if err := appender.Record(context.Background(), "drain", i); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	appender.Close()

	head, err := store.LatestAuditEntry(context.Background())
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if head.Seq != 10 {
		t.Fatalf("expected 10 entries after close, got %d", head.Seq)
	}
}
