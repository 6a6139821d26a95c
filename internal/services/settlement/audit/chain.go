package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
)

const (
	verifyPageSize   = 200
	maxAppendRetries = 3
)

// Store persists audit entries. InsertAuditEntry returns ErrChainForked when
// the sequence number is already taken.
type Store interface {
	LatestAuditEntry(ctx context.Context) (Entry, error)
	InsertAuditEntry(ctx context.Context, entry Entry) error
	GetAuditEntry(ctx context.Context, seq uint64) (Entry, error)
	ListAuditEntries(ctx context.Context, afterSeq uint64, limit int) ([]Entry, error)
}

// Chain appends and verifies entries of one audit chain.
type Chain struct {
	mu      sync.Mutex
	store   Store
	sealer  sealer
	chainID string
	now     func() time.Time
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithChainID overrides the chain id used for key derivation.
func WithChainID(chainID string) ChainOption {
	return func(c *Chain) {
		if id := strings.TrimSpace(chainID); id != "" {
			c.chainID = id
		}
	}
}

// WithClock overrides the time source for entry timestamps.
func WithClock(now func() time.Time) ChainOption {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChain builds a chain over store signed by keyring.
func NewChain(store Store, keyring *Keyring, opts ...ChainOption) (*Chain, error) {
	if store == nil {
		return nil, fmt.Errorf("audit store is required")
	}
	if keyring == nil {
		return nil, fmt.Errorf("audit keyring is required")
	}
	c := &Chain{
		store:   store,
		chainID: DefaultChainID,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	s, err := keyring.sealerFor(c.chainID)
	if err != nil {
		return nil, err
	}
	c.sealer = s
	return c, nil
}

// Append links payload after the current head and stores it. Appends are
// serialized in process; a concurrent writer in another process surfaces as
// a sequence conflict, which is retried against the new head.
func (c *Chain) Append(ctx context.Context, eventType string, payload []byte) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return Entry{}, fmt.Errorf("audit event type is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		entry, err := c.appendLocked(ctx, eventType, payload)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrChainForked) {
			return Entry{}, err
		}
		lastErr = err
	}
	return Entry{}, lastErr
}

func (c *Chain) appendLocked(ctx context.Context, eventType string, payload []byte) (Entry, error) {
	var (
		seq      uint64 = 1
		prevHash string
	)
	head, err := c.store.LatestAuditEntry(ctx)
	switch {
	case err == nil:
		seq = head.Seq + 1
		prevHash = head.Hash
	case errors.Is(err, storage.ErrNotFound):
	default:
		return Entry{}, fmt.Errorf("load audit head: %w", err)
	}

	entry := Entry{
		Seq:       seq,
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
		PrevHash:  prevHash,
		Hash:      ComputeHash(payload, prevHash, seq),
		CreatedAt: c.now().Truncate(time.Millisecond),
	}
	c.sealer.seal(&entry)
	if err := c.store.InsertAuditEntry(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("insert audit entry seq=%d: %w", seq, err)
	}
	return entry, nil
}

// Record encodes payload as JSON and appends it.
func (c *Chain) Record(ctx context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = c.Append(ctx, eventType, data)
	return err
}

// Failure is one entry that did not verify.
type Failure struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

// Report summarizes a verification pass.
type Report struct {
	From     uint64
	To       uint64
	Checked  int
	Failures []Failure
}

// OK reports whether every checked entry verified.
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// FirstFailure returns the lowest failing sequence number.
func (r Report) FirstFailure() (Failure, bool) {
	if len(r.Failures) == 0 {
		return Failure{}, false
	}
	return r.Failures[0], true
}

// VerifyRange recomputes entries from..to (to == 0 means the head) and
// reports every sequence number whose link, hash or signature does not
// match. Hashes are chained from recomputed values, so a single edited
// entry fails at its own sequence number and at every later one. The
// returned error wraps ErrTamperDetected when any entry fails.
func (c *Chain) VerifyRange(ctx context.Context, from, to uint64) (Report, error) {
	if from == 0 {
		from = 1
	}
	report := Report{From: from, To: to}
	if to != 0 && to < from {
		return report, fmt.Errorf("invalid audit range %d..%d", from, to)
	}

	prevHash := ""
	if from > 1 {
		anchor, err := c.store.GetAuditEntry(ctx, from-1)
		if err != nil {
			return report, fmt.Errorf("load audit anchor seq=%d: %w", from-1, err)
		}
		prevHash = anchor.Hash
	}

	expected := from
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entries, err := c.store.ListAuditEntries(ctx, expected-1, verifyPageSize)
		if err != nil {
			return report, fmt.Errorf("list audit entries after %d: %w", expected-1, err)
		}
		if len(entries) == 0 {
			break
		}
		done := false
		for _, entry := range entries {
			if to != 0 && entry.Seq > to {
				done = true
				break
			}
			for entry.Seq > expected {
				report.Failures = append(report.Failures, Failure{Seq: expected, Reason: "missing entry"})
				expected++
			}
			prevHash = c.check(entry, prevHash, &report)
			report.Checked++
			expected = entry.Seq + 1
		}
		if done || len(entries) < verifyPageSize {
			break
		}
	}
	if report.To == 0 {
		report.To = expected - 1
	}

	if first, ok := report.FirstFailure(); ok {
		return report, fmt.Errorf("%w: %d failing entries, first at seq=%d (%s)", ErrTamperDetected, len(report.Failures), first.Seq, first.Reason)
	}
	return report, nil
}

// check verifies one entry against the recomputed predecessor hash and
// returns the recomputed hash of entry.
func (c *Chain) check(entry Entry, prevHash string, report *Report) string {
	recomputed := ComputeHash(entry.Payload, prevHash, entry.Seq)
	switch {
	case entry.PrevHash != prevHash:
		report.Failures = append(report.Failures, Failure{Seq: entry.Seq, Reason: "previous hash mismatch"})
	case entry.Hash != recomputed:
		report.Failures = append(report.Failures, Failure{Seq: entry.Seq, Reason: "hash mismatch"})
	default:
		if err := c.sealer.check(entry); err != nil {
			report.Failures = append(report.Failures, Failure{Seq: entry.Seq, Reason: err.Error()})
		}
	}
	return recomputed
}
