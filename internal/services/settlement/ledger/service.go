package ledger

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/fairstake/internal/platform/id"
	"github.com/shopspring/decimal"
)

const lockStripes = 64

// Audit event types recorded by the ledger.
const (
	EventCredited         = "ledger.credited"
	EventCycleDistributed = "cycle.distributed"
)

// Store applies credits atomically. ApplyCredit increments the balance and
// inserts the optional record in one transaction; ApplyCycle does the same
// for every credit plus the marker and returns ErrCycleAlreadyDistributed
// when the marker exists.
type Store interface {
	ApplyCredit(ctx context.Context, credit Credit) error
	ApplyCycle(ctx context.Context, marker CycleMarker, credits []Credit) error
	GetAccount(ctx context.Context, accountID string) (Account, error)
	ListCommissionRecords(ctx context.Context, beneficiary string, limit int) ([]CommissionRecord, error)
	GetCycleMarker(ctx context.Context, cycleID string) (CycleMarker, error)
}

// Auditor records ledger events on the audit chain.
type Auditor interface {
	Record(ctx context.Context, eventType string, payload any) error
}

// Service serializes credits per account and forwards them to the store.
type Service struct {
	store   Store
	auditor Auditor
	now     func() time.Time
	newID   func() (string, error)
	locks   [lockStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithAuditor records every applied credit.
func WithAuditor(auditor Auditor) Option {
	return func(s *Service) {
		s.auditor = auditor
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a ledger service over store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: id.NewID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Credit adds amount to one stream of an account and returns the amount
// actually applied after truncation to Scale. A zero amount is a no-op.
func (s *Service) Credit(ctx context.Context, accountID string, stream Stream, amount decimal.Decimal) (decimal.Decimal, error) {
	credit, err := s.prepare(Credit{AccountID: accountID, Stream: stream, Amount: amount})
	if err != nil || credit.Amount.IsZero() {
		return decimal.Zero, err
	}
	if err := s.apply(ctx, credit); err != nil {
		return decimal.Zero, err
	}
	return credit.Amount, nil
}

// CreditCommission credits record.Amount to record.Stream of the beneficiary
// and stores the record with it. The returned record carries the assigned id,
// timestamp and truncated amount; a zero amount stores nothing.
func (s *Service) CreditCommission(ctx context.Context, record CommissionRecord) (CommissionRecord, error) {
	credit, err := s.prepare(Credit{
		AccountID: record.Beneficiary,
		Stream:    record.Stream,
		Amount:    record.Amount,
		Record:    &record,
	})
	if err != nil {
		return CommissionRecord{}, err
	}
	if credit.Amount.IsZero() {
		return *credit.Record, nil
	}
	if err := s.apply(ctx, credit); err != nil {
		return CommissionRecord{}, err
	}
	return *credit.Record, nil
}

// CreditCycle applies every credit of a distribution cycle together with its
// marker. Either all credits land or none do.
func (s *Service) CreditCycle(ctx context.Context, marker CycleMarker, credits []Credit) ([]Credit, error) {
	marker.CycleID = strings.TrimSpace(marker.CycleID)
	if marker.CycleID == "" {
		return nil, fmt.Errorf("cycle id is required")
	}
	if marker.DistributedAt.IsZero() {
		marker.DistributedAt = s.now()
	}

	prepared := make([]Credit, 0, len(credits))
	accounts := make(map[string]struct{}, len(credits))
	for _, credit := range credits {
		c, err := s.prepare(credit)
		if err != nil {
			return nil, err
		}
		if c.Amount.IsZero() {
			continue
		}
		if c.Record != nil && c.Record.EventRef == "" {
			c.Record.EventRef = marker.CycleID
		}
		prepared = append(prepared, c)
		accounts[c.AccountID] = struct{}{}
	}

	unlock := s.lockAccounts(accounts)
	defer unlock()
	if err := s.store.ApplyCycle(ctx, marker, prepared); err != nil {
		return nil, fmt.Errorf("apply cycle %s: %w", marker.CycleID, err)
	}
	s.record(ctx, EventCycleDistributed, cyclePayload(marker, prepared))
	return prepared, nil
}

// Account returns every stream balance of accountID.
func (s *Service) Account(ctx context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Account{}, fmt.Errorf("account id is required")
	}
	return s.store.GetAccount(ctx, accountID)
}

// CommissionRecords lists the newest records credited to beneficiary.
func (s *Service) CommissionRecords(ctx context.Context, beneficiary string, limit int) ([]CommissionRecord, error) {
	return s.store.ListCommissionRecords(ctx, strings.TrimSpace(beneficiary), limit)
}

func (s *Service) prepare(credit Credit) (Credit, error) {
	if s == nil || s.store == nil {
		return Credit{}, fmt.Errorf("ledger store is not configured")
	}
	credit.AccountID = strings.TrimSpace(credit.AccountID)
	if credit.AccountID == "" {
		return Credit{}, fmt.Errorf("account id is required")
	}
	if !credit.Stream.Valid() {
		return Credit{}, fmt.Errorf("%w: %q", ErrUnknownStream, string(credit.Stream))
	}
	if credit.Amount.IsNegative() {
		return Credit{}, fmt.Errorf("%w: %s", ErrInvalidCredit, credit.Amount)
	}
	credit.Amount = Truncate(credit.Amount)
	if credit.Amount.GreaterThan(MaxAmount) {
		return Credit{}, fmt.Errorf("%w: %s exceeds %s", ErrInvalidCredit, credit.Amount, MaxAmount)
	}
	if credit.Record != nil {
		record := *credit.Record
		record.Beneficiary = credit.AccountID
		record.Stream = credit.Stream
		record.Amount = credit.Amount
		if record.Timestamp.IsZero() {
			record.Timestamp = s.now()
		}
		if record.ID == "" && !credit.Amount.IsZero() {
			recordID, err := s.newID()
			if err != nil {
				return Credit{}, fmt.Errorf("generate record id: %w", err)
			}
			record.ID = recordID
		}
		credit.Record = &record
	}
	return credit, nil
}

func (s *Service) apply(ctx context.Context, credit Credit) error {
	lock := s.lockFor(credit.AccountID)
	lock.Lock()
	err := s.store.ApplyCredit(ctx, credit)
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("apply credit to %s/%s: %w", credit.AccountID, credit.Stream, err)
	}
	s.record(ctx, EventCredited, creditPayload(credit))
	return nil
}

func (s *Service) stripe(accountID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % lockStripes)
}

func (s *Service) lockFor(accountID string) *sync.Mutex {
	return &s.locks[s.stripe(accountID)]
}

// lockAccounts takes every stripe covering accounts in ascending order.
func (s *Service) lockAccounts(accounts map[string]struct{}) func() {
	seen := make(map[int]struct{}, len(accounts))
	stripes := make([]int, 0, len(accounts))
	for accountID := range accounts {
		idx := s.stripe(accountID)
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		stripes = append(stripes, idx)
	}
	sort.Ints(stripes)
	for _, idx := range stripes {
		s.locks[idx].Lock()
	}
	return func() {
		for i := len(stripes) - 1; i >= 0; i-- {
			s.locks[stripes[i]].Unlock()
		}
	}
}

func (s *Service) record(ctx context.Context, eventType string, payload any) {
	if s.auditor == nil {
		return
	}
	_ = s.auditor.Record(ctx, eventType, payload)
}

type auditCredit struct {
	AccountID string `json:"account_id"`
	Stream    string `json:"stream"`
	Amount    string `json:"amount"`
	RecordID  string `json:"record_id,omitempty"`
	Source    string `json:"source,omitempty"`
	Level     int    `json:"level,omitempty"`
	Type      string `json:"type,omitempty"`
	EventRef  string `json:"event_ref,omitempty"`
}

func creditPayload(credit Credit) auditCredit {
	payload := auditCredit{
		AccountID: credit.AccountID,
		Stream:    string(credit.Stream),
		Amount:    credit.Amount.String(),
	}
	if r := credit.Record; r != nil {
		payload.RecordID = r.ID
		payload.Source = r.Source
		payload.Level = r.Level
		payload.Type = string(r.Type)
		payload.EventRef = r.EventRef
	}
	return payload
}

type auditCycle struct {
	CycleID  string        `json:"cycle_id"`
	Turnover string        `json:"turnover"`
	Credits  []auditCredit `json:"credits"`
}

func cyclePayload(marker CycleMarker, credits []Credit) auditCycle {
	payload := auditCycle{
		CycleID:  marker.CycleID,
		Turnover: marker.Turnover.String(),
		Credits:  make([]auditCredit, 0, len(credits)),
	}
	for _, credit := range credits {
		payload.Credits = append(payload.Credits, creditPayload(credit))
	}
	return payload
}
