// Package maintenance runs operator checks against a settlement database.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	platformgrpc "github.com/louisbranch/fairstake/internal/platform/grpc"
	apperrors "github.com/louisbranch/fairstake/internal/platform/errors"
	"github.com/louisbranch/fairstake/internal/platform/id"
	"github.com/louisbranch/fairstake/internal/platform/timeouts"
	"github.com/louisbranch/fairstake/internal/services/settlement/audit"
	"github.com/louisbranch/fairstake/internal/services/settlement/fairness"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage/sqlite"
	"github.com/louisbranch/fairstake/internal/services/settlement/vault"
	"github.com/shopspring/decimal"
)

// Config holds maintenance command configuration.
type Config struct {
	DBPath       string        `env:"FAIRSTAKE_SETTLEMENT_DB_PATH"`
	AuditKeys    string        `env:"FAIRSTAKE_AUDIT_KEYS"`
	AuditKeyID   string        `env:"FAIRSTAKE_AUDIT_KEY_ID" envDefault:"v1"`
	AuditChainID string        `env:"FAIRSTAKE_AUDIT_CHAIN_ID" envDefault:"settlement"`
	Timeout      time.Duration `env:"FAIRSTAKE_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	CommitTTL    time.Duration `env:"FAIRSTAKE_SETTLEMENT_COMMITMENT_TTL" envDefault:"10m"`

	VerifyAudit   bool
	Commit        bool
	OwnerID       string
	Variant       string
	Choice        string
	Stake         string
	RequestID     string
	ClientSeed    string
	FromSeq       uint64
	ToSeq         uint64
	VerifyOutcome bool
	CommitmentID  string
	SweepExpired  bool
	Enqueue       bool
	EventID       string
	EventType     string
	Payload       string
	HealthAddr    string
	HealthService string
	JSONOutput    bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "settlement.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to settlement sqlite database (default: FAIRSTAKE_SETTLEMENT_DB_PATH or data/settlement.db)")
	fs.BoolVar(&cfg.VerifyAudit, "verify-audit", false, "recompute the audit chain and report every failing sequence")
	fs.Uint64Var(&cfg.FromSeq, "from-seq", 1, "first audit sequence to verify")
	fs.Uint64Var(&cfg.ToSeq, "to-seq", 0, "last audit sequence to verify (0 = head)")
	fs.BoolVar(&cfg.Commit, "commit", false, "issue a commitment and print its public view")
	fs.StringVar(&cfg.OwnerID, "owner-id", "", "owner account id for -commit")
	fs.StringVar(&cfg.Variant, "variant", "", "game variant for -commit (dice|coinflip|number|crash)")
	fs.StringVar(&cfg.Choice, "choice", "", "player choice for -commit (e.g. under:50, heads, 7, cashout:2.00)")
	fs.StringVar(&cfg.Stake, "stake", "", "stake for -commit")
	fs.StringVar(&cfg.RequestID, "request-id", "", "replay-protection request id for -commit")
	fs.StringVar(&cfg.ClientSeed, "client-seed", "", "client seed for -commit (default: generated)")
	fs.DurationVar(&cfg.CommitTTL, "commitment-ttl", cfg.CommitTTL, "reveal window for -commit")
	fs.BoolVar(&cfg.VerifyOutcome, "verify-outcome", false, "recompute a revealed commitment's result from its seeds")
	fs.StringVar(&cfg.CommitmentID, "commitment-id", "", "commitment id for -verify-outcome")
	fs.BoolVar(&cfg.SweepExpired, "sweep-expired", false, "expire commitments past their reveal window")
	fs.BoolVar(&cfg.Enqueue, "enqueue", false, "queue a boundary event for the settlement loop")
	fs.StringVar(&cfg.EventID, "event-id", "", "inbox event id for -enqueue (default: generated)")
	fs.StringVar(&cfg.EventType, "event-type", "", "inbox event type for -enqueue (deposit|bet.reveal|turnover.snapshot)")
	fs.StringVar(&cfg.Payload, "payload", "", "JSON payload for -enqueue")
	fs.StringVar(&cfg.HealthAddr, "health-addr", "", "check a running settlement server's gRPC health at host:port")
	fs.StringVar(&cfg.HealthService, "health-service", "settlement.runtime", "health service name for -health-addr")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run executes the selected maintenance mode.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	modes := 0
	healthCheck := strings.TrimSpace(cfg.HealthAddr) != ""
	for _, selected := range []bool{cfg.VerifyAudit, cfg.Commit, cfg.VerifyOutcome, cfg.SweepExpired, cfg.Enqueue, healthCheck} {
		if selected {
			modes++
		}
	}
	if modes != 1 {
		return errors.New("exactly one of -verify-audit, -commit, -verify-outcome, -sweep-expired, -enqueue or -health-addr is required")
	}
	if healthCheck {
		return runHealthCheck(ctx, strings.TrimSpace(cfg.HealthAddr), cfg.HealthService, cfg.JSONOutput, out)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open settlement store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close settlement store: %v\n", closeErr)
		}
	}()

	switch {
	case cfg.VerifyOutcome:
		return runVerifyOutcome(ctx, store, cfg.CommitmentID, cfg.JSONOutput, out)
	case cfg.Enqueue:
		return runEnqueue(ctx, store, cfg.EventID, cfg.EventType, cfg.Payload, time.Now().UTC(), cfg.JSONOutput, out)
	}

	chain, err := openChain(store, cfg)
	if err != nil {
		return err
	}
	if cfg.VerifyAudit {
		return runVerifyAudit(ctx, chain, cfg.FromSeq, cfg.ToSeq, cfg.JSONOutput, out)
	}
	if cfg.Commit {
		return runCommit(ctx, vault.New(store, vault.WithTTL(cfg.CommitTTL), vault.WithAuditor(chain)), cfg, out)
	}
	return runSweepExpired(ctx, vault.New(store, vault.WithAuditor(chain)), cfg.JSONOutput, out)
}

func openChain(store audit.Store, cfg Config) (*audit.Chain, error) {
	keys, err := audit.ParseKeys(cfg.AuditKeys)
	if err != nil {
		return nil, fmt.Errorf("parse audit keys: %w", err)
	}
	keyring, err := audit.NewKeyring(keys, cfg.AuditKeyID)
	if err != nil {
		return nil, fmt.Errorf("audit keyring: %w", err)
	}
	return audit.NewChain(store, keyring, audit.WithChainID(cfg.AuditChainID))
}

type auditReport struct {
	Mode     string          `json:"mode"`
	From     uint64          `json:"from"`
	To       uint64          `json:"to"`
	Checked  int             `json:"checked"`
	OK       bool            `json:"ok"`
	Failures []audit.Failure `json:"failures,omitempty"`
}

// runVerifyAudit prints the report before returning any tamper error so the
// failing sequence numbers always reach the operator.
func runVerifyAudit(ctx context.Context, verifier auditVerifier, from, to uint64, jsonOutput bool, out io.Writer) error {
	if verifier == nil {
		return fmt.Errorf("audit verifier is not configured")
	}
	report, verifyErr := verifier.VerifyRange(ctx, from, to)
	if verifyErr != nil && !errors.Is(verifyErr, audit.ErrTamperDetected) {
		return fmt.Errorf("verify audit chain: %w", verifyErr)
	}

	if jsonOutput {
		encoded, err := json.Marshal(auditReport{
			Mode:     "verify-audit",
			From:     report.From,
			To:       report.To,
			Checked:  report.Checked,
			OK:       report.OK(),
			Failures: report.Failures,
		})
		if err != nil {
			return fmt.Errorf("encode audit report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	} else {
		fmt.Fprintf(out, "Audit chain %d..%d: checked=%d failures=%d\n", report.From, report.To, report.Checked, len(report.Failures))
		for _, failure := range report.Failures {
			fmt.Fprintf(out, "- seq=%d %s\n", failure.Seq, failure.Reason)
		}
	}
	return verifyErr
}

type outcomeReport struct {
	Mode         string `json:"mode"`
	CommitmentID string `json:"commitment_id"`
	Variant      string `json:"variant"`
	Nonce        uint64 `json:"nonce"`
	Result       string `json:"result"`
	IsWin        bool   `json:"is_win"`
	Payout       string `json:"payout"`
	Verified     bool   `json:"verified"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// runVerifyOutcome recomputes a revealed commitment from its disclosed seeds
// and checks the stored result and settlement against it.
func runVerifyOutcome(ctx context.Context, reader outcomeReader, commitmentID string, jsonOutput bool, out io.Writer) error {
	if reader == nil {
		return fmt.Errorf("outcome reader is not configured")
	}
	commitmentID = strings.TrimSpace(commitmentID)
	if commitmentID == "" {
		return fmt.Errorf("-commitment-id is required")
	}
	c, err := reader.GetCommitment(ctx, commitmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", fairness.ErrUnknownCommitment, commitmentID)
		}
		return fmt.Errorf("get commitment: %w", err)
	}
	if c.State != fairness.StateRevealed {
		return fmt.Errorf("commitment %s is %s, not revealed", commitmentID, c.State)
	}
	outcome, err := reader.GetOutcome(ctx, commitmentID)
	if err != nil {
		return fmt.Errorf("get outcome: %w", err)
	}

	verifyErr := fairness.Verify(fairness.VerifyRequest{
		ServerSeed:     c.ServerSeed,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		Variant:        c.Variant,
		ClaimedResult:  outcome.Result,
	})
	if verifyErr == nil {
		settled := fairness.Settle(c.Variant, c.Choice, outcome.Result, c.Stake)
		if settled.IsWin != outcome.IsWin || !settled.Payout.Equal(outcome.Payout) {
			verifyErr = fmt.Errorf("%w: stored settlement win=%t payout=%s, recomputed win=%t payout=%s",
				fairness.ErrHashMismatch, outcome.IsWin, outcome.Payout, settled.IsWin, settled.Payout)
		}
	}

	report := outcomeReport{
		Mode:         "verify-outcome",
		CommitmentID: commitmentID,
		Variant:      string(c.Variant),
		Nonce:        c.Nonce,
		Result:       outcome.Result.String(),
		IsWin:        outcome.IsWin,
		Payout:       outcome.Payout.String(),
		Verified:     verifyErr == nil,
	}
	if verifyErr != nil {
		report.Error = verifyErr.Error()
		report.ErrorCode = string(apperrors.GetCode(verifyErr))
	}
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode outcome report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	} else {
		fmt.Fprintf(out, "Commitment %s (%s nonce=%d): result=%s win=%t payout=%s verified=%t\n",
			report.CommitmentID, report.Variant, report.Nonce, report.Result, report.IsWin, report.Payout, report.Verified)
	}
	return verifyErr
}

type sweepReport struct {
	Mode    string   `json:"mode"`
	Expired []string `json:"expired"`
}

func runSweepExpired(ctx context.Context, sweeper expirySweeper, jsonOutput bool, out io.Writer) error {
	if sweeper == nil {
		return fmt.Errorf("expiry sweeper is not configured")
	}
	ids, err := sweeper.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		if ids == nil {
			ids = []string{}
		}
		encoded, err := json.Marshal(sweepReport{Mode: "sweep-expired", Expired: ids})
		if err != nil {
			return fmt.Errorf("encode sweep report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}
	fmt.Fprintf(out, "Expired commitments: %d\n", len(ids))
	for _, commitmentID := range ids {
		fmt.Fprintf(out, "- %s\n", commitmentID)
	}
	return nil
}

type enqueueReport struct {
	Mode      string `json:"mode"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

func runEnqueue(ctx context.Context, writer inboxWriter, eventID, eventType, payload string, now time.Time, jsonOutput bool, out io.Writer) error {
	if writer == nil {
		return fmt.Errorf("inbox writer is not configured")
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("-event-type is required")
	}
	payload = strings.TrimSpace(payload)
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("-payload must be valid JSON")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		generated, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}
		eventID = generated
	}
	if err := writer.EnqueueInbox(ctx, storage.InboxEvent{
		ID:          eventID,
		EventType:   eventType,
		PayloadJSON: []byte(payload),
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}

	if jsonOutput {
		encoded, err := json.Marshal(enqueueReport{Mode: "enqueue", EventID: eventID, EventType: eventType})
		if err != nil {
			return fmt.Errorf("encode enqueue report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}
	fmt.Fprintf(out, "Queued %s event %s\n", eventType, eventID)
	return nil
}

type healthReport struct {
	Mode    string `json:"mode"`
	Addr    string `json:"addr"`
	Service string `json:"service"`
	Serving bool   `json:"serving"`
	Error   string `json:"error,omitempty"`
}

func runHealthCheck(ctx context.Context, addr, service string, jsonOutput bool, out io.Writer) error {
	checkErr := platformgrpc.CheckHealth(ctx, addr, service, timeouts.HealthCheck, nil)
	report := healthReport{Mode: "health", Addr: addr, Service: service, Serving: checkErr == nil}
	if checkErr != nil {
		report.Error = checkErr.Error()
	}
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode health report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
	} else if checkErr == nil {
		fmt.Fprintf(out, "%s %q: SERVING\n", addr, service)
	} else {
		fmt.Fprintf(out, "%s %q: not serving: %v\n", addr, service, checkErr)
	}
	return checkErr
}

type commitReport struct {
	Mode           string `json:"mode"`
	CommitmentID   string `json:"commitment_id"`
	OwnerID        string `json:"owner_id"`
	RequestID      string `json:"request_id"`
	ServerSeedHash string `json:"server_seed_hash"`
	ClientSeed     string `json:"client_seed"`
	Nonce          uint64 `json:"nonce"`
	Variant        string `json:"variant"`
	Choice         string `json:"choice"`
	Stake          string `json:"stake"`
	State          string `json:"state"`
	ExpiresAt      string `json:"expires_at"`
	Replayed       bool   `json:"replayed"`
}

// runCommit issues a commitment. A reused request id prints the earlier
// commitment instead of failing.
func runCommit(ctx context.Context, c committer, cfg Config, out io.Writer) error {
	if c == nil {
		return fmt.Errorf("committer is not configured")
	}
	variant, err := fairness.ParseVariant(cfg.Variant)
	if err != nil {
		return err
	}
	stake, err := decimal.NewFromString(strings.TrimSpace(cfg.Stake))
	if err != nil {
		return fmt.Errorf("%w: %q", fairness.ErrInvalidStake, cfg.Stake)
	}

	commitment, err := c.Commit(ctx, vault.CommitRequest{
		OwnerID:    cfg.OwnerID,
		ClientSeed: cfg.ClientSeed,
		Variant:    variant,
		Choice:     cfg.Choice,
		Stake:      stake,
		RequestID:  cfg.RequestID,
	})
	replayed := errors.Is(err, fairness.ErrDuplicateRequestID)
	if err != nil && !replayed {
		return err
	}
	commitment = commitment.Public()

	if cfg.JSONOutput {
		encoded, err := json.Marshal(commitReport{
			Mode:           "commit",
			CommitmentID:   commitment.ID,
			OwnerID:        commitment.OwnerID,
			RequestID:      commitment.RequestID,
			ServerSeedHash: commitment.ServerSeedHash,
			ClientSeed:     commitment.ClientSeed,
			Nonce:          commitment.Nonce,
			Variant:        string(commitment.Variant),
			Choice:         commitment.Choice,
			Stake:          commitment.Stake.String(),
			State:          string(commitment.State),
			ExpiresAt:      commitment.ExpiresAt.Format(time.RFC3339),
			Replayed:       replayed,
		})
		if err != nil {
			return fmt.Errorf("encode commit report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}
	if replayed {
		fmt.Fprintf(out, "Request %s already committed\n", commitment.RequestID)
	}
	fmt.Fprintf(out, "Commitment %s nonce=%d variant=%s choice=%s stake=%s\n", commitment.ID, commitment.Nonce, commitment.Variant, commitment.Choice, commitment.Stake)
	fmt.Fprintf(out, "server_seed_hash=%s client_seed=%s expires_at=%s\n", commitment.ServerSeedHash, commitment.ClientSeed, commitment.ExpiresAt.Format(time.RFC3339))
	return nil
}
