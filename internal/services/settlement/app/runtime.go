package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/fairstake/internal/platform/grpc"
	"github.com/louisbranch/fairstake/internal/services/settlement/audit"
	"github.com/louisbranch/fairstake/internal/services/settlement/commission"
	"github.com/louisbranch/fairstake/internal/services/settlement/ledger"
	"github.com/louisbranch/fairstake/internal/services/settlement/rankpool"
	"github.com/louisbranch/fairstake/internal/services/settlement/referral"
	"github.com/louisbranch/fairstake/internal/services/settlement/storage/sqlite"
	"github.com/louisbranch/fairstake/internal/services/settlement/vault"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported by the runtime. AuditHealthService goes
// NOT_SERVING when the startup verification finds a broken chain.
const (
	HealthService      = "settlement.runtime"
	AuditHealthService = "settlement.audit"
)

const (
	defaultSettlementPort = 8095
	defaultSettlementDB   = "data/settlement.db"
)

// RuntimeConfig controls settlement startup, rates and loop behavior.
type RuntimeConfig struct {
	Port             int
	DBPath           string
	CommitmentTTL    time.Duration
	PollInterval     time.Duration
	SweepInterval    time.Duration
	MaxAttempts      int
	BatchSize        int
	DirectLevelRates []decimal.Decimal
	WinnerLevelRates []decimal.Decimal
	CashbackRate     decimal.Decimal
	Tier1Threshold   decimal.Decimal
	Tier2Threshold   decimal.Decimal
	AuditKeys        string
	AuditKeyID       string
	AuditChainID     string
	AuditBuffer      int
}

// Components is the wired settlement core over one store.
type Components struct {
	Store       *sqlite.Store
	Chain       *audit.Chain
	Appender    *audit.Appender
	Vault       *vault.Vault
	Ledger      *ledger.Service
	Commissions *commission.Engine
	RankPool    *rankpool.Engine
	Registry    *referral.Registry
	Dispatcher  *Dispatcher
}

// Close drains the audit appender.
func (c *Components) Close() {
	if c == nil || c.Appender == nil {
		return
	}
	c.Appender.Close()
}

// NewComponents wires every settlement component over store. The caller owns
// store and must call Close before closing it.
func NewComponents(store *sqlite.Store, cfg RuntimeConfig) (*Components, error) {
	if store == nil {
		return nil, fmt.Errorf("settlement store is required")
	}
	keys, err := audit.ParseKeys(cfg.AuditKeys)
	if err != nil {
		return nil, fmt.Errorf("parse audit keys: %w", err)
	}
	keyring, err := audit.NewKeyring(keys, cfg.AuditKeyID)
	if err != nil {
		return nil, fmt.Errorf("audit keyring: %w", err)
	}
	chain, err := audit.NewChain(store, keyring, audit.WithChainID(cfg.AuditChainID))
	if err != nil {
		return nil, err
	}

	thresholds := referral.Thresholds{Tier1: cfg.Tier1Threshold, Tier2: cfg.Tier2Threshold}
	commissionCfg := commission.Config{
		DirectLevelRates: commission.RateTable(cfg.DirectLevelRates),
		WinnerLevelRates: commission.RateTable(cfg.WinnerLevelRates),
		CashbackRate:     cfg.CashbackRate,
		Thresholds:       thresholds,
	}

	appender := audit.NewAppender(chain, cfg.AuditBuffer)
	components := &Components{Store: store, Chain: chain, Appender: appender}
	ok := false
	defer func() {
		if !ok {
			appender.Close()
		}
	}()

	components.Vault = vault.New(store, vault.WithTTL(cfg.CommitmentTTL), vault.WithAuditor(appender))
	components.Ledger = ledger.NewService(store, ledger.WithAuditor(appender))
	components.Registry = referral.NewRegistry(store)
	components.Commissions, err = commission.NewEngine(store, store, components.Ledger, commissionCfg)
	if err != nil {
		return nil, err
	}
	components.RankPool, err = rankpool.NewEngine(store, components.Ledger, nil, thresholds)
	if err != nil {
		return nil, err
	}
	components.Dispatcher, err = NewDispatcher(DispatcherDeps{
		Claims:      store,
		Revealer:    components.Vault,
		Commissions: components.Commissions,
		Payouts:     components.Ledger,
		Pool:        components.RankPool,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return components, nil
}

// Run opens the store, verifies the audit chain, serves health and drains
// the inbox until ctx is done.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSettlementPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultSettlementDB
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create settlement storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open settlement sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close settlement sqlite store: %v", closeErr)
		}
	}()

	components, err := NewComponents(store, cfg)
	if err != nil {
		return err
	}
	defer components.Close()

	auditOK := verifyAuditChain(ctx, components.Chain)

	loop := NewLoop(store, components.Dispatcher, components.Vault, Config{
		PollInterval:  cfg.PollInterval,
		SweepInterval: cfg.SweepInterval,
		MaxAttempts:   cfg.MaxAttempts,
		BatchSize:     cfg.BatchSize,
	}, nil)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on settlement port %d: %w", cfg.Port, err)
	}

	grpcServer, healthServer := platformgrpc.NewHealthServer(HealthService, AuditHealthService)
	if !auditOK {
		healthServer.SetServingStatus(AuditHealthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve health: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := loop.Run(groupCtx)
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return err
	})

	log.Printf("settlement server listening at %v", listener.Addr())
	return group.Wait()
}

// verifyAuditChain checks the whole chain and reports failures. The chain
// is never repaired here.
func verifyAuditChain(ctx context.Context, chain *audit.Chain) bool {
	report, err := chain.VerifyRange(ctx, 1, 0)
	if err != nil {
		if errors.Is(err, audit.ErrTamperDetected) {
			for _, failure := range report.Failures {
				log.Printf("audit chain failure seq=%d: %s", failure.Seq, failure.Reason)
			}
		}
		log.Printf("audit chain verification: %v", err)
		return false
	}
	log.Printf("audit chain verified: %d entries", report.Checked)
	return true
}
