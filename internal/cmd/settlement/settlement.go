// Package settlement parses settlement command flags and launches the
// settlement runtime.
package settlement

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/fairstake/internal/platform/cmd"
	settlementapp "github.com/louisbranch/fairstake/internal/services/settlement/app"
	"github.com/shopspring/decimal"
)

// Config holds settlement command configuration.
type Config struct {
	Port             int               `env:"FAIRSTAKE_SETTLEMENT_PORT" envDefault:"8095"`
	DBPath           string            `env:"FAIRSTAKE_SETTLEMENT_DB_PATH" envDefault:"data/settlement.db"`
	CommitmentTTL    time.Duration     `env:"FAIRSTAKE_SETTLEMENT_COMMITMENT_TTL" envDefault:"10m"`
	PollInterval     time.Duration     `env:"FAIRSTAKE_SETTLEMENT_POLL_INTERVAL" envDefault:"2s"`
	SweepInterval    time.Duration     `env:"FAIRSTAKE_SETTLEMENT_SWEEP_INTERVAL" envDefault:"1m"`
	MaxAttempts      int               `env:"FAIRSTAKE_SETTLEMENT_MAX_ATTEMPTS" envDefault:"8"`
	BatchSize        int               `env:"FAIRSTAKE_SETTLEMENT_BATCH_SIZE" envDefault:"50"`
	DirectLevelRates []decimal.Decimal `env:"FAIRSTAKE_SETTLEMENT_DIRECT_LEVEL_RATES" envSeparator:","`
	WinnerLevelRates []decimal.Decimal `env:"FAIRSTAKE_SETTLEMENT_WINNER_LEVEL_RATES" envSeparator:","`
	CashbackRate     decimal.Decimal   `env:"FAIRSTAKE_SETTLEMENT_CASHBACK_RATE" envDefault:"0.001"`
	Tier1Threshold   decimal.Decimal   `env:"FAIRSTAKE_SETTLEMENT_TIER1_THRESHOLD" envDefault:"10"`
	Tier2Threshold   decimal.Decimal   `env:"FAIRSTAKE_SETTLEMENT_TIER2_THRESHOLD" envDefault:"100"`
	AuditKeys        string            `env:"FAIRSTAKE_AUDIT_KEYS"`
	AuditKeyID       string            `env:"FAIRSTAKE_AUDIT_KEY_ID" envDefault:"v1"`
	AuditChainID     string            `env:"FAIRSTAKE_AUDIT_CHAIN_ID" envDefault:"settlement"`
	AuditBuffer      int               `env:"FAIRSTAKE_AUDIT_BUFFER" envDefault:"256"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The settlement health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The settlement SQLite database path")
	fs.DurationVar(&cfg.CommitmentTTL, "commitment-ttl", cfg.CommitmentTTL, "Reveal window of a commitment")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Inbox poll interval")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Expired commitment sweep interval")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum processing attempts before dead-letter")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Inbox events handled per poll")
	fs.StringVar(&cfg.AuditKeyID, "audit-key-id", cfg.AuditKeyID, "Active audit signing key id")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the settlement runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSettlement, func(context.Context) error {
		return settlementapp.Run(ctx, settlementapp.RuntimeConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			CommitmentTTL:    cfg.CommitmentTTL,
			PollInterval:     cfg.PollInterval,
			SweepInterval:    cfg.SweepInterval,
			MaxAttempts:      cfg.MaxAttempts,
			BatchSize:        cfg.BatchSize,
			DirectLevelRates: cfg.DirectLevelRates,
			WinnerLevelRates: cfg.WinnerLevelRates,
			CashbackRate:     cfg.CashbackRate,
			Tier1Threshold:   cfg.Tier1Threshold,
			Tier2Threshold:   cfg.Tier2Threshold,
			AuditKeys:        cfg.AuditKeys,
			AuditKeyID:       cfg.AuditKeyID,
			AuditChainID:     cfg.AuditChainID,
			AuditBuffer:      cfg.AuditBuffer,
		})
	})
}
