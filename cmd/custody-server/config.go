package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/spf13/viper"

	"github.com/beantrace/custody/pkg/ledger"
	"github.com/beantrace/custody/pkg/syncjobs"
)

// serverConfig is the full configuration of the custody server, loaded from
// an optional YAML file and CUSTODY_* environment variables. Everything the
// process needs is resolved here and injected; nothing reads globals later.
type serverConfig struct {
	Listen string `mapstructure:"listen"`

	Database struct {
		// Type is "postgres" or "sqlite".
		Type string `mapstructure:"type"`
		DSN  string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Vault struct {
		// Secret derives the AES key that wraps custodial signing keys.
		Secret string `mapstructure:"secret"`
	} `mapstructure:"vault"`

	Ledger struct {
		RPCEndpoint string `mapstructure:"rpcEndpoint"`
		Commitment  string `mapstructure:"commitment"`
		ProgramID   string `mapstructure:"programId"`
		// TreasuryKey is the base58-encoded private key of the fee treasury.
		TreasuryKey string `mapstructure:"treasuryKey"`

		ConfirmPollInterval time.Duration `mapstructure:"confirmPollInterval"`
		ConfirmTimeout      time.Duration `mapstructure:"confirmTimeout"`

		BatchAccountSpace     uint64 `mapstructure:"batchAccountSpace"`
		FeeBufferLamports     uint64 `mapstructure:"feeBufferLamports"`
		SignerMinimumLamports uint64 `mapstructure:"signerMinimumLamports"`
	} `mapstructure:"ledger"`

	Sync struct {
		Enabled       bool          `mapstructure:"enabled"`
		Concurrency   int           `mapstructure:"concurrency"`
		MaxRetries    int           `mapstructure:"maxRetries"`
		PollInterval  time.Duration `mapstructure:"pollInterval"`
		ClaimTimeout  time.Duration `mapstructure:"claimTimeout"`
		RetentionDays int           `mapstructure:"retentionDays"`
	} `mapstructure:"sync"`
}

// loadConfig reads the YAML config at path (if non-empty) and overlays
// CUSTODY_* environment variables, e.g. CUSTODY_LEDGER_RPCENDPOINT.
func loadConfig(path string) (*serverConfig, error) {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("database.type", "postgres")
	v.SetDefault("ledger.commitment", string(rpc.CommitmentFinalized))
	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.concurrency", syncjobs.DefaultWorkerConfig().Concurrency)
	v.SetDefault("sync.maxRetries", syncjobs.DefaultWorkerConfig().MaxRetries)
	v.SetDefault("sync.pollInterval", syncjobs.DefaultWorkerConfig().PollInterval)
	v.SetDefault("sync.claimTimeout", syncjobs.DefaultWorkerConfig().ClaimTimeout)
	v.SetDefault("sync.retentionDays", syncjobs.DefaultWorkerConfig().RetentionDays)

	v.SetEnvPrefix("CUSTODY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ledgerConfig converts the declarative ledger section into the validated
// runtime config, parsing keys up front so a bad deployment fails at boot.
func (c *serverConfig) ledgerConfig() (*ledger.Config, error) {
	programID, err := solana.PublicKeyFromBase58(c.Ledger.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("ledger.programId: %w", err)
	}
	treasury, err := solana.PrivateKeyFromBase58(c.Ledger.TreasuryKey)
	if err != nil {
		return nil, fmt.Errorf("ledger.treasuryKey: %w", err)
	}

	cfg := &ledger.Config{
		RPCEndpoint:           c.Ledger.RPCEndpoint,
		Commitment:            rpc.CommitmentType(c.Ledger.Commitment),
		ProgramID:             programID,
		TreasuryKey:           treasury,
		ConfirmPollInterval:   c.Ledger.ConfirmPollInterval,
		ConfirmTimeout:        c.Ledger.ConfirmTimeout,
		BatchAccountSpace:     c.Ledger.BatchAccountSpace,
		FeeBufferLamports:     c.Ledger.FeeBufferLamports,
		SignerMinimumLamports: c.Ledger.SignerMinimumLamports,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workerConfig builds the sync worker configuration.
func (c *serverConfig) workerConfig() *syncjobs.WorkerConfig {
	cfg := syncjobs.DefaultWorkerConfig()
	cfg.Enabled = c.Sync.Enabled
	if c.Sync.Concurrency > 0 {
		cfg.Concurrency = c.Sync.Concurrency
	}
	if c.Sync.MaxRetries > 0 {
		cfg.MaxRetries = c.Sync.MaxRetries
	}
	if c.Sync.PollInterval > 0 {
		cfg.PollInterval = c.Sync.PollInterval
	}
	if c.Sync.ClaimTimeout > 0 {
		cfg.ClaimTimeout = c.Sync.ClaimTimeout
	}
	if c.Sync.RetentionDays > 0 {
		cfg.RetentionDays = c.Sync.RetentionDays
	}
	return cfg
}
