package syncjobs

import (
	"os"
	"strconv"
	"time"
)

// WorkerConfig controls the mirror reconciliation queue and worker behavior.
type WorkerConfig struct {
	Concurrency   int           // Max concurrent workers. Default 2.
	MaxRetries    int           // Max replay attempts per job. Default 5.
	PollInterval  time.Duration // How often workers poll for new jobs. Default 5s.
	ClaimTimeout  time.Duration // Max time a job can be in "running" before considered stuck. Default 10m.
	RetentionDays int           // How long to keep terminal jobs. Default 30.
	Enabled       bool          // Whether the worker pool is active. Default true.
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		Concurrency:   2,
		MaxRetries:    5,
		PollInterval:  5 * time.Second,
		ClaimTimeout:  10 * time.Minute,
		RetentionDays: 30,
		Enabled:       true,
	}
}

// WorkerConfigFromEnv loads config from environment variables.
// CUSTODY_SYNC_CONCURRENCY, CUSTODY_SYNC_MAX_RETRIES,
// CUSTODY_SYNC_POLL_INTERVAL_SECONDS, CUSTODY_SYNC_CLAIM_TIMEOUT_MINUTES,
// CUSTODY_SYNC_RETENTION_DAYS, CUSTODY_SYNC_ENABLED
func WorkerConfigFromEnv() *WorkerConfig {
	cfg := DefaultWorkerConfig()

	if v := os.Getenv("CUSTODY_SYNC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("CUSTODY_SYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	if v := os.Getenv("CUSTODY_SYNC_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("CUSTODY_SYNC_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("CUSTODY_SYNC_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("CUSTODY_SYNC_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
