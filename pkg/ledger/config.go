package ledger

import (
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Default tuning values, applied by Validate when a field is zero.
const (
	DefaultConfirmPollInterval = 500 * time.Millisecond
	DefaultConfirmTimeout      = 60 * time.Second

	// DefaultBatchAccountSpace is the on-chain size reserved for a batch
	// account: fixed header plus room for the stage history the program keeps.
	DefaultBatchAccountSpace uint64 = 4096

	// DefaultFeeBufferLamports is added on top of the rent-exemption minimum
	// when funding an account that is about to pay for batch creation.
	DefaultFeeBufferLamports uint64 = 1_000_000

	// DefaultSignerMinimumLamports is the balance an account needs to act as
	// a fee-adjacent signer on stage, transfer, and finalize transactions.
	DefaultSignerMinimumLamports uint64 = 100_000
)

// Config carries everything the orchestrator and funding guard need to talk
// to the ledger. It is injected explicitly at construction; there is no
// process-wide client or signer.
type Config struct {
	// RPCEndpoint is the ledger node's JSON-RPC URL.
	RPCEndpoint string

	// Commitment is the confirmation level used for reads and preflight.
	Commitment rpc.CommitmentType

	// ProgramID is the address of the on-chain custody program.
	ProgramID solana.PublicKey

	// TreasuryKey is the backend-controlled key that pays fees and tops up
	// custodial accounts.
	TreasuryKey solana.PrivateKey

	ConfirmPollInterval time.Duration
	ConfirmTimeout      time.Duration

	BatchAccountSpace     uint64
	FeeBufferLamports     uint64
	SignerMinimumLamports uint64
}

// Validate fills in defaults and rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.RPCEndpoint == "" {
		return fmt.Errorf("ledger config: rpc endpoint is required")
	}
	if c.ProgramID.IsZero() {
		return fmt.Errorf("ledger config: program id is required")
	}
	if len(c.TreasuryKey) == 0 {
		return fmt.Errorf("ledger config: treasury key is required")
	}
	if c.Commitment == "" {
		c.Commitment = rpc.CommitmentFinalized
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = DefaultConfirmPollInterval
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.BatchAccountSpace == 0 {
		c.BatchAccountSpace = DefaultBatchAccountSpace
	}
	if c.FeeBufferLamports == 0 {
		c.FeeBufferLamports = DefaultFeeBufferLamports
	}
	if c.SignerMinimumLamports == 0 {
		c.SignerMinimumLamports = DefaultSignerMinimumLamports
	}
	return nil
}
