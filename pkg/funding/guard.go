// Package funding guarantees signer accounts hold the balance an operation
// requires before the operation's transaction is submitted. A short account
// is topped up from the treasury and the guard blocks until the top-up
// transfer confirms; this is a hard precondition, not an optimization.
package funding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/beantrace/custody/pkg/ledger"
)

// BalanceQueryError means the account's current balance could not be read.
// Safe to retry; nothing was submitted.
type BalanceQueryError struct {
	Account solana.PublicKey
	Err     error
}

func (e *BalanceQueryError) Error() string {
	return fmt.Sprintf("query balance of %s: %v", e.Account, e.Err)
}

func (e *BalanceQueryError) Unwrap() error { return e.Err }

// TransferError means the treasury top-up transfer failed or did not confirm.
// Safe to retry; the dependent operation was never attempted.
type TransferError struct {
	Account  solana.PublicKey
	Lamports uint64
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("fund %s with %d lamports from treasury: %v", e.Account, e.Lamports, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Guard tops up accounts from the treasury key ahead of ledger operations.
type Guard struct {
	client   ledger.Client
	cfg      *ledger.Config
	treasury solana.PrivateKey
	logger   *slog.Logger
}

// NewGuard creates a Guard. The config must be validated.
func NewGuard(client ledger.Client, cfg *ledger.Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{client: client, cfg: cfg, treasury: cfg.TreasuryKey, logger: logger}
}

// RequiredForBatchCreation returns the balance the paying account needs
// before a batch account can be created: the rent-exemption minimum for the
// batch account plus a fixed fee buffer.
func (g *Guard) RequiredForBatchCreation(ctx context.Context) (uint64, error) {
	rent, err := g.client.MinimumBalanceForRentExemption(ctx, g.cfg.BatchAccountSpace)
	if err != nil {
		return 0, &BalanceQueryError{Err: err}
	}
	return rent + g.cfg.FeeBufferLamports, nil
}

// RequiredForSigner returns the fixed minimum for an account that merely
// signs a stage, transfer, or finalize transaction.
func (g *Guard) RequiredForSigner() uint64 {
	return g.cfg.SignerMinimumLamports
}

// EnsureFunded checks the account's balance and, if it is below required,
// transfers exactly the deficit from the treasury, blocking until the
// transfer confirms. A balance at or above required is a no-op.
func (g *Guard) EnsureFunded(ctx context.Context, account solana.PublicKey, required uint64) error {
	current, err := g.client.Balance(ctx, account)
	if err != nil {
		return &BalanceQueryError{Account: account, Err: err}
	}
	if current >= required {
		return nil
	}

	deficit := required - current
	if err := g.transfer(ctx, account, deficit); err != nil {
		return &TransferError{Account: account, Lamports: deficit, Err: err}
	}

	g.logger.Info("funded account from treasury",
		"account", account.String(),
		"lamports", deficit,
		"required", required)
	return nil
}

func (g *Guard) transfer(ctx context.Context, to solana.PublicKey, lamports uint64) error {
	treasuryKey := g.treasury.PublicKey()

	blockhash, err := g.client.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	instr := system.NewTransferInstruction(lamports, treasuryKey, to).Build()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{instr},
		blockhash,
		solana.TransactionPayer(treasuryKey),
	)
	if err != nil {
		return err
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(treasuryKey) {
			return &g.treasury
		}
		return nil
	}); err != nil {
		return err
	}

	sig, err := g.client.SendTransaction(ctx, tx)
	if err != nil {
		return err
	}
	return ledger.AwaitFinalized(ctx, g.client, sig, g.cfg.ConfirmPollInterval, g.cfg.ConfirmTimeout)
}
