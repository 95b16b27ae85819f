package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"

	"github.com/beantrace/custody/pkg/keyvault"
)

// Orchestrator builds, signs, submits, and confirms the four custody
// instructions. The signer set and funding level of each operation are fixed
// by the operation; callers supply decrypted signers and must have run the
// funding guard first.
type Orchestrator struct {
	client Client
	cfg    *Config
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator. The config must be validated.
func NewOrchestrator(client Client, cfg *Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{client: client, cfg: cfg, logger: logger}
}

// Config returns the orchestrator's ledger configuration.
func (o *Orchestrator) Config() *Config { return o.cfg }

// CreateBatch creates the batch account on-chain and initializes it. The new
// account's keypair and the brand owner co-sign; the brand owner pays for the
// account's rent-exempt balance.
func (o *Orchestrator) CreateBatch(ctx context.Context, batchKey solana.PrivateKey, brandOwner *keyvault.Signer, offchainID, producerName, brandID string, initialHolder solana.PublicKey) (solana.Signature, error) {
	rent, err := o.client.MinimumBalanceForRentExemption(ctx, o.cfg.BatchAccountSpace)
	if err != nil {
		return solana.Signature{}, &Error{Code: CodeRPCUnavailable, Op: "create_batch", Err: err}
	}

	batchAccount := batchKey.PublicKey()
	ownerKey := brandOwner.PublicKey()

	createAccount := system.NewCreateAccountInstruction(
		rent, o.cfg.BatchAccountSpace, o.cfg.ProgramID,
		ownerKey, batchAccount,
	).Build()

	initBatch, err := createBatchInstruction(o.cfg.ProgramID, batchAccount, ownerKey, offchainID, producerName, brandID, initialHolder)
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := o.submitAndConfirm(ctx, "create_batch",
		[]solana.Instruction{createAccount, initBatch},
		ownerKey,
		map[solana.PublicKey]solana.PrivateKey{
			batchAccount: batchKey,
			ownerKey:     brandOwner.PrivateKey(),
		},
	)
	if err != nil {
		return solana.Signature{}, err
	}

	o.logger.Info("batch created on ledger",
		"offchainId", offchainID,
		"batchAccount", batchAccount.String(),
		"signature", sig.String())
	return sig, nil
}

// AddStage appends a stage to the batch account. Only the current holder's
// signature is accepted by the program.
func (o *Orchestrator) AddStage(ctx context.Context, batchAccount solana.PublicKey, holder *keyvault.Signer, stageName, contentRef, partnerType string) (solana.Signature, error) {
	holderKey := holder.PublicKey()

	instr, err := addStageInstruction(o.cfg.ProgramID, batchAccount, holderKey, stageName, contentRef, partnerType)
	if err != nil {
		return solana.Signature{}, err
	}

	return o.submitAndConfirm(ctx, "add_stage",
		[]solana.Instruction{instr},
		holderKey,
		map[solana.PublicKey]solana.PrivateKey{holderKey: holder.PrivateKey()},
	)
}

// TransferCustody reassigns the batch's holder, signed by the outgoing holder.
func (o *Orchestrator) TransferCustody(ctx context.Context, batchAccount solana.PublicKey, holder *keyvault.Signer, nextHolder solana.PublicKey) (solana.Signature, error) {
	holderKey := holder.PublicKey()

	instr, err := transferCustodyInstruction(o.cfg.ProgramID, batchAccount, holderKey, nextHolder)
	if err != nil {
		return solana.Signature{}, err
	}

	return o.submitAndConfirm(ctx, "transfer_custody",
		[]solana.Instruction{instr},
		holderKey,
		map[solana.PublicKey]solana.PrivateKey{holderKey: holder.PrivateKey()},
	)
}

// FinalizeBatch marks the batch closed, signed by the brand owner.
func (o *Orchestrator) FinalizeBatch(ctx context.Context, batchAccount solana.PublicKey, brandOwner *keyvault.Signer) (solana.Signature, error) {
	ownerKey := brandOwner.PublicKey()

	instr, err := finalizeBatchInstruction(o.cfg.ProgramID, batchAccount, ownerKey)
	if err != nil {
		return solana.Signature{}, err
	}

	return o.submitAndConfirm(ctx, "finalize_batch",
		[]solana.Instruction{instr},
		ownerKey,
		map[solana.PublicKey]solana.PrivateKey{ownerKey: brandOwner.PrivateKey()},
	)
}

// submitAndConfirm assembles a transaction from the given instructions, signs
// it with the supplied keys, submits it, and blocks until it finalizes.
func (o *Orchestrator) submitAndConfirm(ctx context.Context, op string, instrs []solana.Instruction, payer solana.PublicKey, signers map[solana.PublicKey]solana.PrivateKey) (solana.Signature, error) {
	blockhash, err := o.client.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, &Error{Code: CodeRPCUnavailable, Op: op, Err: err}
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, &Error{Code: CodeRejected, Op: op, Err: err}
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if k, ok := signers[key]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return solana.Signature{}, &Error{Code: CodeRejected, Op: op, Err: err}
	}

	sig, err := o.client.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, &Error{Code: classifySendError(err), Op: op, Err: err}
	}

	if err := AwaitFinalized(ctx, o.client, sig, o.cfg.ConfirmPollInterval, o.cfg.ConfirmTimeout); err != nil {
		return sig, err
	}
	return sig, nil
}

// classifySendError maps a submission failure to an error code. A structured
// RPC error means the node looked at the transaction and refused it; anything
// else is treated as the node being unreachable.
func classifySendError(err error) string {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if strings.Contains(rpcErr.Message, "Blockhash not found") {
			return CodeBlockhashExpired
		}
		return CodeRejected
	}
	return CodeRPCUnavailable
}
