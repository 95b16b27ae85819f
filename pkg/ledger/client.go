package ledger

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ConfirmationState is the observed state of a submitted transaction.
type ConfirmationState int

const (
	ConfirmationPending ConfirmationState = iota
	ConfirmationConfirmed
	ConfirmationFinalized
	ConfirmationFailed
)

// Client is the narrow ledger RPC surface the engine depends on. Tests
// substitute a fake; production uses the JSON-RPC implementation returned by
// NewRPCClient.
type Client interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	MinimumBalanceForRentExemption(ctx context.Context, space uint64) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (ConfirmationState, error)
}

// rpcClient implements Client over a solana JSON-RPC node.
type rpcClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient creates a Client talking to the configured RPC endpoint.
func NewRPCClient(cfg *Config) Client {
	return &rpcClient{
		rpc:        rpc.New(cfg.RPCEndpoint),
		commitment: cfg.Commitment,
	}
}

func (c *rpcClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, account, c.commitment)
	if err != nil {
		return 0, err
	}
	return out.Value, nil
}

func (c *rpcClient) MinimumBalanceForRentExemption(ctx context.Context, space uint64) (uint64, error) {
	return c.rpc.GetMinimumBalanceForRentExemption(ctx, space, c.commitment)
}

func (c *rpcClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, err
	}
	return out.Value.Blockhash, nil
}

func (c *rpcClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
}

func (c *rpcClient) SignatureStatus(ctx context.Context, sig solana.Signature) (ConfirmationState, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return ConfirmationPending, err
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return ConfirmationPending, nil
	}
	status := out.Value[0]
	if status.Err != nil {
		return ConfirmationFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		return ConfirmationFinalized, nil
	case rpc.ConfirmationStatusConfirmed:
		return ConfirmationConfirmed, nil
	default:
		return ConfirmationPending, nil
	}
}

// AwaitFinalized polls the signature status until the transaction finalizes,
// the context is cancelled, or the timeout elapses. A transaction that lands
// with an execution error reports CodeRejected.
func AwaitFinalized(ctx context.Context, client Client, sig solana.Signature, pollInterval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	seen := false
	for {
		select {
		case <-ctx.Done():
			code := CodeConfirmationTimeout
			if !seen {
				// Never observed on-chain before the deadline; the blockhash
				// has most likely expired and the transaction will not land.
				code = CodeBlockhashExpired
			}
			return &Error{Code: code, Op: "confirm", Signature: sig, Err: ctx.Err()}
		case <-ticker.C:
			state, err := client.SignatureStatus(ctx, sig)
			if err != nil {
				// Transient RPC failures during polling are retried until
				// the deadline.
				continue
			}
			switch state {
			case ConfirmationFinalized:
				return nil
			case ConfirmationFailed:
				return &Error{Code: CodeRejected, Op: "confirm", Signature: sig}
			case ConfirmationConfirmed, ConfirmationPending:
				if state != ConfirmationPending {
					seen = true
				}
			}
		}
	}
}
