package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beantrace/custody/pkg/ledger"
	"github.com/beantrace/custody/pkg/ledger/ledgertest"
)

func newTestGuard(t *testing.T) (*Guard, *ledgertest.FakeClient) {
	t.Helper()
	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	cfg := &ledger.Config{
		RPCEndpoint:         "http://fake",
		ProgramID:           solana.NewWallet().PublicKey(),
		TreasuryKey:         treasury,
		ConfirmPollInterval: time.Millisecond,
		ConfirmTimeout:      time.Second,
	}
	require.NoError(t, cfg.Validate())

	client := ledgertest.NewFakeClient()
	return NewGuard(client, cfg, nil), client
}

func TestEnsureFunded_NoOpWhenSufficient(t *testing.T) {
	guard, client := newTestGuard(t)
	account := solana.NewWallet().PublicKey()
	client.Balances[account] = 1_000

	require.NoError(t, guard.EnsureFunded(context.Background(), account, 1_000))
	assert.Equal(t, 0, client.SentCount(), "no transfer expected when balance >= required")

	require.NoError(t, guard.EnsureFunded(context.Background(), account, 500))
	assert.Equal(t, 0, client.SentCount())
}

func TestEnsureFunded_TransfersExactDeficit(t *testing.T) {
	guard, client := newTestGuard(t)
	account := solana.NewWallet().PublicKey()
	client.Balances[account] = 300

	require.NoError(t, guard.EnsureFunded(context.Background(), account, 1_000))
	require.Equal(t, 1, client.SentCount())

	tx := client.LastTransaction()
	require.Len(t, tx.Message.Instructions, 1)
	lamports := ledgertest.SystemTransferLamports(tx.Message.Instructions[0].Data)
	assert.Equal(t, uint64(700), lamports)
}

func TestEnsureFunded_ZeroBalance(t *testing.T) {
	guard, client := newTestGuard(t)
	account := solana.NewWallet().PublicKey()

	require.NoError(t, guard.EnsureFunded(context.Background(), account, 250))
	require.Equal(t, 1, client.SentCount())

	tx := client.LastTransaction()
	lamports := ledgertest.SystemTransferLamports(tx.Message.Instructions[0].Data)
	assert.Equal(t, uint64(250), lamports)
}

func TestEnsureFunded_BalanceQueryError(t *testing.T) {
	guard, client := newTestGuard(t)
	client.BalanceErr = errors.New("rpc down")

	err := guard.EnsureFunded(context.Background(), solana.NewWallet().PublicKey(), 100)
	var queryErr *BalanceQueryError
	require.ErrorAs(t, err, &queryErr)
	assert.Equal(t, 0, client.SentCount())
}

func TestEnsureFunded_TransferError(t *testing.T) {
	guard, client := newTestGuard(t)
	account := solana.NewWallet().PublicKey()
	client.SendErr = errors.New("node unreachable")

	err := guard.EnsureFunded(context.Background(), account, 100)
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, uint64(100), transferErr.Lamports)
}

func TestEnsureFunded_TransferNotConfirmed(t *testing.T) {
	guard, client := newTestGuard(t)
	account := solana.NewWallet().PublicKey()
	client.StatusState = ledger.ConfirmationFailed

	err := guard.EnsureFunded(context.Background(), account, 100)
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)

	var ledgerErr *ledger.Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, ledger.CodeRejected, ledgerErr.Code)
}

func TestRequiredBalances(t *testing.T) {
	guard, client := newTestGuard(t)
	client.Rent = 3_000_000

	required, err := guard.RequiredForBatchCreation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3_000_000)+ledger.DefaultFeeBufferLamports, required)

	assert.Equal(t, ledger.DefaultSignerMinimumLamports, guard.RequiredForSigner())
}
