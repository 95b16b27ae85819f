package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beantrace/custody/pkg/keyvault"
)

// fakeClient mirrors ledgertest.FakeClient. It lives here because the
// ledgertest package imports this one.
type fakeClient struct {
	mu          sync.Mutex
	balances    map[solana.PublicKey]uint64
	rent        uint64
	sendErr     error
	statusState ConfirmationState
	statusSeq   []ConfirmationState
	sent        []*solana.Transaction
	nextSig     uint64
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		balances:    make(map[solana.PublicKey]uint64),
		rent:        2_000_000,
		statusState: ConfirmationFinalized,
	}
}

func (f *fakeClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return f.balances[account], nil
}

func (f *fakeClient) MinimumBalanceForRentExemption(ctx context.Context, space uint64) (uint64, error) {
	return f.rent, nil
}

func (f *fakeClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	return solana.Hash{1}, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nextSig++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], f.nextSig)
	return sig, nil
}

func (f *fakeClient) SignatureStatus(ctx context.Context, sig solana.Signature) (ConfirmationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusSeq) > 0 {
		state := f.statusSeq[0]
		f.statusSeq = f.statusSeq[1:]
		return state, nil
	}
	return f.statusState, nil
}

func newTestOrchestrator(t *testing.T, client Client) *Orchestrator {
	t.Helper()
	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	cfg := &Config{
		RPCEndpoint:         "http://fake",
		ProgramID:           solana.NewWallet().PublicKey(),
		TreasuryKey:         treasury,
		ConfirmPollInterval: time.Millisecond,
		ConfirmTimeout:      time.Second,
	}
	require.NoError(t, cfg.Validate())
	return NewOrchestrator(client, cfg, nil)
}

func newSigner(t *testing.T) *keyvault.Signer {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return keyvault.NewSigner(key)
}

func TestCreateBatch_SubmitsCreateAndInit(t *testing.T) {
	client := newFakeClient()
	orch := newTestOrchestrator(t, client)

	batchKey, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	brandOwner := newSigner(t)

	sig, err := orch.CreateBatch(context.Background(), batchKey, brandOwner,
		"B-1", "Finca La Aurora", "brand-7", solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.False(t, sig.IsZero())

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	// System create-account plus the program's init instruction.
	require.Len(t, tx.Message.Instructions, 2)
	// Both the new account and the brand owner co-sign.
	assert.Len(t, tx.Signatures, 2)
}

func TestAddStage_SignedByHolderOnly(t *testing.T) {
	client := newFakeClient()
	orch := newTestOrchestrator(t, client)
	holder := newSigner(t)

	sig, err := orch.AddStage(context.Background(), solana.NewWallet().PublicKey(),
		holder, "roasting", "bafy-cid", "roaster")
	require.NoError(t, err)
	assert.False(t, sig.IsZero())

	tx := client.sent[0]
	require.Len(t, tx.Message.Instructions, 1)
	assert.Len(t, tx.Signatures, 1)
	assert.Equal(t, holder.PublicKey(), tx.Message.AccountKeys[0])
}

func TestTransferCustody_EncodesNextHolder(t *testing.T) {
	client := newFakeClient()
	orch := newTestOrchestrator(t, client)
	holder := newSigner(t)
	next := solana.NewWallet().PublicKey()

	_, err := orch.TransferCustody(context.Background(), solana.NewWallet().PublicKey(), holder, next)
	require.NoError(t, err)

	tx := client.sent[0]
	data := tx.Message.Instructions[0].Data
	require.NotEmpty(t, data)
	assert.Equal(t, tagTransferCustody, uint8(data[0]))
	// Borsh lays the next holder's 32 bytes right after the tag.
	assert.Equal(t, next[:], []byte(data[1:33]))
}

func TestFinalizeBatch_SignedByBrandOwner(t *testing.T) {
	client := newFakeClient()
	orch := newTestOrchestrator(t, client)
	brandOwner := newSigner(t)

	_, err := orch.FinalizeBatch(context.Background(), solana.NewWallet().PublicKey(), brandOwner)
	require.NoError(t, err)

	tx := client.sent[0]
	assert.Equal(t, tagFinalizeBatch, uint8(tx.Message.Instructions[0].Data[0]))
	assert.Len(t, tx.Signatures, 1)
}

func TestSubmit_SendFailureIsRPCUnavailable(t *testing.T) {
	client := newFakeClient()
	client.sendErr = errors.New("connection refused")
	orch := newTestOrchestrator(t, client)

	_, err := orch.AddStage(context.Background(), solana.NewWallet().PublicKey(),
		newSigner(t), "roasting", "", "roaster")

	var ledgerErr *Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeRPCUnavailable, ledgerErr.Code)
	assert.True(t, ledgerErr.Retryable())
}

func TestSubmit_OnChainFailureIsRejected(t *testing.T) {
	client := newFakeClient()
	client.statusState = ConfirmationFailed
	orch := newTestOrchestrator(t, client)

	_, err := orch.AddStage(context.Background(), solana.NewWallet().PublicKey(),
		newSigner(t), "roasting", "", "roaster")

	var ledgerErr *Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeRejected, ledgerErr.Code)
	assert.False(t, ledgerErr.Retryable())
}

func TestAwaitFinalized_EventualFinality(t *testing.T) {
	client := newFakeClient()
	client.statusSeq = []ConfirmationState{
		ConfirmationPending,
		ConfirmationConfirmed,
		ConfirmationFinalized,
	}
	orch := newTestOrchestrator(t, client)

	_, err := orch.FinalizeBatch(context.Background(), solana.NewWallet().PublicKey(), newSigner(t))
	require.NoError(t, err)
}

func TestAwaitFinalized_TimeoutWithoutSighting(t *testing.T) {
	client := newFakeClient()
	client.statusState = ConfirmationPending
	orch := newTestOrchestrator(t, client)
	orch.cfg.ConfirmTimeout = 20 * time.Millisecond

	_, err := orch.FinalizeBatch(context.Background(), solana.NewWallet().PublicKey(), newSigner(t))

	var ledgerErr *Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeBlockhashExpired, ledgerErr.Code)
}

func TestAwaitFinalized_ContextCancellation(t *testing.T) {
	client := newFakeClient()
	client.statusSeq = []ConfirmationState{ConfirmationConfirmed}
	client.statusState = ConfirmationConfirmed
	orch := newTestOrchestrator(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := orch.FinalizeBatch(ctx, solana.NewWallet().PublicKey(), newSigner(t))
	var ledgerErr *Error
	require.ErrorAs(t, err, &ledgerErr)
	assert.Equal(t, CodeConfirmationTimeout, ledgerErr.Code)
}
