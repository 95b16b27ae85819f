// Package ledgertest provides an in-memory ledger.Client fake for tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/beantrace/custody/pkg/ledger"
)

// FakeClient is a configurable in-memory ledger.Client. Every submitted
// transaction is recorded and reports as finalized unless StatusState says
// otherwise.
type FakeClient struct {
	mu sync.Mutex

	Balances map[solana.PublicKey]uint64
	Rent     uint64

	BalanceErr   error
	RentErr      error
	BlockhashErr error
	SendErr      error
	StatusErr    error
	StatusState  ledger.ConfirmationState

	Sent    []*solana.Transaction
	nextSig uint64
}

// NewFakeClient creates a fake where every transaction finalizes immediately.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Balances:    make(map[solana.PublicKey]uint64),
		Rent:        2_000_000,
		StatusState: ledger.ConfirmationFinalized,
	}
}

func (f *FakeClient) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BalanceErr != nil {
		return 0, f.BalanceErr
	}
	return f.Balances[account], nil
}

func (f *FakeClient) MinimumBalanceForRentExemption(ctx context.Context, space uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RentErr != nil {
		return 0, f.RentErr
	}
	return f.Rent, nil
}

func (f *FakeClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if f.BlockhashErr != nil {
		return solana.Hash{}, f.BlockhashErr
	}
	return solana.Hash{1}, nil
}

func (f *FakeClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return solana.Signature{}, f.SendErr
	}
	f.Sent = append(f.Sent, tx)
	f.nextSig++
	var sig solana.Signature
	binary.LittleEndian.PutUint64(sig[:8], f.nextSig)
	return sig, nil
}

func (f *FakeClient) SignatureStatus(ctx context.Context, sig solana.Signature) (ledger.ConfirmationState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return ledger.ConfirmationPending, f.StatusErr
	}
	return f.StatusState, nil
}

// SentCount returns how many transactions were submitted.
func (f *FakeClient) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Sent)
}

// LastTransaction returns the most recently submitted transaction, or nil.
func (f *FakeClient) LastTransaction() *solana.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sent) == 0 {
		return nil
	}
	return f.Sent[len(f.Sent)-1]
}

// SystemTransferLamports decodes the lamport amount from a system transfer
// instruction's compiled data (u32 discriminator + u64 lamports).
func SystemTransferLamports(data []byte) uint64 {
	if len(data) < 12 {
		return 0
	}
	return binary.LittleEndian.Uint64(data[4:12])
}
