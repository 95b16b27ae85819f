package custody

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/beantrace/custody/pkg/funding"
	"github.com/beantrace/custody/pkg/keyvault"
	"github.com/beantrace/custody/pkg/ledger"
	"github.com/beantrace/custody/pkg/ledger/ledgertest"
)

// captureEnqueuer records sync requests for assertions.
type captureEnqueuer struct {
	requests []SyncRequest
	err      error
}

func (e *captureEnqueuer) EnqueueSync(ctx context.Context, req SyncRequest) error {
	if e.err != nil {
		return e.err
	}
	e.requests = append(e.requests, req)
	return nil
}

type testEnv struct {
	db     *gorm.DB
	client *ledgertest.FakeClient
	vault  *keyvault.Vault
	store  *Store
	audit  *AuditStore
	enq    *captureEnqueuer
	coord  *Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)

	accounts := keyvault.NewStore(db)
	require.NoError(t, accounts.AutoMigrate())
	vault, err := keyvault.NewVault(accounts, "test-vault-secret")
	require.NoError(t, err)

	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())
	audit := NewAuditStore(db)
	require.NoError(t, audit.AutoMigrate())

	treasury, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	cfg := &ledger.Config{
		RPCEndpoint:         "http://localhost:8899",
		ProgramID:           solana.NewWallet().PublicKey(),
		TreasuryKey:         treasury,
		ConfirmPollInterval: time.Millisecond,
		ConfirmTimeout:      time.Second,
	}
	require.NoError(t, cfg.Validate())

	client := ledgertest.NewFakeClient()
	guard := funding.NewGuard(client, cfg, nil)
	orch := ledger.NewOrchestrator(client, cfg, nil)
	enq := &captureEnqueuer{}

	return &testEnv{
		db:     db,
		client: client,
		vault:  vault,
		store:  store,
		audit:  audit,
		enq:    enq,
		coord:  NewCoordinator(vault, accounts, guard, orch, store, audit, enq, nil),
	}
}

// newUser provisions a custodial account and returns its public key.
func (env *testEnv) newUser(t *testing.T, userID string) string {
	t.Helper()
	account, err := env.vault.CreateAccount(userID)
	require.NoError(t, err)
	return account.PublicKey
}

func (env *testEnv) createBatch(t *testing.T, owner Identity, offchainID, holderKey string, participants []string) *BatchResult {
	t.Helper()
	result, err := env.coord.CreateBatch(context.Background(), owner, &CreateBatchRequest{
		OffchainID:             offchainID,
		BrandID:                "brand-1",
		ProducerName:           "Finca La Esperanza",
		InitialHolderPublicKey: holderKey,
		ParticipantPublicKeys:  participants,
	})
	require.NoError(t, err)
	return result
}

func TestCreateBatchRequiresBrandOwnerRole(t *testing.T) {
	env := newTestEnv(t)
	holder := env.newUser(t, "user-h1")

	_, err := env.coord.CreateBatch(context.Background(),
		Identity{UserID: "user-h1", Role: "partner"},
		&CreateBatchRequest{OffchainID: "B-1", InitialHolderPublicKey: holder})

	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthCodeRoleRequired, authErr.Code)
	assert.Equal(t, 0, env.client.SentCount(), "no ledger spend before authorization")
}

func TestCreateBatchValidation(t *testing.T) {
	env := newTestEnv(t)
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}
	env.newUser(t, "user-owner")

	var valErr *ValidationError

	_, err := env.coord.CreateBatch(context.Background(), owner, &CreateBatchRequest{
		InitialHolderPublicKey: env.newUser(t, "user-h1"),
	})
	require.True(t, errors.As(err, &valErr), "missing offchain id")

	_, err = env.coord.CreateBatch(context.Background(), owner, &CreateBatchRequest{
		OffchainID:             "B-1",
		InitialHolderPublicKey: "not-a-key",
	})
	require.True(t, errors.As(err, &valErr), "malformed holder key")

	_, err = env.coord.CreateBatch(context.Background(), owner, &CreateBatchRequest{
		OffchainID:             "B-1",
		InitialHolderPublicKey: env.newUser(t, "user-h2"),
		ParticipantPublicKeys:  []string{"also-not-a-key"},
	})
	require.True(t, errors.As(err, &valErr), "malformed participant key")
}

func TestCreateBatchMirrorsLedgerState(t *testing.T) {
	env := newTestEnv(t)
	ownerKey := env.newUser(t, "user-owner")
	h1 := env.newUser(t, "user-h1")
	h2 := env.newUser(t, "user-h2")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	result := env.createBatch(t, owner, "B-1", h1, []string{h1, h2})

	assert.NotEmpty(t, result.TxSignature)
	assert.Equal(t, ownerKey, result.Batch.BrandOwnerKey)
	assert.Equal(t, h1, result.Batch.CurrentHolderKey)
	assert.Equal(t, StatusProcessing, result.Batch.Status)
	assert.NotEmpty(t, result.Batch.OnchainID)

	batch, err := env.store.GetBatch("B-1")
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, result.Batch.OnchainID, batch.OnchainID)

	parts, err := env.store.ListParticipants("B-1")
	require.NoError(t, err)
	assert.Len(t, parts, 2)

	events, err := env.audit.ListByBatch("B-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventBatchCreated, events[0].EventType)
	assert.Equal(t, "user-owner", events[0].Actor)
}

func TestCreateBatchRegistersHolderAsParticipant(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	// Holder omitted from the participant list.
	env.createBatch(t, owner, "B-1", h1, nil)

	ok, err := env.store.IsParticipant("B-1", h1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateBatchTopsUpExactDeficit(t *testing.T) {
	env := newTestEnv(t)
	ownerKey := env.newUser(t, "user-owner")
	h1 := env.newUser(t, "user-h1")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	ownerPub := solana.MustPublicKeyFromBase58(ownerKey)
	env.client.Balances[ownerPub] = 500_000
	env.client.Rent = 2_000_000

	env.createBatch(t, owner, "B-1", h1, nil)

	// The top-up transfer precedes the batch creation transaction.
	require.Equal(t, 2, env.client.SentCount())
	transfer := env.client.Sent[0]
	required := env.client.Rent + ledger.DefaultFeeBufferLamports
	assert.Equal(t, required-500_000,
		ledgertest.SystemTransferLamports(transfer.Message.Instructions[0].Data))
}

func TestCreateBatchSkipsTopUpWhenFunded(t *testing.T) {
	env := newTestEnv(t)
	ownerKey := env.newUser(t, "user-owner")
	h1 := env.newUser(t, "user-h1")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	ownerPub := solana.MustPublicKeyFromBase58(ownerKey)
	env.client.Balances[ownerPub] = 100_000_000

	env.createBatch(t, owner, "B-1", h1, nil)

	assert.Equal(t, 1, env.client.SentCount(), "only the create transaction")
}

func TestCreateBatchDuplicateOffchainID(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, nil)

	_, err := env.coord.CreateBatch(context.Background(), owner, &CreateBatchRequest{
		OffchainID:             "B-1",
		InitialHolderPublicKey: h1,
	})
	require.ErrorIs(t, err, ErrBatchExists)
}

func TestCreateBatchUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")

	_, err := env.coord.CreateBatch(context.Background(),
		Identity{UserID: "user-ghost", Role: RoleBrandOwner},
		&CreateBatchRequest{OffchainID: "B-1", InitialHolderPublicKey: h1})
	require.ErrorIs(t, err, keyvault.ErrKeyNotFound)
}

func TestAddStageOnlyByCurrentHolder(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	h2 := env.newUser(t, "user-h2")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, []string{h1, h2})

	_, err := env.coord.AddStage(context.Background(),
		Identity{UserID: "user-h2"}, "B-1", &AddStageRequest{StageName: "roasting"})

	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthCodeNotCurrentHolder, authErr.Code)
}

func TestAddStageAssignsContiguousIndices(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}
	holder := Identity{UserID: "user-h1"}

	env.createBatch(t, owner, "B-1", h1, nil)

	first, err := env.coord.AddStage(context.Background(), holder, "B-1", &AddStageRequest{
		StageName:   "harvest",
		PartnerType: "producer",
		Metadata:    JSONMap{"lot": "A-12"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, first.StageLog.StageIndex)

	second, err := env.coord.AddStage(context.Background(), holder, "B-1", &AddStageRequest{
		StageName:  "drying",
		ContentRef: "bafybeigdyrzt5example",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.StageLog.StageIndex)
	assert.NotEqual(t, first.TxSignature, second.TxSignature)

	logs, err := env.store.ListStageLogs("B-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "harvest", logs[0].StageName)
	assert.Equal(t, "bafybeigdyrzt5example", logs[1].IpfsCID)
}

func TestAddStageConcurrentCallsYieldContiguousIndices(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}
	holder := Identity{UserID: "user-h1"}

	env.createBatch(t, owner, "B-1", h1, nil)
	env.client.Balances[solana.MustPublicKeyFromBase58(h1)] = 10_000_000

	// The per-batch mutex serializes racing appends, so every call lands
	// and the compare-and-set never fires in-process.
	const appends = 6
	results := make([]*BatchResult, appends)
	errs := make([]error, appends)
	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.coord.AddStage(context.Background(), holder, "B-1", &AddStageRequest{
				StageName:   fmt.Sprintf("stage-%d", i),
				PartnerType: "processor",
			})
		}(i)
	}
	wg.Wait()

	indices := make([]int, 0, appends)
	for i := 0; i < appends; i++ {
		require.NoError(t, errs[i])
		indices = append(indices, results[i].StageLog.StageIndex)
	}
	sort.Ints(indices)
	for i, idx := range indices {
		assert.Equal(t, i, idx)
	}

	logs, err := env.store.ListStageLogs("B-1")
	require.NoError(t, err)
	require.Len(t, logs, appends)
	for i, log := range logs {
		assert.Equal(t, i, log.StageIndex)
	}

	batch, err := env.store.GetBatch("B-1")
	require.NoError(t, err)
	assert.Equal(t, appends, batch.NextStageIndex)
}

func TestAddStageLedgerFailureLeavesMirrorUntouched(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, nil)

	// Keep the holder funded so the only send is the stage transaction.
	env.client.Balances[solana.MustPublicKeyFromBase58(h1)] = 10_000_000
	env.client.SendErr = errors.New("connection refused")
	_, err := env.coord.AddStage(context.Background(),
		Identity{UserID: "user-h1"}, "B-1", &AddStageRequest{StageName: "roasting"})

	var lerr *ledger.Error
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, ledger.CodeRPCUnavailable, lerr.Code)
	assert.True(t, lerr.Retryable())

	batch, err := env.store.GetBatch("B-1")
	require.NoError(t, err)
	assert.Equal(t, 0, batch.NextStageIndex, "mirror must not advance on ledger failure")
	assert.Empty(t, env.enq.requests, "nothing to reconcile when the ledger did not commit")
}

func TestAddStageMirrorFailureQueuesReconciliation(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, nil)

	// The ledger transaction confirms but the mirror write cannot land.
	require.NoError(t, env.db.Migrator().DropTable(&StageLogRecord{}))

	_, err := env.coord.AddStage(context.Background(),
		Identity{UserID: "user-h1"}, "B-1", &AddStageRequest{StageName: "roasting"})

	var syncErr *MirrorSyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "add_stage", syncErr.Op)
	assert.NotEmpty(t, syncErr.TxSignature)

	require.Len(t, env.enq.requests, 1)
	req := env.enq.requests[0]
	assert.Equal(t, SyncKindStageLog, req.Kind)
	assert.Equal(t, syncErr.TxSignature, req.TxSignature)
	require.NotNil(t, req.StageLog)
	assert.Equal(t, "roasting", req.StageLog.StageName)

	events, listErr := env.audit.ListByBatch("B-1", 10)
	require.NoError(t, listErr)
	require.NotEmpty(t, events)
	assert.Equal(t, EventMirrorSyncFailed, events[0].EventType)
	assert.Equal(t, "failure", events[0].Outcome)
}

func TestTransferCustodyRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, nil)

	outsider := solana.NewWallet().PublicKey().String()
	_, err := env.coord.TransferCustody(context.Background(),
		Identity{UserID: "user-h1"}, "B-1", &TransferCustodyRequest{NextHolderPublicKey: outsider})

	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthCodeNotParticipant, authErr.Code)
}

func TestFinalizeOnlyByBrandOwnerKey(t *testing.T) {
	env := newTestEnv(t)
	h1 := env.newUser(t, "user-h1")
	env.newUser(t, "user-owner")
	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}

	env.createBatch(t, owner, "B-1", h1, nil)

	_, err := env.coord.FinalizeBatch(context.Background(), Identity{UserID: "user-h1"}, "B-1")

	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthCodeNotBrandOwner, authErr.Code)
}

// TestBatchJourney walks a batch through its full lifecycle: creation by the
// brand owner, a stage append, a custody hand-off, a further append by the
// new holder, and finalization.
func TestBatchJourney(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.newUser(t, "user-owner")
	h1Key := env.newUser(t, "user-h1")
	h2Key := env.newUser(t, "user-h2")

	owner := Identity{UserID: "user-owner", Role: RoleBrandOwner}
	h1 := Identity{UserID: "user-h1", Role: "partner"}
	h2 := Identity{UserID: "user-h2", Role: "partner"}

	env.createBatch(t, owner, "B-1", h1Key, []string{h1Key, h2Key})

	_, err := env.coord.AddStage(ctx, h1, "B-1", &AddStageRequest{
		StageName:   "harvest",
		PartnerType: "producer",
	})
	require.NoError(t, err)

	transfer, err := env.coord.TransferCustody(ctx, h1, "B-1", &TransferCustodyRequest{
		NextHolderPublicKey: h2Key,
	})
	require.NoError(t, err)
	assert.Equal(t, h2Key, transfer.Batch.CurrentHolderKey)

	// The previous holder lost append rights with custody.
	_, err = env.coord.AddStage(ctx, h1, "B-1", &AddStageRequest{StageName: "roasting"})
	var authErr *AuthorizationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, AuthCodeNotCurrentHolder, authErr.Code)

	second, err := env.coord.AddStage(ctx, h2, "B-1", &AddStageRequest{
		StageName:   "roasting",
		PartnerType: "roaster",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.StageLog.StageIndex)

	final, err := env.coord.FinalizeBatch(ctx, owner, "B-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, final.Batch.Status)

	// Finalized is terminal: no appends, no transfers.
	_, err = env.coord.AddStage(ctx, h2, "B-1", &AddStageRequest{StageName: "shipping"})
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "BATCH_FINALIZED", terr.Code)

	_, err = env.coord.TransferCustody(ctx, h2, "B-1", &TransferCustodyRequest{NextHolderPublicKey: h1Key})
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "BATCH_FINALIZED", terr.Code)

	// A finalize replay is rejected at the state machine, not the ledger.
	sent := env.client.SentCount()
	_, err = env.coord.FinalizeBatch(ctx, owner, "B-1")
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, sent, env.client.SentCount())

	batch, err := env.store.GetBatch("B-1")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.NextStageIndex)
	assert.Equal(t, h2Key, batch.CurrentHolderKey)
	assert.Equal(t, StatusFinalized, batch.Status)
}
