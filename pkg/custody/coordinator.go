package custody

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/beantrace/custody/pkg/funding"
	"github.com/beantrace/custody/pkg/keyvault"
	"github.com/beantrace/custody/pkg/ledger"
)

// SyncKind identifies which mirror write a reconciliation job replays.
type SyncKind string

const (
	SyncKindBatch    SyncKind = "batch"
	SyncKindStageLog SyncKind = "stage_log"
	SyncKindHolder   SyncKind = "holder"
	SyncKindStatus   SyncKind = "status"
)

// SyncRequest is the replayable description of a mirror write whose ledger
// transaction has already confirmed.
type SyncRequest struct {
	BatchID     string    `json:"batchId"`
	Kind        SyncKind  `json:"kind"`
	TxSignature string    `json:"txSignature"`
	Batch       *BatchRecord    `json:"batch,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	StageLog    *StageLogRecord `json:"stageLog,omitempty"`
	HolderKey   string          `json:"holderKey,omitempty"`
	Status      BatchStatus     `json:"status,omitempty"`
}

// SyncEnqueuer queues a sync request for background replay. Implemented by
// the syncjobs package; defined here to avoid a circular dependency.
type SyncEnqueuer interface {
	EnqueueSync(ctx context.Context, req SyncRequest) error
}

// CreateBatchRequest carries the create-batch operation's inputs.
type CreateBatchRequest struct {
	OffchainID             string   `json:"offchainId"`
	BrandID                string   `json:"brandId"`
	ProducerName           string   `json:"producerName"`
	InitialHolderPublicKey string   `json:"initialHolderPublicKey"`
	ParticipantPublicKeys  []string `json:"participantPublicKeys"`
}

// AddStageRequest carries the add-stage operation's inputs. Metadata is
// opaque to the engine.
type AddStageRequest struct {
	StageName   string  `json:"stageName"`
	PartnerType string  `json:"partnerType"`
	Metadata    JSONMap `json:"metadata"`
	ContentRef  string  `json:"contentRef"`
}

// TransferCustodyRequest carries the transfer-custody operation's inputs.
type TransferCustodyRequest struct {
	NextHolderPublicKey string `json:"nextHolderPublicKey"`
}

// BatchResult is the outcome of a successful transition: the mirror record
// and the confirmed ledger transaction reference.
type BatchResult struct {
	Batch       *BatchRecord `json:"batch"`
	StageLog    *StageLogRecord `json:"stageLog,omitempty"`
	TxSignature string       `json:"txSignature"`
}

// Coordinator drives the batch lifecycle: it validates the caller's
// authority against the mirror's last-known state, submits the ledger
// transaction, and projects the confirmed result into the mirror. The ledger
// call always comes first; a mirror write is only meaningful once the fact
// it describes is durably true.
type Coordinator struct {
	vault    *keyvault.Vault
	accounts *keyvault.Store
	guard    *funding.Guard
	orch     *ledger.Orchestrator
	store    *Store
	machine  *LifecycleMachine
	audit    *AuditStore
	sync     SyncEnqueuer
	logger   *slog.Logger

	// batchLocks serializes ledger+mirror sequences per batch so concurrent
	// stage appends cannot race on the mirror's stage counter. The store's
	// compare-and-set is the backstop across processes.
	batchLocks sync.Map
}

// NewCoordinator creates a Coordinator. The sync enqueuer may be nil, in
// which case mirror repair is left to the operator.
func NewCoordinator(vault *keyvault.Vault, accounts *keyvault.Store, guard *funding.Guard, orch *ledger.Orchestrator, store *Store, audit *AuditStore, sync SyncEnqueuer, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		vault:    vault,
		accounts: accounts,
		guard:    guard,
		orch:     orch,
		store:    store,
		machine:  NewLifecycleMachine(),
		audit:    audit,
		sync:     sync,
		logger:   logger,
	}
}

func (c *Coordinator) lockBatch(offchainID string) *sync.Mutex {
	mu, _ := c.batchLocks.LoadOrStore(offchainID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// CreateBatch creates the batch on the ledger and mirrors it. Only a brand
// owner may create; the initial holder is registered as a participant even
// when omitted from the participant list.
func (c *Coordinator) CreateBatch(ctx context.Context, caller Identity, req *CreateBatchRequest) (*BatchResult, error) {
	if req.OffchainID == "" {
		return nil, &ValidationError{Message: "offchainId is required"}
	}
	if caller.Role != RoleBrandOwner {
		return nil, &AuthorizationError{
			Code:    AuthCodeRoleRequired,
			Message: fmt.Sprintf("role %q cannot create batches", caller.Role),
		}
	}

	initialHolder, err := solana.PublicKeyFromBase58(req.InitialHolderPublicKey)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid initialHolderPublicKey: %v", err)}
	}
	participants := req.ParticipantPublicKeys
	if !containsKey(participants, req.InitialHolderPublicKey) {
		participants = append(participants, req.InitialHolderPublicKey)
	}
	for _, key := range participants {
		if _, err := solana.PublicKeyFromBase58(key); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("invalid participant key %q: %v", key, err)}
		}
	}

	existing, err := c.store.GetBatch(req.OffchainID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("batch %q: %w", req.OffchainID, ErrBatchExists)
	}

	signer, err := c.vault.DecryptSigner(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	required, err := c.guard.RequiredForBatchCreation(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.guard.EnsureFunded(ctx, signer.PublicKey(), required); err != nil {
		return nil, err
	}

	batchKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate batch keypair: %w", err)
	}

	sig, err := c.orch.CreateBatch(ctx, batchKey, signer,
		req.OffchainID, req.ProducerName, req.BrandID, initialHolder)
	if err != nil {
		return nil, err
	}

	batch := &BatchRecord{
		OffchainID:       req.OffchainID,
		OnchainID:        batchKey.PublicKey().String(),
		BrandOwnerKey:    signer.PublicKey().String(),
		CurrentHolderKey: req.InitialHolderPublicKey,
		Status:           StatusProcessing,
		NextStageIndex:   0,
	}
	if err := c.store.InsertBatch(batch, participants); err != nil {
		return nil, c.mirrorFailure(ctx, caller, "create_batch", sig.String(), SyncRequest{
			BatchID:      req.OffchainID,
			Kind:         SyncKindBatch,
			TxSignature:  sig.String(),
			Batch:        batch,
			Participants: participants,
		}, err)
	}

	c.appendAudit(caller, EventBatchCreated, req.OffchainID, sig.String(), JSONMap{
		"onchainId":     batch.OnchainID,
		"initialHolder": req.InitialHolderPublicKey,
		"participants":  len(participants),
	})
	return &BatchResult{Batch: batch, TxSignature: sig.String()}, nil
}

// AddStage appends a stage to a processing batch. Only the current holder
// may add; the stage index is assigned from the mirror's counter and written
// with a compare-and-set.
func (c *Coordinator) AddStage(ctx context.Context, caller Identity, batchID string, req *AddStageRequest) (*BatchResult, error) {
	if req.StageName == "" {
		return nil, &ValidationError{Message: "stageName is required"}
	}

	mu := c.lockBatch(batchID)
	mu.Lock()
	defer mu.Unlock()

	batch, account, err := c.loadForHolder(batchID, caller)
	if err != nil {
		return nil, err
	}

	signer, batchAccount, err := c.prepareSigner(ctx, caller, batch)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	sig, err := c.orch.AddStage(ctx, batchAccount, signer, req.StageName, req.ContentRef, req.PartnerType)
	if err != nil {
		return nil, err
	}

	stageLog := &StageLogRecord{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		StageIndex:  batch.NextStageIndex,
		AddedByKey:  account.PublicKey,
		PartnerType: req.PartnerType,
		StageName:   req.StageName,
		Metadata:    req.Metadata,
		IpfsCID:     req.ContentRef,
		TxSignature: sig.String(),
	}
	if err := c.store.InsertStageLog(stageLog); err != nil {
		return nil, c.mirrorFailure(ctx, caller, "add_stage", sig.String(), SyncRequest{
			BatchID:     batchID,
			Kind:        SyncKindStageLog,
			TxSignature: sig.String(),
			StageLog:    stageLog,
		}, err)
	}
	batch.NextStageIndex++

	c.appendAudit(caller, EventStageAdded, batchID, sig.String(), JSONMap{
		"stageIndex": stageLog.StageIndex,
		"stageName":  req.StageName,
	})
	return &BatchResult{Batch: batch, StageLog: stageLog, TxSignature: sig.String()}, nil
}

// TransferCustody reassigns the batch's holder. Only the current holder may
// transfer, and only to a registered participant.
func (c *Coordinator) TransferCustody(ctx context.Context, caller Identity, batchID string, req *TransferCustodyRequest) (*BatchResult, error) {
	nextHolder, err := solana.PublicKeyFromBase58(req.NextHolderPublicKey)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid nextHolderPublicKey: %v", err)}
	}

	mu := c.lockBatch(batchID)
	mu.Lock()
	defer mu.Unlock()

	batch, _, err := c.loadForHolder(batchID, caller)
	if err != nil {
		return nil, err
	}

	isParticipant, err := c.store.IsParticipant(batchID, req.NextHolderPublicKey)
	if err != nil {
		return nil, err
	}
	if !isParticipant {
		return nil, &AuthorizationError{
			Code:    AuthCodeNotParticipant,
			Message: fmt.Sprintf("key %s is not a participant of batch %q", req.NextHolderPublicKey, batchID),
		}
	}

	signer, batchAccount, err := c.prepareSigner(ctx, caller, batch)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	sig, err := c.orch.TransferCustody(ctx, batchAccount, signer, nextHolder)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateHolder(batchID, req.NextHolderPublicKey); err != nil {
		return nil, c.mirrorFailure(ctx, caller, "transfer_custody", sig.String(), SyncRequest{
			BatchID:     batchID,
			Kind:        SyncKindHolder,
			TxSignature: sig.String(),
			HolderKey:   req.NextHolderPublicKey,
		}, err)
	}
	batch.CurrentHolderKey = req.NextHolderPublicKey

	c.appendAudit(caller, EventCustodyTransferred, batchID, sig.String(), JSONMap{
		"nextHolder": req.NextHolderPublicKey,
	})
	return &BatchResult{Batch: batch, TxSignature: sig.String()}, nil
}

// FinalizeBatch closes the batch. Only the brand owner may finalize,
// regardless of who currently holds custody.
func (c *Coordinator) FinalizeBatch(ctx context.Context, caller Identity, batchID string) (*BatchResult, error) {
	mu := c.lockBatch(batchID)
	mu.Lock()
	defer mu.Unlock()

	batch, err := c.loadBatch(batchID)
	if err != nil {
		return nil, err
	}
	if err := c.machine.ValidateTransition(batch.Status, StatusFinalized); err != nil {
		return nil, err
	}

	account, err := c.loadAccount(caller)
	if err != nil {
		return nil, err
	}
	if account.PublicKey != batch.BrandOwnerKey {
		return nil, &AuthorizationError{
			Code:    AuthCodeNotBrandOwner,
			Message: fmt.Sprintf("caller key does not match the brand owner of batch %q", batchID),
		}
	}

	signer, batchAccount, err := c.prepareSigner(ctx, caller, batch)
	if err != nil {
		return nil, err
	}
	defer signer.Zero()

	sig, err := c.orch.FinalizeBatch(ctx, batchAccount, signer)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateStatus(batchID, StatusFinalized); err != nil {
		return nil, c.mirrorFailure(ctx, caller, "finalize_batch", sig.String(), SyncRequest{
			BatchID:     batchID,
			Kind:        SyncKindStatus,
			TxSignature: sig.String(),
			Status:      StatusFinalized,
		}, err)
	}
	batch.Status = StatusFinalized

	c.appendAudit(caller, EventBatchFinalized, batchID, sig.String(), nil)
	return &BatchResult{Batch: batch, TxSignature: sig.String()}, nil
}

// loadBatch fetches the mirror row or fails with ErrBatchNotFound.
func (c *Coordinator) loadBatch(batchID string) (*BatchRecord, error) {
	batch, err := c.store.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %q: %w", batchID, ErrBatchNotFound)
	}
	return batch, nil
}

// loadAccount resolves the caller to a stored custodial account.
func (c *Coordinator) loadAccount(caller Identity) (*keyvault.CustodialAccountRecord, error) {
	account, err := c.accounts.Get(caller.UserID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("user %q: %w", caller.UserID, keyvault.ErrKeyNotFound)
	}
	return account, nil
}

// loadForHolder loads the batch, checks the processing state, and verifies
// the caller's custodial key is the batch's current holder.
func (c *Coordinator) loadForHolder(batchID string, caller Identity) (*BatchRecord, *keyvault.CustodialAccountRecord, error) {
	batch, err := c.loadBatch(batchID)
	if err != nil {
		return nil, nil, err
	}
	if err := c.machine.ValidateTransition(batch.Status, StatusProcessing); err != nil {
		return nil, nil, err
	}

	account, err := c.loadAccount(caller)
	if err != nil {
		return nil, nil, err
	}
	if account.PublicKey != batch.CurrentHolderKey {
		return nil, nil, &AuthorizationError{
			Code:    AuthCodeNotCurrentHolder,
			Message: fmt.Sprintf("caller key does not hold custody of batch %q", batchID),
		}
	}
	return batch, account, nil
}

// prepareSigner decrypts the caller's signer, funds it to the fee-adjacent
// signer minimum, and parses the batch's onchain address. The caller owns
// the returned signer.
func (c *Coordinator) prepareSigner(ctx context.Context, caller Identity, batch *BatchRecord) (*keyvault.Signer, solana.PublicKey, error) {
	signer, err := c.vault.DecryptSigner(ctx, caller.UserID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}

	if err := c.guard.EnsureFunded(ctx, signer.PublicKey(), c.guard.RequiredForSigner()); err != nil {
		signer.Zero()
		return nil, solana.PublicKey{}, err
	}

	batchAccount, err := solana.PublicKeyFromBase58(batch.OnchainID)
	if err != nil {
		signer.Zero()
		return nil, solana.PublicKey{}, fmt.Errorf("batch %q has invalid onchain id: %w", batch.OffchainID, err)
	}
	return signer, batchAccount, nil
}

// mirrorFailure handles the ledger-success/mirror-failure case: log loudly,
// queue a reconciliation replay, emit an audit event, and surface a
// MirrorSyncError so the caller sees that ledger state changed.
func (c *Coordinator) mirrorFailure(ctx context.Context, caller Identity, op, txSig string, req SyncRequest, err error) error {
	c.logger.Error("ledger transaction confirmed but mirror write failed",
		"op", op,
		"batchId", req.BatchID,
		"txSignature", txSig,
		"error", err)

	if c.sync != nil {
		if enqueueErr := c.sync.EnqueueSync(ctx, req); enqueueErr != nil {
			c.logger.Error("failed to enqueue mirror sync job; manual reconciliation required",
				"batchId", req.BatchID,
				"txSignature", txSig,
				"error", enqueueErr)
		}
	}

	c.appendAudit(caller, EventMirrorSyncFailed, req.BatchID, txSig, JSONMap{
		"op":    op,
		"error": err.Error(),
	})

	return &MirrorSyncError{BatchID: req.BatchID, Op: op, TxSignature: txSig, Err: err}
}

// appendAudit records an audit event. Audit is best-effort: a failed append
// is logged, never surfaced.
func (c *Coordinator) appendAudit(caller Identity, eventType, batchID, txSig string, detail JSONMap) {
	if c.audit == nil {
		return
	}
	event := &AuditEventRecord{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Actor:       caller.UserID,
		BatchID:     batchID,
		TxSignature: txSig,
		Outcome:     "success",
		Detail:      detail,
	}
	if eventType == EventMirrorSyncFailed {
		event.Outcome = "failure"
	}
	if err := c.audit.Append(event); err != nil {
		c.logger.Error("failed to append audit event", "eventType", eventType, "batchId", batchID, "error", err)
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
