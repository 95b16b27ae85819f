package custody

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/beantrace/custody/pkg/funding"
	"github.com/beantrace/custody/pkg/keyvault"
	"github.com/beantrace/custody/pkg/ledger"
)

// CreateBatchHandler handles POST /api/v1/batches.
func CreateBatchHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}

		var req CreateBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		result, err := c.CreateBatch(r.Context(), caller, &req)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

// AddStageHandler handles POST /api/v1/batches/{offchainId}/stages.
func AddStageHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		batchID := chi.URLParam(r, "offchainId")

		var req AddStageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		result, err := c.AddStage(r.Context(), caller, batchID, &req)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

// TransferCustodyHandler handles POST /api/v1/batches/{offchainId}/transfer.
func TransferCustodyHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		batchID := chi.URLParam(r, "offchainId")

		var req TransferCustodyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		result, err := c.TransferCustody(r.Context(), caller, batchID, &req)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// FinalizeBatchHandler handles POST /api/v1/batches/{offchainId}/finalize.
func FinalizeBatchHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}
		batchID := chi.URLParam(r, "offchainId")

		result, err := c.FinalizeBatch(r.Context(), caller, batchID)
		if err != nil {
			writeOperationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// batchDetail is the read model served by GetBatchHandler.
type batchDetail struct {
	Batch        *BatchRecord        `json:"batch"`
	StageLogs    []StageLogRecord    `json:"stageLogs"`
	Participants []ParticipantRecord `json:"participants"`
}

// GetBatchHandler handles GET /api/v1/batches/{offchainId}.
func GetBatchHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "offchainId")

		batch, err := store.GetBatch(batchID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load batch: %v", err))
			return
		}
		if batch == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("batch %q not found", batchID))
			return
		}

		stages, err := store.ListStageLogs(batchID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load stage logs: %v", err))
			return
		}
		participants, err := store.ListParticipants(batchID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load participants: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, batchDetail{
			Batch:        batch,
			StageLogs:    stages,
			Participants: participants,
		})
	}
}

// GetBatchAuditHandler handles GET /api/v1/batches/{offchainId}/audit.
func GetBatchAuditHandler(audit *AuditStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "offchainId")

		events, err := audit.ListByBatch(batchID, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list audit events: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// CreateAccountHandler handles POST /api/v1/accounts: custodial onboarding
// for the authenticated caller.
func CreateAccountHandler(vault *keyvault.Vault) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing caller identity")
			return
		}

		record, err := vault.CreateAccount(caller.UserID)
		if err != nil {
			writeError(w, http.StatusConflict, fmt.Sprintf("failed to create custodial account: %v", err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"userId":    record.UserID,
			"publicKey": record.PublicKey,
		})
	}
}

// writeOperationError maps coordinator failures onto the HTTP surface. A
// MirrorSyncError must carry the confirmed transaction reference so the
// caller knows the ledger advanced.
func writeOperationError(w http.ResponseWriter, err error) {
	var authErr *AuthorizationError
	if errors.As(err, &authErr) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": authErr.Message,
			"code":  authErr.Code,
		})
		return
	}

	var transitionErr *TransitionError
	if errors.As(err, &transitionErr) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": transitionErr.Message,
			"code":  transitionErr.Code,
		})
		return
	}

	var mirrorErr *MirrorSyncError
	if errors.As(err, &mirrorErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":           mirrorErr.Error(),
			"code":            "MIRROR_SYNC_FAILED",
			"ledgerCommitted": true,
			"txSignature":     mirrorErr.TxSignature,
		})
		return
	}

	var ledgerErr *ledger.Error
	if errors.As(err, &ledgerErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     ledgerErr.Error(),
			"code":      ledgerErr.Code,
			"retryable": ledgerErr.Retryable(),
		})
		return
	}

	var balanceErr *funding.BalanceQueryError
	var transferErr *funding.TransferError
	if errors.As(err, &balanceErr) || errors.As(err, &transferErr) {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":     err.Error(),
			"code":      "FUNDING_FAILED",
			"retryable": true,
		})
		return
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, ErrBatchNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBatchExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, keyvault.ErrKeyNotFound):
		writeError(w, http.StatusNotFound, "no custodial account for caller")
	case errors.Is(err, keyvault.ErrDecryptFailed):
		writeError(w, http.StatusInternalServerError, "custodial key could not be decrypted")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
