package custody

import "fmt"

// Authorization error codes.
const (
	AuthCodeRoleRequired     = "AUTH_BRAND_OWNER_ROLE_REQUIRED"
	AuthCodeNotBrandOwner    = "AUTH_NOT_BRAND_OWNER"
	AuthCodeNotCurrentHolder = "AUTH_NOT_CURRENT_HOLDER"
	AuthCodeNotParticipant   = "AUTH_NOT_PARTICIPANT"
)

// AuthorizationError means the caller's role or key does not satisfy the
// guard for the requested transition. Checked against the mirror before any
// ledger spend; the ledger program remains the final arbiter of signatures.
type AuthorizationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError rejects a malformed request before any ledger work begins.
type ValidationError struct {
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

// MirrorSyncError means the ledger transaction confirmed but the mirror
// write failed: the ledger has advanced and the queryable view has not. The
// transaction signature identifies the confirmed fact so a reconciliation
// replay can repair the mirror. This must never be reported as success.
type MirrorSyncError struct {
	BatchID     string
	Op          string
	TxSignature string
	Err         error
}

func (e *MirrorSyncError) Error() string {
	return fmt.Sprintf("ledger committed %s for batch %q (tx %s) but mirror write failed: %v",
		e.Op, e.BatchID, e.TxSignature, e.Err)
}

func (e *MirrorSyncError) Unwrap() error { return e.Err }
