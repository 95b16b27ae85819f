package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Error codes for ledger failures.
const (
	CodeRejected            = "LEDGER_INSTRUCTION_REJECTED"
	CodeBlockhashExpired    = "LEDGER_BLOCKHASH_EXPIRED"
	CodeRPCUnavailable      = "LEDGER_RPC_UNAVAILABLE"
	CodeConfirmationTimeout = "LEDGER_CONFIRMATION_TIMEOUT"
)

// Error is a structured ledger failure. Signature is set when the
// transaction was submitted before the failure was observed.
type Error struct {
	Code      string
	Op        string
	Signature solana.Signature
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ledger %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("ledger %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether resubmitting the same operation is safe from the
// ledger program's point of view. Batch creation is not: a resubmission would
// try to recreate an already-created account.
func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeRPCUnavailable, CodeBlockhashExpired:
		return true
	}
	return false
}
