package custody

import "fmt"

// TransitionRule defines an allowed lifecycle transition. Stage appends and
// custody transfers keep a batch in processing; finalize is the only state
// change and is terminal.
type TransitionRule struct {
	From BatchStatus
	To   BatchStatus
}

// DefaultTransitions defines the allowed batch lifecycle transitions.
var DefaultTransitions = []TransitionRule{
	{From: StatusProcessing, To: StatusProcessing},
	{From: StatusProcessing, To: StatusFinalized},
}

// LifecycleMachine validates batch status transitions.
type LifecycleMachine struct {
	transitions []TransitionRule
}

// NewLifecycleMachine creates a machine with the default rules.
func NewLifecycleMachine() *LifecycleMachine {
	return &LifecycleMachine{transitions: DefaultTransitions}
}

// ValidateTransition checks if a transition from->to is allowed. Returns nil
// if allowed, an error with a machine-readable code if not.
func (m *LifecycleMachine) ValidateTransition(from, to BatchStatus) error {
	if from == StatusFinalized {
		return &TransitionError{
			Code:    "BATCH_FINALIZED",
			From:    from,
			To:      to,
			Message: "batch is finalized; no further transitions are allowed",
		}
	}

	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}

	return &TransitionError{
		Code:    "BATCH_INVALID_TRANSITION",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// TransitionError is a structured error for invalid transitions.
type TransitionError struct {
	Code    string      `json:"code"`
	From    BatchStatus `json:"from"`
	To      BatchStatus `json:"to"`
	Message string      `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
