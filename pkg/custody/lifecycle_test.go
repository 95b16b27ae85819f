package custody

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingAllowsFurtherTransitions(t *testing.T) {
	m := NewLifecycleMachine()

	assert.NoError(t, m.ValidateTransition(StatusProcessing, StatusProcessing))
	assert.NoError(t, m.ValidateTransition(StatusProcessing, StatusFinalized))
}

func TestFinalizedIsTerminal(t *testing.T) {
	m := NewLifecycleMachine()

	for _, to := range []BatchStatus{StatusProcessing, StatusFinalized} {
		err := m.ValidateTransition(StatusFinalized, to)
		require.Error(t, err)

		var terr *TransitionError
		require.True(t, errors.As(err, &terr))
		assert.Equal(t, "BATCH_FINALIZED", terr.Code)
		assert.Equal(t, StatusFinalized, terr.From)
	}
}

func TestUnknownTransitionRejected(t *testing.T) {
	m := NewLifecycleMachine()

	err := m.ValidateTransition(BatchStatus("shipped"), StatusFinalized)
	require.Error(t, err)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "BATCH_INVALID_TRANSITION", terr.Code)
}
