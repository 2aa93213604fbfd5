package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, StateIdle, sm.CurrentState())
	assert.Equal(t, StateIdle, sm.PreviousState())
}

func TestStateMachine_ValidTransitions(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateRunning, "start_requested"))
	assert.Equal(t, StateRunning, sm.CurrentState())
	assert.Equal(t, StateIdle, sm.PreviousState())

	require.NoError(t, sm.Transition(StateStopping, "stop_requested"))
	require.NoError(t, sm.Transition(StateStopped, "drain_complete"))
	assert.Equal(t, StateStopped, sm.CurrentState())
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(StateStopped, "drain_complete")
	assert.Error(t, err)
	assert.Equal(t, StateIdle, sm.CurrentState())
}

func TestStateMachine_ErrorBudget(t *testing.T) {
	sm := NewStateMachineWithLimit(3)
	require.NoError(t, sm.Transition(StateRunning, "start_requested"))

	var tripped bool
	var err error
	for i := 0; i < 3; i++ {
		tripped, err = sm.RecordTickError()
		require.NoError(t, err)
	}
	assert.True(t, tripped)
	assert.Equal(t, StateError, sm.CurrentState())
}

func TestStateMachine_RecordTickSuccessResetsCounter(t *testing.T) {
	sm := NewStateMachineWithLimit(3)
	require.NoError(t, sm.Transition(StateRunning, "start_requested"))
	_, err := sm.RecordTickError()
	require.NoError(t, err)
	_, err = sm.RecordTickError()
	require.NoError(t, err)
	sm.RecordTickSuccess()
	assert.Equal(t, 0, sm.ConsecutiveErrors())
	assert.Equal(t, StateRunning, sm.CurrentState())
}

func TestStateMachine_ErrorRecovery(t *testing.T) {
	sm := NewStateMachineWithLimit(1)
	require.NoError(t, sm.Transition(StateRunning, "start_requested"))
	tripped, err := sm.RecordTickError()
	require.NoError(t, err)
	require.True(t, tripped)

	require.NoError(t, sm.Transition(StateIdle, "manual_reset"))
	assert.Equal(t, StateIdle, sm.CurrentState())
}

func TestStateMachine_Copy(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateRunning, "start_requested"))
	cp := sm.Copy()
	require.NoError(t, cp.Transition(StateStopping, "stop_requested"))

	assert.Equal(t, StateRunning, sm.CurrentState())
	assert.Equal(t, StateStopping, cp.CurrentState())
}

func TestStateMachine_FromState(t *testing.T) {
	sm := NewStateMachineFromState(StateRunning)
	assert.Equal(t, StateRunning, sm.CurrentState())
	assert.Equal(t, 1, sm.GetTransitionCount(StateRunning))
}
