package models

import (
	"fmt"
	"time"
)

// BotLifecycleState is the supervisor-tracked run state of a BotRunner.
type BotLifecycleState string

const (
	// StateIdle indicates the bot has been registered but never started.
	StateIdle BotLifecycleState = "idle"
	// StateRunning indicates the bot's scheduler loop is ticking.
	StateRunning BotLifecycleState = "running"
	// StateStopping indicates a stop has been requested but the current tick
	// has not yet finished.
	StateStopping BotLifecycleState = "stopping"
	// StateStopped indicates the scheduler loop has exited cleanly.
	StateStopped BotLifecycleState = "stopped"
	// StateRestarting indicates a stop-then-start cycle is in progress.
	StateRestarting BotLifecycleState = "restarting"
	// StateError indicates the bot halted after exceeding its consecutive
	// tick-error budget or on an authentication failure, and needs operator
	// intervention.
	StateError BotLifecycleState = "error"
)

// StateTransition defines one valid (from, to, condition) edge.
type StateTransition struct {
	From        BotLifecycleState
	To          BotLifecycleState
	Condition   string
	Description string
}

// ValidTransitions enumerates every legal bot lifecycle edge.
var ValidTransitions = []StateTransition{
	{StateIdle, StateRunning, "start_requested", "Supervisor started the bot for the first time"},
	{StateRunning, StateStopping, "stop_requested", "Stop requested, draining current tick"},
	{StateStopping, StateStopped, "drain_complete", "Current tick finished, loop exited"},
	{StateRunning, StateError, "error_budget_exceeded", "Too many consecutive tick errors"},
	{StateRunning, StateError, "auth_fatal", "Authentication/authorization failure, fatal for the bot"},
	{StateStopped, StateRunning, "start_requested", "Bot restarted from stopped"},
	{StateStopped, StateRestarting, "restart_requested", "Restart requested from stopped"},
	{StateRunning, StateRestarting, "restart_requested", "Restart requested while running"},
	{StateRestarting, StateRunning, "restart_complete", "Restart finished, loop running again"},
	{StateError, StateIdle, "manual_reset", "Operator cleared the error state"},
	{StateError, StateRestarting, "restart_requested", "Restart requested from error state"},
}

var transitionLookup map[BotLifecycleState]map[BotLifecycleState]map[string]bool

func init() {
	transitionLookup = make(map[BotLifecycleState]map[BotLifecycleState]map[string]bool)
	for _, t := range ValidTransitions {
		if transitionLookup[t.From] == nil {
			transitionLookup[t.From] = make(map[BotLifecycleState]map[string]bool)
		}
		if transitionLookup[t.From][t.To] == nil {
			transitionLookup[t.From][t.To] = make(map[string]bool)
		}
		transitionLookup[t.From][t.To][t.Condition] = true
	}
}

// StateMachine tracks a single bot's lifecycle state and transition history.
type StateMachine struct {
	currentState     BotLifecycleState
	previousState    BotLifecycleState
	transitionTime   time.Time
	transitionCount  map[BotLifecycleState]int
	consecutiveErrs  int
	maxConsecutiveErrs int
}

// NewStateMachine creates a state machine starting at StateIdle with a
// default consecutive-tick-error budget of 5.
func NewStateMachine() *StateMachine {
	return NewStateMachineWithLimit(5)
}

// NewStateMachineWithLimit creates a state machine with a configurable
// consecutive-error budget before it auto-transitions to StateError.
func NewStateMachineWithLimit(maxConsecutiveErrs int) *StateMachine {
	return &StateMachine{
		currentState:       StateIdle,
		previousState:      StateIdle,
		transitionTime:     time.Now().UTC(),
		transitionCount:    make(map[BotLifecycleState]int),
		maxConsecutiveErrs: maxConsecutiveErrs,
	}
}

// NewStateMachineFromState restores a state machine to a specific state,
// with that state's transition count set to 1.
func NewStateMachineFromState(state BotLifecycleState) *StateMachine {
	sm := NewStateMachine()
	sm.currentState = state
	sm.previousState = state
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[state] = 1
	return sm
}

// CurrentState returns the current state.
func (sm *StateMachine) CurrentState() BotLifecycleState { return sm.currentState }

// PreviousState returns the state before the last transition.
func (sm *StateMachine) PreviousState() BotLifecycleState { return sm.previousState }

// IsValidTransition reports whether (to, condition) is a legal edge from
// the current state.
func (sm *StateMachine) IsValidTransition(to BotLifecycleState, condition string) error {
	if fromMap, ok := transitionLookup[sm.currentState]; ok {
		if toMap, ok := fromMap[to]; ok {
			if _, ok := toMap[condition]; ok {
				return nil
			}
		}
	}
	return fmt.Errorf("invalid bot lifecycle transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state, recording the transition time and count.
func (sm *StateMachine) Transition(to BotLifecycleState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	if to == StateRunning {
		sm.consecutiveErrs = 0
	}
	return nil
}

// RecordTickError increments the consecutive-error counter and, once it
// reaches the configured budget, transitions the machine to StateError.
// Returns true if the error budget was just exceeded.
func (sm *StateMachine) RecordTickError() (bool, error) {
	sm.consecutiveErrs++
	if sm.consecutiveErrs >= sm.maxConsecutiveErrs && sm.currentState == StateRunning {
		if err := sm.Transition(StateError, "error_budget_exceeded"); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RecordAuthFailure transitions the machine straight to StateError,
// bypassing the consecutive-error budget entirely: spec.md §7 classifies
// Auth as immediately fatal for the bot, never retried like a transient
// fault. A no-op if the bot isn't currently running (e.g. already stopping).
func (sm *StateMachine) RecordAuthFailure() error {
	if sm.currentState != StateRunning {
		return nil
	}
	return sm.Transition(StateError, "auth_fatal")
}

// RecordTickSuccess resets the consecutive-error counter.
func (sm *StateMachine) RecordTickSuccess() {
	sm.consecutiveErrs = 0
}

// ConsecutiveErrors returns how many consecutive tick failures have been
// recorded since the last success or state entry.
func (sm *StateMachine) ConsecutiveErrors() int { return sm.consecutiveErrs }

// GetTransitionCount returns how many times the machine has entered state.
func (sm *StateMachine) GetTransitionCount(state BotLifecycleState) int {
	return sm.transitionCount[state]
}

// Copy returns a deep copy of the state machine.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	cp := &StateMachine{
		currentState:       sm.currentState,
		previousState:      sm.previousState,
		transitionTime:      sm.transitionTime,
		consecutiveErrs:     sm.consecutiveErrs,
		maxConsecutiveErrs:  sm.maxConsecutiveErrs,
	}
	cp.transitionCount = make(map[BotLifecycleState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
