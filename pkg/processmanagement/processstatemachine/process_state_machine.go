package processstatemachine

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
)

// ProcessState represents the supervision state of a process
type ProcessState string

const (
	// ProcessStateDisabled means supervision is suspended; liveness is ignored
	ProcessStateDisabled ProcessState = "disabled"

	// ProcessStateStopped means the process is not observed alive
	ProcessStateStopped ProcessState = "stopped"

	// ProcessStateRunning means the process is observed alive
	ProcessStateRunning ProcessState = "running"
)

// MaxTransitionHistory bounds the transition history kept per process
const MaxTransitionHistory = 64

// ParseProcessState converts a state name into a ProcessState
func ParseProcessState(state string) (ProcessState, error) {
	switch ProcessState(state) {
	case ProcessStateDisabled, ProcessStateStopped, ProcessStateRunning:
		return ProcessState(state), nil
	default:
		return "", errors.NewValidationError(fmt.Sprintf("unknown process state: '%s'", state), nil).
			WithContext("valid_states", "disabled, stopped, running")
	}
}

// ProcessStateTransition represents a state transition with metadata
type ProcessStateTransition struct {
	From      ProcessState
	To        ProcessState
	Operation string
	Timestamp time.Time
	Error     error
}

// ProcessStateMachine manages process state transitions with validation
type ProcessStateMachine struct {
	processID        string
	currentState     ProcessState
	transitions      []ProcessStateTransition
	transitionCount  int
	validTransitions map[ProcessState][]ProcessState
	mutex            sync.RWMutex
	logger           logging.Logger
}

// NewProcessStateMachine creates a state machine starting in initial
func NewProcessStateMachine(processID string, initial ProcessState, logger logging.Logger) *ProcessStateMachine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	psm := &ProcessStateMachine{
		processID:    processID,
		currentState: initial,
		transitions:  make([]ProcessStateTransition, 0),
		logger:       logger,
	}

	psm.validTransitions = map[ProcessState][]ProcessState{
		ProcessStateStopped: {
			ProcessStateRunning,  // observed alive
			ProcessStateDisabled, // disable
		},
		ProcessStateRunning: {
			ProcessStateStopped,  // stop or crash
			ProcessStateDisabled, // disable
		},
		ProcessStateDisabled: {
			ProcessStateStopped, // restore
			ProcessStateRunning, // restore
		},
	}

	return psm
}

// GetCurrentState returns the current state (thread-safe)
func (psm *ProcessStateMachine) GetCurrentState() ProcessState {
	psm.mutex.RLock()
	defer psm.mutex.RUnlock()
	return psm.currentState
}

// CanTransition checks if a state transition is valid (thread-safe)
func (psm *ProcessStateMachine) CanTransition(to ProcessState) bool {
	psm.mutex.RLock()
	defer psm.mutex.RUnlock()
	return psm.canTransitionUnsafe(to)
}

// Transition changes the process state with validation (thread-safe).
// A transition to the current state is a no-op and is not recorded.
// The returned bool reports whether the state actually changed.
func (psm *ProcessStateMachine) Transition(to ProcessState, operation string, err error) (bool, error) {
	psm.mutex.Lock()
	defer psm.mutex.Unlock()

	if psm.currentState == to {
		return false, nil
	}

	if !psm.canTransitionUnsafe(to) {
		return false, errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", psm.currentState, to),
			nil,
		).WithContext("process_id", psm.processID).
			WithContext("from_state", string(psm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := psm.currentState
	transition := ProcessStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	}

	psm.transitions = append(psm.transitions, transition)
	if len(psm.transitions) > MaxTransitionHistory {
		psm.transitions = append(psm.transitions[:0:0], psm.transitions[len(psm.transitions)-MaxTransitionHistory:]...)
	}
	psm.transitionCount++
	psm.currentState = to

	if err != nil {
		psm.logger.Warnf("Process state transition, process: %s, %s->%s, operation: %s, error: %v",
			psm.processID, from, to, operation, err)
	} else {
		psm.logger.Infof("Process state transition, process: %s, %s->%s, operation: %s",
			psm.processID, from, to, operation)
	}

	return true, nil
}

// canTransitionUnsafe checks transition validity without locking (internal use)
func (psm *ProcessStateMachine) canTransitionUnsafe(to ProcessState) bool {
	validStates, exists := psm.validTransitions[psm.currentState]
	if !exists {
		return false
	}

	for _, validState := range validStates {
		if validState == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns the most recent transitions, oldest first (thread-safe)
func (psm *ProcessStateMachine) GetTransitionHistory() []ProcessStateTransition {
	psm.mutex.RLock()
	defer psm.mutex.RUnlock()

	history := make([]ProcessStateTransition, len(psm.transitions))
	copy(history, psm.transitions)
	return history
}

// GetStateInfo returns comprehensive state information
func (psm *ProcessStateMachine) GetStateInfo() ProcessStateInfo {
	psm.mutex.RLock()
	defer psm.mutex.RUnlock()

	var lastTransition *ProcessStateTransition
	if len(psm.transitions) > 0 {
		last := psm.transitions[len(psm.transitions)-1]
		lastTransition = &last
	}

	return ProcessStateInfo{
		ProcessID:       psm.processID,
		CurrentState:    psm.currentState,
		LastTransition:  lastTransition,
		TransitionCount: psm.transitionCount,
		ValidNextStates: psm.getValidNextStatesUnsafe(),
	}
}

// getValidNextStatesUnsafe returns valid next states without locking (internal use)
func (psm *ProcessStateMachine) getValidNextStatesUnsafe() []ProcessState {
	validStates, exists := psm.validTransitions[psm.currentState]
	if !exists {
		return []ProcessState{}
	}

	nextStates := make([]ProcessState, len(validStates))
	copy(nextStates, validStates)
	return nextStates
}

// ProcessStateInfo provides comprehensive information about process state
type ProcessStateInfo struct {
	ProcessID       string
	CurrentState    ProcessState
	LastTransition  *ProcessStateTransition
	TransitionCount int
	ValidNextStates []ProcessState
}

// IsOperationAllowed checks if a specific operation is allowed in current state
func (psm *ProcessStateMachine) IsOperationAllowed(operation string) bool {
	currentState := psm.GetCurrentState()

	switch operation {
	case "start", "monitor":
		return currentState != ProcessStateDisabled
	case "stop", "disable":
		return true
	case "restore":
		return currentState == ProcessStateDisabled
	default:
		return false
	}
}

// ValidateOperation checks if an operation can be performed and returns descriptive error
func (psm *ProcessStateMachine) ValidateOperation(operation string) error {
	if psm.IsOperationAllowed(operation) {
		return nil
	}

	currentState := psm.GetCurrentState()
	return errors.NewValidationError(
		fmt.Sprintf("operation '%s' not allowed in current state '%s'", operation, currentState),
		nil,
	).WithContext("process_id", psm.processID).WithContext("current_state", string(currentState)).WithContext("operation", operation)
}
