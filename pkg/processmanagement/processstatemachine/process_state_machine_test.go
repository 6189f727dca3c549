package processstatemachine

import (
	"fmt"
	"testing"

	"github.com/core-tools/hsu-watchdog/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLogger for testing
type MockLogger struct {
	mock.Mock
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(level, format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newMockLogger() *MockLogger {
	logger := &MockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

func TestProcessStateMachine_ValidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from ProcessState
		to   ProcessState
	}{
		{"stopped to running", ProcessStateStopped, ProcessStateRunning},
		{"running to stopped", ProcessStateRunning, ProcessStateStopped},
		{"stopped to disabled", ProcessStateStopped, ProcessStateDisabled},
		{"running to disabled", ProcessStateRunning, ProcessStateDisabled},
		{"disabled to stopped", ProcessStateDisabled, ProcessStateStopped},
		{"disabled to running", ProcessStateDisabled, ProcessStateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			psm := NewProcessStateMachine("/usr/bin/app", tt.from, newMockLogger())

			changed, err := psm.Transition(tt.to, "test", nil)

			require.NoError(t, err)
			assert.True(t, changed)
			assert.Equal(t, tt.to, psm.GetCurrentState())
		})
	}
}

func TestProcessStateMachine_SelfTransitionIsNoop(t *testing.T) {
	logger := newMockLogger()
	psm := NewProcessStateMachine("/usr/bin/app", ProcessStateRunning, logger)

	changed, err := psm.Transition(ProcessStateRunning, "monitor", nil)

	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, psm.GetTransitionHistory())
	logger.AssertNotCalled(t, "Infof", mock.Anything, mock.Anything)
}

func TestProcessStateMachine_InvalidTransition(t *testing.T) {
	psm := NewProcessStateMachine("/usr/bin/app", ProcessState("bogus"), newMockLogger())

	changed, err := psm.Transition(ProcessStateRunning, "monitor", nil)

	require.Error(t, err)
	assert.False(t, changed)
	assert.True(t, errors.IsValidationError(err))
	assert.Contains(t, err.Error(), "invalid state transition")
}

func TestProcessStateMachine_HistoryIsBounded(t *testing.T) {
	psm := NewProcessStateMachine("/usr/bin/app", ProcessStateStopped, newMockLogger())

	for i := 0; i < MaxTransitionHistory+10; i++ {
		to := ProcessStateRunning
		if i%2 == 1 {
			to = ProcessStateStopped
		}
		_, err := psm.Transition(to, fmt.Sprintf("op-%d", i), nil)
		require.NoError(t, err)
	}

	history := psm.GetTransitionHistory()
	require.Len(t, history, MaxTransitionHistory)
	assert.Equal(t, "op-10", history[0].Operation)
	assert.Equal(t, fmt.Sprintf("op-%d", MaxTransitionHistory+9), history[len(history)-1].Operation)

	info := psm.GetStateInfo()
	assert.Equal(t, MaxTransitionHistory+10, info.TransitionCount)
	require.NotNil(t, info.LastTransition)
	assert.Equal(t, history[len(history)-1].Operation, info.LastTransition.Operation)
}

func TestProcessStateMachine_TransitionWithErrorLogsWarning(t *testing.T) {
	logger := &MockLogger{}
	logger.On("Warnf", mock.Anything, mock.Anything).Once()

	psm := NewProcessStateMachine("/usr/bin/app", ProcessStateRunning, logger)
	_, err := psm.Transition(ProcessStateStopped, "crash", fmt.Errorf("exit status 1"))

	require.NoError(t, err)
	logger.AssertExpectations(t)
	assert.EqualError(t, psm.GetTransitionHistory()[0].Error, "exit status 1")
}

func TestProcessStateMachine_ValidateOperation(t *testing.T) {
	psm := NewProcessStateMachine("/usr/bin/app", ProcessStateDisabled, newMockLogger())

	assert.Error(t, psm.ValidateOperation("start"))
	assert.NoError(t, psm.ValidateOperation("restore"))
	assert.NoError(t, psm.ValidateOperation("stop"))
	assert.Error(t, psm.ValidateOperation("unknown"))

	_, err := psm.Transition(ProcessStateStopped, "restore", nil)
	require.NoError(t, err)

	assert.NoError(t, psm.ValidateOperation("start"))
	assert.Error(t, psm.ValidateOperation("restore"))
}

func TestParseProcessState(t *testing.T) {
	state, err := ParseProcessState("running")
	require.NoError(t, err)
	assert.Equal(t, ProcessStateRunning, state)

	_, err = ParseProcessState("paused")
	assert.True(t, errors.IsValidationError(err))
}
