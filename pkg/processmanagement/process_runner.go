package processmanagement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrol"
	"github.com/core-tools/hsu-watchdog/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-watchdog/pkg/screenshot"
	"github.com/core-tools/hsu-watchdog/pkg/taskexecutor"

	"github.com/google/uuid"
)

// ActionExecutor runs crash side effects off the monitoring goroutine
type ActionExecutor interface {
	Accept(action taskexecutor.Action)
}

// ScreenshotPathFunc names the screenshot file of a crash incident
type ScreenshotPathFunc func(options managedprocess.ProcessOptions, incidentID string, at time.Time) string

// ProcessRunnerDiagnostics is a snapshot of the supervision bookkeeping of one runner
type ProcessRunnerDiagnostics struct {
	Path            string
	State           processstatemachine.ProcessStateInfo
	DesiredRunning  bool
	RestartAttempts int
	NextRestart     time.Time
	GaveUp          bool
	CrashCount      int
	Process         processcontrol.ProcessDiagnostics
}

type runnerDeps struct {
	newControl     processcontrol.Factory
	executor       ActionExecutor
	capturer       screenshot.Capturer
	screenshotPath ScreenshotPathFunc
	logger         logging.Logger
}

// runnerEvents collects notifications raised under the runner lock; they are
// dispatched once the lock is released.
type runnerEvents struct {
	stateChanged   []StateChangedEvent
	optionsChanged []OptionsChangedEvent
	processCrashed []ProcessCrashedEvent
}

// ProcessRunner supervises one process. It keeps the desired state (should the
// process run) apart from the observed state (is it alive) so that an operator
// stop is never reported as a crash.
type ProcessRunner struct {
	mutex sync.Mutex

	options   managedprocess.ProcessOptions // as configured, persisted by the manager
	effective managedprocess.ProcessOptions // with defaults applied

	control      processcontrol.ProcessControl
	newControl   processcontrol.Factory
	controlStale bool

	stateMachine   *processstatemachine.ProcessStateMachine
	desiredRunning bool
	priorState     processstatemachine.ProcessState
	priorDesired   bool
	runningSince   time.Time

	backoff    restartBackoff
	crashCount int

	executor       ActionExecutor
	capturer       screenshot.Capturer
	screenshotPath ScreenshotPathFunc

	stateChanged   *listenerList[StateChangedEvent]
	optionsChanged *listenerList[OptionsChangedEvent]
	processCrashed *listenerList[ProcessCrashedEvent]

	logger logging.Logger
	now    func() time.Time
	closed bool
}

func newProcessRunner(options managedprocess.ProcessOptions, deps runnerDeps) *ProcessRunner {
	logger := deps.logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	effective := managedprocess.ApplyProcessOptionsDefaults(options)

	initial := processstatemachine.ProcessStateStopped
	if !effective.IsEnabled() {
		initial = processstatemachine.ProcessStateDisabled
	}

	r := &ProcessRunner{
		options:        options.Clone(),
		effective:      effective,
		control:        deps.newControl(effective, logger),
		newControl:     deps.newControl,
		stateMachine:   processstatemachine.NewProcessStateMachine(options.Path, initial, logger),
		priorState:     processstatemachine.ProcessStateStopped,
		priorDesired:   true,
		backoff:        newRestartBackoff(effective.Restart),
		executor:       deps.executor,
		capturer:       deps.capturer,
		screenshotPath: deps.screenshotPath,
		stateChanged:   newListenerList[StateChangedEvent]("state_changed", logger),
		optionsChanged: newListenerList[OptionsChangedEvent]("options_changed", logger),
		processCrashed: newListenerList[ProcessCrashedEvent]("process_crashed", logger),
		logger:         logger,
		now:            time.Now,
	}

	// An enabled process is launched by the first monitoring tick
	r.desiredRunning = initial != processstatemachine.ProcessStateDisabled

	return r
}

// Path returns the registry key of the runner
func (r *ProcessRunner) Path() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.options.Path
}

// State returns the current supervision state
func (r *ProcessRunner) State() processstatemachine.ProcessState {
	return r.stateMachine.GetCurrentState()
}

// Options returns a copy of the configuration as it is persisted
func (r *ProcessRunner) Options() managedprocess.ProcessOptions {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.options.Clone()
}

// PID returns the process ID of the last launch, 0 if never launched
func (r *ProcessRunner) PID() int {
	r.mutex.Lock()
	control := r.control
	r.mutex.Unlock()
	return control.PID()
}

func (r *ProcessRunner) OnStateChanged(fn func(StateChangedEvent)) func() {
	return r.stateChanged.add(fn)
}

func (r *ProcessRunner) OnOptionsChanged(fn func(OptionsChangedEvent)) func() {
	return r.optionsChanged.add(fn)
}

func (r *ProcessRunner) OnProcessCrashed(fn func(ProcessCrashedEvent)) func() {
	return r.processCrashed.add(fn)
}

// Start asks for the process to run. Liveness is confirmed by a later Monitor call.
// A failed launch is returned and retried by Monitor under the restart backoff.
func (r *ProcessRunner) Start(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.startLocked(ctx)
}

func (r *ProcessRunner) startLocked(ctx context.Context) error {
	if r.closed {
		return errors.NewConflictError("process runner is closed", nil).WithContext("path", r.options.Path)
	}
	if err := r.stateMachine.ValidateOperation("start"); err != nil {
		return err
	}

	r.desiredRunning = true
	r.backoff.reset()

	if r.control.IsAlive() {
		r.logger.Debugf("Process already running, path: %s, pid: %d", r.options.Path, r.control.PID())
		return nil
	}

	return r.launchLocked(ctx)
}

// launchLocked spawns the process and counts the launch against the restart budget
func (r *ProcessRunner) launchLocked(ctx context.Context) error {
	if r.controlStale {
		r.control = r.newControl(r.effective, r.logger)
		r.controlStale = false
	}

	r.backoff.launched(r.now())

	r.logger.Infof("Launching process, path: %s, attempt: %d", r.effective.Path, r.backoff.attempts)

	if err := r.control.Start(ctx); err != nil {
		r.logger.Errorf("Failed to launch process, path: %s, attempt: %d, retry after: %v, error: %v",
			r.effective.Path, r.backoff.attempts, r.backoff.nextAttempt.Sub(r.now()).Round(time.Millisecond), err)
		return errors.NewProcessError("failed to launch process", err).
			WithContext("path", r.effective.Path).
			WithContext("attempt", r.backoff.attempts)
	}
	return nil
}

// Stop terminates the process. It never raises ProcessCrashed.
func (r *ProcessRunner) Stop(ctx context.Context) error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.desiredRunning = false
	r.backoff.reset()
	if r.stateMachine.GetCurrentState() == processstatemachine.ProcessStateDisabled {
		r.priorState = processstatemachine.ProcessStateStopped
		r.priorDesired = false
	}
	control := r.control
	path := r.effective.Path
	r.mutex.Unlock()

	// Termination may take up to the graceful timeout; the lock is not held meanwhile
	stopErr := control.Stop(ctx)

	var events runnerEvents

	r.mutex.Lock()
	if r.stateMachine.GetCurrentState() == processstatemachine.ProcessStateRunning && !r.control.IsAlive() {
		r.transitionLocked(processstatemachine.ProcessStateStopped, "stop", nil, &events)
	}
	r.mutex.Unlock()

	r.dispatch(events)

	if stopErr != nil {
		return errors.NewProcessError("failed to stop process", stopErr).WithContext("path", path)
	}
	return nil
}

// Monitor polls liveness once and drives the state machine. It does not wait
// for the process: a relaunch only spawns it, and Running is confirmed on a later tick.
func (r *ProcessRunner) Monitor() {
	var events runnerEvents

	r.mutex.Lock()
	r.monitorLocked(&events)
	r.mutex.Unlock()

	r.dispatch(events)
}

func (r *ProcessRunner) monitorLocked(events *runnerEvents) {
	if r.closed {
		return
	}

	state := r.stateMachine.GetCurrentState()
	if state == processstatemachine.ProcessStateDisabled {
		return
	}

	alive := r.control.IsAlive()
	now := r.now()

	switch {
	case state == processstatemachine.ProcessStateRunning && !alive:
		if r.desiredRunning {
			r.handleCrashLocked(now, events)
		} else {
			r.transitionLocked(processstatemachine.ProcessStateStopped, "stop", nil, events)
		}

	case state == processstatemachine.ProcessStateStopped && alive:
		r.transitionLocked(processstatemachine.ProcessStateRunning, "monitor", nil, events)
		r.runningSince = now

	case state == processstatemachine.ProcessStateRunning && alive:
		if r.backoff.attempts > 1 && now.Sub(r.runningSince) >= r.effective.Restart.ResetAfter {
			r.logger.Debugf("Process healthy, restart counter reset, path: %s, attempts: %d", r.effective.Path, r.backoff.attempts)
			r.backoff.healthy()
		}

	case state == processstatemachine.ProcessStateStopped && r.desiredRunning:
		r.relaunchLocked(now)
	}
}

func (r *ProcessRunner) handleCrashLocked(now time.Time, events *runnerEvents) {
	diagnostics := r.control.GetDiagnostics()
	cause := errors.NewProcessError("process exited unexpectedly", nil).
		WithContext("pid", diagnostics.ProcessID).
		WithContext("exit_code", diagnostics.ExitCode)

	r.transitionLocked(processstatemachine.ProcessStateStopped, "crash", cause, events)
	r.crashCount++

	crash := ProcessCrashedEvent{
		Path:       r.effective.Path,
		IncidentID: uuid.NewString(),
		PID:        diagnostics.ProcessID,
		ExitCode:   diagnostics.ExitCode,
		Timestamp:  now,
	}

	if r.effective.ScreenshotEnabled {
		crash.ScreenshotPath = r.submitScreenshotLocked(crash.IncidentID, now)
	}

	switch {
	case !r.effective.IsAutoRestart():
		r.desiredRunning = false
		r.logger.Infof("Process crashed, auto restart disabled, path: %s", r.effective.Path)
	case r.backoff.exhausted():
		r.giveUpLocked()
	default:
		crash.RestartScheduled = true
		crash.RestartDelay = r.backoff.schedule(now)
		r.logger.Warnf("Process crashed, restarting, path: %s, exit_code: %d, delay: %v, attempt: %d/%d",
			r.effective.Path, diagnostics.ExitCode, crash.RestartDelay, r.backoff.attempts, r.effective.Restart.MaxRetries)
	}

	events.processCrashed = append(events.processCrashed, crash)
}

func (r *ProcessRunner) submitScreenshotLocked(incidentID string, at time.Time) string {
	if r.executor == nil || r.capturer == nil || r.screenshotPath == nil {
		r.logger.Warnf("Screenshot requested but no capturer is configured, path: %s", r.effective.Path)
		return ""
	}

	path := r.screenshotPath(r.effective, incidentID, at)
	capturer := r.capturer
	r.executor.Accept(func() error {
		return capturer.CaptureToFile(path)
	})

	r.logger.Debugf("Crash screenshot submitted, process: %s, file: %s", r.effective.Path, path)
	return path
}

func (r *ProcessRunner) relaunchLocked(now time.Time) {
	if !r.backoff.due(now) {
		return
	}
	if r.backoff.exhausted() {
		r.giveUpLocked()
		return
	}

	// The error is logged by launchLocked; the next attempt is already scheduled
	_ = r.launchLocked(context.Background())
}

func (r *ProcessRunner) giveUpLocked() {
	r.desiredRunning = false
	r.backoff.gaveUp = true
	r.logger.Errorf("Process restart attempts exhausted, giving up, path: %s, attempts: %d",
		r.effective.Path, r.backoff.attempts)
}

// SetState moves the runner to state: Disabled suspends supervision,
// Running starts the process and Stopped stops it.
func (r *ProcessRunner) SetState(ctx context.Context, state processstatemachine.ProcessState) error {
	switch state {
	case processstatemachine.ProcessStateDisabled:
		r.Disable()
		return nil
	case processstatemachine.ProcessStateRunning:
		r.RestoreState()
		return r.Start(ctx)
	case processstatemachine.ProcessStateStopped:
		return r.Stop(ctx)
	default:
		_, err := processstatemachine.ParseProcessState(string(state))
		return err
	}
}

// Disable suspends supervision. The prior state is remembered for RestoreState.
// A running process is left alone; it is simply no longer watched.
func (r *ProcessRunner) Disable() {
	var events runnerEvents

	r.mutex.Lock()
	if r.disableLocked(&events) {
		r.setEnabledLocked(false, &events)
	}
	r.mutex.Unlock()

	r.dispatch(events)
}

func (r *ProcessRunner) disableLocked(events *runnerEvents) bool {
	state := r.stateMachine.GetCurrentState()
	if state == processstatemachine.ProcessStateDisabled || r.closed {
		return false
	}

	r.priorState = state
	r.priorDesired = r.desiredRunning
	r.transitionLocked(processstatemachine.ProcessStateDisabled, "disable", nil, events)
	return true
}

// RestoreState leaves Disabled for the state held before it. No-op when not disabled.
func (r *ProcessRunner) RestoreState() {
	var events runnerEvents

	r.mutex.Lock()
	if r.restoreLocked(&events) {
		r.setEnabledLocked(true, &events)
	}
	r.mutex.Unlock()

	r.dispatch(events)
}

func (r *ProcessRunner) restoreLocked(events *runnerEvents) bool {
	if r.stateMachine.GetCurrentState() != processstatemachine.ProcessStateDisabled || r.closed {
		return false
	}

	target := r.priorState
	if target == processstatemachine.ProcessStateRunning && !r.control.IsAlive() {
		// The process ended while unsupervised; let the restart policy pick it up
		r.logger.Infof("Process ended while disabled, restoring as stopped, path: %s", r.effective.Path)
		target = processstatemachine.ProcessStateStopped
		r.backoff.reset()
	}

	r.desiredRunning = r.priorDesired
	r.transitionLocked(target, "restore", nil, events)
	if target == processstatemachine.ProcessStateRunning {
		r.runningSince = r.now()
	}
	return true
}

func (r *ProcessRunner) setEnabledLocked(enabled bool, events *runnerEvents) {
	if enabled {
		// Unset means enabled; keeps the persisted entry minimal
		r.options.Enabled = nil
	} else {
		r.options.Enabled = &enabled
	}
	r.effective = r.effective.WithEnabled(enabled)

	events.optionsChanged = append(events.optionsChanged, OptionsChangedEvent{
		Path:    r.options.Path,
		Options: r.options.Clone(),
	})
}

// BringToFront raises the window of the process. Failures are logged and swallowed.
func (r *ProcessRunner) BringToFront() {
	r.mutex.Lock()
	control := r.control
	path := r.effective.Path
	r.mutex.Unlock()

	if err := control.BringToFront(); err != nil {
		r.logger.Debugf("Cannot bring process to front, path: %s, error: %v", path, err)
	}
}

// SetOptions replaces the configuration. Launch parameters apply to the next launch;
// a change of the enabled flag disables or restores the runner immediately.
func (r *ProcessRunner) SetOptions(options managedprocess.ProcessOptions) error {
	if err := managedprocess.ValidateProcessOptions(options); err != nil {
		return errors.NewValidationError("invalid process options", err).WithContext("path", options.Path)
	}

	var events runnerEvents

	r.mutex.Lock()
	if options.Path != r.options.Path {
		path := r.options.Path
		r.mutex.Unlock()
		return errors.NewValidationError("process path cannot be changed", nil).
			WithContext("path", path).
			WithContext("new_path", options.Path)
	}

	r.options = options.Clone()
	r.effective = managedprocess.ApplyProcessOptionsDefaults(options)
	r.backoff.config = r.effective.Restart
	r.controlStale = true

	if r.effective.IsEnabled() {
		r.restoreLocked(&events)
	} else {
		r.disableLocked(&events)
	}

	events.optionsChanged = append(events.optionsChanged, OptionsChangedEvent{
		Path:    r.options.Path,
		Options: r.options.Clone(),
	})
	r.mutex.Unlock()

	r.logger.Infof("Process options updated, path: %s", options.Path)
	r.dispatch(events)
	return nil
}

// StateString renders the state for status display
func (r *ProcessRunner) StateString() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch r.stateMachine.GetCurrentState() {
	case processstatemachine.ProcessStateDisabled:
		return "Disabled"
	case processstatemachine.ProcessStateRunning:
		return fmt.Sprintf("Running (PID %d)", r.control.PID())
	default:
		if r.backoff.gaveUp {
			return fmt.Sprintf("Stopped (gave up after %d attempts)", r.backoff.attempts)
		}
		if r.desiredRunning {
			if wait := r.backoff.nextAttempt.Sub(r.now()); wait > 0 {
				return fmt.Sprintf("Stopped (restarting in %v)", wait.Round(time.Second))
			}
			return "Stopped (starting)"
		}
		return "Stopped"
	}
}

// Diagnostics returns a snapshot of state, restart bookkeeping and process information
func (r *ProcessRunner) Diagnostics() ProcessRunnerDiagnostics {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return ProcessRunnerDiagnostics{
		Path:            r.options.Path,
		State:           r.stateMachine.GetStateInfo(),
		DesiredRunning:  r.desiredRunning,
		RestartAttempts: r.backoff.attempts,
		NextRestart:     r.backoff.nextAttempt,
		GaveUp:          r.backoff.gaveUp,
		CrashCount:      r.crashCount,
		Process:         r.control.GetDiagnostics(),
	}
}

// Close stops a supervised process and drops all listeners. A disabled process is left running.
func (r *ProcessRunner) Close(ctx context.Context) error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	disabled := r.stateMachine.GetCurrentState() == processstatemachine.ProcessStateDisabled
	r.desiredRunning = false
	control := r.control
	r.mutex.Unlock()

	var stopErr error
	if !disabled && control.IsAlive() {
		stopErr = r.Stop(ctx)
	}

	r.mutex.Lock()
	r.closed = true
	r.mutex.Unlock()

	r.stateChanged.clear()
	r.optionsChanged.clear()
	r.processCrashed.clear()

	return stopErr
}

func (r *ProcessRunner) transitionLocked(to processstatemachine.ProcessState, operation string, cause error, events *runnerEvents) {
	from := r.stateMachine.GetCurrentState()

	changed, err := r.stateMachine.Transition(to, operation, cause)
	if err != nil {
		r.logger.Errorf("Rejected state transition, path: %s, error: %v", r.effective.Path, err)
		return
	}
	if !changed {
		return
	}

	events.stateChanged = append(events.stateChanged, StateChangedEvent{
		Path:      r.effective.Path,
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: r.now(),
	})
}

func (r *ProcessRunner) dispatch(events runnerEvents) {
	for _, event := range events.stateChanged {
		r.stateChanged.notify(event)
	}
	for _, event := range events.processCrashed {
		r.processCrashed.notify(event)
	}
	for _, event := range events.optionsChanged {
		r.optionsChanged.notify(event)
	}
}
