package processcontrolimpl

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logcollection"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrol"
)

const forceKillTimeout = 5 * time.Second

type processControl struct {
	options   managedprocess.ProcessOptions
	logger    logging.Logger
	collector logcollection.LogCollector
	processID string

	// Running process tracking
	process           *os.Process
	processDoneSignal chan struct{} // Closed once the process has exited

	// Error tracking for diagnostics
	lastError       *processcontrol.ProcessError
	failureCount    int
	lastAttemptTime time.Time
	startTime       *time.Time
	exitTime        *time.Time
	exitCode        int

	// Mutex to protect concurrent access to fields
	mutex sync.RWMutex
}

// NewProcessControl creates an OS-backed ProcessControl without output collection
func NewProcessControl(options managedprocess.ProcessOptions, logger logging.Logger) processcontrol.ProcessControl {
	return NewProcessControlWithCollector(options, logger, nil)
}

// NewProcessControlWithCollector creates an OS-backed ProcessControl that forwards
// the child's stdout and stderr to collector
func NewProcessControlWithCollector(options managedprocess.ProcessOptions, logger logging.Logger, collector logcollection.LogCollector) processcontrol.ProcessControl {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &processControl{
		options:   managedprocess.ApplyProcessOptionsDefaults(options),
		logger:    logger,
		collector: collector,
		processID: options.Path,
	}
}

// NewFactory returns a processcontrol.Factory bound to collector (may be nil)
func NewFactory(collector logcollection.LogCollector) processcontrol.Factory {
	return func(options managedprocess.ProcessOptions, logger logging.Logger) processcontrol.ProcessControl {
		return NewProcessControlWithCollector(options, logger, collector)
	}
}

func (pc *processControl) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	pc.mutex.Lock()
	defer pc.mutex.Unlock()

	if pc.isAliveUnderLock() {
		pc.logger.Debugf("Process already running, process: %s, PID: %d", pc.processID, pc.process.Pid)
		return nil
	}

	pc.lastAttemptTime = time.Now()

	if err := ctx.Err(); err != nil {
		return errors.NewCancelledError("startup cancelled", err).WithContext("process", pc.processID)
	}

	if err := pc.startProcess(); err != nil {
		pc.lastError = categorizeProcessError(err)
		pc.failureCount++
		return err
	}

	pc.lastError = nil
	pc.failureCount = 0
	return nil
}

// startProcess must be called with the mutex held
func (pc *processControl) startProcess() error {
	pc.logger.Infof("Executing new process, process: %s, args: %v, dir: %s",
		pc.processID, pc.options.Arguments, pc.options.WorkingDirectory)

	cmd := exec.Command(pc.options.Path, pc.options.Arguments...)
	cmd.Dir = pc.options.WorkingDirectory
	if len(pc.options.Environment) > 0 {
		cmd.Env = append(os.Environ(), pc.options.Environment...)
	}
	setProcAttributes(cmd)

	var stdout, stderr io.ReadCloser
	if pc.collector != nil {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return errors.NewIOError("failed to create stdout pipe", err).WithContext("process", pc.processID)
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			stdout.Close()
			return errors.NewIOError("failed to create stderr pipe", err).WithContext("process", pc.processID)
		}
	}

	if err := cmd.Start(); err != nil {
		if stdout != nil {
			stdout.Close()
			stderr.Close()
		}
		return errors.NewProcessError("failed to start process", err).
			WithContext("process", pc.processID).
			WithContext("dir", pc.options.WorkingDirectory)
	}

	process := cmd.Process
	pc.logger.Infof("New process started successfully, process: %s, PID: %d", pc.processID, process.Pid)

	if pc.options.Priority != 0 {
		if err := setPriority(process.Pid, pc.options.Priority); err != nil {
			pc.logger.Warnf("Failed to set priority, process: %s, PID: %d, priority: %d, error: %v",
				pc.processID, process.Pid, pc.options.Priority, err)
		}
	}

	if stdout != nil {
		pc.startLogCollection(stdout, stderr)
	}

	now := time.Now()
	processDoneSignal := make(chan struct{})

	pc.process = process
	pc.processDoneSignal = processDoneSignal
	pc.startTime = &now
	pc.exitTime = nil
	pc.exitCode = 0

	// os.Process.Wait returns on exit even when a grandchild keeps the output pipes open
	go func() {
		state, err := process.Wait()
		exitTime := time.Now()

		pc.mutex.Lock()
		if pc.process == process {
			pc.exitTime = &exitTime
			if err != nil {
				pc.logger.Infof("Process PID %d wait failed: %v", process.Pid, err)
				pc.exitCode = -1
				pc.lastError = categorizeProcessError(err)
			} else {
				pc.logger.Infof("Process PID %d exited with status: %v", process.Pid, state)
				pc.exitCode = state.ExitCode()
				if !state.Success() {
					pc.lastError = categorizeProcessError(fmt.Errorf("%v", state))
				}
			}
		}
		pc.mutex.Unlock()

		close(processDoneSignal)
	}()

	return nil
}

func (pc *processControl) Stop(ctx context.Context) error {
	if ctx == nil {
		return errors.NewValidationError("context cannot be nil", nil)
	}

	pc.mutex.RLock()
	process := pc.process
	done := pc.processDoneSignal
	alive := pc.isAliveUnderLock()
	pc.mutex.RUnlock()

	if !alive {
		pc.logger.Debugf("Process already stopped, process: %s", pc.processID)
		return nil
	}

	if err := pc.terminateProcess(ctx, process, done); err != nil {
		pc.logger.Errorf("Failed to terminate process: %v", err)
		return errors.NewProcessError("failed to terminate process", err).WithContext("process", pc.processID)
	}

	pc.logger.Infof("Process stopped successfully, process: %s", pc.processID)
	return nil
}

// terminateProcess handles graceful termination with timeout and context cancellation.
// It works on a process reference taken under lock so the lock is not held while waiting.
func (pc *processControl) terminateProcess(ctx context.Context, proc *os.Process, done <-chan struct{}) error {
	pid := proc.Pid
	gracefulTimeout := pc.options.GracefulTimeout

	pc.logger.Infof("Sending termination signal to PID %d, timeout: %v", pid, gracefulTimeout)
	if err := sendTerminationSignal(pid); err != nil {
		pc.logger.Warnf("Failed to send termination signal for PID %d: %v", pid, err)
	}

	select {
	case <-done:
		pc.logger.Infof("Process PID %d terminated gracefully", pid)
		return nil
	case <-time.After(gracefulTimeout):
		pc.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, gracefulTimeout)
	case <-ctx.Done():
		pc.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
	}

	if err := killProcess(proc); err != nil {
		select {
		case <-done:
			return nil
		default:
		}
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	select {
	case <-done:
		pc.logger.Infof("Process PID %d force terminated", pid)
		return nil
	case <-time.After(forceKillTimeout):
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).WithContext("pid", pid)
	}
}

func (pc *processControl) IsAlive() bool {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	return pc.isAliveUnderLock()
}

func (pc *processControl) isAliveUnderLock() bool {
	if pc.process == nil || pc.processDoneSignal == nil {
		return false
	}
	select {
	case <-pc.processDoneSignal:
		return false
	default:
		return true
	}
}

func (pc *processControl) PID() int {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()
	if pc.process == nil {
		return 0
	}
	return pc.process.Pid
}

func (pc *processControl) BringToFront() error {
	pc.mutex.RLock()
	alive := pc.isAliveUnderLock()
	pid := 0
	if pc.process != nil {
		pid = pc.process.Pid
	}
	pc.mutex.RUnlock()

	if !alive {
		return errors.NewProcessError("process is not running", nil).WithContext("process", pc.processID)
	}
	return bringToFront(pid)
}

// GetDiagnostics returns detailed process diagnostics including error information
func (pc *processControl) GetDiagnostics() processcontrol.ProcessDiagnostics {
	pc.mutex.RLock()
	defer pc.mutex.RUnlock()

	var processID int
	if pc.process != nil {
		processID = pc.process.Pid
	}

	return processcontrol.ProcessDiagnostics{
		ProcessID:       processID,
		StartTime:       pc.startTime,
		ExitTime:        pc.exitTime,
		ExitCode:        pc.exitCode,
		LastError:       pc.lastError,
		FailureCount:    pc.failureCount,
		LastAttemptTime: pc.lastAttemptTime,
	}
}

// ===== LOG COLLECTION INTEGRATION =====

func (pc *processControl) startLogCollection(stdout, stderr io.ReadCloser) {
	stdoutDone := pc.collector.CollectFromStream(pc.processID, stdout, logcollection.StdoutStream)
	stderrDone := pc.collector.CollectFromStream(pc.processID, stderr, logcollection.StderrStream)

	go func() {
		<-stdoutDone
		stdout.Close()
	}()
	go func() {
		<-stderrDone
		stderr.Close()
	}()

	pc.logger.Debugf("Log collection started for process %s", pc.processID)
}

// categorizeProcessError attempts to categorize an error based on its content
func categorizeProcessError(err error) *processcontrol.ProcessError {
	if err == nil {
		return nil
	}

	errStr := strings.ToLower(err.Error())
	var category string
	var recoverable bool

	switch {
	case strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "cannot find the file") ||
		strings.Contains(errStr, "executable file not found"):
		category = processcontrol.ErrorCategoryExecutableNotFound
		recoverable = true
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access is denied"):
		category = processcontrol.ErrorCategoryPermissionDenied
		recoverable = true
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		category = processcontrol.ErrorCategoryTimeout
		recoverable = true
	case strings.Contains(errStr, "signal:") || strings.Contains(errStr, "exit status"):
		category = processcontrol.ErrorCategoryProcessCrash
		recoverable = false
	default:
		category = processcontrol.ErrorCategoryUnknown
		recoverable = false
	}

	return &processcontrol.ProcessError{
		Category:    category,
		Details:     err.Error(),
		Underlying:  err,
		Timestamp:   time.Now(),
		Recoverable: recoverable,
	}
}
