package processmanagement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrol"
	"github.com/core-tools/hsu-watchdog/pkg/taskexecutor"

	"github.com/stretchr/testify/mock"
)

// MockLogger is a mock implementation of Logger for testing
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

// fakeControl simulates an OS process: Start makes it alive, crash and Stop end it
type fakeControl struct {
	mutex    sync.Mutex
	options  managedprocess.ProcessOptions
	alive    bool
	pid      int
	exitCode int
	starts   int
	stops    int
	startErr error
	frontErr error
	fronts   int
}

func (c *fakeControl) Start(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.alive = true
	c.pid = 1000 + c.starts
	c.exitCode = 0
	return nil
}

func (c *fakeControl) Stop(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stops++
	c.alive = false
	return nil
}

func (c *fakeControl) IsAlive() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.alive
}

func (c *fakeControl) PID() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pid
}

func (c *fakeControl) BringToFront() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.fronts++
	return c.frontErr
}

func (c *fakeControl) GetDiagnostics() processcontrol.ProcessDiagnostics {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return processcontrol.ProcessDiagnostics{ProcessID: c.pid, ExitCode: c.exitCode}
}

func (c *fakeControl) crash(exitCode int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.alive = false
	c.exitCode = exitCode
}

func (c *fakeControl) setStartErr(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.startErr = err
}

func (c *fakeControl) startCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.starts
}

func (c *fakeControl) stopCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stops
}

// fakeControls records every control created by its factory
type fakeControls struct {
	mutex    sync.Mutex
	controls []*fakeControl
}

func (f *fakeControls) factory(options managedprocess.ProcessOptions, logger logging.Logger) processcontrol.ProcessControl {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	control := &fakeControl{options: options}
	f.controls = append(f.controls, control)
	return control
}

func (f *fakeControls) last() *fakeControl {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.controls) == 0 {
		return nil
	}
	return f.controls[len(f.controls)-1]
}

func (f *fakeControls) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.controls)
}

func (f *fakeControls) totalStarts() int {
	f.mutex.Lock()
	controls := append([]*fakeControl(nil), f.controls...)
	f.mutex.Unlock()

	total := 0
	for _, control := range controls {
		total += control.startCount()
	}
	return total
}

type fakeCapturer struct {
	mutex sync.Mutex
	paths []string
	err   error
}

func (c *fakeCapturer) CaptureToFile(path string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.paths = append(c.paths, path)
	return c.err
}

func (c *fakeCapturer) captured() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.paths...)
}

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

type runnerFixture struct {
	runner   *ProcessRunner
	controls *fakeControls
	capturer *fakeCapturer
	executor *taskexecutor.TaskExecutor
	clock    *manualClock
}

func (f *runnerFixture) control() *fakeControl {
	return f.controls.last()
}

func newRunnerFixture(t *testing.T, options managedprocess.ProcessOptions) *runnerFixture {
	t.Helper()

	controls := &fakeControls{}
	capturer := &fakeCapturer{}
	executor := taskexecutor.New(newMockLogger())
	t.Cleanup(executor.Close)

	runner := newProcessRunner(options, runnerDeps{
		newControl:     controls.factory,
		executor:       executor,
		capturer:       capturer,
		screenshotPath: NewScreenshotPathFunc(t.TempDir()),
		logger:         newMockLogger(),
	})

	clock := newManualClock()
	runner.now = clock.Now

	return &runnerFixture{
		runner:   runner,
		controls: controls,
		capturer: capturer,
		executor: executor,
		clock:    clock,
	}
}

func testRestartConfig() managedprocess.RestartConfig {
	return managedprocess.RestartConfig{
		MaxRetries:  2,
		RetryDelay:  time.Second,
		BackoffRate: 2,
		MaxDelay:    10 * time.Second,
		ResetAfter:  time.Minute,
	}
}

func boolPtr(value bool) *bool {
	return &value
}
