package processmanagement

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrol"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrolimpl"
	"github.com/core-tools/hsu-watchdog/pkg/processfile"
	"github.com/core-tools/hsu-watchdog/pkg/processmanagement/processstatemachine"
	"github.com/core-tools/hsu-watchdog/pkg/screenshot"

	"golang.org/x/sync/errgroup"
)

type ProcessRegistry interface {
	Add(options managedprocess.ProcessOptions) (*ProcessRunner, error)
	Update(options managedprocess.ProcessOptions) error
	Remove(ctx context.Context, path string) error
	Sync(ctx context.Context, options []managedprocess.ProcessOptions) error
}

type ProcessLookup interface {
	Contains(path string) bool
	Lookup(path string) (*ProcessRunner, bool)
	Get(path string) *ProcessRunner
	Runners() []*ProcessRunner
	Options() []managedprocess.ProcessOptions
	StatusSummary() ProcessManagerStatus
}

type ProcessManager interface {
	ProcessRegistry
	ProcessLookup
	MonitorAll()
	OnProcessesChanged(fn func(ProcessesChangedEvent)) func()
	Close(ctx context.Context) error
}

type ProcessManagerOptions struct {
	Executor             ActionExecutor
	Capturer             screenshot.Capturer
	ScreenshotPath       ScreenshotPathFunc     // Defaults to .ScreenShots in the working directory
	NewProcessControl    processcontrol.Factory // Defaults to the OS process control
	ForceShutdownTimeout time.Duration          // Bounds Close; zero means the caller's context only
}

// ProcessManagerStatus counts runners per supervision state
type ProcessManagerStatus struct {
	Total    int
	Running  int
	Stopped  int
	Disabled int
}

func (s ProcessManagerStatus) String() string {
	return fmt.Sprintf("total: %d, running: %d, stopped: %d, disabled: %d", s.Total, s.Running, s.Stopped, s.Disabled)
}

// NewScreenshotPathFunc names crash screenshots <unix-nanos>-<incident>.png inside dir
func NewScreenshotPathFunc(dir string) ScreenshotPathFunc {
	return func(_ managedprocess.ProcessOptions, incidentID string, at time.Time) string {
		return filepath.Join(dir, fmt.Sprintf("%d-%s.png", at.UnixNano(), incidentID))
	}
}

type processManager struct {
	options          ProcessManagerOptions
	runners          map[string]*ProcessRunner
	order            []string
	unsubscribers    map[string]func()
	processesChanged *listenerList[ProcessesChangedEvent]
	closed           bool
	mutex            sync.Mutex
	logger           logging.Logger
}

func NewProcessManager(options ProcessManagerOptions, logger logging.Logger) ProcessManager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if options.NewProcessControl == nil {
		options.NewProcessControl = processcontrolimpl.NewFactory(nil)
	}
	if options.ScreenshotPath == nil {
		options.ScreenshotPath = NewScreenshotPathFunc(processfile.ScreenshotDirectoryName)
	}

	return &processManager{
		options:          options,
		runners:          make(map[string]*ProcessRunner),
		unsubscribers:    make(map[string]func()),
		processesChanged: newListenerList[ProcessesChangedEvent]("processes_changed", logger),
		logger:           logger,
	}
}

// Add registers a runner for options.Path. A path that is already registered
// is not replaced: the existing runner is returned unchanged.
func (pm *processManager) Add(options managedprocess.ProcessOptions) (*ProcessRunner, error) {
	if err := managedprocess.ValidateProcessOptions(options); err != nil {
		return nil, errors.NewValidationError("invalid process options", err).WithContext("path", options.Path)
	}

	path := options.Path

	pm.mutex.Lock()
	if pm.closed {
		pm.mutex.Unlock()
		return nil, errors.NewConflictError("process manager is closed", nil).WithContext("path", path)
	}

	if existing, exists := pm.runners[path]; exists {
		pm.mutex.Unlock()
		pm.logger.Warnf("Process already registered, ignoring add, path: %s", path)
		return existing, nil
	}

	runner := newProcessRunner(options, runnerDeps{
		newControl:     pm.options.NewProcessControl,
		executor:       pm.options.Executor,
		capturer:       pm.options.Capturer,
		screenshotPath: pm.options.ScreenshotPath,
		logger:         pm.logger,
	})

	pm.unsubscribers[path] = runner.OnOptionsChanged(func(event OptionsChangedEvent) {
		pm.processesChanged.notify(ProcessesChangedEvent{Reason: ProcessesChangedOptionsChanged, Path: event.Path})
	})
	pm.runners[path] = runner
	pm.order = append(pm.order, path)
	pm.mutex.Unlock()

	pm.logger.Infof("Process added, path: %s, state: %s", path, runner.State())
	pm.processesChanged.notify(ProcessesChangedEvent{Reason: ProcessesChangedAdded, Path: path})

	return runner, nil
}

// Update replaces the configuration of a registered process
func (pm *processManager) Update(options managedprocess.ProcessOptions) error {
	runner, exists := pm.Lookup(options.Path)
	if !exists {
		return errors.NewNotFoundError("process not found", nil).WithContext("path", options.Path)
	}
	return runner.SetOptions(options)
}

// Remove unregisters and closes the runner of path. Unknown paths are ignored.
func (pm *processManager) Remove(ctx context.Context, path string) error {
	pm.mutex.Lock()
	runner, exists := pm.runners[path]
	if !exists {
		pm.mutex.Unlock()
		return nil
	}

	delete(pm.runners, path)
	for i, key := range pm.order {
		if key == path {
			pm.order = append(pm.order[:i:i], pm.order[i+1:]...)
			break
		}
	}
	unsubscribe := pm.unsubscribers[path]
	delete(pm.unsubscribers, path)
	pm.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	err := runner.Close(ctx)
	if err != nil {
		pm.logger.Warnf("Process removed with errors, path: %s, error: %v", path, err)
	} else {
		pm.logger.Infof("Process removed, path: %s", path)
	}

	pm.processesChanged.notify(ProcessesChangedEvent{Reason: ProcessesChangedRemoved, Path: path})
	return err
}

// Sync reconciles the registry with options: unknown paths are added, changed
// entries updated and paths no longer listed removed.
func (pm *processManager) Sync(ctx context.Context, options []managedprocess.ProcessOptions) error {
	wanted := make(map[string]struct{}, len(options))
	for i, entry := range options {
		if err := managedprocess.ValidateProcessOptions(entry); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid process at index %d", i), err)
		}
		if _, duplicate := wanted[entry.Path]; duplicate {
			return errors.NewValidationError(fmt.Sprintf("duplicate process path at index %d", i), nil).
				WithContext("path", entry.Path)
		}
		wanted[entry.Path] = struct{}{}
	}

	collection := errors.NewErrorCollection()

	for _, runner := range pm.Runners() {
		path := runner.Path()
		if _, keep := wanted[path]; !keep {
			if err := pm.Remove(ctx, path); err != nil {
				collection.Add(err)
			}
		}
	}

	for _, entry := range options {
		runner, exists := pm.Lookup(entry.Path)
		if !exists {
			if _, err := pm.Add(entry); err != nil {
				collection.Add(err)
			}
			continue
		}
		if reflect.DeepEqual(runner.Options(), entry.Clone()) {
			continue
		}
		if err := runner.SetOptions(entry); err != nil {
			collection.Add(err)
		}
	}

	return collection.ToError()
}

func (pm *processManager) Contains(path string) bool {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	_, exists := pm.runners[path]
	return exists
}

func (pm *processManager) Lookup(path string) (*ProcessRunner, bool) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	runner, exists := pm.runners[path]
	return runner, exists
}

// Get returns the runner of path. Callers must check Contains first: a missing key panics.
func (pm *processManager) Get(path string) *ProcessRunner {
	runner, exists := pm.Lookup(path)
	if !exists {
		panic(fmt.Sprintf("process manager: no process registered for path %q", path))
	}
	return runner
}

// Runners returns the runners in insertion order. The slice is a copy taken under
// the registry lock, so it can be iterated while processes are added or removed.
func (pm *processManager) Runners() []*ProcessRunner {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	runners := make([]*ProcessRunner, 0, len(pm.order))
	for _, path := range pm.order {
		runners = append(runners, pm.runners[path])
	}
	return runners
}

// MonitorAll runs one monitoring tick over every runner
func (pm *processManager) MonitorAll() {
	for _, runner := range pm.Runners() {
		runner.Monitor()
	}
}

// Options returns the configuration of every process in insertion order, for persistence
func (pm *processManager) Options() []managedprocess.ProcessOptions {
	runners := pm.Runners()
	options := make([]managedprocess.ProcessOptions, 0, len(runners))
	for _, runner := range runners {
		options = append(options, runner.Options())
	}
	return options
}

func (pm *processManager) StatusSummary() ProcessManagerStatus {
	var status ProcessManagerStatus
	for _, runner := range pm.Runners() {
		status.Total++
		switch runner.State() {
		case processstatemachine.ProcessStateRunning:
			status.Running++
		case processstatemachine.ProcessStateStopped:
			status.Stopped++
		case processstatemachine.ProcessStateDisabled:
			status.Disabled++
		}
	}
	return status
}

func (pm *processManager) OnProcessesChanged(fn func(ProcessesChangedEvent)) func() {
	return pm.processesChanged.add(fn)
}

// Close closes every runner concurrently, bounded by ForceShutdownTimeout.
// The registry accepts no processes afterwards.
func (pm *processManager) Close(ctx context.Context) error {
	pm.mutex.Lock()
	if pm.closed {
		pm.mutex.Unlock()
		return nil
	}
	pm.closed = true

	runners := make([]*ProcessRunner, 0, len(pm.order))
	for _, path := range pm.order {
		runners = append(runners, pm.runners[path])
	}
	unsubscribers := pm.unsubscribers
	pm.runners = make(map[string]*ProcessRunner)
	pm.unsubscribers = make(map[string]func())
	pm.order = nil
	pm.mutex.Unlock()

	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}

	if pm.options.ForceShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pm.options.ForceShutdownTimeout)
		defer cancel()
	}

	pm.logger.Infof("Closing process manager, processes: %d", len(runners))

	var errorsMutex sync.Mutex
	collection := errors.NewErrorCollection()

	var g errgroup.Group
	for _, runner := range runners {
		runner := runner
		g.Go(func() error {
			if err := runner.Close(ctx); err != nil {
				errorsMutex.Lock()
				collection.Add(errors.NewProcessError("failed to close process", err).WithContext("path", runner.Path()))
				errorsMutex.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	pm.processesChanged.clear()

	if collection.HasErrors() {
		pm.logger.Errorf("Process manager closed with errors: %v", collection)
		return collection.ToError()
	}

	pm.logger.Infof("Process manager closed")
	return nil
}
