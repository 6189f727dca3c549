package processmanagement

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/instancelock"
	"github.com/core-tools/hsu-watchdog/pkg/logcollection"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrol"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess/processcontrolimpl"
	"github.com/core-tools/hsu-watchdog/pkg/processfile"
	"github.com/core-tools/hsu-watchdog/pkg/screenshot"
	"github.com/core-tools/hsu-watchdog/pkg/settings"
	"github.com/core-tools/hsu-watchdog/pkg/taskexecutor"

	"golang.org/x/sync/errgroup"
)

const watchdogPIDFileID = "watchdog"

// RunOptions configures one watchdog run
type RunOptions struct {
	SettingsFile string
	RunDuration  time.Duration // Zero runs until a termination signal

	// OutputLogger receives the stdout and stderr lines of supervised processes; nil discards them
	OutputLogger logcollection.StructuredLogger

	// Overrides for tests; nil means the OS implementations
	NewProcessControl processcontrol.Factory
	Capturer          screenshot.Capturer
}

// Run loads the settings, supervises the configured processes and blocks until
// a termination signal, the run duration elapses or a fatal error occurs.
func Run(ctx context.Context, options RunOptions, logger logging.Logger) error {
	logger.Infof("Watchdog runner starting...")

	// Log platform information
	logger.Infof("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())

	settingsFile, err := filepath.Abs(options.SettingsFile)
	if err != nil {
		return errors.NewValidationError("invalid settings file path", err).WithContext("settings_file", options.SettingsFile)
	}
	logger.Infof("Using SETTINGS FILE: %s", settingsFile)

	loaded, created, err := settings.LoadOrCreate(settingsFile, logger)
	if err != nil {
		return err
	}
	if created {
		logger.Infof("Default settings written to %s", settingsFile)
	}
	logger.Infof("Settings loaded, processes: %d, monitor interval: %v", len(loaded.Processes), loaded.Watchdog.MonitorInterval)

	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		BaseDirectory: filepath.Dir(settingsFile),
	}, logger)

	if loaded.Watchdog.IsSingleInstance() {
		lock, err := instancelock.Acquire(files.LockFilePath())
		if err != nil {
			return errors.NewConflictError("another watchdog is using this settings file", err).
				WithContext("lock_file", files.LockFilePath())
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.Warnf("Failed to release instance lock: %v", err)
			}
		}()
		logger.Infof("Instance lock acquired, path: %s", lock.Path())
	}

	if err := files.WritePIDFile(watchdogPIDFileID, os.Getpid()); err != nil {
		logger.Warnf("Failed to write PID file: %v", err)
	} else {
		defer files.RemovePIDFile(watchdogPIDFileID)
	}

	executor := taskexecutor.New(logger)
	executor.OnError(func(err error) {
		if errors.IsCaptureError(err) {
			logger.Warnf("Crash screenshot not captured: %v", err)
			return
		}
		logger.Errorf("Background task failed: %v", err)
	})
	defer func() {
		logger.Infof("Waiting for background tasks, pending: %d", executor.Pending())
		executor.Close()
	}()

	screenshotDir := loaded.Watchdog.ScreenshotDirectory
	if screenshotDir == "" {
		screenshotDir = processfile.ScreenshotDirectory(settingsFile)
	}
	logger.Infof("Crash screenshots directory: %s", screenshotDir)

	capturer := options.Capturer
	if capturer == nil {
		capturer = screenshot.NewCapturer(logger)
	}

	newControl := options.NewProcessControl
	if newControl == nil {
		var collector logcollection.LogCollector
		if options.OutputLogger != nil {
			collector = logcollection.NewLogCollector(options.OutputLogger)
		}
		newControl = processcontrolimpl.NewFactory(collector)
	}

	manager := NewProcessManager(ProcessManagerOptions{
		Executor:             executor,
		Capturer:             capturer,
		ScreenshotPath:       NewScreenshotPathFunc(screenshotDir),
		NewProcessControl:    newControl,
		ForceShutdownTimeout: loaded.Watchdog.ForceShutdownTimeout,
	}, logger)

	for _, process := range loaded.Processes {
		if _, err := manager.Add(process); err != nil {
			manager.Close(context.Background())
			return err
		}
	}
	logger.Infof("Added %d processes", len(loaded.Processes))

	persister := &settingsPersister{path: settingsFile, current: loaded, manager: manager, logger: logger}
	manager.OnProcessesChanged(persister.onProcessesChanged)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if options.RunDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", options.RunDuration)
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, options.RunDuration)
		defer cancel()
	}

	g, groupCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		monitorLoop(groupCtx, manager, loaded.Watchdog.MonitorInterval, logger)
		return nil
	})

	if loaded.Watchdog.IsWatchSettings() {
		watcher, err := settings.NewWatcher(settingsFile, logger)
		if err != nil {
			logger.Warnf("Settings file will not be watched: %v", err)
		} else {
			g.Go(func() error {
				return watcher.Run(groupCtx, func(updated *settings.Settings) {
					persister.setCurrent(updated)
					if err := manager.Sync(groupCtx, updated.Processes); err != nil {
						logger.Errorf("Failed to apply settings change: %v", err)
					}
				})
			})
		}
	}

	logger.Infof("Watchdog is ready, supervising %d processes", len(loaded.Processes))

	runErr := g.Wait()

	logger.Infof("Watchdog stopping...")

	// Reset context to background to enable graceful shutdown
	if err := manager.Close(context.Background()); err != nil {
		logger.Errorf("Failed to close process manager: %v", err)
		if runErr == nil {
			runErr = err
		}
	}

	logger.Infof("Watchdog runner stopped")
	return runErr
}

func monitorLoop(ctx context.Context, manager ProcessManager, interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	manager.MonitorAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.MonitorAll()
			logger.Debugf("Process status, %s", manager.StatusSummary())
		}
	}
}

// settingsPersister writes the process list back to the settings file whenever it changes
type settingsPersister struct {
	mutex   sync.Mutex
	path    string
	current *settings.Settings
	manager ProcessManager
	logger  logging.Logger
}

func (p *settingsPersister) setCurrent(updated *settings.Settings) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.current = updated
}

func (p *settingsPersister) onProcessesChanged(event ProcessesChangedEvent) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	next := *p.current
	next.Processes = p.manager.Options()

	if err := settings.Save(p.path, &next); err != nil {
		p.logger.Errorf("Failed to save settings after change, reason: %s, path: %s, error: %v", event.Reason, event.Path, err)
		return
	}
	p.current = &next
	p.logger.Debugf("Settings saved, reason: %s, path: %s", event.Reason, event.Path)
}
