package settings

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logcollection"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"

	"gopkg.in/yaml.v3"
)

// Settings is the persisted watchdog configuration: daemon options plus the supervised process list
type Settings struct {
	Watchdog  WatchdogOptions                 `yaml:"watchdog"`
	Processes []managedprocess.ProcessOptions `yaml:"processes"`
}

type WatchdogOptions struct {
	MonitorInterval      time.Duration `yaml:"monitor_interval,omitempty"`
	LogLevel             string        `yaml:"log_level,omitempty"`
	ForceShutdownTimeout time.Duration `yaml:"force_shutdown_timeout,omitempty"`
	SingleInstance       *bool         `yaml:"single_instance,omitempty"` // Pointer to distinguish unset from false
	WatchSettings        *bool         `yaml:"watch_settings,omitempty"`
	ScreenshotDirectory  string        `yaml:"screenshot_directory,omitempty"` // Empty means .ScreenShots beside the settings file
}

const (
	DefaultMonitorInterval      = time.Second
	DefaultLogLevel             = "info"
	DefaultForceShutdownTimeout = 30 * time.Second

	minMonitorInterval = 10 * time.Millisecond
)

func (o WatchdogOptions) IsSingleInstance() bool {
	return o.SingleInstance == nil || *o.SingleInstance
}

func (o WatchdogOptions) IsWatchSettings() bool {
	return o.WatchSettings == nil || *o.WatchSettings
}

// Default returns settings with every default applied and no processes
func Default() *Settings {
	settings := &Settings{}
	setSettingsDefaults(settings)
	return settings
}

// Load reads and validates the settings file at path
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read settings file", err).WithContext("path", path)
	}

	settings, err := Parse(data)
	if err != nil {
		return nil, errors.NewValidationError("invalid settings file", err).WithContext("path", path)
	}
	return settings, nil
}

// Parse decodes YAML settings, applies defaults and validates them
func Parse(data []byte) (*Settings, error) {
	var settings Settings

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&settings); err != nil && !isEmptyDocument(err) {
		return nil, errors.NewValidationError("failed to parse YAML settings", err)
	}

	setSettingsDefaults(&settings)

	if err := ValidateSettings(&settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

func isEmptyDocument(err error) bool {
	return err == io.EOF
}

// LoadOrCreate loads the settings file, writing a default one first if it does not exist.
// created reports whether a new file was written.
func LoadOrCreate(path string, logger logging.Logger) (settings *Settings, created bool, err error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		logger.Infof("Settings file not found, creating default, path: %s", path)
		if err := Save(path, Default()); err != nil {
			return nil, false, err
		}
		created = true
	}

	settings, err = Load(path)
	if err != nil {
		return nil, created, err
	}
	return settings, created, nil
}

// Save writes settings to path atomically
func Save(path string, settings *Settings) error {
	if settings == nil {
		return errors.NewValidationError("settings cannot be nil", nil)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(settings); err != nil {
		return errors.NewInternalError("failed to encode settings", err)
	}
	if err := encoder.Close(); err != nil {
		return errors.NewInternalError("failed to encode settings", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.NewIOError("failed to create settings directory", err).WithContext("dir", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.NewIOError("failed to create temporary settings file", err).WithContext("dir", dir)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIOError("failed to write settings", err).WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to write settings", err).WithContext("path", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIOError("failed to replace settings file", err).WithContext("path", path)
	}

	return nil
}

func setSettingsDefaults(settings *Settings) {
	if settings.Watchdog.MonitorInterval == 0 {
		settings.Watchdog.MonitorInterval = DefaultMonitorInterval
	}
	if settings.Watchdog.LogLevel == "" {
		settings.Watchdog.LogLevel = DefaultLogLevel
	}
	if settings.Watchdog.ForceShutdownTimeout == 0 {
		settings.Watchdog.ForceShutdownTimeout = DefaultForceShutdownTimeout
	}
	if settings.Watchdog.SingleInstance == nil {
		singleInstance := true
		settings.Watchdog.SingleInstance = &singleInstance
	}
	if settings.Watchdog.WatchSettings == nil {
		watchSettings := true
		settings.Watchdog.WatchSettings = &watchSettings
	}
	if settings.Processes == nil {
		settings.Processes = []managedprocess.ProcessOptions{}
	}
}

// ValidateSettings validates daemon options and every process entry
func ValidateSettings(settings *Settings) error {
	if settings == nil {
		return errors.NewValidationError("settings cannot be nil", nil)
	}

	if settings.Watchdog.MonitorInterval < minMonitorInterval {
		return errors.NewValidationError(
			fmt.Sprintf("monitor interval too small: %v", settings.Watchdog.MonitorInterval),
			nil,
		).WithContext("min", minMonitorInterval.String())
	}

	if _, err := logcollection.ParseLogLevel(settings.Watchdog.LogLevel); err != nil {
		return errors.NewValidationError("invalid log level", err).WithContext("log_level", settings.Watchdog.LogLevel)
	}

	if settings.Watchdog.ForceShutdownTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("force shutdown timeout cannot be negative: %v", settings.Watchdog.ForceShutdownTimeout),
			nil,
		)
	}

	paths := make(map[string]int, len(settings.Processes))
	for i, process := range settings.Processes {
		if err := managedprocess.ValidateProcessOptions(process); err != nil {
			return errors.NewValidationError(fmt.Sprintf("invalid process at index %d", i), err).
				WithContext("process_index", i)
		}
		if first, exists := paths[process.Path]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate process path at index %d (first at index %d)", i, first),
				nil,
			).WithContext("path", process.Path)
		}
		paths[process.Path] = i
	}

	return nil
}
