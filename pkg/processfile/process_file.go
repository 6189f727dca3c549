package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
)

const (
	DefaultAppName = "hsu-watchdog"

	SettingsFileName        = "settings.yaml"
	LockFileName            = "watchdog.lock"
	ScreenshotDirectoryName = ".ScreenShots"
)

// ServiceContext selects the family of well-known directories the watchdog files live in
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// ProcessFileConfig configures where the watchdog keeps its files
type ProcessFileConfig struct {
	BaseDirectory   string         // Overrides the context directory when set
	ServiceContext  ServiceContext // Defaults to UserService
	AppName         string         // Defaults to DefaultAppName
	UseSubdirectory bool           // Nest files in an AppName directory
}

// ProcessFileManager generates paths for the settings file, instance lock,
// PID files and the crash screenshot directory
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = UserService
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// GetRecommendedProcessFileConfig returns the configuration for a deployment scenario:
// "system", "user", "session" or "development"
func GetRecommendedProcessFileConfig(scenario, appName string) ProcessFileConfig {
	if appName == "" {
		appName = DefaultAppName
	}

	switch scenario {
	case "system":
		return ProcessFileConfig{ServiceContext: SystemService, AppName: appName, UseSubdirectory: true}
	case "session":
		return ProcessFileConfig{ServiceContext: SessionService, AppName: appName, UseSubdirectory: false}
	case "development":
		baseDir, err := os.Getwd()
		if err != nil {
			baseDir = "."
		}
		return ProcessFileConfig{BaseDirectory: baseDir, ServiceContext: UserService, AppName: appName, UseSubdirectory: false}
	default:
		return ProcessFileConfig{ServiceContext: UserService, AppName: appName, UseSubdirectory: true}
	}
}

// BaseDirectory returns the directory all watchdog files are placed in
func (m *ProcessFileManager) BaseDirectory() string {
	baseDir := m.config.BaseDirectory
	if baseDir == "" {
		baseDir = m.contextDirectory()
	}
	if m.config.UseSubdirectory {
		baseDir = filepath.Join(baseDir, m.config.AppName)
	}
	return baseDir
}

func (m *ProcessFileManager) contextDirectory() string {
	switch m.config.ServiceContext {
	case SystemService:
		if runtime.GOOS == "windows" {
			if programData := os.Getenv("ProgramData"); programData != "" {
				return programData
			}
			return "C:\\ProgramData"
		}
		return "/var/lib"
	case SessionService:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	default:
		if configDir, err := os.UserConfigDir(); err == nil {
			return configDir
		}
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
		m.logger.Warnf("Cannot determine user directory, falling back to temp directory")
		return os.TempDir()
	}
}

// SettingsFilePath returns the default settings file location
func (m *ProcessFileManager) SettingsFilePath() string {
	return filepath.Join(m.BaseDirectory(), SettingsFileName)
}

// LockFilePath returns the single-instance lock file location
func (m *ProcessFileManager) LockFilePath() string {
	return filepath.Join(m.BaseDirectory(), LockFileName)
}

// ScreenshotDirectory returns the directory crash screenshots are written to.
// It sits beside the settings file so a custom settings path moves it too.
func ScreenshotDirectory(settingsPath string) string {
	return filepath.Join(filepath.Dir(settingsPath), ScreenshotDirectoryName)
}

// GeneratePIDFilePath returns the PID file path for processID.
// Path separators in processID are replaced so an executable path can be used as the ID.
func (m *ProcessFileManager) GeneratePIDFilePath(processID string) string {
	return filepath.Join(m.BaseDirectory(), sanitizeFileName(processID)+".pid")
}

// WritePIDFile writes pid to the PID file of processID
func (m *ProcessFileManager) WritePIDFile(processID string, pid int) error {
	path := m.GeneratePIDFilePath(processID)
	if err := ValidateDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("path", path)
	}

	m.logger.Debugf("PID file written, path: %s, pid: %d", path, pid)
	return nil
}

// RemovePIDFile removes the PID file of processID; a missing file is not an error
func (m *ProcessFileManager) RemovePIDFile(processID string) error {
	path := m.GeneratePIDFilePath(processID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("path", path)
	}
	return nil
}

// ValidateDirectory ensures the parent directory of filePath exists and is writable
func ValidateDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		if os.IsPermission(err) {
			return errors.NewPermissionError("cannot create directory", err).WithContext("dir", dir)
		}
		return errors.NewIOError("cannot create directory", err).WithContext("dir", dir)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("dir", dir)
	}
	probe.Close()
	os.Remove(probe.Name())

	return nil
}

func sanitizeFileName(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	name = strings.Trim(replacer.Replace(name), "_")
	if name == "" {
		return "process"
	}
	return name
}
