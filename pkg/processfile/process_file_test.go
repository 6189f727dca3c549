package processfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ProcessFileMockLogger is a simple mock implementation of Logger for testing
type ProcessFileMockLogger struct{}

func (m *ProcessFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ProcessFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ProcessFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Errorf(format string, args ...interface{})               {}

func TestNewProcessFileManager(t *testing.T) {
	config := ProcessFileConfig{
		ServiceContext: SystemService,
		AppName:        "test-app",
		BaseDirectory:  "/tmp/test",
	}

	manager := NewProcessFileManager(config, &ProcessFileMockLogger{})

	assert.NotNil(t, manager)
	assert.Equal(t, config.ServiceContext, manager.config.ServiceContext)
	assert.Equal(t, config.AppName, manager.config.AppName)
}

func TestNewProcessFileManager_WithDefaults(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{}, nil)

	assert.NotNil(t, manager)
	assert.Equal(t, DefaultAppName, manager.config.AppName)
	assert.Equal(t, UserService, manager.config.ServiceContext)
}

func TestSettingsAndLockPaths(t *testing.T) {
	baseDir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{
		BaseDirectory:   baseDir,
		AppName:         "test-app",
		UseSubdirectory: true,
	}, &ProcessFileMockLogger{})

	assert.Equal(t, filepath.Join(baseDir, "test-app"), manager.BaseDirectory())
	assert.Equal(t, filepath.Join(baseDir, "test-app", SettingsFileName), manager.SettingsFilePath())
	assert.Equal(t, filepath.Join(baseDir, "test-app", LockFileName), manager.LockFilePath())
}

func TestScreenshotDirectory(t *testing.T) {
	settingsPath := filepath.Join("opt", "watchdog", "settings.yaml")

	assert.Equal(t, filepath.Join("opt", "watchdog", ".ScreenShots"), ScreenshotDirectory(settingsPath))
}

func TestContextDirectories(t *testing.T) {
	for _, serviceContext := range []ServiceContext{SystemService, UserService, SessionService} {
		t.Run(string(serviceContext), func(t *testing.T) {
			manager := NewProcessFileManager(ProcessFileConfig{
				ServiceContext:  serviceContext,
				AppName:         "test-app",
				UseSubdirectory: true,
			}, &ProcessFileMockLogger{})

			path := manager.SettingsFilePath()
			assert.Contains(t, path, "test-app")
			assert.True(t, filepath.IsAbs(path) || runtime.GOOS == "windows")
		})
	}
}

func TestGeneratePIDFilePath_WithoutSubdirectory(t *testing.T) {
	testPath := "/tmp/test"
	if runtime.GOOS == "windows" {
		testPath = "C:\\tmp\\test"
	}

	manager := NewProcessFileManager(ProcessFileConfig{
		BaseDirectory:   testPath,
		ServiceContext:  SystemService,
		AppName:         "test-app",
		UseSubdirectory: false,
	}, &ProcessFileMockLogger{})
	path := manager.GeneratePIDFilePath("test-process")

	assert.Contains(t, path, testPath)
	assert.Contains(t, path, "test-process.pid")
	assert.NotContains(t, path, "test-app")
}

func TestGeneratePIDFilePath_ExecutablePathAsID(t *testing.T) {
	baseDir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{BaseDirectory: baseDir}, &ProcessFileMockLogger{})

	path := manager.GeneratePIDFilePath("/usr/bin/game-server")

	assert.Equal(t, baseDir, filepath.Dir(path))
	assert.Equal(t, "usr_bin_game-server.pid", filepath.Base(path))
}

func TestValidateDirectory_CreateDirectory(t *testing.T) {
	testDir := filepath.Join(t.TempDir(), "non-existent")

	err := ValidateDirectory(filepath.Join(testDir, "settings.yaml"))

	assert.NoError(t, err)
	assert.DirExists(t, testDir)
}

func TestValidateDirectory_InvalidPath(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission checks are not reliable on this platform or as root")
	}

	readOnly := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnly, 0555))

	err := ValidateDirectory(filepath.Join(readOnly, "nested", "file"))

	assert.Error(t, err)
}

func TestGetRecommendedProcessFileConfig(t *testing.T) {
	testCases := []struct {
		name               string
		scenario           string
		appName            string
		expectedContext    ServiceContext
		expectedSubdir     bool
		expectedAppName    string
		expectedHasBaseDir bool
	}{
		{
			name:            "system_service",
			scenario:        "system",
			appName:         "my-app",
			expectedContext: SystemService,
			expectedSubdir:  true,
			expectedAppName: "my-app",
		},
		{
			name:            "user_service",
			scenario:        "user",
			appName:         "my-app",
			expectedContext: UserService,
			expectedSubdir:  true,
			expectedAppName: "my-app",
		},
		{
			name:            "session_service",
			scenario:        "session",
			appName:         "my-app",
			expectedContext: SessionService,
			expectedSubdir:  false,
			expectedAppName: "my-app",
		},
		{
			name:               "development",
			scenario:           "development",
			appName:            "my-app",
			expectedContext:    UserService,
			expectedSubdir:     false,
			expectedAppName:    "my-app",
			expectedHasBaseDir: true,
		},
		{
			name:            "empty_app_name_uses_default",
			scenario:        "system",
			appName:         "",
			expectedContext: SystemService,
			expectedSubdir:  true,
			expectedAppName: DefaultAppName,
		},
		{
			name:            "unknown_scenario_defaults_to_user",
			scenario:        "unknown",
			appName:         "my-app",
			expectedContext: UserService,
			expectedSubdir:  true,
			expectedAppName: "my-app",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := GetRecommendedProcessFileConfig(tc.scenario, tc.appName)

			assert.Equal(t, tc.expectedContext, config.ServiceContext)
			assert.Equal(t, tc.expectedSubdir, config.UseSubdirectory)
			assert.Equal(t, tc.expectedAppName, config.AppName)

			if tc.expectedHasBaseDir {
				assert.NotEmpty(t, config.BaseDirectory)
			}
		})
	}
}

func TestProcessFileManager_WriteAndRemovePIDFile(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{
		BaseDirectory:   t.TempDir(),
		ServiceContext:  UserService,
		AppName:         "test-app",
		UseSubdirectory: true,
	}, &ProcessFileMockLogger{})

	require.NoError(t, manager.WritePIDFile("watchdog", 12345))

	pidFilePath := manager.GeneratePIDFilePath("watchdog")
	content, err := os.ReadFile(pidFilePath)
	require.NoError(t, err)
	assert.Equal(t, "12345\n", string(content))

	require.NoError(t, manager.RemovePIDFile("watchdog"))
	assert.NoFileExists(t, pidFilePath)
	assert.NoError(t, manager.RemovePIDFile("watchdog"))
}
