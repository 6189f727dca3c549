package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	settings, err := Parse([]byte(""))
	require.NoError(t, err)

	assert.Equal(t, DefaultMonitorInterval, settings.Watchdog.MonitorInterval)
	assert.Equal(t, DefaultLogLevel, settings.Watchdog.LogLevel)
	assert.Equal(t, DefaultForceShutdownTimeout, settings.Watchdog.ForceShutdownTimeout)
	assert.True(t, settings.Watchdog.IsSingleInstance())
	assert.True(t, settings.Watchdog.IsWatchSettings())
	assert.NotNil(t, settings.Processes)
	assert.Empty(t, settings.Processes)
}

func TestParse_Full(t *testing.T) {
	data := `
watchdog:
  monitor_interval: 500ms
  log_level: debug
  force_shutdown_timeout: 5s
  single_instance: false
  screenshot_directory: /var/shots
processes:
  - path: /opt/game/server
    arguments: ["-port", "7777"]
    screenshot_enabled: true
  - path: /opt/game/relay
    enabled: false
`
	settings, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, settings.Watchdog.MonitorInterval)
	assert.Equal(t, "debug", settings.Watchdog.LogLevel)
	assert.False(t, settings.Watchdog.IsSingleInstance())
	assert.Equal(t, "/var/shots", settings.Watchdog.ScreenshotDirectory)
	require.Len(t, settings.Processes, 2)
	assert.True(t, settings.Processes[0].ScreenshotEnabled)
	assert.False(t, settings.Processes[1].IsEnabled())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		errorMsg string
	}{
		{
			name:     "unknown field",
			data:     "watchdog:\n  poll: 1s\n",
			errorMsg: "failed to parse YAML settings",
		},
		{
			name:     "interval too small",
			data:     "watchdog:\n  monitor_interval: 1ms\n",
			errorMsg: "monitor interval too small",
		},
		{
			name:     "bad log level",
			data:     "watchdog:\n  log_level: loud\n",
			errorMsg: "invalid log level",
		},
		{
			name:     "empty process path",
			data:     "processes:\n  - arguments: [x]\n",
			errorMsg: "invalid process at index 0",
		},
		{
			name:     "duplicate path",
			data:     "processes:\n  - path: /bin/a\n  - path: /bin/a\n",
			errorMsg: "duplicate process path at index 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestLoadOrCreate_CreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog", "settings.yaml")

	settings, created, err := LoadOrCreate(path, nil)
	require.NoError(t, err)

	assert.True(t, created)
	assert.FileExists(t, path)
	assert.Equal(t, DefaultMonitorInterval, settings.Watchdog.MonitorInterval)

	_, created, err = LoadOrCreate(path, nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	disabled := false

	original := Default()
	original.Processes = []managedprocess.ProcessOptions{
		{Path: "/opt/app/server", Arguments: []string{"--verbose"}, ScreenshotEnabled: true},
		{Path: "/opt/app/worker", Enabled: &disabled, GracefulTimeout: 3 * time.Second},
	}

	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be renamed into place")
}

func TestWatcher_DeliversValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, Save(path, Default()))

	watcher, err := NewWatcher(path, nil)
	require.NoError(t, err)
	watcher.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Settings, 4)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx, func(s *Settings) { changes <- s })
	}()

	// Invalid content is skipped
	require.NoError(t, os.WriteFile(path, []byte("watchdog:\n  log_level: loud\n"), 0644))
	time.Sleep(100 * time.Millisecond)

	updated := Default()
	updated.Processes = []managedprocess.ProcessOptions{{Path: "/opt/app/server"}}
	require.NoError(t, Save(path, updated))

	select {
	case s := <-changes:
		require.Len(t, s.Processes, 1)
		assert.Equal(t, "/opt/app/server", s.Processes[0].Path)
	case <-time.After(5 * time.Second):
		t.Fatal("settings change was not delivered")
	}

	select {
	case s := <-changes:
		t.Fatalf("unexpected extra delivery: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
