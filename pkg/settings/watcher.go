package settings

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce coalesces the burst of events produced by one save
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads the settings file when it changes on disk.
// The parent directory is watched so atomic replace-by-rename is observed.
type Watcher struct {
	path     string
	logger   logging.Logger
	debounce time.Duration

	w        *fsnotify.Watcher
	lastData []byte
}

// NewWatcher starts watching the directory of path. Run must be called to deliver changes.
func NewWatcher(path string, logger logging.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create watcher")
	}

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrap(err, "failed to watch settings dir")
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		debounce: DefaultDebounce,
		w:        watcher,
	}
	w.lastData, _ = os.ReadFile(path)

	return w, nil
}

// Run delivers every valid settings change to onChange until ctx is done.
// Invalid files are logged and skipped; content identical to the last delivery is ignored.
func (w *Watcher) Run(ctx context.Context, onChange func(*Settings)) error {
	defer w.w.Close()

	var reload <-chan time.Time
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case err, ok := <-w.w.Errors:
			if !ok {
				return errors.New("settings watcher closed")
			}
			w.logger.Warnf("Settings watcher error: %v", err)

		case evt, ok := <-w.w.Events:
			if !ok {
				return errors.New("settings watcher closed")
			}
			if !w.isSettingsEvent(evt) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			w.reload(onChange)
		}
	}
}

func (w *Watcher) isSettingsEvent(evt fsnotify.Event) bool {
	if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
		return false
	}
	return evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload(onChange func(*Settings)) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warnf("Settings file changed but cannot be read, path: %s, error: %v", w.path, err)
		return
	}

	if bytes.Equal(data, w.lastData) {
		w.logger.Debugf("Settings file touched without content change, path: %s", w.path)
		return
	}

	settings, err := Parse(data)
	if err != nil {
		w.logger.Warnf("Settings file changed but is invalid, keeping current settings, path: %s, error: %v", w.path, err)
		return
	}

	w.lastData = data
	w.logger.Infof("Settings file reloaded, path: %s, processes: %d", w.path, len(settings.Processes))
	onChange(settings)
}
