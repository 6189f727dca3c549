package processmanagement

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
	"github.com/core-tools/hsu-watchdog/pkg/processmanagement/processstatemachine"
)

// StateChangedEvent is published after every supervision state transition
type StateChangedEvent struct {
	Path      string
	From      processstatemachine.ProcessState
	To        processstatemachine.ProcessState
	Operation string
	Timestamp time.Time
}

// OptionsChangedEvent is published after the configuration of a runner changed
type OptionsChangedEvent struct {
	Path    string
	Options managedprocess.ProcessOptions
}

// ProcessCrashedEvent is published once per unexpected loss of a process that should be running
type ProcessCrashedEvent struct {
	Path       string
	IncidentID string
	PID        int
	ExitCode   int
	Timestamp  time.Time

	// ScreenshotPath is where the crash screenshot is being written, empty if none was requested
	ScreenshotPath string

	RestartScheduled bool
	RestartDelay     time.Duration
}

// ProcessesChangedReason tells why the persisted process list changed
type ProcessesChangedReason string

const (
	ProcessesChangedAdded          ProcessesChangedReason = "added"
	ProcessesChangedRemoved        ProcessesChangedReason = "removed"
	ProcessesChangedOptionsChanged ProcessesChangedReason = "options_changed"
)

// ProcessesChangedEvent signals that the process list returned by Options has changed
type ProcessesChangedEvent struct {
	Reason ProcessesChangedReason
	Path   string
}

type listener[T any] struct {
	id int
	fn func(T)
}

// listenerList is an ordered set of subscribers. Notify calls them in subscription
// order on the caller's goroutine; a panicking listener does not stop the others.
type listenerList[T any] struct {
	mutex     sync.Mutex
	nextID    int
	listeners []listener[T]
	name      string
	logger    logging.Logger
}

func newListenerList[T any](name string, logger logging.Logger) *listenerList[T] {
	return &listenerList[T]{name: name, logger: logger}
}

func (l *listenerList[T]) add(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.nextID++
	id := l.nextID
	l.listeners = append(l.listeners, listener[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listenerList[T]) remove(id int) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i, entry := range l.listeners {
		if entry.id == id {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return
		}
	}
}

func (l *listenerList[T]) clear() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.listeners = nil
}

func (l *listenerList[T]) notify(event T) {
	l.mutex.Lock()
	snapshot := make([]listener[T], len(l.listeners))
	copy(snapshot, l.listeners)
	l.mutex.Unlock()

	for _, entry := range snapshot {
		l.safeCall(entry.fn, event)
	}
}

func (l *listenerList[T]) safeCall(fn func(T), event T) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("Event listener panicked, event: %s, panic: %v", l.name, fmt.Sprint(r))
		}
	}()
	fn(event)
}
