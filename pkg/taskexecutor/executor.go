// Package taskexecutor runs fire-and-forget actions sequentially on a single
// background worker. A failing action is reported through OnError listeners and
// never prevents the actions queued after it from running.
package taskexecutor

import (
	"fmt"
	"sync"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
	"github.com/core-tools/hsu-watchdog/pkg/logging"
)

// Action is a unit of work. A returned error is forwarded to OnError listeners.
type Action func() error

// ErrorHandler receives the error of a failed action
type ErrorHandler func(err error)

type TaskExecutor struct {
	logger logging.Logger

	mutex     sync.Mutex
	cond      *sync.Cond
	queue     []Action
	submitted uint64
	completed uint64
	closing   bool

	handlersMutex sync.Mutex
	handlers      map[uint64]ErrorHandler
	nextHandlerID uint64

	workerDone chan struct{}
}

// New creates an executor and starts its worker
func New(logger logging.Logger) *TaskExecutor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &TaskExecutor{
		logger:     logger,
		handlers:   make(map[uint64]ErrorHandler),
		workerDone: make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mutex)

	go e.worker()

	return e
}

// Accept enqueues action for execution and returns immediately.
// Actions accepted after Close has begun are dropped without running.
func (e *TaskExecutor) Accept(action Action) {
	if action == nil {
		return
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.closing {
		e.logger.Debugf("Task executor is shutting down, action dropped")
		return
	}

	e.queue = append(e.queue, action)
	e.submitted++
	e.cond.Broadcast()
}

// Wait blocks until every action accepted before the call has completed.
// It must not be called from an action: the worker would wait on itself.
func (e *TaskExecutor) Wait() {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	target := e.submitted
	for e.completed < target {
		e.cond.Wait()
	}
}

// Close stops accepting actions, waits for the queue to drain and stops the worker.
// In-flight actions are never interrupted. Close is idempotent.
// It must not be called from an action running on this executor.
func (e *TaskExecutor) Close() {
	e.mutex.Lock()
	e.closing = true
	e.cond.Broadcast()
	e.mutex.Unlock()

	<-e.workerDone
}

// Pending returns the number of accepted actions that have not completed yet
func (e *TaskExecutor) Pending() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return int(e.submitted - e.completed)
}

// OnError registers a handler invoked on the worker goroutine once per failing action.
// The returned function unregisters the handler.
func (e *TaskExecutor) OnError(handler ErrorHandler) func() {
	e.handlersMutex.Lock()
	defer e.handlersMutex.Unlock()

	id := e.nextHandlerID
	e.nextHandlerID++
	e.handlers[id] = handler

	return func() {
		e.handlersMutex.Lock()
		defer e.handlersMutex.Unlock()
		delete(e.handlers, id)
	}
}

func (e *TaskExecutor) worker() {
	defer close(e.workerDone)

	for {
		action, ok := e.next()
		if !ok {
			return
		}

		if err := e.run(action); err != nil {
			e.logger.Warnf("Task executor action failed: %v", err)
			e.notifyError(err)
		}

		e.mutex.Lock()
		e.completed++
		e.cond.Broadcast()
		e.mutex.Unlock()
	}
}

// next blocks until an action is available; ok is false once closing and drained
func (e *TaskExecutor) next() (Action, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for len(e.queue) == 0 {
		if e.closing {
			return nil, false
		}
		e.cond.Wait()
	}

	action := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return action, true
}

func (e *TaskExecutor) run(action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if panicErr, ok := r.(error); ok {
				err = panicErr
				return
			}
			err = errors.NewInternalError(fmt.Sprintf("action panicked: %v", r), nil)
		}
	}()

	return action()
}

func (e *TaskExecutor) notifyError(err error) {
	e.handlersMutex.Lock()
	handlers := make([]ErrorHandler, 0, len(e.handlers))
	for id := uint64(0); id < e.nextHandlerID; id++ {
		if handler, exists := e.handlers[id]; exists {
			handlers = append(handlers, handler)
		}
	}
	e.handlersMutex.Unlock()

	for _, handler := range handlers {
		e.safeNotify(handler, err)
	}
}

func (e *TaskExecutor) safeNotify(handler ErrorHandler, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Task executor error handler panicked: %v", r)
		}
	}()
	handler(err)
}
