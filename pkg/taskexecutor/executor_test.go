package taskexecutor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const taskDelay = 100 * time.Millisecond

func TestTaskExecutor_WaitForPending(t *testing.T) {
	var flag1, flag2 atomic.Bool

	executor := New(nil)
	executor.Accept(func() error { time.Sleep(taskDelay); flag1.Store(true); return nil })
	executor.Accept(func() error { time.Sleep(taskDelay); flag2.Store(true); return nil })
	executor.Close()

	assert.True(t, flag1.Load())
	assert.True(t, flag2.Load())
}

func TestTaskExecutor_WaitAfterError(t *testing.T) {
	var flag1, flag2 atomic.Bool

	executor := New(nil)
	executor.Accept(func() error {
		time.Sleep(taskDelay)
		return fmt.Errorf("screenshot failed")
	})
	executor.Accept(func() error { time.Sleep(taskDelay); flag2.Store(true); return nil })
	executor.Close()

	assert.False(t, flag1.Load())
	assert.True(t, flag2.Load())
}

func TestTaskExecutor_ContinuesAfterPanic(t *testing.T) {
	var flag atomic.Bool
	var received []error
	var mu sync.Mutex

	executor := New(nil)
	executor.OnError(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, err)
	})

	executor.Accept(func() error { panic("capture crashed") })
	executor.Accept(func() error { flag.Store(true); return nil })
	executor.Close()

	assert.True(t, flag.Load())
	require.Len(t, received, 1)
	assert.True(t, errors.IsInternalError(received[0]))
	assert.Contains(t, received[0].Error(), "capture crashed")
}

func TestTaskExecutor_ErrorIdentity(t *testing.T) {
	ex1 := fmt.Errorf("no active desktop session")
	var ex2 error

	executor := New(nil)
	executor.OnError(func(err error) { ex2 = err })
	executor.Accept(func() error {
		time.Sleep(taskDelay)
		return ex1
	})
	executor.Close()

	assert.Same(t, ex1, ex2)
}

func TestTaskExecutor_PanicErrorIdentity(t *testing.T) {
	ex1 := fmt.Errorf("thrown")
	var ex2 error

	executor := New(nil)
	executor.OnError(func(err error) { ex2 = err })
	executor.Accept(func() error { panic(ex1) })
	executor.Close()

	assert.Same(t, ex1, ex2)
}

func TestTaskExecutor_ClosedAccess(t *testing.T) {
	var flag1, flag2 atomic.Bool

	executor := New(nil)
	executor.Close()
	executor.Accept(func() error { time.Sleep(taskDelay); flag1.Store(true); return nil })
	executor.Accept(func() error { time.Sleep(taskDelay); flag2.Store(true); return nil })
	executor.Wait()
	executor.Close()

	assert.False(t, flag1.Load())
	assert.False(t, flag2.Load())
	assert.Equal(t, 0, executor.Pending())
}

func TestTaskExecutor_WaitEmptyQueue(t *testing.T) {
	executor := New(nil)
	defer executor.Close()

	done := make(chan struct{})
	go func() {
		executor.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait on an empty queue should return immediately")
	}
}

func TestTaskExecutor_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	executor := New(nil)
	defer executor.Close()

	for i := 0; i < 50; i++ {
		i := i
		executor.Accept(func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		})
	}
	executor.Wait()

	require.Len(t, order, 50)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestTaskExecutor_WaitIsBarrierOnly(t *testing.T) {
	release := make(chan struct{})
	var second atomic.Bool

	executor := New(nil)
	executor.Accept(func() error { <-release; return nil })

	waitDone := make(chan struct{})
	go func() {
		executor.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		t.Fatal("Wait returned before the pending action completed")
	case <-time.After(taskDelay):
	}

	close(release)
	<-waitDone

	executor.Accept(func() error { second.Store(true); return nil })
	executor.Close()
	assert.True(t, second.Load())
}

func TestTaskExecutor_Unsubscribe(t *testing.T) {
	var calls atomic.Int32

	executor := New(nil)
	unsubscribe := executor.OnError(func(err error) { calls.Add(1) })

	executor.Accept(func() error { return fmt.Errorf("first") })
	executor.Wait()
	unsubscribe()
	executor.Accept(func() error { return fmt.Errorf("second") })
	executor.Close()

	assert.Equal(t, int32(1), calls.Load())
}

func TestTaskExecutor_CloseIsIdempotent(t *testing.T) {
	executor := New(nil)
	executor.Close()

	assert.NotPanics(t, func() { executor.Close() })
}
