package queue_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/lambdahost/queue"
	"github.com/stretchr/testify/require"
)

// testDriver is a minimal Driver that stops once its stop channel is
// closed (via Close).
type testDriver struct {
	stop   chan struct{}
	busy   atomic.Bool
	ranAny atomic.Bool

	mu     sync.Mutex
	errors []error
}

func newTestDriver() *testDriver { return &testDriver{stop: make(chan struct{})} }

func (d *testDriver) BeginBusy()      { d.busy.Store(true) }
func (d *testDriver) EndBusy()        { d.busy.Store(false) }
func (d *testDriver) Tick() time.Time { return time.Now() }
func (d *testDriver) NextTaskInterruption() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}
func (d *testDriver) NextIdleInterruption() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}
func (d *testDriver) OnTaskError(origin queue.Origin, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, fmt.Errorf("%s: %w", origin, err))
}
func (d *testDriver) Errors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errors...)
}
func (d *testDriver) Close() { close(d.stop) }

func TestQueue_PushRunsTaskInOrder(t *testing.T) {
	q := queue.New()
	driver := newTestDriver()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	q.Push(queue.NewTask(func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	q.Push(queue.NewTask(func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		close(done)
	}))

	go q.Drive(driver)
	defer driver.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to run")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2}, order)
}

func TestQueue_DelayedTaskRunsAfterEarlierScheduledTime(t *testing.T) {
	q := queue.New()
	driver := newTestDriver()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	q.Push(queue.NewTaskAfter(time.Now().Add(50*time.Millisecond), func() {
		mu.Lock()
		order = append(order, "late")
		mu.Unlock()
		close(done)
	}))
	q.Push(queue.NewTask(func() {
		mu.Lock()
		order = append(order, "early")
		mu.Unlock()
	}))

	go q.Drive(driver)
	defer driver.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to run")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"early", "late"}, order)
}

func TestQueue_WaitForEmpty(t *testing.T) {
	q := queue.New()
	driver := newTestDriver()
	go q.Drive(driver)
	defer driver.Close()

	q.Push(queue.NewTask(func() {
		time.Sleep(10 * time.Millisecond)
	}))

	require.True(t, q.WaitForEmpty(2*time.Second))
}

func TestQueue_PanickingTaskIsRecoveredAndReported(t *testing.T) {
	q := queue.New()
	driver := newTestDriver()

	ranAfter := make(chan struct{})
	q.Push(queue.NewTask(func() { panic("boom") }))
	q.Push(queue.NewTask(func() { close(ranAfter) }))

	go q.Drive(driver)
	defer driver.Close()

	select {
	case <-ranAfter:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task after the panic to run")
	}

	require.Eventually(t, func() bool { return len(driver.Errors()) == 1 }, time.Second, 5*time.Millisecond)
	require.ErrorContains(t, driver.Errors()[0], "boom")
}

func TestQueue_PushAfterCloseFails(t *testing.T) {
	q := queue.New()
	q.Close()

	require.ErrorIs(t, q.Push(queue.NewTask(func() {})), queue.ErrQueueClosed)
	require.ErrorIs(t, q.Exec(func() {}), queue.ErrQueueClosed)
}

func TestQueue_ClosePreservesAlreadyQueuedTasks(t *testing.T) {
	q := queue.New()
	driver := newTestDriver()
	done := make(chan struct{})

	require.NoError(t, q.Push(queue.NewTask(func() { close(done) })))
	q.Close()

	go q.Drive(driver)
	defer driver.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for already-queued task to run")
	}
}

func TestQueue_SizeTracksPendingTasks(t *testing.T) {
	q := queue.New()
	require.EqualValues(t, 0, q.Size())

	released := make(chan struct{})
	q.Push(queue.NewTask(func() { <-released }))
	require.EqualValues(t, 1, q.Size())

	driver := newTestDriver()
	go q.Drive(driver)
	defer driver.Close()

	close(released)
	require.Eventually(t, func() bool { return q.Size() == 0 }, 2*time.Second, 5*time.Millisecond)
}
