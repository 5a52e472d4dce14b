// Package queue implements a generic priority task queue: a thread-safe,
// monotonic-time-ordered, multi-producer/single-consumer queue of Tasks,
// driven by a Driver-interruptible Drive loop, built on container/heap the
// same way an event loop's timer heap is.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Push/Exec once Close has been called: the
// queue accepts no further tasks, though whatever was already queued is
// still drained by Drive.
var ErrQueueClosed = errors.New("queue: push on a closed queue")

// Origin is the call-site a Task was created at, captured via
// runtime.Caller, for use in diagnostics and panic-wrapping.
type Origin struct {
	File string
	Line int
}

func (o Origin) String() string {
	if o.File == "" {
		return "unknown origin"
	}
	return fmt.Sprintf("%s:%d", o.File, o.Line)
}

func callerOrigin(skip int) Origin {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Origin{}
	}
	return Origin{File: file, Line: line}
}

// Task is a single unit of work scheduled to run no earlier than a given
// time. Tasks are ordered by that time; ties are broken by insertion
// sequence (earliest push wins), matching std::priority_queue's stable
// behaviour for equal keys given a monotonically-increasing sequence
// counter.
type Task struct {
	after    time.Time
	action   func()
	origin   Origin
	sequence uint64
}

// NewTask creates a Task that becomes runnable immediately (as soon as the
// Drive loop reaches it).
func NewTask(action func()) Task {
	return Task{action: action, origin: callerOrigin(1)}
}

// NewTaskAfter creates a Task that does not become runnable until after the
// given time.
func NewTaskAfter(after time.Time, action func()) Task {
	return Task{after: after, action: action, origin: callerOrigin(1)}
}

// After returns the time this Task becomes runnable.
func (t Task) After() time.Time { return t.after }

// Origin returns the call site that created this Task.
func (t Task) Origin() Origin { return t.origin }

// run invokes the task's action, recovering a panic into an error rather
// than letting it unwind past the Drive loop.
func (t Task) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	t.action()
	return nil
}

// taskHeap implements container/heap.Interface, ordering by After(), with
// ties broken by sequence (FIFO for equal times).
type taskHeap []Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].after.Equal(h[j].after) {
		return h[i].sequence < h[j].sequence
	}
	return h[i].after.Before(h[j].after)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(Task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Driver supplies the clock and interruption policy a Queue is driven
// with. BeginBusy/EndBusy bracket each burst of task execution; Tick
// supplies "now"; NextIdleInterruption/NextTaskInterruption let the driver
// break out of Drive's outer/inner loops (e.g. on shutdown).
type Driver interface {
	// BeginBusy is called once before a burst of task execution begins.
	BeginBusy()
	// EndBusy is called once after a burst of task execution ends.
	EndBusy()
	// Tick returns the current time, per the driver's clock.
	Tick() time.Time
	// NextIdleInterruption reports whether Drive should return instead of
	// waiting for more work.
	NextIdleInterruption() bool
	// NextTaskInterruption reports whether Drive should stop running tasks
	// and go back to waiting, even if runnable tasks remain.
	NextTaskInterruption() bool
	// OnTaskError is called from the Drive loop when a task panics, instead
	// of letting the panic cross the driver boundary. origin identifies the
	// panicking Task's call site. OnTaskError must not itself panic.
	OnTaskError(origin Origin, err error)
}

// Queue is a thread-safe, time-ordered task queue. The zero value is ready
// to use.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  taskHeap
	seq    uint64
	size   atomic.Int64
	closed bool
}

// New constructs a ready-to-use Queue. Using the zero value directly (after
// taking its address) is also valid.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) ensureCond() {
	if q.cond == nil {
		q.cond = sync.NewCond(&q.mu)
	}
}

// Push enqueues task. Safe to call from any goroutine. Returns
// ErrQueueClosed, without enqueueing, if Close has already been called.
func (q *Queue) Push(task Task) error {
	q.mu.Lock()
	q.ensureCond()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	task.sequence = q.seq
	q.seq++
	heap.Push(&q.tasks, task)
	q.size.Add(1)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// Exec is a convenience wrapper around Push for an immediately-runnable
// task, preserving the caller's origin. Returns ErrQueueClosed, without
// enqueueing, if Close has already been called.
func (q *Queue) Exec(action func()) error {
	q.mu.Lock()
	q.ensureCond()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	t := Task{action: action, origin: callerOrigin(1), sequence: q.seq}
	q.seq++
	heap.Push(&q.tasks, t)
	q.size.Add(1)
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}

// Wake unblocks any goroutine currently waiting inside Drive, causing it to
// re-check its Driver's interruption predicates. Safe to call from any
// goroutine.
func (q *Queue) Wake() {
	q.mu.Lock()
	q.ensureCond()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Close marks the queue closed: further Push/Exec calls fail with
// ErrQueueClosed, though tasks already queued are still drained by Drive.
// Safe to call from any goroutine, and idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.ensureCond()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Size returns the number of tasks currently queued (not yet run).
func (q *Queue) Size() int64 { return q.size.Load() }

// WaitForEmpty blocks until the queue is empty, or the timeout elapses,
// returning true if the queue was (or became) empty.
func (q *Queue) WaitForEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensureCond()
	for len(q.tasks) != 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return len(q.tasks) == 0
		}
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}
	return true
}

func (q *Queue) sleeping(now time.Time) bool {
	return len(q.tasks) == 0 || q.tasks[0].after.After(now)
}

func (q *Queue) nextAwake() (time.Time, bool) {
	if len(q.tasks) == 0 {
		return time.Time{}, false
	}
	return q.tasks[0].after, true
}

// farFuture is the sentinel "no deadline" value used when comparing
// optional awake times.
var farFuture = time.Unix(1<<61, 0)

func timeOrMax(t time.Time, has bool) time.Time {
	if !has {
		return farFuture
	}
	return t
}

// waitUntil blocks on q.cond (q.mu must be held) until pred reports true.
func (q *Queue) waitUntil(pred func() bool) {
	for !pred() {
		q.cond.Wait()
	}
}

// waitFor blocks on q.cond (q.mu must be held) until pred reports true or d
// elapses.
func (q *Queue) waitFor(d time.Duration, pred func() bool) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	timer := time.AfterFunc(d, q.cond.Broadcast)
	defer timer.Stop()
	for !pred() {
		if !time.Now().Before(deadline) {
			return
		}
		q.cond.Wait()
	}
}

// Drive runs the queue's main loop against driver, until
// driver.NextIdleInterruption() reports true. It is intended to be called
// from a single dedicated goroutine; see runctx.Sync.
func (q *Queue) Drive(driver Driver) {
	q.mu.Lock()
	q.ensureCond()
	q.mu.Unlock()

	for !driver.NextIdleInterruption() {
		driver.BeginBusy()
		for !driver.NextTaskInterruption() {
			q.mu.Lock()
			if q.sleeping(driver.Tick()) {
				q.mu.Unlock()
				break
			}
			task := heap.Pop(&q.tasks).(Task)
			q.size.Add(-1)
			q.mu.Unlock()

			if err := task.run(); err != nil {
				driver.OnTaskError(task.origin, err)
			}
		}
		driver.EndBusy()

		q.mu.Lock()
		q.cond.Broadcast()

		until, hasUntil := q.nextAwake()
		pred := func() bool {
			nowAwake, nowHas := q.nextAwake()
			return !q.sleeping(driver.Tick()) ||
				timeOrMax(until, hasUntil).After(timeOrMax(nowAwake, nowHas)) ||
				driver.NextIdleInterruption()
		}
		if hasUntil {
			q.waitFor(until.Sub(driver.Tick()), pred)
		} else {
			q.waitUntil(pred)
		}
		q.mu.Unlock()
	}
}
