// Package runctx implements two execution contexts: a single-threaded Sync
// context driving a queue.Queue on a dedicated goroutine, and a
// parallel-worker Async context adapted from a microbatch ping/pong
// handoff.
package runctx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/lambdahost/clock"
	"github.com/joeycumines/lambdahost/hostlog"
	"github.com/joeycumines/lambdahost/queue"
)

type syncConfig struct {
	clock  clock.Clock
	onIdle func()
	logger hostlog.Logger
}

// SyncOption configures a Sync context at construction time.
type SyncOption func(*syncConfig)

// WithSyncClock overrides the clock used to schedule delayed tasks and to
// drive the underlying queue.Queue. Defaults to clock.Default.
func WithSyncClock(c clock.Clock) SyncOption {
	return func(cfg *syncConfig) { cfg.clock = c }
}

// WithSyncOnIdle registers a callback fired every time the Sync context's
// live-task count reaches zero (i.e. every queued task, including any
// already-scheduled delayed ones, has run to completion). This is the
// lambda coordinator's garbage-collection hint.
func WithSyncOnIdle(f func()) SyncOption {
	return func(cfg *syncConfig) { cfg.onIdle = f }
}

// WithSyncLogger attaches a Logger used for diagnostics.
func WithSyncLogger(l hostlog.Logger) SyncOption {
	return func(cfg *syncConfig) { cfg.logger = l }
}

// Sync is a single-threaded execution context: every pushed function runs,
// one at a time, on a single dedicated goroutine, in scheduled-time order.
type Sync struct {
	q         *queue.Queue
	clock     clock.Clock
	onIdle    func()
	logger    hostlog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	liveTasks atomic.Int64
}

// NewSync constructs a Sync context and starts its driver goroutine.
// Call Close to stop it.
func NewSync(options ...SyncOption) *Sync {
	cfg := syncConfig{clock: clock.Default, logger: hostlog.Discard}
	for _, o := range options {
		o(&cfg)
	}

	s := &Sync{
		q:      queue.New(),
		clock:  cfg.clock,
		onIdle: cfg.onIdle,
		logger: cfg.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		s.q.Drive(s)
	}()

	return s
}

// Push schedules f to run on the Sync context's goroutine, as soon as
// every previously-pushed task with an earlier-or-equal scheduled time has
// run. Returns queue.ErrQueueClosed, without scheduling f, once Close has
// been called.
func (s *Sync) Push(f func()) error {
	s.liveTasks.Add(1)
	err := s.q.Exec(func() {
		defer s.taskDone()
		f()
	})
	if err != nil {
		s.taskDone()
		return err
	}
	return nil
}

// PushAfter schedules f to run no sooner than d from now, on the Sync
// context's goroutine. f receives the Sync so it can push further work
// without capturing it. Returns queue.ErrQueueClosed, without scheduling f,
// once Close has been called.
func (s *Sync) PushAfter(d time.Duration, f func(*Sync)) error {
	s.liveTasks.Add(1)
	err := s.q.Push(queue.NewTaskAfter(s.clock.Now().Add(d), func() {
		defer s.taskDone()
		f(s)
	}))
	if err != nil {
		s.taskDone()
		return err
	}
	return nil
}

// Exec is an alias for Push.
func (s *Sync) Exec(f func()) error { return s.Push(f) }

// Submit implements future.Submitter. Unlike Push, it has no return value
// to report a closed-queue rejection through, so it logs one via s.logger
// instead of dropping it silently.
func (s *Sync) Submit(f func()) {
	if err := s.Push(f); err != nil {
		s.logger.Push(hostlog.Item{
			Level:    hostlog.LevelWarn,
			Message:  fmt.Sprintf("runctx: submit rejected: %v", err),
			Location: hostlog.Caller(1),
		})
	}
}

func (s *Sync) taskDone() {
	if s.liveTasks.Add(-1) == 0 && s.onIdle != nil {
		s.onIdle()
	}
}

// LiveTasks returns the number of tasks currently pushed but not yet
// finished running (including ones still waiting on their scheduled time).
func (s *Sync) LiveTasks() int64 { return s.liveTasks.Load() }

// Close stops the driver goroutine and waits for it to exit, and marks the
// underlying queue closed so any further Push/PushAfter/Exec call fails
// with queue.ErrQueueClosed instead of silently queueing work nothing will
// ever drain. Any tasks still queued (including delayed ones) are
// abandoned.
func (s *Sync) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.q.Close()
		s.q.Wake()
	})
	<-s.done
}

// OnTaskError implements queue.Driver: a panicking task is logged via
// s.logger instead of crashing the driver goroutine.
func (s *Sync) OnTaskError(origin queue.Origin, err error) {
	s.logger.Push(hostlog.Item{
		Level:     hostlog.LevelError,
		Message:   fmt.Sprintf("runctx: task from %s panicked", origin),
		Location:  hostlog.SourceLocation{File: origin.File, Line: origin.Line},
		Exception: err,
	})
}

// BeginBusy implements queue.Driver.
func (s *Sync) BeginBusy() {}

// EndBusy implements queue.Driver.
func (s *Sync) EndBusy() {}

// Tick implements queue.Driver.
func (s *Sync) Tick() time.Time { return s.clock.Now() }

// NextIdleInterruption implements queue.Driver: true once Close has been
// called.
func (s *Sync) NextIdleInterruption() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// NextTaskInterruption implements queue.Driver: identical to
// NextIdleInterruption, since Sync has no separate "pause running tasks
// but keep waiting" signal.
func (s *Sync) NextTaskInterruption() bool { return s.NextIdleInterruption() }
