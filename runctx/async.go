package runctx

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/lambdahost/hostlog"
	"github.com/joeycumines/lambdahost/queue"
)

type asyncConfig struct {
	workers int
	onIdle  func()
	logger  hostlog.Logger
}

// AsyncOption configures an Async context at construction time.
type AsyncOption func(*asyncConfig)

// WithAsyncWorkers sets the maximum number of batches that may be drained
// concurrently. Defaults to 1 if n <= 0.
func WithAsyncWorkers(n int) AsyncOption {
	return func(cfg *asyncConfig) { cfg.workers = n }
}

// WithAsyncOnIdle registers a callback fired every time the Async
// context's live-task count reaches zero, mirroring WithSyncOnIdle.
func WithAsyncOnIdle(f func()) AsyncOption {
	return func(cfg *asyncConfig) { cfg.onIdle = f }
}

// WithAsyncLogger attaches a Logger used for diagnostics, mirroring
// WithSyncLogger. Defaults to hostlog.Discard.
func WithAsyncLogger(l hostlog.Logger) AsyncOption {
	return func(cfg *asyncConfig) { cfg.logger = l }
}

// Async is a parallel-worker execution context: pushed functions are
// grouped into batches and drained by a small pool of worker goroutines, in
// a fire-and-forget "push a function" shape: the first Push after the
// context goes idle starts a batch; any Push arriving while that batch is
// draining is appended to the *next* batch rather than the current one.
type Async struct {
	mu        sync.Mutex
	pending   []func()
	draining  bool
	closed    bool
	workers   chan struct{}
	onIdle    func()
	logger    hostlog.Logger
	liveTasks atomic.Int64
	wg        sync.WaitGroup
}

// NewAsync constructs a ready-to-use Async context.
func NewAsync(options ...AsyncOption) *Async {
	cfg := asyncConfig{workers: 1, logger: hostlog.Discard}
	for _, o := range options {
		o(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	return &Async{
		workers: make(chan struct{}, cfg.workers),
		onIdle:  cfg.onIdle,
		logger:  cfg.logger,
	}
}

// Push schedules f to run on a worker goroutine: if a batch is draining, f
// joins the next batch, which starts once the current one finishes;
// otherwise f starts a new batch at once. Returns
// queue.ErrQueueClosed, without scheduling f, once Close has been called.
func (a *Async) Push(f func()) error {
	a.liveTasks.Add(1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.taskDone()
		return queue.ErrQueueClosed
	}
	a.pending = append(a.pending, f)
	startBatch := !a.draining
	var batch []func()
	if startBatch {
		a.draining = true
		batch = a.pending
		a.pending = nil
	}
	a.mu.Unlock()

	if startBatch {
		a.wg.Add(1)
		go a.runBatch(batch)
	}
	return nil
}

// Submit implements future.Submitter. Unlike Push, it has no return value
// to report a closed-context rejection through, so it logs one via
// a.logger instead of dropping it silently.
func (a *Async) Submit(f func()) {
	if err := a.Push(f); err != nil {
		a.logger.Push(hostlog.Item{
			Level:    hostlog.LevelWarn,
			Message:  fmt.Sprintf("runctx: submit rejected: %v", err),
			Location: hostlog.Caller(1),
		})
	}
}

func (a *Async) runBatch(batch []func()) {
	defer a.wg.Done()

	a.workers <- struct{}{}
	func() {
		defer func() { <-a.workers }()
		for _, f := range batch {
			a.runOne(f)
		}
	}()

	a.mu.Lock()
	if len(a.pending) > 0 {
		next := a.pending
		a.pending = nil
		a.mu.Unlock()
		a.wg.Add(1)
		go a.runBatch(next)
		return
	}
	a.draining = false
	a.mu.Unlock()
}

func (a *Async) runOne(f func()) {
	defer a.taskDone()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Push(hostlog.Item{
				Level:   hostlog.LevelError,
				Message: fmt.Sprintf("runctx: async task panicked: %v", r),
			})
		}
	}()
	f()
}

func (a *Async) taskDone() {
	if a.liveTasks.Add(-1) == 0 && a.onIdle != nil {
		a.onIdle()
	}
}

// LiveTasks returns the number of tasks pushed but not yet finished.
func (a *Async) LiveTasks() int64 { return a.liveTasks.Load() }

// Close prevents further tasks from being accepted and waits for every
// already-accepted batch to finish draining.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
