// Package lambda implements the scripted-lambda coordinator: it pairs a
// compiled script body with an input queue and a Sync Context, driving
// resumes according to the resume-decision procedure, and exposes the
// recv/send/sleep/trace/info/warn/error/udata operations a running script
// calls back into.
package lambda

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/joeycumines/lambdahost/hostlog"
	"github.com/joeycumines/lambdahost/observer"
	"github.com/joeycumines/lambdahost/runctx"
	"github.com/joeycumines/lambdahost/script"
)

// Value is the tagged-union value every Lambda exchanges with its
// producers and consumers.
type Value = script.Value

// Maker is the input side of a Lambda's value interface: a broadcaster a
// Lambda registers against to receive Values.
type Maker = observer.Target[Value]

// Taker receives Values produced by a Lambda.
type Taker func(Value)

// ThreadState is a diagnostic view of what a Lambda's script thread is
// currently doing.
type ThreadState int

const (
	ThreadPaused ThreadState = iota
	ThreadScheduled
	ThreadRunning
	ThreadDone
	ThreadAborted
)

// String implements fmt.Stringer.
func (s ThreadState) String() string {
	switch s {
	case ThreadPaused:
		return "paused"
	case ThreadScheduled:
		return "scheduled"
	case ThreadRunning:
		return "running"
	case ThreadDone:
		return "done"
	case ThreadAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Config supplies a Lambda's collaborators and its compiled source.
type Config struct {
	// Name and Source identify and provide the script body to compile.
	Name, Source string
	// Sync is the execution context every resume and script-exposed
	// operation runs on.
	Sync *runctx.Sync
	// Logger receives trace/info/warn/error calls and any host-side
	// failures. Defaults to hostlog.Discard.
	Logger hostlog.Logger
	// Runtime compiles and runs the script body.
	Runtime script.Runtime
	// Maker is registered against immediately, if non-nil, so the Lambda
	// begins receiving Values right away.
	Maker *Maker
	// Taker receives Values the script sends.
	Taker Taker
}

// Lambda pairs a compiled script body with an input queue, driving resumes
// on a Sync Context and forwarding script output to a Taker. It implements
// observer.Observer[Value] so it can register directly against a Maker,
// and script.HostOps so it can serve as a Thread's context object.
type Lambda struct {
	sync     *runctx.Sync
	logger   hostlog.Logger
	runtime  script.Runtime
	compiled script.CompiledFunction
	taker    Taker

	mu            sync.Mutex
	pending       []Value
	recvCount     int64
	thread        script.Thread
	threadState   ThreadState
	ctxValue      Value
	ctxHandle     script.Handle
	udataHandle   script.Handle
	awaitingValue bool
	runModified   bool
	exitCount     int64
	abortCount    int64
	destroyed     bool
}

var _ observer.Observer[Value] = (*Lambda)(nil)
var _ script.HostOps = (*Lambda)(nil)

// New compiles source and constructs a Lambda, registering it against
// cfg.Maker immediately if one is supplied.
func New(cfg Config) (*Lambda, error) {
	fn, err := cfg.Runtime.CompileLambda(cfg.Name, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("lambda: compile %s: %w", cfg.Name, err)
	}
	l := &Lambda{
		sync:     cfg.Sync,
		logger:   cfg.Logger,
		runtime:  cfg.Runtime,
		compiled: fn,
		taker:    cfg.Taker,
	}
	if l.logger == nil {
		l.logger = hostlog.Discard
	}
	if cfg.Maker != nil {
		cfg.Maker.Register(l)
	}
	return l, nil
}

// RecvCount is the number of values popped from the input queue so far.
func (l *Lambda) RecvCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recvCount
}

// ExitCount is the number of thread lifetimes that ran to completion.
func (l *Lambda) ExitCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitCount
}

// AbortCount is the number of thread lifetimes that raised an uncaught
// error.
func (l *Lambda) AbortCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abortCount
}

// State reports what the Lambda's thread is currently doing.
func (l *Lambda) State() ThreadState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.threadState
}

// Notify implements observer.Observer[Value]: a published input Value is
// enqueued and a resume evaluation is scheduled on the Sync Context.
func (l *Lambda) Notify(v Value) { l.push(v) }

// NotifyMove implements observer.Observer[Value].
func (l *Lambda) NotifyMove(v Value) { l.push(v) }

// NotifyDestruction implements observer.Observer[Value]: the Maker this
// Lambda was registered against has torn down, so it releases its handles.
func (l *Lambda) NotifyDestruction() {
	l.sync.Push(l.teardown)
}

func (l *Lambda) push(v Value) {
	l.mu.Lock()
	l.pending = append(l.pending, v)
	if l.thread != nil {
		l.runModified = true
	}
	l.mu.Unlock()
	l.sync.Push(l.evaluate)
}

func (l *Lambda) teardown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return
	}
	l.destroyed = true
	if l.ctxHandle != nil {
		l.ctxHandle.Release()
	}
	if l.udataHandle != nil {
		l.udataHandle.Release()
	}
}

// evaluate implements the resume-decision procedure: always called on the
// Sync Context, so every field access here is already serialized.
func (l *Lambda) evaluate() {
	l.mu.Lock()
	if l.destroyed || len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}

	if l.ctxValue.Kind() == script.KindNull {
		handle, err := l.runtime.NewHandle(l)
		if err != nil {
			l.mu.Unlock()
			l.logHostError("build context", err)
			return
		}
		l.ctxHandle = handle
		l.ctxValue = script.SharedData(script.HostOps(l))
	}

	switch {
	case l.thread != nil && l.awaitingValue:
		v := l.pending[0]
		l.pending = l.pending[1:]
		l.recvCount++
		l.awaitingValue = false
		l.runModified = true
		l.threadState = ThreadRunning
		thread := l.thread
		l.mu.Unlock()
		l.resume(thread, v)

	case l.thread != nil:
		// Paused for some other reason (e.g. sleep); whatever scheduled
		// that resume owns waking it.
		l.mu.Unlock()

	default:
		ctxValue := l.ctxValue
		l.runModified = false
		l.threadState = ThreadScheduled
		l.mu.Unlock()

		thread, err := l.runtime.NewThread(l.compiled)
		if err != nil {
			l.logHostError("spawn thread", err)
			return
		}
		l.mu.Lock()
		l.thread = thread
		l.threadState = ThreadRunning
		l.mu.Unlock()
		l.resume(thread, ctxValue)
	}
}

func (l *Lambda) resume(thread script.Thread, arg Value) {
	outcome, err := thread.Resume(context.Background(), arg)
	switch outcome {
	case script.Yielded:
		l.onYielded(thread, err)
	case script.Exited:
		l.onExited(err)
	default:
		l.onAborted(err)
	}
}

func (l *Lambda) onYielded(thread script.Thread, err error) {
	if err != nil {
		l.onAborted(err)
		return
	}
	op, ok := thread.PopValue()
	if !ok {
		l.logHostError("yield", fmt.Errorf("thread yielded without a descriptor value"))
		return
	}
	kind, _ := op.Get("op")
	tag, _ := kind.Bytes()

	switch string(tag) {
	case "recv":
		l.mu.Lock()
		l.threadState = ThreadPaused
		l.awaitingValue = true
		l.mu.Unlock()
		l.sync.Push(l.evaluate)

	case "sleep":
		l.mu.Lock()
		l.threadState = ThreadPaused
		l.mu.Unlock()
		msV, _ := op.Get("ms")
		ms, _ := msV.Int()
		l.sync.PushAfter(time.Duration(ms)*time.Millisecond, func(*runctx.Sync) {
			l.mu.Lock()
			if l.destroyed {
				l.mu.Unlock()
				return
			}
			l.threadState = ThreadRunning
			thread := l.thread
			l.mu.Unlock()
			l.resume(thread, script.Null())
		})

	default:
		l.logHostError("yield", fmt.Errorf("unrecognised yield descriptor %q", string(tag)))
	}
}

func (l *Lambda) onExited(err error) {
	if err != nil {
		l.logHostError("exit", err)
	}
	l.mu.Lock()
	l.exitCount++
	l.thread = nil
	l.threadState = ThreadDone
	shouldRetry := l.runModified && len(l.pending) > 0
	l.runModified = false
	l.mu.Unlock()
	l.tryResume(shouldRetry)
}

func (l *Lambda) onAborted(err error) {
	l.log(hostlog.LevelError, fmt.Sprintf("lambda: script aborted: %v", err))
	l.mu.Lock()
	l.abortCount++
	l.thread = nil
	l.threadState = ThreadAborted
	shouldRetry := l.runModified && len(l.pending) > 0
	l.runModified = false
	l.mu.Unlock()
	l.tryResume(shouldRetry)
}

func (l *Lambda) tryResume(shouldRetry bool) {
	if shouldRetry {
		l.sync.Push(l.evaluate)
	}
}

func (l *Lambda) logHostError(what string, err error) {
	l.log(hostlog.LevelError, fmt.Sprintf("lambda: %s: %v", what, err))
}

func (l *Lambda) log(level hostlog.Level, msg string) {
	l.logger.Push(hostlog.Item{Level: level, Message: msg, Location: hostlog.Caller(2)})
}

// Recv implements script.HostOps: it builds the descriptor a script yields
// to await the next input value. Popping the queue happens later, when the
// resume decision procedure observes awaitingValue.
func (l *Lambda) Recv() Value {
	return script.Object(script.Field{Key: "op", Value: script.Buffer([]byte("recv"))})
}

// Sleep implements script.HostOps: it builds the descriptor a script
// yields to pause for ms milliseconds.
func (l *Lambda) Sleep(ms int64) Value {
	return script.Object(
		script.Field{Key: "op", Value: script.Buffer([]byte("sleep"))},
		script.Field{Key: "ms", Value: script.Integer(ms)},
	)
}

// Send implements script.HostOps: it enqueues a Sync Context task that
// forwards v to the Taker.
func (l *Lambda) Send(v Value) {
	l.sync.Push(func() {
		if l.taker != nil {
			l.taker(v)
		}
	})
}

// Trace implements script.HostOps.
func (l *Lambda) Trace(msg string) { l.log(hostlog.LevelTrace, msg) }

// Info implements script.HostOps.
func (l *Lambda) Info(msg string) { l.log(hostlog.LevelInfo, msg) }

// Warn implements script.HostOps.
func (l *Lambda) Warn(msg string) { l.log(hostlog.LevelWarn, msg) }

// Error implements script.HostOps.
func (l *Lambda) Error(msg string) { l.log(hostlog.LevelError, msg) }

// UDataCreated implements script.HostOps: called the first time a Runtime
// lazily materializes the script-visible scratch table, so its registry
// lifetime is tracked alongside the rest of the Lambda's handles.
func (l *Lambda) UDataCreated() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.udataHandle != nil {
		return
	}
	handle, err := l.runtime.NewHandle(struct{}{})
	if err != nil {
		return
	}
	l.udataHandle = handle
}
