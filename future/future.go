// Package future implements a Future/Completer deferred-value primitive: a
// value that is not yet known, a single producer-side handle used to
// resolve it, and listener-based chaining once it settles.
package future

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrForgotten is the error a Future settles with if every Completer handle
// that could have resolved it is released (via Completer.Release) without
// ever calling Complete or Throw. Go has no destructors, so Release must be
// called explicitly (typically via defer) for this behaviour to trigger —
// see DESIGN.md.
var ErrForgotten = errors.New("future: forgotten (all completers released without a result)")

// state is the settlement state of an internal.
type state int

const (
	pending state = iota
	resolved
	rejected
)

// internal is the shared, refcounted state behind a Future/Completer pair.
type internal[T any] struct {
	mu        sync.Mutex
	state     state
	value     T
	err       error
	listeners []func(Future[T])
	// calling is true while Complete/Throw is dispatching listeners,
	// guarding against a listener reentrantly calling Listen on this
	// same Future.
	calling bool
	refcnt  int64
}

// Future is a read-only handle to a value that may not be available yet.
// The zero value is not usable; obtain one via NewCompleter or Resolved/
// Rejected.
type Future[T any] struct {
	in *internal[T]
}

// Completer is the producer-side handle capable of resolving a Future. It
// must eventually be settled (via Complete or Throw) or explicitly
// released (via Release); releasing the last outstanding Completer handle
// without settling the Future resolves it with ErrForgotten.
type Completer[T any] struct {
	in *internal[T]
}

// NewCompleter creates a new, pending Future/Completer pair. The returned
// Completer holds one reference; call Ref to obtain additional handles
// (e.g. to hand one to each of several goroutines), and Release each handle
// exactly once when done with it.
func NewCompleter[T any]() Completer[T] {
	in := &internal[T]{refcnt: 1}
	return Completer[T]{in: in}
}

// Resolved returns a Future that is already settled with v.
func Resolved[T any](v T) Future[T] {
	return Future[T]{in: &internal[T]{state: resolved, value: v}}
}

// Rejected returns a Future that is already settled with err.
func Rejected[T any](err error) Future[T] {
	return Future[T]{in: &internal[T]{state: rejected, err: err}}
}

// Future returns the Future corresponding to this Completer.
func (c Completer[T]) Future() Future[T] { return Future[T]{in: c.in} }

// Ref returns an additional Completer handle sharing the same underlying
// Future, incrementing its reference count. Each returned handle must be
// released exactly once (directly, or indirectly by settling it).
func (c Completer[T]) Ref() Completer[T] {
	atomic.AddInt64(&c.in.refcnt, 1)
	return c
}

// Release drops this Completer handle. If it was the last outstanding
// handle and the Future is still pending, the Future settles with
// ErrForgotten.
func (c Completer[T]) Release() {
	if atomic.AddInt64(&c.in.refcnt, -1) == 0 {
		c.in.mu.Lock()
		yet := c.in.state == pending
		c.in.mu.Unlock()
		if yet {
			c.Throw(ErrForgotten)
		}
	}
}

// Complete resolves the Future with v. Panics if the Future is already
// settled.
func (c Completer[T]) Complete(v T) Completer[T] {
	c.in.mu.Lock()
	if c.in.state != pending {
		c.in.mu.Unlock()
		panic("future: Complete called on an already-settled Future")
	}
	c.in.state = resolved
	c.in.value = v
	listeners := c.in.listeners
	c.in.listeners = nil
	c.in.calling = true
	c.in.mu.Unlock()

	for _, l := range listeners {
		l(Future[T]{in: c.in})
	}

	c.in.mu.Lock()
	c.in.calling = false
	c.in.mu.Unlock()
	return c
}

// Throw settles the Future with err. Panics if the Future is already
// settled, or if err is nil.
func (c Completer[T]) Throw(err error) Completer[T] {
	if err == nil {
		panic("future: Throw called with a nil error")
	}
	c.in.mu.Lock()
	if c.in.state != pending {
		c.in.mu.Unlock()
		panic("future: Throw called on an already-settled Future")
	}
	c.in.state = rejected
	c.in.err = err
	listeners := c.in.listeners
	c.in.listeners = nil
	c.in.calling = true
	c.in.mu.Unlock()

	for _, l := range listeners {
		l(Future[T]{in: c.in})
	}

	c.in.mu.Lock()
	c.in.calling = false
	c.in.mu.Unlock()
	return c
}

// Run invokes f and settles the Future with its result: Complete on nil
// error, Throw otherwise.
func (c Completer[T]) Run(f func() (T, error)) Completer[T] {
	v, err := f()
	if err != nil {
		return c.Throw(err)
	}
	return c.Complete(v)
}

// Attach keeps ref reachable until the Future settles, by holding a
// reference to it inside a listener closure. Useful for keeping a resource
// alive for exactly as long as an in-flight operation needs it.
func (c Completer[T]) Attach(ref any) Completer[T] {
	c.Future().Listen(func(Future[T]) { _ = ref })
	return c
}

// Submitter schedules a zero-argument function for later execution on some
// execution context (runctx.Sync and runctx.Async both implement this).
type Submitter interface {
	Submit(f func())
}

// RunAsync runs f on async, then schedules completion of the Future (via
// Complete/Throw) back onto sync: the body runs off the driving context,
// but the result is always posted back through sync so observers of the
// Future are never notified from an arbitrary worker goroutine.
func (c Completer[T]) RunAsync(async, sync Submitter, f func() (T, error)) Completer[T] {
	async.Submit(func() {
		v, err := f()
		sync.Submit(func() {
			if err != nil {
				c.Throw(err)
			} else {
				c.Complete(v)
			}
		})
	})
	return c
}

// awaiter is satisfied by any Future[T], regardless of T, since the method
// signature does not mention T.
type awaiter interface {
	onSettled(done func())
}

func (f Future[T]) onSettled(done func()) {
	f.Listen(func(Future[T]) { done() })
}

// RunAfter runs f (settling comp with its result) once every Future in
// waits has settled, regardless of whether each settled successfully. If
// waits is empty, f runs immediately. Each element of waits may be a
// Future of any element type (Future[T] satisfies awaiter for any T).
func RunAfter[T any](comp Completer[T], f func() (T, error), waits ...awaiter) Completer[T] {
	if len(waits) == 0 {
		return comp.Run(f)
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(waits)))
	for _, w := range waits {
		w.onSettled(func() {
			if remaining.Add(-1) == 0 {
				comp.Run(f)
			}
		})
	}
	return comp
}

// Pending reports whether the Future has not yet settled.
func (f Future[T]) Pending() bool {
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	return f.in.state == pending
}

// Done reports whether the Future settled successfully.
func (f Future[T]) Done() bool {
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	return f.in.state == resolved
}

// Err returns the rejection error, or nil if the Future is pending or
// settled successfully.
func (f Future[T]) Err() error {
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	if f.in.state == rejected {
		return f.in.err
	}
	return nil
}

// Value returns the settled value and error. Calling Value on a pending
// Future panics.
func (f Future[T]) Value() (T, error) {
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	switch f.in.state {
	case resolved:
		return f.in.value, nil
	case rejected:
		var zero T
		return zero, f.in.err
	default:
		panic("future: Value called on a pending Future")
	}
}

// Listen registers a listener that is invoked exactly once, when the
// Future settles (immediately, if it is already settled). A listener must
// not call Listen again on the *same* Future from within its own
// invocation — doing so panics. Listening on a different Future from
// within a listener is fine.
func (f Future[T]) Listen(listener func(Future[T])) Future[T] {
	f.in.mu.Lock()
	if f.in.calling {
		f.in.mu.Unlock()
		panic("future: Listen called reentrantly from within a listener on the same Future")
	}
	if f.in.state == pending {
		f.in.listeners = append(f.in.listeners, listener)
		f.in.mu.Unlock()
		return f
	}
	f.in.mu.Unlock()
	listener(f)
	return f
}

// Then registers a listener invoked only if the Future settles
// successfully.
func (f Future[T]) Then(fn func(T)) Future[T] {
	return f.Listen(func(done Future[T]) {
		if v, err := done.Value(); err == nil {
			fn(v)
		}
	})
}

// Catch registers a listener invoked only if the Future settles with an
// error.
func (f Future[T]) Catch(fn func(error)) Future[T] {
	return f.Listen(func(done Future[T]) {
		if _, err := done.Value(); err != nil {
			fn(err)
		}
	})
}

// Attach keeps ref reachable until this Future settles.
func (f Future[T]) Attach(ref any) Future[T] {
	return f.Listen(func(Future[T]) { _ = ref })
}

// ThenAnd chains f onto the successful result of a Future, producing a new
// Future[R]. If the source Future settles with an error, or f returns an
// error, the resulting Future[R] settles with that error.
func ThenAnd[T, R any](f Future[T], fn func(T) (R, error)) Future[R] {
	comp := NewCompleter[R]()
	f.Listen(func(done Future[T]) {
		comp.Run(func() (R, error) {
			v, err := done.Value()
			if err != nil {
				var zero R
				return zero, err
			}
			return fn(v)
		})
	})
	return comp.Future()
}

// Chain settles comp with this Future's eventual result, returning comp's
// Future.
func Chain[T any](f Future[T], comp Completer[T]) Future[T] {
	f.Listen(func(done Future[T]) {
		comp.Run(done.Value)
	})
	return comp.Future()
}

// ChainAnd settles comp with the result of applying fn to this Future's
// eventual successful value (or propagates the error), returning comp's
// Future.
func ChainAnd[T, R any](f Future[T], comp Completer[R], fn func(T) (R, error)) Future[R] {
	f.Listen(func(done Future[T]) {
		comp.Run(func() (R, error) {
			v, err := done.Value()
			if err != nil {
				var zero R
				return zero, err
			}
			return fn(v)
		})
	})
	return comp.Future()
}
