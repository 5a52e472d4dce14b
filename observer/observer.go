// Package observer implements a generic Observer/Target notification
// primitive: any number of Observers register against a Target, which
// broadcasts values to them and notifies them when it is torn down.
package observer

import "sync"

// Observer receives notifications broadcast by a Target[T] it has been
// registered against.
type Observer[T any] interface {
	// Notify delivers a value broadcast via Target.Notify.
	Notify(v T)
	// NotifyMove delivers a value broadcast via Target.NotifyMove. It
	// exists as a distinct method only because the Target calls it instead
	// of Notify when exactly one Observer is registered, as a
	// move-semantics fast path.
	NotifyMove(v T)
	// NotifyDestruction is called exactly once, when the Target this
	// Observer is registered against is closed.
	NotifyDestruction()
}

// Target broadcasts values of type T to any Observer[T] registered against
// it. The zero value is ready to use.
//
// A Target must not be copied after first use.
type Target[T any] struct {
	mu      sync.Mutex
	obs     map[Observer[T]]struct{}
	calling bool
	closed  bool
}

// NewTarget constructs a ready-to-use Target. Using the zero value directly
// is also valid; this constructor exists for symmetry with NewForwarder.
func NewTarget[T any]() *Target[T] { return &Target[T]{} }

// Register adds obs to the set of Observers notified by this Target. It
// panics if called reentrantly from within a Notify/NotifyMove/Close
// dispatch: observers must never be registered from an observer callback.
func (t *Target[T]) Register(obs Observer[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calling {
		panic("observer: Register called from within a notification callback")
	}
	if t.obs == nil {
		t.obs = make(map[Observer[T]]struct{})
	}
	t.obs[obs] = struct{}{}
}

// Unregister removes obs from the set of Observers notified by this
// Target. It is a no-op if obs was never registered (or already removed).
// It panics if called reentrantly from within a Notify/NotifyMove/Close
// dispatch.
func (t *Target[T]) Unregister(obs Observer[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calling {
		panic("observer: Unregister called from within a notification callback")
	}
	delete(t.obs, obs)
}

// Observed reports whether any Observer is currently registered.
func (t *Target[T]) Observed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.obs) > 0
}

// snapshot copies the current observer set out from under the lock, and
// marks the Target as mid-dispatch. The caller must call t.endCall() once
// dispatch is complete.
func (t *Target[T]) snapshot() []Observer[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calling {
		panic("observer: Notify called reentrantly (from within a notification callback)")
	}
	if len(t.obs) == 0 {
		return nil
	}
	out := make([]Observer[T], 0, len(t.obs))
	for o := range t.obs {
		out = append(out, o)
	}
	t.calling = true
	return out
}

func (t *Target[T]) endCall() {
	t.mu.Lock()
	t.calling = false
	t.mu.Unlock()
}

// Notify broadcasts v to every registered Observer. Observers are held in
// a map, so the order in which they are called is not defined.
func (t *Target[T]) Notify(v T) {
	obs := t.snapshot()
	if obs == nil {
		return
	}
	defer t.endCall()
	for _, o := range obs {
		o.Notify(v)
	}
}

// NotifyMove broadcasts v to every registered Observer. When exactly one
// Observer is registered, its NotifyMove method is called instead of
// Notify, as a single-subscriber move-semantics fast path (Go has no move
// semantics, so this only preserves the dispatch shape, not an allocation
// saving).
func (t *Target[T]) NotifyMove(v T) {
	obs := t.snapshot()
	if obs == nil {
		return
	}
	defer t.endCall()
	if len(obs) == 1 {
		obs[0].NotifyMove(v)
		return
	}
	for _, o := range obs {
		o.Notify(v)
	}
}

// Close tears down the Target: every still-registered Observer receives a
// single NotifyDestruction call, and the registration set is cleared.
// Close is idempotent; calling it more than once is a no-op after the
// first call.
func (t *Target[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.calling {
		t.mu.Unlock()
		panic("observer: Close called from within a notification callback")
	}
	obs := make([]Observer[T], 0, len(t.obs))
	for o := range t.obs {
		obs = append(obs, o)
	}
	t.calling = true
	t.closed = true
	t.mu.Unlock()

	for _, o := range obs {
		o.NotifyDestruction()
	}

	t.mu.Lock()
	t.calling = false
	t.obs = nil
	t.mu.Unlock()
}

// Forwarder relays every notification received from a source Target to a
// destination Target, unchanged. It is itself an Observer[T], registered
// against the source for its lifetime.
type Forwarder[T any] struct {
	src *Target[T]
	dst *Target[T]
}

// NewForwarder registers a Forwarder against src that relays every Notify/
// NotifyMove broadcast to dst. Call Close to stop relaying.
func NewForwarder[T any](src, dst *Target[T]) *Forwarder[T] {
	f := &Forwarder[T]{src: src, dst: dst}
	src.Register(f)
	return f
}

// Notify implements Observer by relaying v to the destination Target.
func (f *Forwarder[T]) Notify(v T) { f.dst.Notify(v) }

// NotifyMove implements Observer by relaying v to the destination Target.
func (f *Forwarder[T]) NotifyMove(v T) { f.dst.NotifyMove(v) }

// NotifyDestruction implements Observer. A Forwarder does not propagate the
// source's destruction to the destination: the destination Target may well
// outlive any one of its sources.
func (f *Forwarder[T]) NotifyDestruction() {}

// Close unregisters the Forwarder from its source Target. After Close,
// notifications are no longer relayed.
func (f *Forwarder[T]) Close() { f.src.Unregister(f) }
