// Package coopmutex implements a cooperative mutex: a mutex whose Lock
// calls return a Future rather than blocking, with exclusive and inclusive
// (shared) token semantics.
package coopmutex

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/lambdahost/future"
)

// ErrTornDown is the error every still-pending Lock/LockEx Future settles
// with when TearDown is called.
var ErrTornDown = errors.New("coopmutex: mutex torn down with lock requests still pending")

// tokenState is the refcounted state behind a single grant. Every caller
// whose inclusive Lock is coalesced into the grant receives the same Token
// (tok), and refcnt counts how many of them still hold it (see Mutex.lock).
type tokenState struct {
	impl   *Mutex
	refcnt int64
	tok    *Token
}

// Token represents a held lock. It must be released exactly once, via
// Unlock, for every time it (or a copy sharing its underlying grant) was
// obtained — Go has no destructors, so callers must `defer tok.Unlock()`
// to get reference-counted release.
type Token struct {
	state *tokenState
}

// Unlock releases this Token's reference to its grant. Only once every
// reference to the same grant has been released does the Mutex actually
// become available to the next queued request.
func (t *Token) Unlock() {
	if atomic.AddInt64(&t.state.refcnt, -1) == 0 {
		t.state.impl.release(t.state)
	}
}

// pendingLock is a queued lock request. joins counts how many Lock calls
// are sharing this single eventual grant, via inclusive coalescing.
type pendingLock struct {
	completer future.Completer[*Token]
	joins     int64
}

// Mutex is a single-goroutine-owned cooperative mutex: Lock/LockEx never
// block the caller, instead returning a Future that settles once the
// calling goroutine's earlier holders have released. It must only be
// manipulated from one goroutine at a time (the owning Sync context's
// driver goroutine) — that constraint is enforced here only by
// documentation, since Go goroutines have no stable, assertable identity.
type Mutex struct {
	mu            sync.Mutex
	current       *tokenState
	pends         []*pendingLock
	lastInclusive bool
}

// New constructs a ready-to-use Mutex. The zero value is also usable
// directly.
func New() *Mutex { return &Mutex{} }

func (m *Mutex) lockInternal()   { m.mu.Lock() }
func (m *Mutex) unlockInternal() { m.mu.Unlock() }

func (m *Mutex) makeToken() *Token {
	st := &tokenState{impl: m, refcnt: 1}
	st.tok = &Token{state: st}
	m.current = st
	return st.tok
}

func (m *Mutex) lock(inclusive bool) future.Future[*Token] {
	m.lockInternal()
	defer m.unlockInternal()

	if inclusive {
		if m.lastInclusive {
			if len(m.pends) == 0 && m.current != nil {
				atomic.AddInt64(&m.current.refcnt, 1)
				return future.Resolved(m.current.tok)
			} else if len(m.pends) != 0 {
				p := m.pends[len(m.pends)-1]
				p.joins++
				return p.completer.Future()
			}
		}
		m.lastInclusive = true
	} else {
		m.lastInclusive = false
	}

	if m.current != nil {
		comp := future.NewCompleter[*Token]()
		m.pends = append(m.pends, &pendingLock{completer: comp, joins: 1})
		return comp.Future()
	}
	return future.Resolved(m.makeToken())
}

func (m *Mutex) tryLock(inclusive bool) *Token {
	m.lockInternal()
	defer m.unlockInternal()

	if len(m.pends) != 0 {
		return nil
	}

	if inclusive {
		if m.current != nil {
			if !m.lastInclusive {
				return nil
			}
			atomic.AddInt64(&m.current.refcnt, 1)
			return m.current.tok
		}
		m.lastInclusive = true
	} else {
		if m.current != nil {
			return nil
		}
		m.lastInclusive = false
	}

	return m.makeToken()
}

func (m *Mutex) release(st *tokenState) {
	m.lockInternal()
	defer m.unlockInternal()

	if m.current == st {
		m.current = nil
	}
	if len(m.pends) == 0 {
		return
	}

	p := m.pends[0]
	m.pends = m.pends[1:]

	newState := &tokenState{impl: m, refcnt: p.joins}
	newState.tok = &Token{state: newState}
	m.current = newState
	p.completer.Complete(newState.tok)
}

// Lock requests an inclusive (shared) hold: concurrently-requested
// inclusive locks may be granted the same Token. While an inclusive grant
// is held and nothing is queued, Lock joins that grant at once; while
// requests are queued after an inclusive grant, Lock joins the last queued
// request.
func (m *Mutex) Lock() future.Future[*Token] { return m.lock(true) }

// LockEx requests an exclusive hold: no other Token (inclusive or
// exclusive) is granted until this one is fully released.
func (m *Mutex) LockEx() future.Future[*Token] { return m.lock(false) }

// TryLock attempts to acquire an inclusive hold without queueing, returning
// nil if it cannot be granted immediately.
func (m *Mutex) TryLock() *Token { return m.tryLock(true) }

// TryLockEx attempts to acquire an exclusive hold without queueing,
// returning nil if it cannot be granted immediately.
func (m *Mutex) TryLockEx() *Token { return m.tryLock(false) }

// TearDown settles every currently-queued Lock/LockEx Future with
// ErrTornDown. Already-granted Tokens are unaffected; releasing them still
// runs the normal release logic (which will find no further pending
// requests once TearDown has cleared the queue).
func (m *Mutex) TearDown() {
	m.lockInternal()
	pends := m.pends
	m.pends = nil
	m.unlockInternal()

	for _, p := range pends {
		p.completer.Throw(ErrTornDown)
	}
}

// RunAsync acquires an inclusive hold, then runs f on async (passing the
// held Token), completing the returned Future on sync once f returns. The
// Token is released automatically once f returns, before the result is
// posted. If the lock itself cannot be acquired (e.g. the Mutex was torn
// down), the returned Future settles with that error instead.
func RunAsync[R any](m *Mutex, async, sync future.Submitter, f func(*Token) (R, error)) future.Future[R] {
	return runAsync(m.Lock(), async, sync, f)
}

// RunAsyncEx is identical to RunAsync, but acquires an exclusive hold.
func RunAsyncEx[R any](m *Mutex, async, sync future.Submitter, f func(*Token) (R, error)) future.Future[R] {
	return runAsync(m.LockEx(), async, sync, f)
}

func runAsync[R any](lock future.Future[*Token], async, sync future.Submitter, f func(*Token) (R, error)) future.Future[R] {
	comp := future.NewCompleter[R]()
	lock.Listen(func(done future.Future[*Token]) {
		tok, err := done.Value()
		if err != nil {
			comp.Throw(err)
			return
		}
		comp.Attach(tok)
		comp.RunAsync(async, sync, func() (R, error) {
			defer tok.Unlock()
			return f(tok)
		})
	})
	return comp.Future()
}
