// Package script defines the contract a concrete interpreter binding must
// satisfy to host lambdas: thread creation/resume, a value push/pop stack,
// and opaque registry handles. It also defines the Value tagged union that
// crosses the boundary between Go and the interpreter.
package script

import (
	"bytes"
	"context"
	"fmt"
)

// Kind identifies which variant of the Value tagged union is populated.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindReal
	KindBuffer
	KindObject
	KindSharedData
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindBuffer:
		return "buffer"
	case KindObject:
		return "object"
	case KindSharedData:
		return "shared_data"
	default:
		return "unknown"
	}
}

// Field is a single (key, value) pair of an Object Value, in insertion
// order.
type Field struct {
	Key   string
	Value Value
}

// Value is an immutable tagged union: Null, Integer, Real, Buffer, Object,
// or SharedData. The zero Value is Null. Equality is structural for every
// variant except SharedData, which compares the held value's identity.
type Value struct {
	kind   Kind
	i      int64
	f      float64
	buf    []byte
	fields []Field
	shared any
}

// Null returns the null Value (equivalent to the zero Value).
func Null() Value { return Value{} }

// Integer wraps a 64-bit signed integer.
func Integer(v int64) Value { return Value{kind: KindInteger, i: v} }

// Real wraps a 64-bit IEEE 754 float.
func Real(v float64) Value { return Value{kind: KindReal, f: v} }

// Buffer wraps an immutable copy of b.
func Buffer(b []byte) Value {
	cp := append([]byte(nil), b...)
	return Value{kind: KindBuffer, buf: cp}
}

// Object wraps an immutable ordered sequence of (key, value) pairs.
// Duplicate keys are preserved; lookup by key returns the first match.
func Object(fields ...Field) Value {
	cp := append([]Field(nil), fields...)
	return Value{kind: KindObject, fields: cp}
}

// SharedData wraps an opaque handle, compared by identity rather than
// structurally. v is typically a pointer or other comparable type;
// downcasting is the caller's responsibility (e.g. a type switch/assertion
// on the value returned by Shared).
func SharedData(v any) Value { return Value{kind: KindSharedData, shared: v} }

// Kind reports which variant is populated.
func (v Value) Kind() Kind { return v.kind }

// Int returns the wrapped integer, if this Value is an Integer.
func (v Value) Int() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

// Float returns the wrapped float, if this Value is a Real.
func (v Value) Float() (float64, bool) {
	if v.kind != KindReal {
		return 0, false
	}
	return v.f, true
}

// Bytes returns the wrapped byte span, if this Value is a Buffer. The
// returned slice must not be mutated by the caller.
func (v Value) Bytes() ([]byte, bool) {
	if v.kind != KindBuffer {
		return nil, false
	}
	return v.buf, true
}

// Fields returns the wrapped (key, value) pairs, if this Value is an
// Object. The returned slice must not be mutated by the caller.
func (v Value) Fields() ([]Field, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.fields, true
}

// Get looks up the first Field with the given key, if this Value is an
// Object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, f := range v.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// Shared returns the wrapped opaque handle, if this Value is SharedData.
func (v Value) Shared() (any, bool) {
	if v.kind != KindSharedData {
		return nil, false
	}
	return v.shared, true
}

// Equal reports structural equality, except for SharedData which compares
// by identity (Go == over the held value).
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInteger:
		return v.i == other.i
	case KindReal:
		return v.f == other.f
	case KindBuffer:
		return bytes.Equal(v.buf, other.buf)
	case KindObject:
		if len(v.fields) != len(other.fields) {
			return false
		}
		for i := range v.fields {
			if v.fields[i].Key != other.fields[i].Key || !v.fields[i].Value.Equal(other.fields[i].Value) {
				return false
			}
		}
		return true
	case KindSharedData:
		return v.shared == other.shared
	default:
		return false
	}
}

// String renders a Value for diagnostics; it is not a serialization format.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInteger:
		return fmt.Sprintf("integer(%d)", v.i)
	case KindReal:
		return fmt.Sprintf("real(%g)", v.f)
	case KindBuffer:
		return fmt.Sprintf("buffer(%d bytes)", len(v.buf))
	case KindObject:
		return fmt.Sprintf("object(%d fields)", len(v.fields))
	case KindSharedData:
		return fmt.Sprintf("shared_data(%v)", v.shared)
	default:
		return "unknown"
	}
}

// Outcome is the result of resuming a Thread.
type Outcome int

const (
	// Exited means the thread ran to completion (its body returned).
	Exited Outcome = iota
	// Yielded means the thread suspended itself (e.g. awaiting a recv or a
	// sleep) and can be resumed again later.
	Yielded
	// Aborted means the thread raised an uncaught error.
	Aborted
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Exited:
		return "exited"
	case Yielded:
		return "yielded"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// CompiledFunction is an opaque, Runtime-specific handle to a compiled
// lambda body, produced by Runtime.CompileLambda and consumed by
// Runtime.NewThread.
type CompiledFunction interface{}

// Thread is a single running (or suspended) instance of a compiled lambda
// body. It is a cooperative coroutine: Resume is the only way to make
// progress, and it never blocks past the thread's own next suspension
// point.
type Thread interface {
	// Resume advances the thread. On the very first call this starts it
	// (args carries the script-visible context object); on subsequent
	// calls it delivers args to whatever the thread is suspended on (e.g.
	// the value a recv() is awaiting).
	Resume(ctx context.Context, args ...Value) (Outcome, error)
	// PushValue makes v available to be consumed by the running thread
	// (e.g. as an argument once it resumes).
	PushValue(v Value)
	// PopValue retrieves the most recently produced Value (e.g. a thread's
	// return value, or what it yielded), if any is available.
	PopValue() (Value, bool)
}

// Handle is an opaque registry reference into a Runtime. Release must be
// called exactly once to free the underlying registry slot.
type Handle interface {
	Release()
}

// HostOps is the set of script-exposed operations a context object makes
// available to a running Thread (the coordinator driving the Thread
// implements this; a Runtime binds it onto whatever native object
// representation it passes the script as the context parameter).
type HostOps interface {
	// Recv returns a descriptor Value a script yields to await the next
	// input; it has no side effect of its own.
	Recv() Value
	// Send forwards v to the coordinator's output consumer.
	Send(v Value)
	// Sleep returns a descriptor Value a script yields to pause for ms
	// milliseconds; it has no side effect of its own.
	Sleep(ms int64) Value
	Trace(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	// UDataCreated is called the first time a Runtime lazily materializes
	// the script-visible scratch table, so the coordinator can track its
	// registry lifetime.
	UDataCreated()
}

// Runtime is the external collaborator that compiles and executes lambda
// bodies.
type Runtime interface {
	// CompileLambda compiles source (named name, for diagnostics) into a
	// reusable CompiledFunction.
	CompileLambda(name, source string) (CompiledFunction, error)
	// NewThread instantiates a fresh Thread from a previously compiled
	// function. The thread does not begin running until Resume is called.
	NewThread(fn CompiledFunction) (Thread, error)
	// NewHandle registers v in the Runtime's handle registry and returns a
	// Handle that releases it.
	NewHandle(v any) (Handle, error)
}
