// Package gojascript implements script.Runtime on top of goja. Lambda
// bodies are compiled as generator functions so that recv/sleep yields
// inside the script body suspend the underlying goja call stack directly,
// using JavaScript's own generator protocol as the coroutine mechanism
// (there is no way to force a caller's generator to yield from inside a
// native Go function it calls, so the yielding has to happen lexically in
// the script itself via `yield ctx.recv()` / `yield ctx.sleep(ms)`).
package gojascript

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/joeycumines/lambdahost/script"
)

// Runtime adapts a single goja.Runtime to script.Runtime. It is not safe
// for concurrent use; lambdas are expected to drive it from a single Sync
// Context goroutine.
type Runtime struct {
	vm      *goja.Runtime
	handles *handleRegistry
}

// New constructs a Runtime around a fresh goja.Runtime.
func New() *Runtime {
	return &Runtime{
		vm:      goja.New(),
		handles: newHandleRegistry(),
	}
}

// VM exposes the underlying goja.Runtime, for callers that want to bind
// additional globals before compiling any lambda bodies.
func (r *Runtime) VM() *goja.Runtime { return r.vm }

// CompileLambda wraps source in a generator function expression and
// compiles it. The wrapper's sole parameter, ctx, is the value every
// NewThread's first Resume call supplies.
func (r *Runtime) CompileLambda(name, source string) (script.CompiledFunction, error) {
	wrapped := "(function*(ctx){\n" + source + "\n})"
	prog, err := goja.Compile(name, wrapped, true)
	if err != nil {
		return nil, fmt.Errorf("gojascript: compile %s: %w", name, err)
	}
	return prog, nil
}

// NewThread instantiates the generator function produced by CompileLambda.
// The generator object itself isn't created until the thread's first
// Resume call, since that call carries the ctx argument the generator
// function is invoked with.
func (r *Runtime) NewThread(fn script.CompiledFunction) (script.Thread, error) {
	prog, ok := fn.(*goja.Program)
	if !ok {
		return nil, fmt.Errorf("gojascript: NewThread: %T is not a compiled program", fn)
	}
	genFnValue, err := r.vm.RunProgram(prog)
	if err != nil {
		return nil, fmt.Errorf("gojascript: instantiate generator function: %w", err)
	}
	genFn, ok := goja.AssertFunction(genFnValue)
	if !ok {
		return nil, fmt.Errorf("gojascript: compiled lambda body is not callable")
	}
	return &thread{rt: r, genFn: genFn}, nil
}

// NewHandle registers v in this Runtime's handle registry.
func (r *Runtime) NewHandle(v any) (script.Handle, error) {
	return r.handles.register(v), nil
}

// thread drives one goja generator object on behalf of a script.Thread.
type thread struct {
	rt      *Runtime
	genFn   goja.Callable
	gen     *goja.Object
	started bool
	pushed  []script.Value
	popped  script.Value
	hasPop  bool
}

// Resume implements script.Thread.
func (t *thread) Resume(_ context.Context, args ...script.Value) (script.Outcome, error) {
	var arg script.Value
	if len(args) > 0 {
		arg = args[0]
	}

	if !t.started {
		t.started = true
		ctxVal, err := t.rt.wrapContext(arg)
		if err != nil {
			return script.Aborted, err
		}
		genValue, err := t.genFn(goja.Undefined(), ctxVal)
		if err != nil {
			return script.Aborted, fmt.Errorf("gojascript: start generator: %w", err)
		}
		genObj, ok := genValue.(*goja.Object)
		if !ok {
			return script.Aborted, fmt.Errorf("gojascript: generator call did not produce an object")
		}
		t.gen = genObj
		return t.advance("next", goja.Undefined())
	}

	return t.advance("next", t.rt.toJS(arg))
}

func (t *thread) advance(method string, arg goja.Value) (script.Outcome, error) {
	fnValue := t.gen.Get(method)
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return script.Aborted, fmt.Errorf("gojascript: generator object has no %s method", method)
	}
	result, err := fn(t.gen, arg)
	if err != nil {
		if exc, ok := err.(*goja.Exception); ok {
			return script.Aborted, fmt.Errorf("gojascript: script error: %s", exc.Value().String())
		}
		return script.Aborted, fmt.Errorf("gojascript: %w", err)
	}
	resObj, ok := result.(*goja.Object)
	if !ok {
		return script.Aborted, fmt.Errorf("gojascript: generator step did not return an object")
	}
	done := resObj.Get("done").ToBoolean()
	t.popped = t.rt.fromJS(resObj.Get("value"))
	t.hasPop = true
	if done {
		return script.Exited, nil
	}
	return script.Yielded, nil
}

// PushValue implements script.Thread. gojascript's coordinator drives
// resumption entirely through Resume's args, so pushed values are only
// buffered for a caller that wants to inspect them; nothing in this
// package consumes the buffer itself.
func (t *thread) PushValue(v script.Value) {
	t.pushed = append(t.pushed, v)
}

// PopValue implements script.Thread: it returns whatever the most recent
// generator step produced (its yielded or returned value).
func (t *thread) PopValue() (script.Value, bool) {
	if !t.hasPop {
		return script.Value{}, false
	}
	return t.popped, true
}

// wrapContext builds the JS-visible ctx object bound to arg's HostOps.
func (r *Runtime) wrapContext(arg script.Value) (goja.Value, error) {
	shared, ok := arg.Shared()
	if !ok {
		return nil, fmt.Errorf("gojascript: a thread's first Resume argument must be SharedData wrapping a script.HostOps")
	}
	ops, ok := shared.(script.HostOps)
	if !ok {
		return nil, fmt.Errorf("gojascript: %T does not implement script.HostOps", shared)
	}

	obj := r.vm.NewObject()
	var setErr error
	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if setErr != nil {
			return
		}
		setErr = obj.Set(name, fn)
	}

	set("recv", func(goja.FunctionCall) goja.Value {
		return r.toJS(ops.Recv())
	})
	set("sleep", func(call goja.FunctionCall) goja.Value {
		return r.toJS(ops.Sleep(call.Argument(0).ToInteger()))
	})
	set("send", func(call goja.FunctionCall) goja.Value {
		ops.Send(r.fromJS(call.Argument(0)))
		return goja.Undefined()
	})
	set("trace", func(call goja.FunctionCall) goja.Value {
		ops.Trace(call.Argument(0).String())
		return goja.Undefined()
	})
	set("info", func(call goja.FunctionCall) goja.Value {
		ops.Info(call.Argument(0).String())
		return goja.Undefined()
	})
	set("warn", func(call goja.FunctionCall) goja.Value {
		ops.Warn(call.Argument(0).String())
		return goja.Undefined()
	})
	set("error", func(call goja.FunctionCall) goja.Value {
		ops.Error(call.Argument(0).String())
		return goja.Undefined()
	})

	var udata *goja.Object
	set("udata", func(goja.FunctionCall) goja.Value {
		if udata == nil {
			udata = r.vm.NewObject()
			ops.UDataCreated()
		}
		return udata
	})

	if setErr != nil {
		return nil, fmt.Errorf("gojascript: bind context object: %w", setErr)
	}
	return obj, nil
}

// toJS converts a script.Value to its goja representation.
func (r *Runtime) toJS(v script.Value) goja.Value {
	switch v.Kind() {
	case script.KindNull:
		return goja.Null()
	case script.KindInteger:
		n, _ := v.Int()
		return r.vm.ToValue(n)
	case script.KindReal:
		f, _ := v.Float()
		return r.vm.ToValue(f)
	case script.KindBuffer:
		b, _ := v.Bytes()
		return r.vm.ToValue(append([]byte(nil), b...))
	case script.KindObject:
		fields, _ := v.Fields()
		obj := r.vm.NewObject()
		for _, f := range fields {
			_ = obj.Set(f.Key, r.toJS(f.Value))
		}
		return obj
	case script.KindSharedData:
		shared, _ := v.Shared()
		return r.vm.ToValue(shared)
	default:
		return goja.Undefined()
	}
}

// fromJS converts a goja value back to a script.Value.
func (r *Runtime) fromJS(v goja.Value) script.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return script.Null()
	}
	switch x := v.Export().(type) {
	case int64:
		return script.Integer(x)
	case float64:
		return script.Real(x)
	case string:
		return script.Buffer([]byte(x))
	case []byte:
		return script.Buffer(x)
	case goja.ArrayBuffer:
		return script.Buffer(x.Bytes())
	}
	if obj, ok := v.(*goja.Object); ok {
		keys := obj.Keys()
		fields := make([]script.Field, 0, len(keys))
		for _, k := range keys {
			fields = append(fields, script.Field{Key: k, Value: r.fromJS(obj.Get(k))})
		}
		return script.Object(fields...)
	}
	return script.SharedData(v.Export())
}

// handleRegistry is an explicit-release id-to-value registry: unlike a
// weak-pointer scavenging registry, every entry stays resident until its
// Handle's Release is called, matching script.Handle's explicit-lifetime
// contract.
type handleRegistry struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]any
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{entries: make(map[uint64]any)}
}

func (r *handleRegistry) register(v any) script.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.entries[id] = v
	return &handle{registry: r, id: id}
}

type handle struct {
	registry *handleRegistry
	id       uint64
}

// Release implements script.Handle.
func (h *handle) Release() {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	delete(h.registry.entries, h.id)
}
