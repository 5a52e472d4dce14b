package lambda_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/lambdahost/hostlog"
	"github.com/joeycumines/lambdahost/lambda"
	"github.com/joeycumines/lambdahost/runctx"
	"github.com/joeycumines/lambdahost/script"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is a minimal script.Runtime test double: CompileLambda is an
// identity marker, NewThread defers to a constructor function supplied per
// test, and NewHandle mints no-op handles.
type fakeRuntime struct {
	newThread func() script.Thread
}

func (r *fakeRuntime) CompileLambda(name, source string) (script.CompiledFunction, error) {
	return source, nil
}

func (r *fakeRuntime) NewThread(script.CompiledFunction) (script.Thread, error) {
	return r.newThread(), nil
}

func (r *fakeRuntime) NewHandle(any) (script.Handle, error) {
	return fakeHandle{}, nil
}

type fakeHandle struct{}

func (fakeHandle) Release() {}

func ctxOps(v script.Value) script.HostOps {
	shared, _ := v.Shared()
	return shared.(script.HostOps)
}

// echoThread simulates a script body equivalent to `ctx.send(ctx.recv())`.
type echoThread struct {
	state int
	ops   script.HostOps
	descr script.Value
}

func (t *echoThread) Resume(_ context.Context, args ...script.Value) (script.Outcome, error) {
	switch t.state {
	case 0:
		t.ops = ctxOps(args[0])
		t.descr = t.ops.Recv()
		t.state = 1
		return script.Yielded, nil
	case 1:
		t.ops.Send(args[0])
		t.state = 2
		return script.Exited, nil
	default:
		return script.Aborted, fmt.Errorf("resumed after exit")
	}
}

func (t *echoThread) PushValue(script.Value) {}

func (t *echoThread) PopValue() (script.Value, bool) {
	if t.state == 1 {
		return t.descr, true
	}
	return script.Value{}, false
}

// doubleRecvThread simulates `ctx.recv(); ctx.recv()` — it never sends or
// exits until two values have arrived.
type doubleRecvThread struct {
	state int
	ops   script.HostOps
	descr script.Value
}

func (t *doubleRecvThread) Resume(_ context.Context, args ...script.Value) (script.Outcome, error) {
	switch t.state {
	case 0:
		t.ops = ctxOps(args[0])
		t.descr = t.ops.Recv()
		t.state = 1
		return script.Yielded, nil
	case 1:
		t.descr = t.ops.Recv()
		t.state = 2
		return script.Yielded, nil
	case 2:
		t.state = 3
		return script.Exited, nil
	default:
		return script.Aborted, fmt.Errorf("resumed after exit")
	}
}

func (t *doubleRecvThread) PushValue(script.Value) {}

func (t *doubleRecvThread) PopValue() (script.Value, bool) {
	if t.state == 1 || t.state == 2 {
		return t.descr, true
	}
	return script.Value{}, false
}

// sleepThread simulates `ctx.sleep(ms)`.
type sleepThread struct {
	state int
	ops   script.HostOps
	ms    int64
}

func newSleepThread(ms int64) func() script.Thread {
	return func() script.Thread { return &sleepThread{ms: ms} }
}

func (t *sleepThread) Resume(_ context.Context, args ...script.Value) (script.Outcome, error) {
	switch t.state {
	case 0:
		t.ops = ctxOps(args[0])
		t.state = 1
		return script.Yielded, nil
	case 1:
		t.state = 2
		return script.Exited, nil
	default:
		return script.Aborted, fmt.Errorf("resumed after exit")
	}
}

func (t *sleepThread) PushValue(script.Value) {}

func (t *sleepThread) PopValue() (script.Value, bool) {
	if t.state == 1 {
		return t.ops.Sleep(t.ms), true
	}
	return script.Value{}, false
}

func newTestLambda(t *testing.T, rt *fakeRuntime, taker lambda.Taker) (*lambda.Lambda, *lambda.Maker, *runctx.Sync) {
	t.Helper()
	sync_ := runctx.NewSync()
	t.Cleanup(sync_.Close)

	maker := &lambda.Maker{}
	l, err := lambda.New(lambda.Config{
		Name:    "test",
		Source:  "<fake>",
		Sync:    sync_,
		Logger:  hostlog.Discard,
		Runtime: rt,
		Maker:   maker,
		Taker:   taker,
	})
	require.NoError(t, err)
	return l, maker, sync_
}

func TestLambda_Echo(t *testing.T) {
	var mu sync.Mutex
	var got []script.Value
	taker := func(v script.Value) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}

	rt := &fakeRuntime{newThread: func() script.Thread { return &echoThread{} }}
	l, maker, _ := newTestLambda(t, rt, taker)

	maker.Notify(script.Integer(42))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.True(t, got[0].Equal(script.Integer(42)))
	mu.Unlock()

	require.Eventually(t, func() bool { return l.ExitCount() == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 0, l.AbortCount())
}

func TestLambda_RecvAbortScenario(t *testing.T) {
	rt := &fakeRuntime{newThread: func() script.Thread { return &doubleRecvThread{} }}
	l, maker, _ := newTestLambda(t, rt, nil)

	maker.Notify(script.Integer(1))

	require.Eventually(t, func() bool { return l.RecvCount() == 1 }, time.Second, 5*time.Millisecond)

	// A single value was published; the script awaits a second recv, so
	// neither counter should move yet.
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, l.ExitCount())
	require.EqualValues(t, 0, l.AbortCount())

	maker.Notify(script.Integer(2))
	require.Eventually(t, func() bool { return l.ExitCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLambda_SleepScenario(t *testing.T) {
	rt := &fakeRuntime{newThread: newSleepThread(100)}
	l, maker, _ := newTestLambda(t, rt, nil)

	start := time.Now()
	maker.Notify(script.Integer(7))

	require.Eventually(t, func() bool { return l.ExitCount() == 1 }, time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond)
}

func TestLambda_NoInputNeverSpawnsThread(t *testing.T) {
	spawned := 0
	rt := &fakeRuntime{newThread: func() script.Thread {
		spawned++
		return &echoThread{}
	}}
	_, _, sync_ := newTestLambda(t, rt, nil)

	require.Eventually(t, func() bool { return sync_.LiveTasks() == 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, spawned)
}
