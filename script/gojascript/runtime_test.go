package gojascript_test

import (
	"context"
	"testing"

	"github.com/joeycumines/lambdahost/script"
	"github.com/joeycumines/lambdahost/script/gojascript"
	"github.com/stretchr/testify/require"
)

// fakeOps is a minimal script.HostOps double that hands back a fixed recv
// value and records sent/logged calls.
type fakeOps struct {
	recvValue script.Value
	sent      []script.Value
	logs      []string
	udata     int
}

func (f *fakeOps) Recv() script.Value     { return f.recvValue }
func (f *fakeOps) Sleep(ms int64) script.Value {
	return script.Object(
		script.Field{Key: "op", Value: script.Buffer([]byte("sleep"))},
		script.Field{Key: "ms", Value: script.Integer(ms)},
	)
}
func (f *fakeOps) Send(v script.Value)  { f.sent = append(f.sent, v) }
func (f *fakeOps) Trace(msg string)     { f.logs = append(f.logs, "trace:"+msg) }
func (f *fakeOps) Info(msg string)      { f.logs = append(f.logs, "info:"+msg) }
func (f *fakeOps) Warn(msg string)      { f.logs = append(f.logs, "warn:"+msg) }
func (f *fakeOps) Error(msg string)     { f.logs = append(f.logs, "error:"+msg) }
func (f *fakeOps) UDataCreated()        { f.udata++ }

func TestRuntime_EchoScript(t *testing.T) {
	rt := gojascript.New()
	compiled, err := rt.CompileLambda("echo", "ctx.send(yield ctx.recv());")
	require.NoError(t, err)

	thread, err := rt.NewThread(compiled)
	require.NoError(t, err)

	ops := &fakeOps{recvValue: script.Object(script.Field{Key: "op", Value: script.Buffer([]byte("recv"))})}
	ctxVal := script.SharedData(script.HostOps(ops))

	outcome, err := thread.Resume(context.Background(), ctxVal)
	require.NoError(t, err)
	require.Equal(t, script.Yielded, outcome)

	descriptor, ok := thread.PopValue()
	require.True(t, ok)
	op, ok := descriptor.Get("op")
	require.True(t, ok)
	tag, _ := op.Bytes()
	require.Equal(t, "recv", string(tag))

	outcome, err = thread.Resume(context.Background(), script.Integer(42))
	require.NoError(t, err)
	require.Equal(t, script.Exited, outcome)

	require.Len(t, ops.sent, 1)
	require.True(t, ops.sent[0].Equal(script.Integer(42)))
}

func TestRuntime_SleepScript(t *testing.T) {
	rt := gojascript.New()
	compiled, err := rt.CompileLambda("sleeper", "yield ctx.sleep(100);")
	require.NoError(t, err)

	thread, err := rt.NewThread(compiled)
	require.NoError(t, err)

	ops := &fakeOps{}
	outcome, err := thread.Resume(context.Background(), script.SharedData(script.HostOps(ops)))
	require.NoError(t, err)
	require.Equal(t, script.Yielded, outcome)

	descriptor, ok := thread.PopValue()
	require.True(t, ok)
	op, _ := descriptor.Get("op")
	tag, _ := op.Bytes()
	require.Equal(t, "sleep", string(tag))
	msV, _ := descriptor.Get("ms")
	ms, _ := msV.Int()
	require.EqualValues(t, 100, ms)

	outcome, err = thread.Resume(context.Background(), script.Null())
	require.NoError(t, err)
	require.Equal(t, script.Exited, outcome)
}

func TestRuntime_UncaughtErrorAborts(t *testing.T) {
	rt := gojascript.New()
	compiled, err := rt.CompileLambda("boom", "throw new Error('boom');")
	require.NoError(t, err)

	thread, err := rt.NewThread(compiled)
	require.NoError(t, err)

	ops := &fakeOps{}
	outcome, err := thread.Resume(context.Background(), script.SharedData(script.HostOps(ops)))
	require.Error(t, err)
	require.Equal(t, script.Aborted, outcome)
}

func TestRuntime_UdataMemoizedAcrossCalls(t *testing.T) {
	rt := gojascript.New()
	compiled, err := rt.CompileLambda("udata", `
var a = ctx.udata();
var b = ctx.udata();
ctx.send(a === b);
`)
	require.NoError(t, err)

	thread, err := rt.NewThread(compiled)
	require.NoError(t, err)

	ops := &fakeOps{}
	outcome, err := thread.Resume(context.Background(), script.SharedData(script.HostOps(ops)))
	require.NoError(t, err)
	require.Equal(t, script.Exited, outcome)
	require.Equal(t, 1, ops.udata)
}

func TestRuntime_NewHandleReleaseIsIdempotentOnCount(t *testing.T) {
	rt := gojascript.New()
	h, err := rt.NewHandle("anything")
	require.NoError(t, err)
	h.Release()
	h.Release() // idempotent: deleting an absent key is a no-op
}
