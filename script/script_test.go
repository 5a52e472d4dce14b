package script_test

import (
	"testing"

	"github.com/joeycumines/lambdahost/script"
	"github.com/stretchr/testify/require"
)

func TestValue_NullIsZeroValue(t *testing.T) {
	var v script.Value
	require.Equal(t, script.KindNull, v.Kind())
	require.True(t, v.Equal(script.Null()))
}

func TestValue_IntegerEquality(t *testing.T) {
	require.True(t, script.Integer(42).Equal(script.Integer(42)))
	require.False(t, script.Integer(42).Equal(script.Integer(43)))
	require.False(t, script.Integer(42).Equal(script.Real(42)))
}

func TestValue_BufferEqualityIsByContent(t *testing.T) {
	a := script.Buffer([]byte("hello"))
	b := script.Buffer([]byte("hello"))
	require.True(t, a.Equal(b))

	bytes, ok := a.Bytes()
	require.True(t, ok)
	require.Equal(t, "hello", string(bytes))
}

func TestValue_BufferIsImmutableCopy(t *testing.T) {
	src := []byte("hello")
	v := script.Buffer(src)
	src[0] = 'H'

	got, _ := v.Bytes()
	require.Equal(t, "hello", string(got))
}

func TestValue_ObjectGetFirstMatch(t *testing.T) {
	obj := script.Object(
		script.Field{Key: "op", Value: script.Buffer([]byte("recv"))},
		script.Field{Key: "ms", Value: script.Integer(100)},
	)
	v, ok := obj.Get("ms")
	require.True(t, ok)
	n, ok := v.Int()
	require.True(t, ok)
	require.Equal(t, int64(100), n)

	_, ok = obj.Get("missing")
	require.False(t, ok)
}

func TestValue_ObjectEqualityIsStructural(t *testing.T) {
	a := script.Object(script.Field{Key: "k", Value: script.Integer(1)})
	b := script.Object(script.Field{Key: "k", Value: script.Integer(1)})
	c := script.Object(script.Field{Key: "k", Value: script.Integer(2)})
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestValue_SharedDataEqualityIsByIdentity(t *testing.T) {
	type token struct{ n int }
	t1 := &token{n: 1}
	t2 := &token{n: 1}

	require.True(t, script.SharedData(t1).Equal(script.SharedData(t1)))
	require.False(t, script.SharedData(t1).Equal(script.SharedData(t2)))
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "exited", script.Exited.String())
	require.Equal(t, "yielded", script.Yielded.String())
	require.Equal(t, "aborted", script.Aborted.String())
}
