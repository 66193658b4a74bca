package value

import (
	"testing"

	"github.com/praxislang/praxis/capability"
	"github.com/stretchr/testify/require"
)

func TestTruthiness(t *testing.T) {
	require.False(t, Nil.IsTruthy())
	require.False(t, False.IsTruthy())
	require.True(t, True.IsTruthy())
	require.True(t, NewInt(0).IsTruthy())
	require.True(t, NewFloat(0).IsTruthy())
	require.True(t, NewPair(0).IsTruthy())
	require.True(t, NewString(0).IsTruthy())
}

func TestEquals(t *testing.T) {
	require.True(t, NewInt(42).Equals(NewInt(42)))
	require.False(t, NewInt(42).Equals(NewInt(43)))
	require.False(t, NewInt(42).Equals(NewFloat(42)))
	require.True(t, Nil.Equals(Nil))
	require.True(t, NewSymbol(3).Equals(NewSymbol(3)))
	require.False(t, NewSymbol(3).Equals(NewString(3)))
	require.True(t, NewClosure(7).Equals(NewClosure(7)))
	require.False(t, NewClosure(7).Equals(NewClosure(8)))

	tok := capability.NewToken("net.dial")
	require.True(t, NewCapability(tok).Equals(NewCapability(tok)))
	require.False(t, NewCapability(tok).Equals(NewCapability(capability.NewToken("net.dial"))))
}

func TestHeapRefs(t *testing.T) {
	p := NewPair(12)
	require.True(t, p.IsHeapRef())
	require.Equal(t, 12, p.Ref())

	moved := p.WithRef(3)
	require.Equal(t, 3, moved.Ref())
	require.Equal(t, KindPair, moved.Kind())
	require.Equal(t, 12, p.Ref())

	require.False(t, NewInt(12).IsHeapRef())
	require.False(t, NewSymbol(12).IsHeapRef())
	require.True(t, NewHeapRef(12).IsHeapRef())
}

func TestInspect(t *testing.T) {
	require.Equal(t, "nil", Nil.Inspect())
	require.Equal(t, "true", True.Inspect())
	require.Equal(t, "42", NewInt(42).Inspect())
	require.Equal(t, "2.5", NewFloat(2.5).Inspect())
	require.Equal(t, "closure@4", NewClosure(4).Inspect())
	require.Equal(t, "actor(9)", NewActorID(9).Inspect())
}

func TestInterner(t *testing.T) {
	in := NewInterner()
	a := in.Intern("sandbox-violation")
	b := in.Intern("ok")
	c := in.Intern("sandbox-violation")
	require.Equal(t, a, c)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, in.Size())

	s, ok := in.Lookup(a)
	require.True(t, ok)
	require.Equal(t, "sandbox-violation", s)

	_, ok = in.Lookup(99)
	require.False(t, ok)

	sym := in.Symbol("ok")
	require.Equal(t, KindSymbol, sym.Kind())
	require.Equal(t, b, sym.Index())
}
