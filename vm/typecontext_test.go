package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEqlBuiltinScalars(t *testing.T) {
	st := newTestStack(t)

	eq, err := eql(st, IntContext, IntContext, 5, 5)
	require.Nil(t, err)
	require.True(t, eq)

	eq, err = eql(st, IntContext, IntContext, 5, 6)
	require.Nil(t, err)
	require.False(t, eq)

	eq, err = eql(st, IntContext, FloatContext, 5, 5)
	require.Nil(t, err)
	require.False(t, eq, "mismatched contexts are never equal")
}

func TestEqlStrings(t *testing.T) {
	st := newTestStack(t)
	a := newStringObject("hi")
	b := newStringObject("hi")
	eq, err := eql(st, StringContext, StringContext, a, b)
	require.Nil(t, err)
	require.True(t, eq)
}

func TestCloneStringBumpsRefcount(t *testing.T) {
	st := newTestStack(t)
	s := newStringObject("clone me")
	require.EqualValues(t, 1, stringRefCount(s))

	cloned, err := clone(st, StringContext, s)
	require.Nil(t, err)
	require.Equal(t, s, cloned, "string clone is a refcount bump, not a copy")
	require.EqualValues(t, 2, stringRefCount(s))
}

func TestEqlDereferencesSharedCells(t *testing.T) {
	st := newTestStack(t)
	cellA := newOwnershipCell(9, IntContext)
	cellB := newOwnershipCell(9, IntContext)
	cellC := newOwnershipCell(10, IntContext)

	eq, err := eql(st, SharedContext, SharedContext, cellA, cellB)
	require.Nil(t, err)
	require.True(t, eq, "shared cells wrapping equal values compare equal")

	eq, err = eql(st, SharedContext, SharedContext, cellA, cellC)
	require.Nil(t, err)
	require.False(t, eq)
}

func TestCloneUniquePanics(t *testing.T) {
	st := newTestStack(t)
	cellVal := newOwnershipCell(7, IntContext)
	require.Panics(t, func() { clone(st, UniqueContext, cellVal) })
}

func TestHashValueDeterministic(t *testing.T) {
	st := newTestStack(t)
	h1, err := hashValue(st, IntContext, 42)
	require.Nil(t, err)
	h2, err := hashValue(st, IntContext, 42)
	require.Nil(t, err)
	require.Equal(t, h1, h2)

	h3, err := hashValue(st, IntContext, 43)
	require.Nil(t, err)
	require.NotEqual(t, h1, h3)
}

func TestDeinitBuiltinScalarsAreNoop(t *testing.T) {
	st := newTestStack(t)
	require.Nil(t, deinit(st, IntContext, 0))
	require.Nil(t, deinit(st, BoolContext, 1))
}

func TestUserTypeDestructorInvokedViaCallUnary(t *testing.T) {
	st := newTestStack(t)
	called := false

	dtor := NativeFunction(func(h *Handler) int32 {
		v, _ := h.TakeArg(0)
		called = v == 77
		return 0
	})
	ctx := &TypeContext{Size: 8, Name: "counter", Destructor: dtor}

	err := deinit(st, ctx, 77)
	require.Nil(t, err)
	require.True(t, called)
}

func TestUserTypeEqlInvokedViaCallBinary(t *testing.T) {
	st := newTestStack(t)

	eqlFn := NativeFunction(func(h *Handler) int32 {
		a, _ := h.TakeArg(0)
		b, _ := h.TakeArg(1)
		h.SetReturn(boolToUint(a == b), BoolContext)
		return 0
	})
	ctx := &TypeContext{Size: 8, Name: "point", Eql: eqlFn}

	eq, err := eql(st, ctx, ctx, 3, 3)
	require.Nil(t, err)
	require.True(t, eq)

	eq, err = eql(st, ctx, ctx, 3, 4)
	require.Nil(t, err)
	require.False(t, eq)
}
