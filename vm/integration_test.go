package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildAndCall builds a single-function program from bc and invokes it with
// no arguments, returning whatever ended up in the return slot.
func buildAndCall(t *testing.T, stackSlots uint32, bc []Word, returnsValue bool) (uint64, *TypeContext, *RuntimeError) {
	t.Helper()
	prog := NewProgram(nil)
	b := NewFunctionBuilder("test.fn", "fn").SetStackSlots(stackSlots).PushBytecodeMany(bc...)
	rec, err := b.Build(prog)
	require.NoError(t, err)

	st := NewStack(prog, 4096)
	ca := NewCallArgs(st, ScriptFunction(rec))
	var retVal uint64
	var retCtx SlotContext
	ret := ReturnSlot{}
	if returnsValue {
		ret.Value, ret.Context = &retVal, &retCtx
	}
	rerr := CallFunction(st, ca, ret)
	return retVal, retCtx.Ctx, rerr
}

// Scenario 1 (§8): load an immediate int and return it; expect 42.
func TestScenarioLoadImmediateAndReturn(t *testing.T) {
	bc := []Word{
		EncodeLoadImmediate(true, 0, 42),
		EncodeReturn(true, 0),
	}
	val, ctx, err := buildAndCall(t, 1, bc, true)
	require.Nil(t, err)
	require.Equal(t, IntContext, ctx)
	require.EqualValues(t, 42, int64(val))
}

// Scenario 2 (§8): INT64_MAX + 1 with overflow checking enabled traps with
// ErrAdditionOverflow instead of wrapping.
func TestScenarioIntegerOverflowTraps(t *testing.T) {
	maxWords := EncodeLoadImmediateLong(ValueTagInt, 0, uint64(math.MaxInt64))
	bc := []Word{
		maxWords[0], maxWords[1],
		EncodeLoadImmediate(true, 1, 1),
		EncodeAdd(ArithDst, false, 0, 1, 2),
		EncodeReturn(true, 2),
	}
	_, _, err := buildAndCall(t, 3, bc, true)
	require.NotNil(t, err)
	require.Equal(t, ErrAdditionOverflow, err.Kind)
}

// Scenario 3 (§8): string concatenation produces a new string and the
// operand strings' refcounts are released exactly once on frame unwind.
func TestScenarioStringConcatenationRefcounting(t *testing.T) {
	helloPtr := newStringObject("hello")
	worldPtr := newStringObject(" world")

	helloWords := EncodeLoadImmediateLong(ValueTagString, 0, helloPtr)
	worldWords := EncodeLoadImmediateLong(ValueTagString, 1, worldPtr)
	bc := []Word{
		helloWords[0], helloWords[1],
		worldWords[0], worldWords[1],
		EncodeAdd(ArithDst, true, 0, 1, 2),
		EncodeReturn(true, 2),
	}
	val, ctx, err := buildAndCall(t, 3, bc, true)
	require.Nil(t, err)
	require.Equal(t, StringContext, ctx)
	require.Equal(t, "hello world", stringOf(val))

	// The frame owned slots 0 and 1 (never moved out); unwind on Return
	// must have released each exactly once.
	require.EqualValues(t, 0, stringRefCount(helloPtr))
	require.EqualValues(t, 0, stringRefCount(worldPtr))
	require.EqualValues(t, 1, stringRefCount(val))
}

// Scenario 4 (§8): a native callee computes 6*7 via TakeArg/SetReturn, and
// the caller's argument slots are nulled by the Call handler (move
// semantics into the callee's staged arguments).
func TestScenarioNativeCalleeRoundTrip(t *testing.T) {
	multiply := NativeFunction(func(h *Handler) int32 {
		a, _ := h.TakeArg(0)
		b, _ := h.TakeArg(1)
		h.SetReturn(uint64(int64(a)*int64(b)), IntContext)
		return 0
	})

	callWords := EncodeCallImmediate(2, true, 2, multiply, []uint32{0, 1})
	bc := append([]Word{
		EncodeLoadImmediate(true, 0, 6),
		EncodeLoadImmediate(true, 1, 7),
	}, callWords...)
	bc = append(bc, EncodeReturn(true, 2))

	val, ctx, err := buildAndCall(t, 3, bc, true)
	require.Nil(t, err)
	require.Equal(t, IntContext, ctx)
	require.EqualValues(t, 42, int64(val))
}

// TestScenarioNativeCallNullsCallerArgSlots directly checks the "argument
// slots are nulled after the call" half of scenario 4, independent of the
// return value.
func TestScenarioNativeCallNullsCallerArgSlots(t *testing.T) {
	prog := NewProgram(nil)
	noop := NativeFunction(func(h *Handler) int32 {
		h.TakeArg(0)
		return 0
	})
	b := NewFunctionBuilder("test.nulls", "fn").SetStackSlots(2)
	b.PushBytecode(EncodeLoadImmediate(true, 0, 9))
	b.PushBytecodeMany(EncodeCallImmediate(1, false, 0, noop, []uint32{0})...)
	b.PushBytecode(EncodeReturn(true, 0))
	rec, err := b.Build(prog)
	require.NoError(t, err)

	st := NewStack(prog, 4096)
	ca := NewCallArgs(st, ScriptFunction(rec))
	var retVal uint64
	var retCtx SlotContext
	rerr := CallFunction(st, ca, ReturnSlot{Value: &retVal, Context: &retCtx})
	require.Nil(t, rerr)
	// Returning slot 0 after the call reports the context it still carries:
	// nil once the Call handler has moved the argument out.
	require.Nil(t, retCtx.Ctx)
}

// Scenario 5 (§8): 100 pairs of goroutines Sync the same two shared cells in
// opposite program order; the address-ordered coordinator must converge without
// deadlocking, each goroutine driving its own Stack against a shared
// Program.
func TestScenarioConcurrentSyncNeverDeadlocks(t *testing.T) {
	prog := NewProgram(nil)
	cellA := newOwnershipCell(1, IntContext)
	cellB := newOwnershipCell(2, IntContext)

	// Each goroutine gets its own Stack (and therefore its own Coordinator,
	// §3 "Sync Queues (per thread)") but stages locks on the same two
	// shared cells in opposite program order — the address-ordered
	// coordinator must still converge on one global acquisition order.
	done := make(chan error, 200)
	run := func(first, second uint64) {
		st := NewStack(prog, 1024)
		st.sync.Stage(cellLockAddr(first), LockExclusive)
		st.sync.Stage(cellLockAddr(second), LockExclusive)
		st.sync.Acquire()
		st.sync.Release()
		done <- nil
	}

	for i := 0; i < 100; i++ {
		go run(cellA, cellB)
		go run(cellB, cellA)
	}
	for i := 0; i < 200; i++ {
		require.NoError(t, <-done)
	}
}

// Scenario 6 (§8): a script function owns a string, calls a native function
// that fails; the error propagates and the string's destructor runs exactly
// once during the enclosing frame's unwind.
func TestScenarioRuntimeErrorUnwindsExactlyOnce(t *testing.T) {
	s := newStringObject("owned")

	failer := NativeFunction(func(h *Handler) int32 {
		return h.Fail(ErrDivisionByZero, "division by zero")
	})

	sWords := EncodeLoadImmediateLong(ValueTagString, 0, s)
	callWords := EncodeCallImmediate(0, false, 0, failer, nil)
	bc := append([]Word{sWords[0], sWords[1]}, callWords...)
	bc = append(bc, EncodeReturn(false, 0))

	_, _, err := buildAndCall(t, 1, bc, false)
	require.NotNil(t, err)
	require.Equal(t, ErrDivisionByZero, err.Kind)
	require.EqualValues(t, 0, stringRefCount(s), "owned string must be released exactly once on unwind")
}
