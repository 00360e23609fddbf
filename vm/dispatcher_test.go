package vm

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcherRunExecutesToCompletion(t *testing.T) {
	prog := NewProgram(nil)
	b := NewFunctionBuilder("test.dispatcher.run", "fn").SetStackSlots(1)
	b.PushBytecode(EncodeLoadImmediate(true, 0, 7))
	b.PushBytecode(EncodeReturn(true, 0))
	rec, err := b.Build(prog)
	require.NoError(t, err)

	d := NewDispatcher(prog)
	st := NewStack(prog, 1024)
	var retVal uint64
	var retCtx SlotContext
	rerr := d.Run(st, rec, nil, ReturnSlot{Value: &retVal, Context: &retCtx})
	require.Nil(t, rerr)
	require.EqualValues(t, 7, retVal)
	require.Equal(t, IntContext, retCtx.Ctx)
}

func TestDispatcherRunReportsErrorToHost(t *testing.T) {
	prog := NewProgram(nil)
	var reported RuntimeErrorKind
	var gotMessage string
	prog.Host.OnError = func(kind RuntimeErrorKind, message string) {
		reported = kind
		gotMessage = message
	}

	failer := NativeFunction(func(h *Handler) int32 {
		return h.Fail(ErrDivisionByZero, "boom")
	})
	b := NewFunctionBuilder("test.dispatcher.err", "fn").SetStackSlots(0)
	b.PushBytecodeMany(EncodeCallImmediate(0, false, 0, failer, nil)...)
	b.PushBytecode(EncodeReturn(false, 0))
	rec, err := b.Build(prog)
	require.NoError(t, err)

	d := NewDispatcher(prog)
	st := NewStack(prog, 1024)
	rerr := d.Run(st, rec, nil, ReturnSlot{})
	require.NotNil(t, rerr)
	require.Equal(t, ErrDivisionByZero, reported)
	require.Equal(t, "boom", gotMessage)
}

func TestDispatcherStepAdvancesOneInstructionAtATime(t *testing.T) {
	prog := NewProgram(nil)
	code := []Word{
		EncodeLoadImmediate(true, 0, 1),
		EncodeLoadImmediate(true, 1, 2),
		EncodeReturn(true, 0),
	}

	st := NewStack(prog, 1024)
	var retVal uint64
	var retCtx SlotContext
	st.PushFrame(2, &retVal, &retCtx)

	d := NewDispatcher(prog)

	_, returned, err := d.Step(st, code)
	require.Nil(t, err)
	require.False(t, returned)
	require.EqualValues(t, 1, st.IP())

	_, returned, err = d.Step(st, code)
	require.Nil(t, err)
	require.False(t, returned)
	require.EqualValues(t, 2, st.IP())

	_, returned, err = d.Step(st, code)
	require.Nil(t, err)
	require.True(t, returned)
	require.EqualValues(t, 1, retVal)
}

func TestDispatcherRunUntilBreakpointStopsBeforeMarkedInstruction(t *testing.T) {
	prog := NewProgram(nil)
	code := []Word{
		EncodeLoadImmediate(true, 0, 1),
		EncodeLoadImmediate(true, 1, 2),
		EncodeReturn(true, 0),
	}

	st := NewStack(prog, 1024)
	var retVal uint64
	var retCtx SlotContext
	st.PushFrame(2, &retVal, &retCtx)

	d := NewDispatcher(prog)
	d.Breakpoints = map[uint32]bool{2: true}

	hit, returned, err := d.RunUntilBreakpoint(st, code)
	require.Nil(t, err)
	require.False(t, returned)
	require.True(t, hit)
	require.EqualValues(t, 2, st.IP())
	require.EqualValues(t, 0, retVal, "must not have run Return yet")

	delete(d.Breakpoints, 2)
	hit, returned, err = d.RunUntilBreakpoint(st, code)
	require.Nil(t, err)
	require.False(t, hit)
	require.True(t, returned)
	require.EqualValues(t, 1, retVal)
}

func TestDispatcherDisableGCDuringRunRestoresPreviousSetting(t *testing.T) {
	prog := NewProgram(nil)
	b := NewFunctionBuilder("test.dispatcher.gc", "fn").SetStackSlots(1)
	b.PushBytecode(EncodeLoadImmediate(true, 0, 1))
	b.PushBytecode(EncodeReturn(false, 0))
	rec, err := b.Build(prog)
	require.NoError(t, err)

	prev := debug.SetGCPercent(100)
	defer debug.SetGCPercent(prev)

	d := NewDispatcher(prog)
	d.DisableGCDuringRun = true
	st := NewStack(prog, 1024)
	rerr := d.Run(st, rec, nil, ReturnSlot{})
	require.Nil(t, rerr)
	require.Equal(t, 100, debug.SetGCPercent(100), "Run must restore the GC percent it found")
}
