package vm

// SlotContext is an (owning) context out-value: used wherever the spec calls
// for "a mutable pointer to a context out-pointer" (§3 "Return Slot") — a
// plain struct here rather than the stack's packed ctxPtr, since return-slot
// plumbing crosses the caller/callee boundary where the non-owning bit isn't
// meaningful (a returned value is always freshly owned by the caller).
type SlotContext struct {
	Ctx *TypeContext
}

// ReturnSlot is the (value, context) out-pointer pair a callee fills in
// (§3). Both pointers are nullable iff the callee has no return type.
type ReturnSlot struct {
	Value   *uint64
	Context *SlotContext
}

// CallArgs is the non-owning staging object used to push arguments prior to
// a call (§3 "CallArgs (staging)"). Every push writes directly through to
// the target Stack's pre-frame region; the only heap memory it owns is the
// nativeOffsets slice, which grows by one entry per native-ABI push.
type CallArgs struct {
	fn    Function
	stack *Stack

	cumulativeOffset uint32
	argCount         uint32

	trackOffset   uint32
	nativeOffsets []uint32
}

func NewCallArgs(stack *Stack, fn Function) *CallArgs {
	return &CallArgs{stack: stack, fn: fn}
}

// PushScript stages one argument for a script callee (§4.2
// "push_script_arg").
func (c *CallArgs) PushScript(value uint64, ctx *TypeContext) {
	c.stack.PushScriptArg(value, ctx, c.cumulativeOffset)
	c.cumulativeOffset += slotsFor(ctx.Size)
	c.argCount++
}

// PushNative stages one argument for a native callee, maintaining the
// tracking record (§4.2 "push_native_arg").
func (c *CallArgs) PushNative(value uint64, ctx *TypeContext) {
	newTrack := c.stack.PushNativeArg(value, ctx, c.cumulativeOffset, c.nativeOffsets)
	c.nativeOffsets = append(c.nativeOffsets, c.cumulativeOffset)
	c.cumulativeOffset += slotsFor(ctx.Size)
	c.trackOffset = newTrack
	c.argCount++
}

// Push stages one argument using the ABI appropriate to c's target function
// kind — the dual-ABI convenience the spec's single CallArgs type provides
// (§4.5 "a single CallArgs works for both script and native callees").
func (c *CallArgs) Push(value uint64, ctx *TypeContext) {
	if c.fn.Kind() == FunctionKindScript {
		c.PushScript(value, ctx)
	} else {
		c.PushNative(value, ctx)
	}
}

func (c *CallArgs) ArgCount() uint32 { return c.argCount }
