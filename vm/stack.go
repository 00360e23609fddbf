package vm

import "unsafe"

const (
	// DefaultStackSlots is N from §3: "compile-time constant (default 2^17
	// slots = 1 MiB)".
	DefaultStackSlots = 1 << 17
	// ReservedFrameSlots is the 4-slot bookkeeping prefix (§3 "Stack Frame").
	ReservedFrameSlots = 4
	// MaxFrameSlots is 2^13 - 1 = 8191 (§3).
	MaxFrameSlots = 1<<13 - 1
)

// ctxPtr packs a *TypeContext together with the non-owning bit in its low
// bit (§3: "the low bit of the pointer repurposed as a non-owning flag,
// since type contexts have alignment >= 2"). TypeContext values are always
// heap-allocated Go structs, which the runtime guarantees are at least
// word-aligned, so the low bit is free for tagging.
type ctxPtr uintptr

func packCtx(ctx *TypeContext, nonOwning bool) ctxPtr {
	p := ctxPtr(uintptr(unsafe.Pointer(ctx)))
	if nonOwning {
		p |= 1
	}
	return p
}

func (p ctxPtr) ptr() *TypeContext {
	return (*TypeContext)(unsafe.Pointer(uintptr(p &^ 1)))
}

func (p ctxPtr) isNil() bool      { return p == 0 }
func (p ctxPtr) nonOwning() bool  { return p&1 != 0 }

func slotsFor(size uint32) uint32 { return (size + 7) / 8 }

// frameState is the mutable bookkeeping for the currently active frame.
type frameState struct {
	base        uint32
	length      uint32
	returnValue *uint64
	returnCtx   *SlotContext
}

// Stack is the per-thread interpreter stack (§3/§4.2): parallel values and
// contexts arrays, current frame state, and the instruction pointer (which
// lives beside the stack rather than inside the frame record per §4.2).
type Stack struct {
	values   []uint64
	contexts []ctxPtr

	frame frameState
	ip    uint32

	program *Program
	sync    *Coordinator
}

// NewStack allocates a thread-local stack bound to program. slots <= 0 uses
// DefaultStackSlots.
func NewStack(program *Program, slots int) *Stack {
	if slots <= 0 {
		slots = DefaultStackSlots
	}
	return &Stack{
		values:   make([]uint64, slots),
		contexts: make([]ctxPtr, slots),
		program:  program,
		sync:     NewCoordinator(),
	}
}

func (s *Stack) IP() uint32     { return s.ip }
func (s *Stack) SetIP(ip uint32) { s.ip = ip }

func (s *Stack) FrameLength() uint32 { return s.frame.length }

// PushFrame reserves length+4 consecutive slots (§4.2 "push_frame"). The new
// reserved prefix captures the current frame's IP, length, and return-slot
// pointers; the previous base is recovered on pop from the saved length,
// since a reserved prefix always begins exactly where the prior frame ended.
func (s *Stack) PushFrame(length uint32, returnValue *uint64, returnCtx *SlotContext) {
	if length > MaxFrameSlots {
		panic(errFrameTooLarge)
	}
	reservedBase := s.frame.base + s.frame.length
	newBase := reservedBase + ReservedFrameSlots
	if uint64(newBase)+uint64(length) > uint64(len(s.values)) {
		panic(errStackOverflow)
	}

	s.values[reservedBase+0] = uint64(s.ip)
	s.values[reservedBase+1] = uint64(s.frame.length)
	s.values[reservedBase+2] = uint64(uintptr(unsafe.Pointer(s.frame.returnValue)))
	s.values[reservedBase+3] = uint64(uintptr(unsafe.Pointer(s.frame.returnCtx)))

	s.frame.base = newBase
	s.frame.length = length
	s.frame.returnValue = returnValue
	s.frame.returnCtx = returnCtx
	s.ip = 0
}

// PopFrame restores the saved reserved-prefix state and lowers the base
// offset by the popped frame's width (§4.2 "pop_frame"). Panics if there is
// no active frame. Does not destroy values — callers must UnwindFrame first.
func (s *Stack) PopFrame() {
	if s.frame.base == 0 && s.frame.length == 0 {
		panic(errNoActiveFrame)
	}
	reservedBase := s.frame.base - ReservedFrameSlots
	prevIP := uint32(s.values[reservedBase+0])
	prevLength := uint32(s.values[reservedBase+1])
	prevReturnValue := (*uint64)(unsafe.Pointer(uintptr(s.values[reservedBase+2])))
	prevReturnCtx := (*SlotContext)(unsafe.Pointer(uintptr(s.values[reservedBase+3])))

	s.frame.base = reservedBase - prevLength
	s.frame.length = prevLength
	s.frame.returnValue = prevReturnValue
	s.frame.returnCtx = prevReturnCtx
	s.ip = prevIP
}

// UnwindFrame iterates slots 0..frameLength of the current frame, invoking
// the destructor of every owning, non-null context, then nulling it (§4.2
// "unwind_frame"). The scan is linear; multi-slot values are idempotent
// because trailing slots already carry null contexts.
func (s *Stack) UnwindFrame() *RuntimeError {
	base := s.frame.base
	for i := uint32(0); i < s.frame.length; i++ {
		idx := base + i
		c := s.contexts[idx]
		if c.isNil() || c.nonOwning() {
			continue
		}
		ctx := c.ptr()
		if err := deinit(s, ctx, s.values[idx]); err != nil {
			return err
		}
		s.contexts[idx] = 0
	}
	return nil
}

func (s *Stack) checkOffset(offset uint32) {
	if offset >= s.frame.length {
		panic(errStackOutOfBounds)
	}
}

// ValueAt/ContextAt are bounds-checked read accessors (§4.2).
func (s *Stack) ValueAt(offset uint32) uint64 {
	s.checkOffset(offset)
	return s.values[s.frame.base+offset]
}

func (s *Stack) ContextAt(offset uint32) *TypeContext {
	s.checkOffset(offset)
	c := s.contexts[s.frame.base+offset]
	if c.isNil() {
		return nil
	}
	return c.ptr()
}

func (s *Stack) IsNonOwningAt(offset uint32) bool {
	s.checkOffset(offset)
	return s.contexts[s.frame.base+offset].nonOwning()
}

func (s *Stack) SetValueAt(offset uint32, v uint64) {
	s.checkOffset(offset)
	s.values[s.frame.base+offset] = v
}

// setContextAtImpl is shared by SetContextAt and SetReferenceContextAt — the
// unified non-owning-bit mechanism (DESIGN.md Open Question 1). Opcode
// handlers set the bit only through SetReferenceContextAt (Dereference,
// GetMember, and Move from a non-owning source); reference.set keeps
// whatever bit its target slot already had.
func (s *Stack) setContextAtImpl(offset uint32, ctx *TypeContext, nonOwning bool) {
	s.checkOffset(offset)
	base := s.frame.base
	s.contexts[base+offset] = packCtx(ctx, nonOwning)
	n := slotsFor(ctx.Size)
	for i := uint32(1); i < n; i++ {
		s.contexts[base+offset+i] = 0
	}
}

// SetContextAt is an owning write (§4.2).
func (s *Stack) SetContextAt(offset uint32, ctx *TypeContext) {
	s.setContextAtImpl(offset, ctx, false)
}

// SetReferenceContextAt sets the non-owning bit so UnwindFrame skips
// destruction (§4.2).
func (s *Stack) SetReferenceContextAt(offset uint32, ctx *TypeContext) {
	s.setContextAtImpl(offset, ctx, true)
}

// SetNullContextAt clears a slot's context to signal "moved out" (§4.2).
func (s *Stack) SetNullContextAt(offset uint32) {
	s.checkOffset(offset)
	s.contexts[s.frame.base+offset] = 0
}

func (s *Stack) absoluteSlot(offset uint32) uint32 {
	s.checkOffset(offset)
	return s.frame.base + offset
}

// nextFrameBase is where push_script_arg/push_native_arg stage argument
// bytes: the not-yet-pushed region immediately after the reserved prefix
// that would follow the current frame (§4.2).
func (s *Stack) nextFrameBase() uint32 {
	return s.frame.base + s.frame.length + ReservedFrameSlots
}

// PushScriptArg copies value+ctx into the pre-frame region at the given
// offset (§4.2 "push_script_arg").
func (s *Stack) PushScriptArg(value uint64, ctx *TypeContext, offset uint32) {
	base := s.nextFrameBase()
	idx := base + offset
	s.values[idx] = value
	s.contexts[idx] = packCtx(ctx, false)
	n := slotsFor(ctx.Size)
	for i := uint32(1); i < n; i++ {
		s.contexts[idx+i] = 0
	}
}

// writeTrackingRecord lays out the native-callee tracking record: argument
// count followed by 16-bit in-frame-offset lanes, four per word.
func (s *Stack) writeTrackingRecord(base, trackOffset uint32, offsets []uint32) {
	idx := base + trackOffset
	s.values[idx] = uint64(len(offsets))
	s.contexts[idx] = 0
	var word uint64
	lane := 0
	wordIdx := uint32(0)
	for i, off := range offsets {
		word |= uint64(uint16(off)) << uint(lane*16)
		lane++
		if lane == 4 || i == len(offsets)-1 {
			s.values[idx+1+wordIdx] = word
			s.contexts[idx+1+wordIdx] = 0
			word = 0
			lane = 0
			wordIdx++
		}
	}
}

// PushNativeArg copies value+ctx into the pre-frame region, then relocates
// the tracking record to sit just past the new end-of-args (§4.2
// "push_native_arg"). priorOffsets is every offset pushed so far (not
// including this one); it returns the new tracking-record offset.
func (s *Stack) PushNativeArg(value uint64, ctx *TypeContext, offset uint32, priorOffsets []uint32) uint32 {
	base := s.nextFrameBase()
	idx := base + offset
	s.values[idx] = value
	s.contexts[idx] = packCtx(ctx, false)
	n := slotsFor(ctx.Size)
	for i := uint32(1); i < n; i++ {
		s.contexts[idx+i] = 0
	}

	newTrackOffset := offset + n
	allOffsets := make([]uint32, 0, len(priorOffsets)+1)
	allOffsets = append(allOffsets, priorOffsets...)
	allOffsets = append(allOffsets, offset)
	s.writeTrackingRecord(base, newTrackOffset, allOffsets)
	return newTrackOffset
}

// TakeArg reads the tracking record at trackOffset (relative to the CURRENT
// frame, i.e. called after the frame holding the arguments has been pushed),
// looks up argument index's slot, copies the bytes out, nulls the source
// slot's context, and reports the original context (§4.2 "take_arg").
func (s *Stack) TakeArg(trackOffset uint32, index int) (uint64, *TypeContext) {
	base := s.frame.base
	idx := base + trackOffset
	count := uint32(s.values[idx])
	if index < 0 || uint32(index) >= count {
		panic(errArityMismatch)
	}
	lane := uint32(index) % 4
	wordIdx := uint32(index) / 4
	word := s.values[idx+1+wordIdx]
	argOffset := uint32(uint16(word >> (lane * 16)))

	slotIdx := base + argOffset
	val := s.values[slotIdx]
	c := s.contexts[slotIdx]
	s.contexts[slotIdx] = 0
	if c.isNil() {
		return val, nil
	}
	return val, c.ptr()
}
