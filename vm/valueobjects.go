package vm

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// This file gives the built-in type contexts (§4.1) concrete heap payloads.
// Concrete container types are spec Non-goals ("deliberately out of scope:
// ...they appear only as type contexts and as operand kinds"); what follows
// is the minimal backing needed to make deinit/clone/eql/hash and the
// reference/ownership opcodes real and testable rather than pure identity
// markers, without reintroducing a general container library.

// heapObjects anchors every payload addressed by raw pointer value inside a
// uint64 stack slot. A bare `uint64(uintptr(unsafe.Pointer(obj)))` is opaque
// to Go's GC — the values/contexts arrays are scanned as non-pointer data —
// so once a constructor below returns, nothing keeps obj reachable and it is
// eligible for collection out from under the slot that still names its old
// address (a use-after-free once that memory is reused). Storing the real,
// typed pointer here as a map value keeps it reachable for exactly as long
// as the corresponding untrack call hasn't run. Only a string is untracked,
// when its refcount hits zero; cells, references, struct records and boxed
// functions are never untracked and stay here for the rest of the process.
var heapObjects sync.Map // uintptr -> the real pointer (e.g. *stringObject)

func trackHeapObject(addr uint64, obj any) uint64 {
	heapObjects.Store(uintptr(addr), obj)
	return addr
}

func untrackHeapObject(addr uint64) {
	heapObjects.Delete(uintptr(addr))
}

// ---- string ----

type stringObject struct {
	data string
	refs atomic.Int32
}

func newStringObject(s string) uint64 {
	obj := &stringObject{data: s}
	obj.refs.Store(1)
	return trackHeapObject(uint64(uintptr(unsafe.Pointer(obj))), obj)
}

func stringObjOf(v uint64) *stringObject {
	return (*stringObject)(unsafe.Pointer(uintptr(v)))
}

func stringOf(v uint64) string {
	if v == 0 {
		return ""
	}
	return stringObjOf(v).data
}

// retainString implements string's clone: a cheap refcount bump rather than
// a deep copy, matching scenario 3's "correct reference-count bookkeeping".
func retainString(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	stringObjOf(v).refs.Add(1)
	return v
}

func releaseString(v uint64) {
	if v == 0 {
		return
	}
	if stringObjOf(v).refs.Add(-1) == 0 {
		untrackHeapObject(v)
	}
}

func stringRefCount(v uint64) int32 {
	if v == 0 {
		return 0
	}
	return stringObjOf(v).refs.Load()
}

func concatStrings(a, b uint64) uint64 {
	return newStringObject(stringOf(a) + stringOf(b))
}

// ---- unique / shared / weak ownership cells ----

// ownershipCell is the refcounted, rwlock-guarded backing for unique, shared,
// and weak values (§4.8 "Weak references lock the same rwlock as the
// unique/shared they observe"). Unique cells simply never exceed refs==1.
type ownershipCell struct {
	lock  RWLock
	refs  atomic.Int32
	alive atomic.Bool
	value uint64
	ctx   *TypeContext
}

func newOwnershipCell(value uint64, ctx *TypeContext) uint64 {
	c := &ownershipCell{value: value, ctx: ctx}
	c.refs.Store(1)
	c.alive.Store(true)
	return trackHeapObject(uint64(uintptr(unsafe.Pointer(c))), c)
}

func cellOf(v uint64) *ownershipCell {
	return (*ownershipCell)(unsafe.Pointer(uintptr(v)))
}

func retainCell(v uint64) uint64 {
	cellOf(v).refs.Add(1)
	return v
}

// releaseCell drops a shared/unique reference; the last release tears down
// the inner built-in value and marks the cell dead so weak upgrades fail.
// Unlike releaseString, this never calls untrackHeapObject: a weak alias
// carries the same raw address with no refcount of its own (weakAlias is a
// no-op), so the cell's memory — not just its contents — has to stay valid
// for weakUpgrade to observe alive==false after every strong owner is gone.
func releaseCell(v uint64) {
	c := cellOf(v)
	if c.refs.Add(-1) == 0 {
		c.alive.Store(false)
		deinitBuiltinOnly(c.ctx, c.value)
	}
}

// deinitBuiltinOnly releases a built-in inner value without a *Stack, a
// deliberate simplification: nested user-defined Function-based destructors
// for a cell's inner value aren't reachable from this path. No testable
// property in this spec exercises a user-typed value nested inside a
// shared/unique cell, only built-ins.
func deinitBuiltinOnly(ctx *TypeContext, value uint64) {
	switch ctx {
	case StringContext:
		releaseString(value)
	case SharedContext, UniqueContext:
		releaseCell(value)
	}
}

// weakAlias shares the same cell pointer as its observed unique/shared value
// without bumping the refcount — an observer, not an owner.
func weakAlias(cellVal uint64) uint64 { return cellVal }

func weakUpgrade(v uint64) (uint64, bool) {
	c := cellOf(v)
	if !c.alive.Load() {
		return 0, false
	}
	return v, true
}

// cellLockAddr returns the address of the rwlock embedded in a unique/shared/
// weak cell, the "internal accessor" spec §4.8 describes for weak references.
func cellLockAddr(v uint64) *RWLock { return &cellOf(v).lock }

// ---- const-ref / mut-ref ----

// reference is the payload of const-ref/mut-ref values: an absolute (not
// frame-relative) index into the owning Stack's slot arrays, so a reference
// stays valid across frames. deinit is a no-op for const-ref/mut-ref (§4.1 —
// a reference doesn't own its pointee), so a reference is never explicitly
// released; it stays in heapObjects for the rest of the process.
type reference struct {
	stack   *Stack
	slot    uint32
	mutable bool
}

func newReference(st *Stack, absSlot uint32, mutable bool) uint64 {
	r := &reference{stack: st, slot: absSlot, mutable: mutable}
	return trackHeapObject(uint64(uintptr(unsafe.Pointer(r))), r)
}

func refOf(v uint64) *reference { return (*reference)(unsafe.Pointer(uintptr(v))) }

func (r *reference) get() uint64 { return r.stack.values[r.slot] }

func (r *reference) targetContext() *TypeContext {
	c := r.stack.contexts[r.slot]
	if c.isNil() {
		return nil
	}
	return c.ptr()
}

func (r *reference) set(value uint64, ctx *TypeContext) {
	nonOwning := r.stack.contexts[r.slot].nonOwning()
	r.stack.values[r.slot] = value
	r.stack.contexts[r.slot] = packCtx(ctx, nonOwning)
}

// ---- generic member-bearing record (GetMember / SetMember backing) ----

// structRecord is the minimal concrete backing for a user type with member
// descriptors (§3 Type Context "optional array of member descriptors").
// Concrete container/struct layout is otherwise out of spec scope; this is
// just enough to make GetMember/SetMember real.
type structRecord struct {
	fields []uint64
	ctxs   []ctxPtr
}

func newStructRecord(n int) uint64 {
	r := &structRecord{fields: make([]uint64, n), ctxs: make([]ctxPtr, n)}
	return trackHeapObject(uint64(uintptr(unsafe.Pointer(r))), r)
}

func structRecordOf(v uint64) *structRecord {
	return (*structRecord)(unsafe.Pointer(uintptr(v)))
}
