package vm

import (
	"fmt"
	"hash/maphash"
	"math"
)

// TypeContext is the per-runtime-type record (§3): size, optional
// destructor/clone/eql/hash callables, display name, member layout. It is
// immutable after registration and safe to compare by pointer equality,
// which the dispatcher uses as encode its built-in fast path (§4.1).
type TypeContext struct {
	Size       uint32
	Destructor Function
	Clone      Function
	Eql        Function
	Hash       Function
	Name       string
	Members    []Member
}

// Member describes one field of a member-bearing type: name, byte offset,
// and the type context governing that field.
type Member struct {
	Name   string
	Offset uint32
	Ctx    *TypeContext
}

func (c *TypeContext) String() string {
	return fmt.Sprintf("typectx(%s, size=%d)", c.Name, c.Size)
}

// Built-in singleton contexts. Pointer identity against these is the fast
// dispatch key described in §4.1; every built-in kind named in §3 has one.
var (
	BoolContext     = &TypeContext{Size: 8, Name: "bool"}
	IntContext      = &TypeContext{Size: 8, Name: "int"}
	FloatContext    = &TypeContext{Size: 8, Name: "float"}
	CharContext     = &TypeContext{Size: 8, Name: "char"}
	StringContext   = &TypeContext{Size: 8, Name: "string"}
	ArrayContext    = &TypeContext{Size: 8, Name: "array"}
	SetContext      = &TypeContext{Size: 8, Name: "set"}
	MapContext      = &TypeContext{Size: 8, Name: "map"}
	OptionContext   = &TypeContext{Size: 8, Name: "option"}
	ErrorContext    = &TypeContext{Size: 8, Name: "error"}
	ResultContext   = &TypeContext{Size: 8, Name: "result"}
	UniqueContext   = &TypeContext{Size: 8, Name: "unique"}
	SharedContext   = &TypeContext{Size: 8, Name: "shared"}
	WeakContext     = &TypeContext{Size: 8, Name: "weak"}
	FunctionContext = &TypeContext{Size: 8, Name: "function"}
	ConstRefContext = &TypeContext{Size: 8, Name: "constref"}
	MutRefContext   = &TypeContext{Size: 8, Name: "mutref"}
)

func isReferenceKind(ctx *TypeContext) bool {
	switch ctx {
	case ConstRefContext, MutRefContext, UniqueContext, SharedContext, WeakContext:
		return true
	default:
		return false
	}
}

func isMutableReferenceKind(ctx *TypeContext) bool {
	switch ctx {
	case MutRefContext, UniqueContext, SharedContext:
		return true
	default:
		return false
	}
}

// deinit runs ctx's destructor over value (§4.1). No-op when the context has
// no destructor, matching built-in scalar types that need no cleanup.
func deinit(st *Stack, ctx *TypeContext, value uint64) *RuntimeError {
	switch ctx {
	case BoolContext, IntContext, FloatContext, CharContext, ArrayContext,
		SetContext, MapContext, OptionContext, ErrorContext, ResultContext,
		FunctionContext, ConstRefContext, MutRefContext, WeakContext:
		return nil
	case StringContext:
		releaseString(value)
		return nil
	case SharedContext, UniqueContext:
		releaseCell(value)
		return nil
	}
	if !ctx.Destructor.IsValid() {
		return nil
	}
	_, _, err := callUnary(st, ctx.Destructor, ctx, value)
	return err
}

// clone invokes ctx's clone callable (§4.1); requires a non-empty clone
// callable for user types.
func clone(st *Stack, ctx *TypeContext, src uint64) (uint64, *RuntimeError) {
	switch ctx {
	case BoolContext, IntContext, FloatContext, CharContext, ArrayContext,
		SetContext, MapContext, OptionContext, ErrorContext, ResultContext,
		FunctionContext, ConstRefContext, MutRefContext, WeakContext:
		return src, nil
	case StringContext:
		return retainString(src), nil
	case SharedContext:
		return retainCell(src), nil
	case UniqueContext:
		panic(errUniqueNotCloneable)
	}
	if !ctx.Clone.IsValid() {
		panic(errMissingCloneFunc)
	}
	v, _, err := callUnary(st, ctx.Clone, ctx, src)
	return v, err
}

// eql requires both sides to carry the same context pointer (§4.1).
func eql(st *Stack, aCtx, bCtx *TypeContext, a, b uint64) (bool, *RuntimeError) {
	if aCtx != bCtx {
		return false, nil
	}
	switch aCtx {
	case BoolContext, IntContext, CharContext:
		return a == b, nil
	case FloatContext:
		return math.Float64frombits(a) == math.Float64frombits(b), nil
	case StringContext:
		return stringOf(a) == stringOf(b), nil
	case ConstRefContext, MutRefContext:
		ra, rb := refOf(a), refOf(b)
		return eql(st, ra.targetContext(), rb.targetContext(), ra.get(), rb.get())
	case UniqueContext, SharedContext, WeakContext:
		ca, cb := cellOf(a), cellOf(b)
		return eql(st, ca.ctx, cb.ctx, ca.value, cb.value)
	}
	if !aCtx.Eql.IsValid() {
		panic(errMissingEqlFunc)
	}
	v, _, err := callBinary(st, aCtx.Eql, aCtx, a, b)
	return v != 0, err
}

var stringHashSeed = maphash.MakeSeed()

// hashValue composes with the process-wide seed (§5); floats hash their IEEE
// bit pattern, references hash the pointee (§4.1).
func hashValue(st *Stack, ctx *TypeContext, value uint64) (uint64, *RuntimeError) {
	seed := processHashSeed()
	switch ctx {
	case BoolContext, IntContext, CharContext, FloatContext:
		return mixHash(seed, value), nil
	case StringContext:
		var h maphash.Hash
		h.SetSeed(stringHashSeed)
		h.WriteString(stringOf(value))
		return h.Sum64() ^ seed, nil
	case ConstRefContext, MutRefContext:
		r := refOf(value)
		return hashValue(st, r.targetContext(), r.get())
	case UniqueContext, SharedContext, WeakContext:
		c := cellOf(value)
		return hashValue(st, c.ctx, c.value)
	}
	if !ctx.Hash.IsValid() {
		return mixHash(seed, value), nil
	}
	v, _, err := callUnary(st, ctx.Hash, ctx, value)
	if err != nil {
		return 0, err
	}
	return mixHash(seed, v), nil
}

func mixHash(seed, v uint64) uint64 {
	v ^= seed
	v *= 0xff51afd7ed558ccd
	v ^= v >> 33
	v *= 0xc4ceb9fe1a85ec53
	v ^= v >> 33
	return v
}
