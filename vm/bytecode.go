package vm

// Opcode is the low 8 bits of every bytecode Word (§4.3). Hex values are
// assigned in declaration order, mirroring the teacher's explicit-hex opcode
// table in vm/bytecode.go.
type Opcode byte

const (
	OpNop Opcode = iota
	OpLoad
	OpReturn
	OpCall
	OpJump
	OpDeinit
	OpSync
	OpMove
	OpClone
	OpDereference
	OpSetReference
	OpMakeReference
	OpGetMember
	OpSetMember
	OpCast
	OpEqual
	OpNotEqual
	OpLess
	OpGreater
	OpLessOrEqual
	OpGreaterOrEqual
	OpIncrement
	OpAdd
	opcodeCount
)

var opcodeNames = [...]string{
	"nop", "load", "return", "call", "jump", "deinit", "sync", "move", "clone",
	"dereference", "setreference", "makereference", "getmember", "setmember",
	"cast", "equal", "notequal", "less", "greater", "lessorequal",
	"greaterorequal", "increment", "add",
}

func (op Opcode) String() string {
	if int(op) < len(opcodeNames) {
		return opcodeNames[op]
	}
	return "unknown"
}

// Word is exactly 8 bytes, 8-byte aligned (§3 "Bytecode Word"). The low 8
// bits are the opcode; the remaining 56 bits are the operand.
type Word uint64

const (
	opcodeBits = 8
	opcodeMask = uint64(1)<<opcodeBits - 1
	slotBits   = 13
	slotMask   = uint32(1)<<slotBits - 1
)

func (w Word) Opcode() Opcode { return Opcode(uint64(w) & opcodeMask) }

func (w Word) operand() uint64 { return uint64(w) >> opcodeBits }

func makeWord(op Opcode, operand uint64) Word {
	return Word(uint64(op) | (operand << opcodeBits))
}

// bitsField extracts `width` bits of `operand` starting at bit `lo`.
func bitsField(operand uint64, lo, width uint) uint64 {
	return (operand >> lo) & (uint64(1)<<width - 1)
}

func signExtend(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

// ---- Load (multi-word) ----

type LoadSubop byte

const (
	LoadImmediate LoadSubop = iota
	LoadImmediateLong
	LoadDefault
	LoadCloneFromPtr
)

func DecodeLoadSubop(w Word) LoadSubop {
	return LoadSubop(bitsField(w.operand(), 0, 2))
}

type LoadImmediateInstr struct {
	IsInt bool
	Dst   uint32
	Imm   int64 // 40-bit signed
}

func EncodeLoadImmediate(isInt bool, dst uint32, imm int64) Word {
	var tag uint64
	if isInt {
		tag = 1
	}
	operand := uint64(LoadImmediate) | (tag << 2) | (uint64(dst&slotMask) << 3) |
		((uint64(imm) & (uint64(1)<<40 - 1)) << 16)
	return makeWord(OpLoad, operand)
}

func DecodeLoadImmediate(w Word) LoadImmediateInstr {
	operand := w.operand()
	return LoadImmediateInstr{
		IsInt: bitsField(operand, 2, 1) == 1,
		Dst:   uint32(bitsField(operand, 3, 13)),
		Imm:   signExtend(bitsField(operand, 16, 40), 40),
	}
}

type LoadImmediateLongInstr struct {
	ValueTag byte
	Dst      uint32
	Payload  uint64
}

// EncodeLoadImmediateLong returns the two words of this instruction: the
// operand word and the raw 64-bit payload data word. valueTag must not denote
// bool (spec §4.3: "forbidden for bool").
func EncodeLoadImmediateLong(valueTag byte, dst uint32, payload uint64) [2]Word {
	operand := uint64(LoadImmediateLong) | (uint64(valueTag&0x3f) << 2) | (uint64(dst&slotMask) << 8)
	return [2]Word{makeWord(OpLoad, operand), Word(payload)}
}

func DecodeLoadImmediateLong(w, data Word) LoadImmediateLongInstr {
	operand := w.operand()
	return LoadImmediateLongInstr{
		ValueTag: byte(bitsField(operand, 2, 6)),
		Dst:      uint32(bitsField(operand, 8, 13)),
		Payload:  uint64(data),
	}
}

// Value tags shared by LoadImmediateLong and LoadDefault.
const (
	ValueTagBool byte = iota
	ValueTagInt
	ValueTagFloat
	ValueTagChar
	ValueTagString
	ValueTagArray
	ValueTagSet
	ValueTagMap
	ValueTagOption
)

// loadDefaultExtraWords reports how many trailing type-context-pointer words
// follow a LoadDefault head for a given value tag (§4.3: "extra 1-2 words
// carry key/value type-context pointers when the default constructs a
// generic container").
func loadDefaultExtraWords(tag byte) int {
	switch tag {
	case ValueTagArray, ValueTagSet, ValueTagOption:
		return 1
	case ValueTagMap:
		return 2
	default:
		return 0
	}
}

type LoadDefaultInstr struct {
	Dst      uint32
	ValueTag byte
	KeyCtx   *TypeContext
	ValueCtx *TypeContext
}

func EncodeLoadDefaultHead(dst uint32, valueTag byte) Word {
	operand := uint64(LoadDefault) | (uint64(dst&slotMask) << 2) | (uint64(valueTag&0x3f) << 15)
	return makeWord(OpLoad, operand)
}

func DecodeLoadDefaultHead(w Word) (dst uint32, valueTag byte) {
	operand := w.operand()
	return uint32(bitsField(operand, 2, 13)), byte(bitsField(operand, 15, 6))
}

type LoadCloneFromPtrInstr struct {
	Dst    uint32
	SrcPtr uint64
	Ctx    *TypeContext
}

func EncodeLoadCloneFromPtrHead(dst uint32) Word {
	operand := uint64(LoadCloneFromPtr) | (uint64(dst&slotMask) << 2)
	return makeWord(OpLoad, operand)
}

func DecodeLoadCloneFromPtrHead(w Word) uint32 {
	return uint32(bitsField(w.operand(), 2, 13))
}

// ---- Return ----

type ReturnInstr struct {
	HasReturn bool
	Src       uint32
}

func EncodeReturn(hasReturn bool, src uint32) Word {
	var hr uint64
	if hasReturn {
		hr = 1
	}
	return makeWord(OpReturn, hr|(uint64(src&slotMask)<<1))
}

func DecodeReturn(w Word) ReturnInstr {
	operand := w.operand()
	return ReturnInstr{HasReturn: bitsField(operand, 0, 1) == 1, Src: uint32(bitsField(operand, 1, 13))}
}

// ---- Call (multi-word) ----

type CallSubop byte

const (
	CallImmediate CallSubop = iota
	CallSrc
)

type CallInstr struct {
	Subop        CallSubop
	ArgCount     uint32
	HasReturn    bool
	ReturnDst    uint32
	FunctionKind FunctionKind // Immediate form only
	SrcSlot      uint32       // Src form only
}

func encodeCallPrefix(subop CallSubop, argCount uint32, hasReturn bool, returnDst uint32, extra uint64) uint64 {
	var hr uint64
	if hasReturn {
		hr = 1
	}
	return uint64(subop) | (uint64(argCount&slotMask) << 1) | (hr << 14) |
		(uint64(returnDst&slotMask) << 15) | (extra << 28)
}

func EncodeCallImmediateHead(argCount uint32, hasReturn bool, returnDst uint32, kind FunctionKind) Word {
	var kindBit uint64
	if kind == FunctionKindScript {
		kindBit = 1
	}
	return makeWord(OpCall, encodeCallPrefix(CallImmediate, argCount, hasReturn, returnDst, kindBit))
}

func EncodeCallSrcHead(argCount uint32, hasReturn bool, returnDst uint32, srcSlot uint32) Word {
	return makeWord(OpCall, encodeCallPrefix(CallSrc, argCount, hasReturn, returnDst, uint64(srcSlot&slotMask)))
}

func DecodeCallHead(w Word) CallInstr {
	operand := w.operand()
	subop := CallSubop(bitsField(operand, 0, 1))
	instr := CallInstr{
		Subop:     subop,
		ArgCount:  uint32(bitsField(operand, 1, 13)),
		HasReturn: bitsField(operand, 14, 1) == 1,
		ReturnDst: uint32(bitsField(operand, 15, 13)),
	}
	if subop == CallImmediate {
		if bitsField(operand, 28, 1) == 1 {
			instr.FunctionKind = FunctionKindScript
		} else {
			instr.FunctionKind = FunctionKindNative
		}
	} else {
		instr.SrcSlot = uint32(bitsField(operand, 28, 13))
	}
	return instr
}

// EncodeCallArgWords packs argument slot indices as 16-bit lanes, four per
// word, for ceil(argCount/4) words.
func EncodeCallArgWords(argSlots []uint32) []Word {
	n := (len(argSlots) + 3) / 4
	words := make([]Word, n)
	for i, slot := range argSlots {
		wordIdx := i / 4
		lane := uint(i % 4)
		words[wordIdx] |= Word(uint64(uint16(slot)) << (lane * 16))
	}
	return words
}

func DecodeCallArgWords(words []Word, argCount uint32) []uint32 {
	slots := make([]uint32, argCount)
	for i := uint32(0); i < argCount; i++ {
		wordIdx := i / 4
		lane := uint(i % 4)
		slots[i] = uint32(uint16(uint64(words[wordIdx]) >> (lane * 16)))
	}
	return slots
}

func callArgWordCount(argCount uint32) int {
	return int((argCount + 3) / 4)
}

// ---- Jump ----

type JumpSubop byte

const (
	JumpAlways JumpSubop = iota
	JumpIfTrue
	JumpIfFalse
)

type JumpInstr struct {
	Subop   JumpSubop
	CondSrc uint32
	Offset  int32
}

func EncodeJump(subop JumpSubop, condSrc uint32, offset int32) Word {
	operand := uint64(subop) | (uint64(condSrc&slotMask) << 2) | (uint64(uint32(offset)) << 15)
	return makeWord(OpJump, operand)
}

func DecodeJump(w Word) JumpInstr {
	operand := w.operand()
	return JumpInstr{
		Subop:   JumpSubop(bitsField(operand, 0, 2)),
		CondSrc: uint32(bitsField(operand, 2, 13)),
		Offset:  int32(signExtend(bitsField(operand, 15, 32), 32)),
	}
}

// ---- Deinit ----

func EncodeDeinit(src uint32) Word { return makeWord(OpDeinit, uint64(src&slotMask)) }

func DecodeDeinit(w Word) uint32 { return uint32(bitsField(w.operand(), 0, 13)) }

// ---- Sync (multi-word) ----

type SyncSubop byte

const (
	SyncAcquire SyncSubop = iota
	SyncRelease
)

type LockKind byte

const (
	LockShared LockKind = iota
	LockExclusive
)

type LockRef struct {
	Src  uint32
	Kind LockKind
}

func encodeLockPair(l LockRef) uint64 {
	var k uint64
	if l.Kind == LockExclusive {
		k = 1
	}
	return uint64(l.Src&slotMask) | (k << 13)
}

func decodeLockPair(bits uint64) LockRef {
	return LockRef{Src: uint32(bitsField(bits, 0, 13)), Kind: LockKind(bitsField(bits, 13, 1))}
}

// EncodeSync returns the head word followed by any trailing lock-pair words.
// Head inlines the first 2 pairs; each trailing word packs 4 more.
func EncodeSync(locks []LockRef) []Word {
	operand := uint64(SyncAcquire) | (uint64(len(locks)&0xffff) << 1)
	shift := uint(17)
	for i := 0; i < 2 && i < len(locks); i++ {
		operand |= encodeLockPair(locks[i]) << shift
		shift += 14
	}
	words := []Word{makeWord(OpSync, operand)}
	for i := 2; i < len(locks); i += 4 {
		var w uint64
		for j := 0; j < 4 && i+j < len(locks); j++ {
			w |= encodeLockPair(locks[i+j]) << uint(j*14)
		}
		words = append(words, Word(w))
	}
	return words
}

func EncodeUnsync() Word { return makeWord(OpSync, uint64(SyncRelease)) }

func DecodeSyncHead(w Word) (SyncSubop, uint32) {
	operand := w.operand()
	return SyncSubop(bitsField(operand, 0, 1)), uint32(bitsField(operand, 1, 16))
}

func syncTrailingWordCount(count uint32) int {
	if count <= 2 {
		return 0
	}
	return int((count - 2 + 3) / 4)
}

func DecodeSyncLocks(head Word, trailing []Word) []LockRef {
	_, count := DecodeSyncHead(head)
	locks := make([]LockRef, 0, count)
	operand := head.operand()
	for i := uint(0); i < 2 && uint32(len(locks)) < count; i++ {
		bits := bitsField(operand, 17+i*14, 14)
		locks = append(locks, decodeLockPair(bits))
	}
	for _, w := range trailing {
		for j := uint(0); j < 4 && uint32(len(locks)) < count; j++ {
			bits := bitsField(uint64(w), j*14, 14)
			locks = append(locks, decodeLockPair(bits))
		}
	}
	return locks
}

// ---- Move / Clone / Dereference / SetReference (dst, src) ----

func encodeDstSrc(op Opcode, dst, src uint32) Word {
	return makeWord(op, uint64(dst&slotMask)|(uint64(src&slotMask)<<13))
}

func decodeDstSrc(w Word) (dst, src uint32) {
	operand := w.operand()
	return uint32(bitsField(operand, 0, 13)), uint32(bitsField(operand, 13, 13))
}

func EncodeMove(dst, src uint32) Word         { return encodeDstSrc(OpMove, dst, src) }
func DecodeMove(w Word) (dst, src uint32)     { return decodeDstSrc(w) }
func EncodeClone(dst, src uint32) Word        { return encodeDstSrc(OpClone, dst, src) }
func DecodeClone(w Word) (dst, src uint32)    { return decodeDstSrc(w) }
func EncodeDereference(dst, src uint32) Word  { return encodeDstSrc(OpDereference, dst, src) }
func DecodeDereference(w Word) (dst, src uint32) { return decodeDstSrc(w) }

// SetReference operands: dst names the slot holding the mutable reference,
// src names the slot holding the value being moved through it.
func EncodeSetReference(dst, src uint32) Word      { return encodeDstSrc(OpSetReference, dst, src) }
func DecodeSetReference(w Word) (dst, src uint32)  { return decodeDstSrc(w) }

// ---- MakeReference ----

func EncodeMakeReference(dst, src uint32, mutable bool) Word {
	var m uint64
	if mutable {
		m = 1
	}
	return makeWord(OpMakeReference, uint64(dst&slotMask)|(uint64(src&slotMask)<<13)|(m<<26))
}

func DecodeMakeReference(w Word) (dst, src uint32, mutable bool) {
	operand := w.operand()
	return uint32(bitsField(operand, 0, 13)), uint32(bitsField(operand, 13, 13)), bitsField(operand, 26, 1) == 1
}

// ---- GetMember / SetMember ----

func encodeMemberOp(op Opcode, dst, src uint32, memberIndex uint16) Word {
	return makeWord(op, uint64(dst&slotMask)|(uint64(src&slotMask)<<13)|(uint64(memberIndex)<<26))
}

func decodeMemberOp(w Word) (dst, src uint32, memberIndex uint16) {
	operand := w.operand()
	return uint32(bitsField(operand, 0, 13)), uint32(bitsField(operand, 13, 13)), uint16(bitsField(operand, 26, 16))
}

func EncodeGetMember(dst, src uint32, memberIndex uint16) Word {
	return encodeMemberOp(OpGetMember, dst, src, memberIndex)
}
func DecodeGetMember(w Word) (dst, src uint32, memberIndex uint16) { return decodeMemberOp(w) }

func EncodeSetMember(dst, src uint32, memberIndex uint16) Word {
	return encodeMemberOp(OpSetMember, dst, src, memberIndex)
}
func DecodeSetMember(w Word) (dst, src uint32, memberIndex uint16) { return decodeMemberOp(w) }

// ---- Cast ----
// Not explicitly bit-laid-out in the spec prose; modeled on the same
// dst/src/tag shape as GetMember/SetMember since it is a unary, tagged
// single-word instruction like them.

func EncodeCast(dst, src uint32, targetTag byte) Word {
	return makeWord(OpCast, uint64(dst&slotMask)|(uint64(src&slotMask)<<13)|(uint64(targetTag&0x3f)<<26))
}

func DecodeCast(w Word) (dst, src uint32, targetTag byte) {
	operand := w.operand()
	return uint32(bitsField(operand, 0, 13)), uint32(bitsField(operand, 13, 13)), byte(bitsField(operand, 26, 6))
}

// ---- Equal / NotEqual / Less / Greater / LessOrEqual / GreaterOrEqual ----

func encodeCompareOp(op Opcode, dst, src1, src2 uint32) Word {
	return makeWord(op, uint64(dst&slotMask)|(uint64(src1&slotMask)<<13)|(uint64(src2&slotMask)<<26))
}

func decodeCompareOp(w Word) (dst, src1, src2 uint32) {
	operand := w.operand()
	return uint32(bitsField(operand, 0, 13)), uint32(bitsField(operand, 13, 13)), uint32(bitsField(operand, 26, 13))
}

func EncodeEqual(dst, src1, src2 uint32) Word { return encodeCompareOp(OpEqual, dst, src1, src2) }
func EncodeNotEqual(dst, src1, src2 uint32) Word {
	return encodeCompareOp(OpNotEqual, dst, src1, src2)
}
func EncodeLess(dst, src1, src2 uint32) Word { return encodeCompareOp(OpLess, dst, src1, src2) }
func EncodeGreater(dst, src1, src2 uint32) Word {
	return encodeCompareOp(OpGreater, dst, src1, src2)
}
func EncodeLessOrEqual(dst, src1, src2 uint32) Word {
	return encodeCompareOp(OpLessOrEqual, dst, src1, src2)
}
func EncodeGreaterOrEqual(dst, src1, src2 uint32) Word {
	return encodeCompareOp(OpGreaterOrEqual, dst, src1, src2)
}
func DecodeCompareOp(w Word) (dst, src1, src2 uint32) { return decodeCompareOp(w) }

// ---- Increment / Add ----

type ArithSubop byte

const (
	ArithDst ArithSubop = iota
	ArithSrcAssign
)

type IncrementInstr struct {
	Subop       ArithSubop
	CanOverflow bool
	Src         uint32
	Dst         uint32 // meaningful only when Subop == ArithDst
}

func EncodeIncrement(subop ArithSubop, canOverflow bool, src, dst uint32) Word {
	var ov, so uint64
	if canOverflow {
		ov = 1
	}
	if subop == ArithSrcAssign {
		so = 1
	}
	operand := so | (ov << 1) | (uint64(src&slotMask) << 2)
	if subop == ArithDst {
		operand |= uint64(dst&slotMask) << 15
	}
	return makeWord(OpIncrement, operand)
}

func DecodeIncrement(w Word) IncrementInstr {
	operand := w.operand()
	subop := ArithSubop(bitsField(operand, 0, 1))
	instr := IncrementInstr{
		Subop:       subop,
		CanOverflow: bitsField(operand, 1, 1) == 1,
		Src:         uint32(bitsField(operand, 2, 13)),
	}
	if subop == ArithDst {
		instr.Dst = uint32(bitsField(operand, 15, 13))
	}
	return instr
}

type AddInstr struct {
	Subop       ArithSubop
	CanOverflow bool
	Src1        uint32
	Src2        uint32
	Dst         uint32 // meaningful only when Subop == ArithDst
}

func EncodeAdd(subop ArithSubop, canOverflow bool, src1, src2, dst uint32) Word {
	var ov, so uint64
	if canOverflow {
		ov = 1
	}
	if subop == ArithSrcAssign {
		so = 1
	}
	operand := so | (ov << 1) | (uint64(src1&slotMask) << 2) | (uint64(src2&slotMask) << 15)
	if subop == ArithDst {
		operand |= uint64(dst&slotMask) << 28
	}
	return makeWord(OpAdd, operand)
}

func DecodeAdd(w Word) AddInstr {
	operand := w.operand()
	subop := ArithSubop(bitsField(operand, 0, 1))
	instr := AddInstr{
		Subop:       subop,
		CanOverflow: bitsField(operand, 1, 1) == 1,
		Src1:        uint32(bitsField(operand, 2, 13)),
		Src2:        uint32(bitsField(operand, 15, 13)),
	}
	if subop == ArithDst {
		instr.Dst = uint32(bitsField(operand, 28, 13))
	}
	return instr
}

// ---- Nop ----

func EncodeNop() Word { return makeWord(OpNop, 0) }

// instructionWordCount reports how many Words (including the head) a given
// head word's instruction occupies, so the dispatcher can advance the IP
// without re-decoding operand-specific fields it doesn't need. For variable
// width instructions this may require a follow-up decode of the head.
func instructionWordCount(head Word) int {
	switch head.Opcode() {
	case OpLoad:
		switch DecodeLoadSubop(head) {
		case LoadImmediate:
			return 1
		case LoadImmediateLong:
			return 2
		case LoadDefault:
			_, tag := DecodeLoadDefaultHead(head)
			return 1 + loadDefaultExtraWords(tag)
		case LoadCloneFromPtr:
			return 3
		}
	case OpCall:
		instr := DecodeCallHead(head)
		n := 1 + callArgWordCount(instr.ArgCount)
		if instr.Subop == CallImmediate {
			n++
		}
		return n
	case OpSync:
		subop, count := DecodeSyncHead(head)
		if subop == SyncRelease {
			return 1
		}
		return 1 + syncTrailingWordCount(count)
	}
	return 1
}
