package vm

// FunctionRecord is the immutable, program-arena-owned record for a compiled
// script function (§3 "Function Record"): header fields immediately
// followed (here: via the Bytecode slice) by its bytecode words.
type FunctionRecord struct {
	Program        *Program
	FullyQualified string
	ShortName      string
	ReturnType     *TypeContext // nil if void
	ArgTypes       []*TypeContext
	StackSlots     uint32
	Bytecode       []Word
}

// FunctionBuilder accumulates a function definition before it is frozen into
// an arena-owned FunctionRecord (§4.6).
type FunctionBuilder struct {
	fullyQualified string
	shortName      string
	returnType     *TypeContext
	argTypes       []*TypeContext
	stackSlots     uint32
	bytecode       []Word
}

func NewFunctionBuilder(fullyQualified, shortName string) *FunctionBuilder {
	return &FunctionBuilder{fullyQualified: fullyQualified, shortName: shortName}
}

func (b *FunctionBuilder) SetReturnType(ctx *TypeContext) *FunctionBuilder {
	b.returnType = ctx
	return b
}

func (b *FunctionBuilder) AddArg(ctx *TypeContext) *FunctionBuilder {
	b.argTypes = append(b.argTypes, ctx)
	return b
}

func (b *FunctionBuilder) SetStackSlots(n uint32) *FunctionBuilder {
	b.stackSlots = n
	return b
}

func (b *FunctionBuilder) PushBytecode(w Word) *FunctionBuilder {
	b.bytecode = append(b.bytecode, w)
	return b
}

func (b *FunctionBuilder) PushBytecodeMany(ws ...Word) *FunctionBuilder {
	b.bytecode = append(b.bytecode, ws...)
	return b
}

// Build freezes the builder into an arena-allocated FunctionRecord and
// inserts it into program's function registry keyed by fully-qualified name
// (§4.6). The builder's own growable state is discarded (its "heap is
// freed") once construction completes.
func (b *FunctionBuilder) Build(program *Program) (*FunctionRecord, error) {
	rec := FunctionRecord{
		Program:        program,
		FullyQualified: b.fullyQualified,
		ShortName:      b.shortName,
		ReturnType:     b.returnType,
		ArgTypes:       b.argTypes,
		StackSlots:     b.stackSlots,
		Bytecode:       b.bytecode,
	}
	frozen := program.arena.AllocFunctionRecord(rec)
	if err := program.Functions.Insert(b.fullyQualified, frozen); err != nil {
		return nil, err
	}
	*b = FunctionBuilder{}
	return frozen, nil
}
