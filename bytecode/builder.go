package bytecode

import (
	"fmt"
	"math"

	"github.com/praxislang/praxis/op"
)

// Builder assembles a Program instruction by instruction. It is used by the
// compiler back end and by tests that need hand-written programs. Jump
// operands are always computed through op.JumpOffset so that the assembled
// code and the VM share one offset convention.
type Builder struct {
	program   Program
	constants map[Constant]int
	openFn    int
}

// NewBuilder creates a Builder with an open entry function named "<main>".
func NewBuilder() *Builder {
	b := &Builder{
		constants: map[Constant]int{},
		openFn:    -1,
	}
	b.Func("", 0, 0)
	return b
}

// EntryLocals sets the number of local slots of the entry function, which
// NewBuilder opens with none.
func (b *Builder) EntryLocals(n int) {
	b.program.Functions[0].NumLocals = n
}

// Func begins a new function at the current instruction offset and returns
// its index in the function table. numLocals must include the parameters.
func (b *Builder) Func(name string, numParams, numLocals int) int {
	if numLocals < numParams {
		numLocals = numParams
	}
	idx := len(b.program.Functions)
	b.program.Functions = append(b.program.Functions, Function{
		Name:      name,
		Offset:    len(b.program.Instructions),
		NumParams: numParams,
		NumLocals: numLocals,
	})
	b.openFn = idx
	return idx
}

// Emit appends an instruction with its operands and returns its address.
func (b *Builder) Emit(opcode op.Code, operands ...op.Code) int {
	info := op.GetInfo(opcode)
	if info.Name == "" {
		panic(fmt.Sprintf("bytecode: emit of invalid opcode %d", opcode))
	}
	if len(operands) != info.OperandCount {
		panic(fmt.Sprintf("bytecode: %s takes %d operand(s), got %d",
			info.Name, info.OperandCount, len(operands)))
	}
	addr := len(b.program.Instructions)
	b.program.Instructions = append(b.program.Instructions, opcode)
	b.program.Instructions = append(b.program.Instructions, operands...)
	return addr
}

// Position returns the address the next instruction will be emitted at.
func (b *Builder) Position() int {
	return len(b.program.Instructions)
}

// EmitJump emits a jump-family instruction with a placeholder offset and
// returns its address for later patching. For SandboxEnter, the placeholder
// is the trailing recovery-offset operand.
func (b *Builder) EmitJump(opcode op.Code, leading ...op.Code) int {
	return b.Emit(opcode, append(leading, 0)...)
}

// PatchJump resolves the placeholder offset of the jump at addr so that it
// targets the current position.
func (b *Builder) PatchJump(addr int) {
	b.PatchJumpTo(addr, b.Position())
}

// PatchJumpTo resolves the placeholder offset of the jump at addr to target.
// It panics when the displacement does not fit the signed 16-bit operand,
// since the truncated encoding would be a valid jump somewhere else and the
// validator could never catch it.
func (b *Builder) PatchJumpTo(addr, target int) {
	opcode := b.program.Instructions[addr]
	info := op.GetInfo(opcode)
	next := addr + 1 + info.OperandCount
	delta := target - next
	if delta < math.MinInt16 || delta > math.MaxInt16 {
		panic(fmt.Sprintf("bytecode: jump at %d to %d spans %d code units, exceeding the 16-bit offset range",
			addr, target, delta))
	}
	b.program.Instructions[addr+info.OperandCount] = op.JumpOffset(next, target)
}

// EmitJumpTo emits a jump-family instruction targeting a known address,
// typically backward.
func (b *Builder) EmitJumpTo(opcode op.Code, target int) int {
	addr := b.EmitJump(opcode)
	b.PatchJumpTo(addr, target)
	return addr
}

func (b *Builder) constant(c Constant) op.Code {
	if idx, ok := b.constants[c]; ok {
		return op.Code(idx)
	}
	idx := len(b.program.Constants)
	b.program.Constants = append(b.program.Constants, c)
	b.constants[c] = idx
	return op.Code(idx)
}

// Int adds (or reuses) an integer constant and returns its pool index.
func (b *Builder) Int(n int64) op.Code {
	return b.constant(Constant{Kind: ConstInt, Int: n})
}

// Float adds (or reuses) a float constant and returns its pool index.
func (b *Builder) Float(f float64) op.Code {
	return b.constant(Constant{Kind: ConstFloat, Float: f})
}

// Str adds (or reuses) a string constant and returns its pool index.
func (b *Builder) Str(s string) op.Code {
	return b.constant(Constant{Kind: ConstString, Str: s})
}

// Symbol adds (or reuses) a symbol constant and returns its pool index.
func (b *Builder) Symbol(s string) op.Code {
	return b.constant(Constant{Kind: ConstSymbol, Str: s})
}

// Program validates and returns the assembled program.
func (b *Builder) Program() (*Program, error) {
	p := b.program
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MustProgram is Program for tests and embedded programs known to be valid.
func (b *Builder) MustProgram() *Program {
	p, err := b.Program()
	if err != nil {
		panic(err)
	}
	return p
}
