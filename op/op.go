// Package op defines the opcodes understood by the Praxis virtual machine.
//
// The instruction set is closed and fixed-arity: the number of operand code
// units following each opcode is known statically and recorded in the Info
// table, which allows both the compiler and the VM to reason about stack
// effects and instruction boundaries without decoding heuristics.
package op

// Code is an integer opcode that indicates an operation to execute. Operands
// occupy additional code units immediately following the opcode.
type Code uint16

const (
	Invalid Code = 0

	// Execution
	Nop      Code = 1
	Halt     Code = 2
	Call     Code = 3
	TailCall Code = 4
	Ret      Code = 5
	HostCall Code = 6

	// Jumps. Both use signed offsets relative to the address of the
	// instruction immediately following the jump. Resolve targets only
	// through JumpTarget.
	Jump        Code = 10
	JumpIfFalse Code = 11

	// Load / store
	LoadConst    Code = 20
	LoadLocal    Code = 21
	StoreLocal   Code = 22
	LoadCapture  Code = 23
	LoadFunction Code = 24

	// Push constants
	Nil   Code = 30
	True  Code = 31
	False Code = 32

	// Heap values
	MakeClosure Code = 40
	Cons        Code = 41
	Car         Code = 42
	Cdr         Code = 43

	// Operations
	BinaryOp      Code = 50
	CompareOp     Code = 51
	UnaryNegative Code = 52
	UnaryNot      Code = 53

	// Stack
	PopTop Code = 60
	Swap   Code = 61
	Copy   Code = 62

	// Capabilities
	HasCap       Code = 70
	SandboxEnter Code = 71
	SandboxExit  Code = 72
)

// JumpTarget resolves a jump operand to an absolute instruction address.
// next is the address of the instruction immediately following the jump
// (opcode plus all of its operands); offset is the raw operand code unit,
// interpreted as a signed 16-bit displacement. Every jump-family instruction
// in the VM and every jump emitted by a compiler must go through this one
// helper so the jump opcodes can never disagree on offset conventions.
func JumpTarget(next int, offset Code) int {
	return next + int(int16(offset))
}

// JumpOffset is the inverse of JumpTarget: it computes the operand encoding
// for a jump whose next-instruction address is next and whose destination
// is target.
func JumpOffset(next, target int) Code {
	return Code(int16(target - next))
}

// BinaryOpType describes a type of binary arithmetic operation.
type BinaryOpType uint16

const (
	Add      BinaryOpType = 1
	Subtract BinaryOpType = 2
	Multiply BinaryOpType = 3
	Divide   BinaryOpType = 4
	Modulo   BinaryOpType = 5
)

// String returns a string representation of the binary operation.
func (bop BinaryOpType) String() string {
	switch bop {
	case Add:
		return "+"
	case Subtract:
		return "-"
	case Multiply:
		return "*"
	case Divide:
		return "/"
	case Modulo:
		return "%"
	default:
		return ""
	}
}

// CompareOpType describes a type of comparison operation.
type CompareOpType uint16

const (
	LessThan           CompareOpType = 1
	LessThanOrEqual    CompareOpType = 2
	Equal              CompareOpType = 3
	NotEqual           CompareOpType = 4
	GreaterThan        CompareOpType = 5
	GreaterThanOrEqual CompareOpType = 6
)

// String returns a string representation of the comparison operation.
func (cop CompareOpType) String() string {
	switch cop {
	case LessThan:
		return "<"
	case LessThanOrEqual:
		return "<="
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case GreaterThan:
		return ">"
	case GreaterThanOrEqual:
		return ">="
	default:
		return ""
	}
}

// Info contains information about an opcode.
type Info struct {
	Code         Code
	Name         string
	OperandCount int
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op    Code
		name  string
		count int
	}
	ops := []opInfo{
		{Nop, "NOP", 0},
		{Halt, "HALT", 0},
		{Call, "CALL", 1},
		{TailCall, "TAIL_CALL", 1},
		{Ret, "RET", 0},
		{HostCall, "HOST_CALL", 3},
		{Jump, "JUMP", 1},
		{JumpIfFalse, "JUMP_IF_FALSE", 1},
		{LoadConst, "LOAD_CONST", 1},
		{LoadLocal, "LOAD_LOCAL", 1},
		{StoreLocal, "STORE_LOCAL", 1},
		{LoadCapture, "LOAD_CAPTURE", 1},
		{LoadFunction, "LOAD_FUNCTION", 1},
		{Nil, "NIL", 0},
		{True, "TRUE", 0},
		{False, "FALSE", 0},
		{MakeClosure, "MAKE_CLOSURE", 2},
		{Cons, "CONS", 0},
		{Car, "CAR", 0},
		{Cdr, "CDR", 0},
		{BinaryOp, "BINARY_OP", 1},
		{CompareOp, "COMPARE_OP", 1},
		{UnaryNegative, "UNARY_NEGATIVE", 0},
		{UnaryNot, "UNARY_NOT", 0},
		{PopTop, "POP_TOP", 0},
		{Swap, "SWAP", 1},
		{Copy, "COPY", 1},
		{HasCap, "HAS_CAP", 1},
		{SandboxEnter, "SANDBOX_ENTER", 2},
		{SandboxExit, "SANDBOX_EXIT", 0},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Code:         o.op,
			Name:         o.name,
			OperandCount: o.count,
		}
	}
}

// GetInfo returns the Info for the given opcode. Unknown opcodes return a
// zero Info whose Name is empty.
func GetInfo(c Code) Info {
	if int(c) >= len(infos) {
		return Info{}
	}
	return infos[c]
}

// IsValid reports whether c is a defined opcode.
func IsValid(c Code) bool {
	return GetInfo(c).Name != ""
}
