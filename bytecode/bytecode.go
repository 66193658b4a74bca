// Package bytecode defines the compiled program format executed by the
// Praxis VM: a flat instruction stream, a constant pool, a function table,
// and a symbol table. It also provides a Builder for assembling programs,
// a validator, and a canonical CBOR wire encoding.
package bytecode

import (
	"github.com/praxislang/praxis/op"
)

// ConstKind identifies the variant of a pooled constant.
type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstInt
	ConstFloat
	ConstString
	ConstSymbol
)

// Constant is one entry of the constant pool.
type Constant struct {
	Kind  ConstKind `cbor:"kind"`
	Bool  bool      `cbor:"bool,omitempty"`
	Int   int64     `cbor:"int,omitempty"`
	Float float64   `cbor:"float,omitempty"`
	Str   string    `cbor:"str,omitempty"`
}

// Function is one entry of the compiled-function table. The function index
// is the code identity closures carry at run time.
type Function struct {
	Name      string `cbor:"name,omitempty"`
	Offset    int    `cbor:"offset"`
	NumParams int    `cbor:"params"`
	NumLocals int    `cbor:"locals"`
}

// Program is a compiled unit ready for execution. Functions[0] is the
// entry point and must declare zero parameters.
type Program struct {
	Instructions []op.Code  `cbor:"code"`
	Constants    []Constant `cbor:"consts"`
	Functions    []Function `cbor:"funcs"`
	Symbols      []string   `cbor:"symbols,omitempty"`
}

// Constant returns the pool entry at index i.
func (p *Program) Constant(i int) (Constant, bool) {
	if i < 0 || i >= len(p.Constants) {
		return Constant{}, false
	}
	return p.Constants[i], true
}

// Function returns the function-table entry at index i.
func (p *Program) Function(i int) (Function, bool) {
	if i < 0 || i >= len(p.Functions) {
		return Function{}, false
	}
	return p.Functions[i], true
}

// FunctionName returns a printable name for the function at index i.
func (p *Program) FunctionName(i int) string {
	if fn, ok := p.Function(i); ok && fn.Name != "" {
		return fn.Name
	}
	if i == 0 {
		return "<main>"
	}
	return "<anonymous>"
}

// StringConstant returns the string at pool index i, if it is one.
func (p *Program) StringConstant(i int) (string, bool) {
	c, ok := p.Constant(i)
	if !ok || (c.Kind != ConstString && c.Kind != ConstSymbol) {
		return "", false
	}
	return c.Str, true
}
