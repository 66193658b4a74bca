// Package value defines the tagged-union Value representation that flows
// through the VM's stack, frame locals, and heap.
//
// Values are small and cheaply copyable. Heap-referencing variants (Pair,
// Closure, HeapRef) carry arena indices rather than Go pointers: the heap
// arena is the sole owner of the referenced objects and the only authority
// that may reclaim them.
package value

import (
	"fmt"
	"strconv"

	"github.com/praxislang/praxis/capability"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindSymbol
	KindString
	KindPair
	KindClosure
	KindActorID
	KindCapability
	KindHeapRef
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindSymbol:
		return "symbol"
	case KindString:
		return "string"
	case KindPair:
		return "pair"
	case KindClosure:
		return "closure"
	case KindActorID:
		return "actor_id"
	case KindCapability:
		return "capability"
	case KindHeapRef:
		return "heap_ref"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a closed tagged union. The zero Value is Nil.
type Value struct {
	kind Kind
	num  int64 // Int, Bool (0/1), Symbol, String, ActorID, and heap indices
	fnum float64
	cap  capability.Token
}

// Nil is the nil value.
var Nil = Value{kind: KindNil}

// True and False are the boolean values.
var (
	True  = Value{kind: KindBool, num: 1}
	False = Value{kind: KindBool, num: 0}
)

// NewBool returns the Value for the given bool.
func NewBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// NewInt returns an Int value.
func NewInt(n int64) Value {
	return Value{kind: KindInt, num: n}
}

// NewFloat returns a Float value.
func NewFloat(f float64) Value {
	return Value{kind: KindFloat, fnum: f}
}

// NewSymbol returns a Symbol value referencing the given intern-table index.
func NewSymbol(index int) Value {
	return Value{kind: KindSymbol, num: int64(index)}
}

// NewString returns a String value referencing the given constant-pool index.
func NewString(index int) Value {
	return Value{kind: KindString, num: int64(index)}
}

// NewPair returns a Pair value referencing the given heap index.
func NewPair(ref int) Value {
	return Value{kind: KindPair, num: int64(ref)}
}

// NewClosure returns a Closure value referencing the given heap index.
func NewClosure(ref int) Value {
	return Value{kind: KindClosure, num: int64(ref)}
}

// NewActorID returns an ActorID value.
func NewActorID(id int64) Value {
	return Value{kind: KindActorID, num: id}
}

// NewCapability returns a Capability value wrapping the given token.
func NewCapability(t capability.Token) Value {
	return Value{kind: KindCapability, cap: t}
}

// NewHeapRef returns a generic heap reference value.
func NewHeapRef(ref int) Value {
	return Value{kind: KindHeapRef, num: int64(ref)}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Bool returns the boolean payload. Only meaningful for KindBool.
func (v Value) Bool() bool {
	return v.num != 0
}

// Int returns the integer payload. Only meaningful for KindInt and KindActorID.
func (v Value) Int() int64 {
	return v.num
}

// Float returns the float payload. Only meaningful for KindFloat.
func (v Value) Float() float64 {
	return v.fnum
}

// Index returns the intern-table or constant-pool index. Only meaningful for
// KindSymbol and KindString.
func (v Value) Index() int {
	return int(v.num)
}

// Ref returns the heap index. Only meaningful for KindPair, KindClosure and
// KindHeapRef.
func (v Value) Ref() int {
	return int(v.num)
}

// Capability returns the token payload. Only meaningful for KindCapability.
func (v Value) Capability() capability.Token {
	return v.cap
}

// IsHeapRef reports whether the value references a heap object.
func (v Value) IsHeapRef() bool {
	switch v.kind {
	case KindPair, KindClosure, KindHeapRef:
		return true
	default:
		return false
	}
}

// WithRef returns a copy of a heap-referencing value pointing at a new heap
// index. Used by the collector when compaction remaps objects.
func (v Value) WithRef(ref int) Value {
	v.num = int64(ref)
	return v
}

// IsTruthy reports the value's truthiness: Nil and False are falsy,
// everything else is truthy.
func (v Value) IsTruthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.num != 0
	default:
		return true
	}
}

// Equals reports value equality. Heap variants compare by reference identity,
// which is the identity of the underlying object since the arena never
// aliases live slots.
func (v Value) Equals(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindFloat:
		return v.fnum == other.fnum
	case KindCapability:
		return v.cap == other.cap
	default:
		return v.num == other.num
	}
}

// Inspect returns a printable representation. Symbol and String variants are
// rendered by index; callers holding the intern table or constant pool should
// resolve them for user-facing output.
func (v Value) Inspect() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.num != 0 {
			return "true"
		}
		return "false"
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.fnum, 'g', -1, 64)
	case KindSymbol:
		return fmt.Sprintf("symbol(#%d)", v.num)
	case KindString:
		return fmt.Sprintf("string(#%d)", v.num)
	case KindPair:
		return fmt.Sprintf("pair@%d", v.num)
	case KindClosure:
		return fmt.Sprintf("closure@%d", v.num)
	case KindActorID:
		return fmt.Sprintf("actor(%d)", v.num)
	case KindCapability:
		return v.cap.String()
	case KindHeapRef:
		return fmt.Sprintf("ref@%d", v.num)
	default:
		return fmt.Sprintf("invalid(%d)", int(v.kind))
	}
}
