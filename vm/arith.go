package vm

import (
	"math"

	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/op"
	"github.com/praxislang/praxis/value"
)

// binaryOp evaluates a BinaryOp instruction. Integer arithmetic is checked
// for overflow; mixed int/float operands promote to float. Float division
// by zero follows IEEE 754 and yields an infinity rather than an error.
func binaryOp(kind op.BinaryOpType, a, b value.Value) (value.Value, error) {
	aKind, bKind := a.Kind(), b.Kind()
	if aKind == value.KindInt && bKind == value.KindInt {
		return intBinaryOp(kind, a.Int(), b.Int())
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return value.Nil, errz.New(errz.TypeMismatch,
			"unsupported operand types for %s: %s and %s", kind, aKind, bKind)
	}
	switch kind {
	case op.Add:
		return value.NewFloat(af + bf), nil
	case op.Subtract:
		return value.NewFloat(af - bf), nil
	case op.Multiply:
		return value.NewFloat(af * bf), nil
	case op.Divide:
		return value.NewFloat(af / bf), nil
	case op.Modulo:
		return value.Nil, errz.New(errz.TypeMismatch,
			"modulo requires integer operands")
	default:
		return value.Nil, errz.New(errz.InvalidBytecode,
			"unknown binary op: %d", kind)
	}
}

func intBinaryOp(kind op.BinaryOpType, a, b int64) (value.Value, error) {
	switch kind {
	case op.Add:
		sum := a + b
		if (a > 0 && b > 0 && sum < 0) || (a < 0 && b < 0 && sum >= 0) {
			return value.Nil, errz.New(errz.ArithmeticOverflow,
				"%d + %d overflows", a, b)
		}
		return value.NewInt(sum), nil
	case op.Subtract:
		diff := a - b
		if (a >= 0 && b < 0 && diff < 0) || (a < 0 && b > 0 && diff >= 0) {
			return value.Nil, errz.New(errz.ArithmeticOverflow,
				"%d - %d overflows", a, b)
		}
		return value.NewInt(diff), nil
	case op.Multiply:
		if a != 0 && b != 0 {
			prod := a * b
			if prod/b != a || (a == math.MinInt64 && b == -1) {
				return value.Nil, errz.New(errz.ArithmeticOverflow,
					"%d * %d overflows", a, b)
			}
			return value.NewInt(prod), nil
		}
		return value.NewInt(0), nil
	case op.Divide:
		if b == 0 {
			return value.Nil, errz.New(errz.DivisionByZero,
				"integer division by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return value.Nil, errz.New(errz.ArithmeticOverflow,
				"%d / %d overflows", a, b)
		}
		return value.NewInt(a / b), nil
	case op.Modulo:
		if b == 0 {
			return value.Nil, errz.New(errz.DivisionByZero,
				"modulo by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return value.NewInt(0), nil
		}
		return value.NewInt(a % b), nil
	default:
		return value.Nil, errz.New(errz.InvalidBytecode,
			"unknown binary op: %d", kind)
	}
}

// compareOp evaluates a CompareOp instruction. Equality is defined for all
// value kinds; orderings require numbers.
func compareOp(kind op.CompareOpType, a, b value.Value) (value.Value, error) {
	switch kind {
	case op.Equal:
		return value.NewBool(a.Equals(b)), nil
	case op.NotEqual:
		return value.NewBool(!a.Equals(b)), nil
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return value.Nil, errz.New(errz.TypeMismatch,
			"cannot order %s and %s", a.Kind(), b.Kind())
	}
	switch kind {
	case op.LessThan:
		return value.NewBool(af < bf), nil
	case op.LessThanOrEqual:
		return value.NewBool(af <= bf), nil
	case op.GreaterThan:
		return value.NewBool(af > bf), nil
	case op.GreaterThanOrEqual:
		return value.NewBool(af >= bf), nil
	default:
		return value.Nil, errz.New(errz.InvalidBytecode,
			"unknown compare op: %d", kind)
	}
}

func asFloat(v value.Value) (float64, bool) {
	switch v.Kind() {
	case value.KindInt:
		return float64(v.Int()), true
	case value.KindFloat:
		return v.Float(), true
	default:
		return 0, false
	}
}
