package actor

import (
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/value"
	"github.com/praxislang/praxis/vm"
)

// Message is the arena-independent form a value takes while it travels
// between actors. Each machine owns a private heap, so heap references
// cannot cross a mailbox: values are lifted out of the sender's arena into
// this form and rebuilt inside the receiver's arena at delivery. Strings
// and closures are pinned to their program's tables and cannot be sent.
type Message struct {
	kind     value.Kind
	num      int64
	fnum     float64
	capToken capability.Token
	sym      string
	car, cdr *Message
}

// Nil returns the nil message.
func Nil() *Message {
	return &Message{kind: value.KindNil}
}

// Bool builds a boolean message.
func Bool(b bool) *Message {
	m := &Message{kind: value.KindBool}
	if b {
		m.num = 1
	}
	return m
}

// Int builds an integer message.
func Int(n int64) *Message {
	return &Message{kind: value.KindInt, num: n}
}

// Float builds a float message.
func Float(f float64) *Message {
	return &Message{kind: value.KindFloat, fnum: f}
}

// Symbol builds a symbol message. Symbols cross actors by name and are
// re-interned on the receiving side.
func Symbol(name string) *Message {
	return &Message{kind: value.KindSymbol, sym: name}
}

// Capability builds a capability message. Tokens are globally unforgeable,
// so sending one delegates the authority it names.
func Capability(t capability.Token) *Message {
	return &Message{kind: value.KindCapability, capToken: t}
}

// Pair builds a pair message.
func Pair(car, cdr *Message) *Message {
	return &Message{kind: value.KindPair, car: car, cdr: cdr}
}

// extract lifts a value out of a machine into arena-independent form.
func extract(m *vm.Machine, v value.Value) (*Message, error) {
	switch v.Kind() {
	case value.KindNil:
		return Nil(), nil
	case value.KindBool:
		return Bool(v.Bool()), nil
	case value.KindInt:
		return Int(v.Int()), nil
	case value.KindFloat:
		return Float(v.Float()), nil
	case value.KindActorID:
		return &Message{kind: value.KindActorID, num: v.Int()}, nil
	case value.KindCapability:
		return Capability(v.Capability()), nil
	case value.KindSymbol:
		name, ok := m.Interner().Lookup(v.Index())
		if !ok {
			return nil, errz.New(errz.InvalidHeapReference,
				"symbol index %d is not interned", v.Index())
		}
		return Symbol(name), nil
	case value.KindPair:
		carV, cdrV, err := m.Arena().Pair(v.Ref())
		if err != nil {
			return nil, err
		}
		car, err := extract(m, carV)
		if err != nil {
			return nil, err
		}
		cdr, err := extract(m, cdrV)
		if err != nil {
			return nil, err
		}
		return Pair(car, cdr), nil
	default:
		return nil, errz.New(errz.TypeMismatch,
			"%s values cannot be sent between actors", v.Kind())
	}
}

// materialize rebuilds a message inside the receiving machine.
func materialize(m *vm.Machine, msg *Message) (value.Value, error) {
	switch msg.kind {
	case value.KindNil:
		return value.Nil, nil
	case value.KindBool:
		return value.NewBool(msg.num != 0), nil
	case value.KindInt:
		return value.NewInt(msg.num), nil
	case value.KindFloat:
		return value.NewFloat(msg.fnum), nil
	case value.KindActorID:
		return value.NewActorID(msg.num), nil
	case value.KindCapability:
		return value.NewCapability(msg.capToken), nil
	case value.KindSymbol:
		return m.Interner().Symbol(msg.sym), nil
	case value.KindPair:
		car, err := materialize(m, msg.car)
		if err != nil {
			return value.Nil, err
		}
		cdr, err := materialize(m, msg.cdr)
		if err != nil {
			return value.Nil, err
		}
		return m.Arena().AllocPair(car, cdr)
	default:
		return value.Nil, errz.New(errz.TypeMismatch,
			"message kind %s cannot be delivered", msg.kind)
	}
}
