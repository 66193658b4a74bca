// Package errz defines the structured errors surfaced by the Praxis VM.
//
// Every abnormal outcome of execution is a kind-tagged *Error carrying a
// human-readable message and contextual fields, never an unannounced process
// termination. Callers can switch on the Kind or use errors.As.
package errz

import (
	"fmt"
	"strings"
)

// Kind categorizes a VM error.
type Kind int

const (
	// StackUnderflow indicates fewer values were available on the value
	// stack than an instruction required.
	StackUnderflow Kind = iota
	// TypeMismatch indicates an operand was not the expected tagged variant.
	TypeMismatch
	// ArityMismatch indicates a call supplied the wrong number of arguments.
	ArityMismatch
	// UndefinedLocal indicates a local slot index outside the frame's store.
	UndefinedLocal
	// CapabilityDenied indicates a host call without the required grant.
	CapabilityDenied
	// RecursionLimitExceeded indicates the non-tail call depth ceiling was
	// crossed. Tail calls never count toward this limit.
	RecursionLimitExceeded
	// ResourceExhausted indicates an operation, memory, or stack ceiling
	// was crossed.
	ResourceExhausted
	// InvalidHeapReference indicates a dangling or out-of-range heap index.
	InvalidHeapReference
	// DivisionByZero indicates integer division or modulo by zero.
	// Floating-point division by zero yields IEEE infinity instead.
	DivisionByZero
	// ArithmeticOverflow indicates a checked integer operation overflowed.
	ArithmeticOverflow
	// SandboxViolation indicates a violation caught at a sandbox boundary.
	SandboxViolation
	// InvalidBytecode indicates malformed instructions, operands, or
	// program tables.
	InvalidBytecode
	// HostError indicates a host function failed for a reason of its own.
	// Unlike CapabilityDenied and SandboxViolation it is never caught by a
	// sandbox boundary.
	HostError
)

// String returns the error-kind label used in rendered messages.
func (k Kind) String() string {
	switch k {
	case StackUnderflow:
		return "stack underflow"
	case TypeMismatch:
		return "type mismatch"
	case ArityMismatch:
		return "arity mismatch"
	case UndefinedLocal:
		return "undefined local"
	case CapabilityDenied:
		return "capability denied"
	case RecursionLimitExceeded:
		return "recursion limit exceeded"
	case ResourceExhausted:
		return "resource exhausted"
	case InvalidHeapReference:
		return "invalid heap reference"
	case DivisionByZero:
		return "division by zero"
	case ArithmeticOverflow:
		return "arithmetic overflow"
	case SandboxViolation:
		return "sandbox violation"
	case InvalidBytecode:
		return "invalid bytecode"
	case HostError:
		return "host error"
	default:
		return "error"
	}
}

// StackFrame is one entry of a captured VM call stack.
type StackFrame struct {
	Function string
	IP       int
}

// Error is a structured VM error.
type Error struct {
	Kind    Kind
	Message string
	Stack   []StackFrame
	Cause   error

	// Resource context, set for ResourceExhausted and
	// RecursionLimitExceeded errors.
	Resource  string
	Limit     int64
	Attempted int64

	// Call context, set for ArityMismatch errors.
	Expected int
	Actual   int

	// Capability context, set for CapabilityDenied and SandboxViolation.
	Capability string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithStack attaches a captured call stack and returns the error.
func (e *Error) WithStack(stack []StackFrame) *Error {
	e.Stack = stack
	return e
}

// WithCause attaches an underlying cause and returns the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// FriendlyMessage renders the error with its captured call stack.
func (e *Error) FriendlyMessage() string {
	var b strings.Builder
	b.WriteString(e.Error())
	for _, f := range e.Stack {
		name := f.Function
		if name == "" {
			name = "<main>"
		}
		fmt.Fprintf(&b, "\n  at %s (ip=%d)", name, f.IP)
	}
	return b.String()
}

// New creates a structured error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewResourceExhausted creates a ResourceExhausted error with its context
// fields populated.
func NewResourceExhausted(resource string, limit, attempted int64) *Error {
	e := New(ResourceExhausted, "%s limit of %d exceeded (attempted %d)",
		resource, limit, attempted)
	e.Resource = resource
	e.Limit = limit
	e.Attempted = attempted
	return e
}

// NewRecursionLimit creates a RecursionLimitExceeded error.
func NewRecursionLimit(limit int64) *Error {
	e := New(RecursionLimitExceeded, "call depth limit of %d exceeded", limit)
	e.Resource = "recursion"
	e.Limit = limit
	e.Attempted = limit + 1
	return e
}

// NewArityMismatch creates an ArityMismatch error.
func NewArityMismatch(fn string, expected, actual int) *Error {
	msg := "function"
	if fn != "" {
		msg = fmt.Sprintf("%s %q", msg, fn)
	}
	e := New(ArityMismatch, "%s takes %d argument(s) (%d given)", msg, expected, actual)
	e.Expected = expected
	e.Actual = actual
	return e
}

// NewCapabilityDenied creates a CapabilityDenied error.
func NewCapabilityDenied(capName string) *Error {
	e := New(CapabilityDenied, "capability %q is not granted", capName)
	e.Capability = capName
	return e
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
