package vm

import (
	"github.com/praxislang/praxis/op"
)

// Observer receives callbacks for VM execution events. Implementations can
// be used for profiling, debugging, or tracing without modifying the core.
// Methods are called synchronously during execution and should be fast.
// Returning false from any method halts execution immediately.
type Observer interface {
	// OnStep is called before each instruction is dispatched.
	OnStep(event StepEvent) bool

	// OnCall is called when a frame is pushed or replaced.
	OnCall(event CallEvent) bool

	// OnReturn is called when a frame is popped.
	OnReturn(event ReturnEvent) bool
}

// StepEvent contains information about a single instruction step.
type StepEvent struct {
	// IP is the instruction pointer (index into the instruction array).
	IP int

	// Opcode is the operation being executed.
	Opcode op.Code

	// OpcodeName is the human-readable name of the opcode.
	OpcodeName string

	// StackDepth is the current depth of the value stack.
	StackDepth int

	// FrameDepth is the current depth of the call stack.
	FrameDepth int
}

// CallEvent contains information about a function call.
type CallEvent struct {
	// FunctionName is the name of the function being called.
	// Anonymous functions have an empty name.
	FunctionName string

	// ArgCount is the number of arguments passed to the function.
	ArgCount int

	// FrameDepth is the call stack depth after the call.
	FrameDepth int

	// Tail reports whether the call reused or replaced a frame instead of
	// pushing a new one.
	Tail bool
}

// ReturnEvent contains information about a function return.
type ReturnEvent struct {
	// FunctionName is the name of the function returning.
	FunctionName string

	// FrameDepth is the call stack depth after returning.
	FrameDepth int
}

// NoOpObserver is an Observer implementation that does nothing. Embed it to
// provide default implementations for methods you don't need.
type NoOpObserver struct{}

func (NoOpObserver) OnStep(StepEvent) bool     { return true }
func (NoOpObserver) OnCall(CallEvent) bool     { return true }
func (NoOpObserver) OnReturn(ReturnEvent) bool { return true }

// Ensure NoOpObserver implements Observer.
var _ Observer = NoOpObserver{}
