// Package vm provides the Machine that executes compiled Praxis bytecode.
//
// A Machine is an explicit, passable state object: value stack, call frames,
// heap arena, resource governor, and capability state, with no process-wide
// singletons. Each actor in a larger system owns a private Machine; nothing
// is shared between instances except values that cross explicitly through
// capability-gated host calls.
package vm

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/heap"
	"github.com/praxislang/praxis/op"
	"github.com/praxislang/praxis/value"
	"github.com/rs/zerolog"
)

// DefaultContextCheckInterval is the number of instructions between
// deterministic checks of ctx.Done(). Set to 0 to disable.
const DefaultContextCheckInterval = 1000

// Machine executes one compiled program at a time. It is single-threaded
// and runs to completion per Execute call: there is no suspension point
// inside the execution loop. Concurrency at a higher layer is achieved by
// running independent Machine instances, never by suspending one
// mid-instruction.
type Machine struct {
	program  *bytecode.Program
	consts   []value.Value
	interner *value.Interner
	arena    *heap.Arena

	ip      int
	stack   []value.Value
	frames  []frame
	running bool
	halt    int32

	limits   Limits
	gov      *governor
	tier     capability.TrustTier
	registry *capability.Registry
	caps     *capability.Set
	hostFns  map[int]HostFunc

	// fnClosures caches one capture-free closure per function, backing the
	// LoadFunction instruction. Entries are GC roots.
	fnClosures []int

	sandboxes []sandbox

	logger   zerolog.Logger
	observer Observer

	contextCheckInterval int
}

// New creates a Machine for the given program. The program is validated
// before any of it executes.
func New(program *bytecode.Program, options ...Option) (*Machine, error) {
	if err := bytecode.Validate(program); err != nil {
		return nil, errz.New(errz.InvalidBytecode, "program failed validation").WithCause(err)
	}
	m := &Machine{
		program:              program,
		interner:             value.NewInterner(),
		tier:                 capability.Empirical,
		registry:             capability.NewRegistry(),
		caps:                 capability.NewSet(),
		hostFns:              map[int]HostFunc{},
		logger:               zerolog.Nop(),
		contextCheckInterval: DefaultContextCheckInterval,
	}
	for _, opt := range options {
		opt(m)
	}
	m.limits = m.limits.withDefaults()
	m.arena = heap.NewArena(m.limits.MaxHeapBytes)
	m.gov = newGovernor(m.limits.MaxOps)

	m.consts = make([]value.Value, len(program.Constants))
	for i, c := range program.Constants {
		switch c.Kind {
		case bytecode.ConstNil:
			m.consts[i] = value.Nil
		case bytecode.ConstBool:
			m.consts[i] = value.NewBool(c.Bool)
		case bytecode.ConstInt:
			m.consts[i] = value.NewInt(c.Int)
		case bytecode.ConstFloat:
			m.consts[i] = value.NewFloat(c.Float)
		case bytecode.ConstString:
			m.consts[i] = value.NewString(i)
		case bytecode.ConstSymbol:
			m.consts[i] = m.interner.Symbol(c.Str)
		default:
			return nil, errz.New(errz.InvalidBytecode, "unknown constant kind %d", c.Kind)
		}
	}
	for _, s := range program.Symbols {
		m.interner.Intern(s)
	}
	m.fnClosures = make([]int, len(program.Functions))
	for i := range m.fnClosures {
		m.fnClosures[i] = -1
	}
	return m, nil
}

// Execute runs the program's entry function to completion and returns the
// resulting value or a structured error. Deterministic given identical
// inputs and resource limits. Execute may be called again after completion;
// the heap persists across calls, the stack and frames do not.
func (m *Machine) Execute(ctx context.Context) (result value.Value, err error) {
	if m.running {
		return value.Nil, fmt.Errorf("machine is already running")
	}
	m.running = true
	atomic.StoreInt32(&m.halt, 0)
	if doneChan := ctx.Done(); doneChan != nil {
		go func() {
			<-doneChan
			atomic.StoreInt32(&m.halt, 1)
		}()
	}
	defer func() {
		if r := recover(); r != nil {
			err = errz.New(errz.InvalidBytecode, "panic: %v", r).WithStack(m.captureStack())
		}
		m.running = false
	}()

	m.stack = m.stack[:0]
	m.frames = m.frames[:0]
	m.sandboxes = m.sandboxes[:0]

	entry := m.program.Functions[0]
	m.pushFrame()
	m.frames[0].activate(0, -1, StopSignal, 0, entry.NumLocals)
	m.ip = entry.Offset

	return m.eval(ctx)
}

// String renders a value for display, resolving string and symbol indices
// against the machine's constant pool and intern table.
func (m *Machine) String(v value.Value) string {
	switch v.Kind() {
	case value.KindString:
		if s, ok := m.program.StringConstant(v.Index()); ok {
			return s
		}
	case value.KindSymbol:
		if s, ok := m.interner.Lookup(v.Index()); ok {
			return ":" + s
		}
	case value.KindPair:
		car, cdr, err := m.arena.Pair(v.Ref())
		if err == nil {
			return fmt.Sprintf("(%s . %s)", m.String(car), m.String(cdr))
		}
	}
	return v.Inspect()
}

// Interner exposes the machine's symbol intern table.
func (m *Machine) Interner() *value.Interner {
	return m.interner
}

// Arena exposes the machine's heap arena, primarily for host functions.
func (m *Machine) Arena() *heap.Arena {
	return m.arena
}

// FrameDepth returns the current call-frame stack depth.
func (m *Machine) FrameDepth() int {
	return len(m.frames)
}

// OpsUsed returns the number of instructions dispatched so far. Safe to
// call from other goroutines while the machine runs.
func (m *Machine) OpsUsed() int64 {
	return m.gov.opsUsed()
}

// ExhaustBudget zeroes the remaining operation budget. The machine observes
// the change at the next instruction boundary and halts with a
// resource-exhaustion error. Safe to call from other goroutines; this is how
// an external scheduler expresses cancellation.
func (m *Machine) ExhaustBudget() {
	m.gov.exhaust()
}

// RefillBudget grants n additional operations of budget.
func (m *Machine) RefillBudget(n int64) {
	m.gov.refill(n)
}

func (m *Machine) cur() *frame {
	return &m.frames[len(m.frames)-1]
}

func (m *Machine) pushFrame() *frame {
	if len(m.frames) < cap(m.frames) {
		m.frames = m.frames[:len(m.frames)+1]
	} else {
		m.frames = append(m.frames, frame{})
	}
	return &m.frames[len(m.frames)-1]
}

func (m *Machine) push(v value.Value) error {
	if m.limits.MaxStackDepth > 0 && len(m.stack) >= m.limits.MaxStackDepth {
		return errz.NewResourceExhausted("stack", int64(m.limits.MaxStackDepth), int64(len(m.stack)+1))
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *Machine) pop() value.Value {
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

// need verifies that the current frame's private stack suffix holds at
// least n values. Popping below the frame's stackStart marker is underflow
// even when caller frames have values beneath it.
func (m *Machine) need(n int) error {
	if len(m.stack)-m.cur().stackStart < n {
		return errz.New(errz.StackUnderflow,
			"operation requires %d value(s), %d available",
			n, len(m.stack)-m.cur().stackStart)
	}
	return nil
}

func (m *Machine) fetch() op.Code {
	c := m.program.Instructions[m.ip]
	m.ip++
	return c
}

// eval is the fetch-decode-execute loop. It runs until the outermost frame
// returns, a Halt executes, or an error or resource-exhaustion signal
// terminates execution.
func (m *Machine) eval(ctx context.Context) (value.Value, error) {
	instructions := m.program.Instructions
	var sinceCheck int

	for {
		if atomic.LoadInt32(&m.halt) == 1 {
			return value.Nil, m.withStack(cancelled(ctx))
		}
		if m.contextCheckInterval > 0 && ctx.Done() != nil {
			sinceCheck++
			if sinceCheck >= m.contextCheckInterval {
				sinceCheck = 0
				select {
				case <-ctx.Done():
					atomic.StoreInt32(&m.halt, 1)
					return value.Nil, m.withStack(cancelled(ctx))
				default:
				}
			}
		}

		if m.ip < 0 || m.ip >= len(instructions) {
			return value.Nil, m.withStack(errz.New(errz.InvalidBytecode,
				"instruction pointer %d outside program", m.ip))
		}

		// Collection runs only between instructions, never mid-instruction.
		if m.arena.ShouldCollect() {
			m.collectGarbage()
		}

		opcode := instructions[m.ip]

		if m.observer != nil {
			event := StepEvent{
				IP:         m.ip,
				Opcode:     opcode,
				OpcodeName: op.GetInfo(opcode).Name,
				StackDepth: len(m.stack),
				FrameDepth: len(m.frames),
			}
			if !m.observer.OnStep(event) {
				return value.Nil, fmt.Errorf("execution halted by observer")
			}
		}

		// Every dispatched instruction consumes budget, tail calls included.
		if err := m.gov.step(); err != nil {
			return value.Nil, m.withStack(err)
		}

		// Advance past the opcode before executing it; operand fetches and
		// jump targets are relative to the following instruction.
		m.ip++

		done, result, err := m.dispatch(ctx, opcode)
		if err != nil {
			if m.recoverSandbox(err) {
				continue
			}
			return value.Nil, m.withStack(err)
		}
		if done {
			return result, nil
		}
	}
}

// dispatch executes a single instruction. It returns done=true with the
// final result when execution terminates normally.
func (m *Machine) dispatch(ctx context.Context, opcode op.Code) (bool, value.Value, error) {
	switch opcode {
	case op.Nop:

	case op.Halt:
		if len(m.stack) > 0 {
			return true, m.stack[len(m.stack)-1], nil
		}
		return true, value.Nil, nil

	case op.LoadConst:
		idx := int(m.fetch())
		if idx >= len(m.consts) {
			return false, value.Nil, errz.New(errz.InvalidBytecode,
				"constant index %d out of range", idx)
		}
		return false, value.Nil, m.push(m.consts[idx])

	case op.LoadLocal:
		idx := int(m.fetch())
		locals := m.cur().locals
		if idx >= len(locals) {
			return false, value.Nil, errz.New(errz.UndefinedLocal,
				"local %d out of range (frame has %d)", idx, len(locals))
		}
		return false, value.Nil, m.push(locals[idx])

	case op.StoreLocal:
		idx := int(m.fetch())
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		locals := m.cur().locals
		if idx >= len(locals) {
			return false, value.Nil, errz.New(errz.UndefinedLocal,
				"local %d out of range (frame has %d)", idx, len(locals))
		}
		locals[idx] = m.pop()

	case op.LoadCapture:
		idx := int(m.fetch())
		fr := m.cur()
		if fr.closureRef < 0 {
			return false, value.Nil, errz.New(errz.UndefinedLocal,
				"frame has no captured environment")
		}
		captured, err := m.arena.Capture(fr.closureRef, idx)
		if err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(captured)

	case op.LoadFunction:
		fnIdx := int(m.fetch())
		ref := m.fnClosures[fnIdx]
		if ref < 0 {
			v, err := m.allocClosure(fnIdx, nil)
			if err != nil {
				return false, value.Nil, err
			}
			ref = v.Ref()
			m.fnClosures[fnIdx] = ref
		}
		return false, value.Nil, m.push(value.NewClosure(ref))

	case op.Nil:
		return false, value.Nil, m.push(value.Nil)
	case op.True:
		return false, value.Nil, m.push(value.True)
	case op.False:
		return false, value.Nil, m.push(value.False)

	case op.MakeClosure:
		fnIdx := int(m.fetch())
		captureCount := int(m.fetch())
		if err := m.need(captureCount); err != nil {
			return false, value.Nil, err
		}
		env := make([]value.Value, captureCount)
		for i := captureCount - 1; i >= 0; i-- {
			env[i] = m.pop()
		}
		v, err := m.allocClosure(fnIdx, env)
		if err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(v)

	case op.Cons:
		if err := m.need(2); err != nil {
			return false, value.Nil, err
		}
		cdr := m.pop()
		car := m.pop()
		v, err := m.allocPair(car, cdr)
		if err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(v)

	case op.Car, op.Cdr:
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		v := m.pop()
		if v.Kind() != value.KindPair {
			return false, value.Nil, errz.New(errz.TypeMismatch,
				"expected pair (got %s)", v.Kind())
		}
		car, cdr, err := m.arena.Pair(v.Ref())
		if err != nil {
			return false, value.Nil, err
		}
		if opcode == op.Car {
			return false, value.Nil, m.push(car)
		}
		return false, value.Nil, m.push(cdr)

	case op.BinaryOp:
		kind := op.BinaryOpType(m.fetch())
		if err := m.need(2); err != nil {
			return false, value.Nil, err
		}
		b := m.pop()
		a := m.pop()
		result, err := binaryOp(kind, a, b)
		if err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(result)

	case op.CompareOp:
		kind := op.CompareOpType(m.fetch())
		if err := m.need(2); err != nil {
			return false, value.Nil, err
		}
		b := m.pop()
		a := m.pop()
		result, err := compareOp(kind, a, b)
		if err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(result)

	case op.UnaryNegative:
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		v := m.pop()
		switch v.Kind() {
		case value.KindInt:
			if v.Int() == math.MinInt64 {
				return false, value.Nil, errz.New(errz.ArithmeticOverflow,
					"negation of %d overflows", v.Int())
			}
			return false, value.Nil, m.push(value.NewInt(-v.Int()))
		case value.KindFloat:
			return false, value.Nil, m.push(value.NewFloat(-v.Float()))
		default:
			return false, value.Nil, errz.New(errz.TypeMismatch,
				"expected a number (got %s)", v.Kind())
		}

	case op.UnaryNot:
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(value.NewBool(!m.pop().IsTruthy()))

	case op.PopTop:
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		m.pop()

	case op.Swap:
		pos := int(m.fetch())
		if err := m.need(pos + 1); err != nil {
			return false, value.Nil, err
		}
		top := len(m.stack) - 1
		m.stack[top], m.stack[top-pos] = m.stack[top-pos], m.stack[top]

	case op.Copy:
		offset := int(m.fetch())
		if err := m.need(offset + 1); err != nil {
			return false, value.Nil, err
		}
		return false, value.Nil, m.push(m.stack[len(m.stack)-1-offset])

	case op.Jump:
		delta := m.fetch()
		m.ip = op.JumpTarget(m.ip, delta)

	case op.JumpIfFalse:
		delta := m.fetch()
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		if !m.pop().IsTruthy() {
			m.ip = op.JumpTarget(m.ip, delta)
		}

	case op.Call:
		argc := int(m.fetch())
		return false, value.Nil, m.callClosure(argc, false)

	case op.TailCall:
		argc := int(m.fetch())
		return false, value.Nil, m.callClosure(argc, true)

	case op.Ret:
		if err := m.need(1); err != nil {
			return false, value.Nil, err
		}
		result := m.pop()
		fr := m.cur()
		m.stack = m.stack[:fr.stackStart]
		returnIP := fr.returnIP
		fnIndex := fr.fnIndex
		m.frames = m.frames[:len(m.frames)-1]

		// Sandbox scopes the returning frame never exited die with it.
		// A stale record must not catch a later violation and resume
		// execution inside the popped frame.
		for len(m.sandboxes) > 0 &&
			m.sandboxes[len(m.sandboxes)-1].frameDepth > len(m.frames) {
			sb := m.sandboxes[len(m.sandboxes)-1]
			m.sandboxes = m.sandboxes[:len(m.sandboxes)-1]
			m.caps = sb.outer
		}

		if m.observer != nil {
			event := ReturnEvent{
				FunctionName: m.program.FunctionName(fnIndex),
				FrameDepth:   len(m.frames),
			}
			if !m.observer.OnReturn(event) {
				return false, value.Nil, fmt.Errorf("execution halted by observer")
			}
		}
		if returnIP == StopSignal || len(m.frames) == 0 {
			return true, result, nil
		}
		m.ip = returnIP
		return false, value.Nil, m.push(result)

	case op.HostCall:
		capIdx := int(m.fetch())
		fnID := int(m.fetch())
		argc := int(m.fetch())
		if err := m.need(argc); err != nil {
			return false, value.Nil, err
		}
		if err := m.checkCapability(capIdx); err != nil {
			return false, value.Nil, err
		}
		hostFn, ok := m.hostFns[fnID]
		if !ok {
			return false, value.Nil, errz.New(errz.InvalidBytecode,
				"no host function registered for id %d", fnID)
		}
		args := make([]value.Value, argc)
		for i := argc - 1; i >= 0; i-- {
			args[i] = m.pop()
		}
		result, err := hostFn(ctx, m, args)
		if err != nil {
			if verr, ok := err.(*errz.Error); ok {
				return false, value.Nil, verr
			}
			return false, value.Nil, errz.New(errz.HostError,
				"host function %d failed: %v", fnID, err).WithCause(err)
		}
		return false, value.Nil, m.push(result)

	case op.HasCap:
		capIdx := int(m.fetch())
		return false, value.Nil, m.push(value.NewBool(m.hasCapability(capIdx)))

	case op.SandboxEnter:
		capCount := int(m.fetch())
		delta := m.fetch()
		recoverIP := op.JumpTarget(m.ip, delta)
		if err := m.need(capCount); err != nil {
			return false, value.Nil, err
		}
		granted := capability.NewSet()
		for i := 0; i < capCount; i++ {
			v := m.pop()
			if v.Kind() != value.KindCapability {
				return false, value.Nil, errz.New(errz.TypeMismatch,
					"sandbox grant must be a capability (got %s)", v.Kind())
			}
			granted.Grant(v.Capability())
		}
		m.sandboxes = append(m.sandboxes, sandbox{
			outer:      m.caps,
			frameDepth: len(m.frames),
			stackStart: len(m.stack),
			recoverIP:  recoverIP,
		})
		m.caps = granted

	case op.SandboxExit:
		if len(m.sandboxes) == 0 {
			return false, value.Nil, errz.New(errz.InvalidBytecode,
				"sandbox exit without matching entry")
		}
		sb := m.sandboxes[len(m.sandboxes)-1]
		m.sandboxes = m.sandboxes[:len(m.sandboxes)-1]
		m.caps = sb.outer

	default:
		return false, value.Nil, errz.New(errz.InvalidBytecode,
			"unknown opcode: %d", opcode)
	}
	return false, value.Nil, nil
}

// callClosure implements Call and TailCall. Arguments were pushed first and
// the callee sits on top of the stack. Tail calls reuse the current frame
// when the target shares its code identity and replace it otherwise; either
// way the frame stack does not grow and the inherited stackStart marker and
// return address are preserved.
func (m *Machine) callClosure(argc int, tail bool) error {
	if err := m.need(argc + 1); err != nil {
		return err
	}
	callee := m.pop()
	if callee.Kind() != value.KindClosure {
		return errz.New(errz.TypeMismatch,
			"value is not callable (got %s)", callee.Kind())
	}
	fnIdx, err := m.arena.ClosureFn(callee.Ref())
	if err != nil {
		return err
	}
	fn, _ := m.program.Function(fnIdx)
	if argc != fn.NumParams {
		return errz.NewArityMismatch(fn.Name, fn.NumParams, argc)
	}

	base := len(m.stack) - argc
	args := m.stack[base:]

	if tail {
		fr := m.cur()
		if fnIdx == fr.fnIndex {
			// Self-recursion: overwrite the locals store in place and reset
			// the instruction pointer. No new frame, no return-ip change.
			fr.closureRef = callee.Ref()
			fr.resizeLocals(fn.NumLocals)
			copy(fr.locals, args)
		} else {
			// Tail call to a different function, including mutual
			// recursion: replace the frame in place, preserving its
			// stackStart and return address. Locals never alias the
			// stack, so args can be copied across directly.
			fr.replace(fnIdx, callee.Ref(), fn.NumLocals)
			copy(fr.locals, args)
		}
		// Discard stale temporaries above the frame's marker.
		m.stack = m.stack[:fr.stackStart]
		m.ip = fn.Offset
		if m.observer != nil {
			event := CallEvent{
				FunctionName: m.program.FunctionName(fnIdx),
				ArgCount:     argc,
				FrameDepth:   len(m.frames),
				Tail:         true,
			}
			if !m.observer.OnCall(event) {
				return fmt.Errorf("execution halted by observer")
			}
		}
		return nil
	}

	if m.limits.MaxRecursionDepth > 0 && len(m.frames) >= m.limits.MaxRecursionDepth {
		return errz.NewRecursionLimit(int64(m.limits.MaxRecursionDepth))
	}
	returnIP := m.ip
	newFrame := m.pushFrame()
	newFrame.activate(fnIdx, callee.Ref(), returnIP, base, fn.NumLocals)
	copy(newFrame.locals, args)
	m.stack = m.stack[:base]
	m.ip = fn.Offset

	if m.observer != nil {
		event := CallEvent{
			FunctionName: m.program.FunctionName(fnIdx),
			ArgCount:     argc,
			FrameDepth:   len(m.frames),
		}
		if !m.observer.OnCall(event) {
			return fmt.Errorf("execution halted by observer")
		}
	}
	return nil
}

// allocPair allocates a pair, collecting garbage and retrying once if the
// memory ceiling was hit. The car and cdr were already popped off the value
// stack, so they are passed to the collector as extra roots; otherwise the
// collection could reclaim them mid-instruction.
func (m *Machine) allocPair(car, cdr value.Value) (value.Value, error) {
	v, err := m.arena.AllocPair(car, cdr)
	if errz.IsKind(err, errz.ResourceExhausted) {
		m.collectGarbage(car, cdr)
		v, err = m.arena.AllocPair(car, cdr)
	}
	return v, err
}

// allocClosure allocates a closure with the same collect-and-retry policy.
// The popped captures are extra roots, as in allocPair.
func (m *Machine) allocClosure(fnIdx int, env []value.Value) (value.Value, error) {
	v, err := m.arena.AllocClosure(fnIdx, env)
	if errz.IsKind(err, errz.ResourceExhausted) {
		m.collectGarbage(env...)
		v, err = m.arena.AllocClosure(fnIdx, env)
	}
	return v, err
}

// collectGarbage gathers the root set and runs a collection. Roots: every
// live value-stack slot, every frame's locals, the closure each frame
// references, the cached per-function closures, and any extra values an
// in-flight instruction holds off-stack.
func (m *Machine) collectGarbage(extra ...value.Value) int {
	roots := make([]value.Value, 0, len(m.stack)+len(m.frames)*4+len(extra))
	roots = append(roots, m.stack...)
	roots = append(roots, extra...)
	for i := range m.frames {
		fr := &m.frames[i]
		roots = append(roots, fr.locals...)
		if fr.closureRef >= 0 {
			roots = append(roots, value.NewClosure(fr.closureRef))
		}
	}
	for _, ref := range m.fnClosures {
		if ref >= 0 {
			roots = append(roots, value.NewClosure(ref))
		}
	}
	return m.arena.Collect(roots)
}

// CompactHeap collects garbage, defragments the arena, and remaps every
// root the machine owns. Must not be called while the machine is running.
func (m *Machine) CompactHeap() error {
	if m.running {
		return fmt.Errorf("cannot compact while the machine is running")
	}
	m.collectGarbage()
	remap := m.arena.Compact()
	rewrite := func(v value.Value) value.Value {
		if v.IsHeapRef() {
			return v.WithRef(remap[v.Ref()])
		}
		return v
	}
	for i := range m.stack {
		m.stack[i] = rewrite(m.stack[i])
	}
	for i := range m.frames {
		fr := &m.frames[i]
		for j := range fr.locals {
			fr.locals[j] = rewrite(fr.locals[j])
		}
		if fr.closureRef >= 0 {
			fr.closureRef = remap[fr.closureRef]
		}
	}
	for i, ref := range m.fnClosures {
		if ref >= 0 {
			m.fnClosures[i] = remap[ref]
		}
	}
	return nil
}

// captureStack builds a stack trace from the current call frames.
func (m *Machine) captureStack() []errz.StackFrame {
	var stack []errz.StackFrame
	for i := len(m.frames) - 1; i >= 0; i-- {
		fr := &m.frames[i]
		ip := m.ip
		if i < len(m.frames)-1 {
			ip = m.frames[i+1].returnIP
		}
		stack = append(stack, errz.StackFrame{
			Function: m.program.FunctionName(fr.fnIndex),
			IP:       ip,
		})
	}
	return stack
}

func (m *Machine) withStack(err error) error {
	if verr, ok := err.(*errz.Error); ok && verr.Stack == nil {
		verr.Stack = m.captureStack()
	}
	return err
}

// cancelled converts a context cancellation into the structured error
// channel while keeping the context error reachable via errors.Is.
func cancelled(ctx context.Context) *errz.Error {
	cause := ctx.Err()
	verr := errz.New(errz.ResourceExhausted, "execution cancelled: %v", cause).
		WithCause(cause)
	verr.Resource = "context"
	return verr
}
