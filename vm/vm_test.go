package vm

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/praxislang/praxis/bytecode"
	"github.com/praxislang/praxis/capability"
	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/op"
	"github.com/praxislang/praxis/value"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// depthTracker records the maximum frame depth observed during a run.
type depthTracker struct {
	NoOpObserver
	maxFrames int
}

func (d *depthTracker) OnStep(e StepEvent) bool {
	if e.FrameDepth > d.maxFrames {
		d.maxFrames = e.FrameDepth
	}
	return true
}

func run(t *testing.T, b *bytecode.Builder, options ...Option) (value.Value, error) {
	t.Helper()
	return Run(context.Background(), b.MustProgram(), options...)
}

func mustRun(t *testing.T, b *bytecode.Builder, options ...Option) value.Value {
	t.Helper()
	result, err := run(t, b, options...)
	require.NoError(t, err)
	return result
}

func TestTailCallFactorial(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(5))
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 2)
	b.Emit(op.Halt)

	// fact-iter(n, acc) = acc              when n <= 1
	//                   = fact-iter(n-1, acc*n) otherwise, as a tail call
	b.Func("fact-iter", 2, 2)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.CompareOp, op.Code(op.LessThanOrEqual))
	recurse := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.LoadLocal, 1)
	b.Emit(op.Ret)
	b.PatchJump(recurse)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Subtract))
	b.Emit(op.LoadLocal, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.BinaryOp, op.Code(op.Multiply))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.TailCall, 2)

	tracker := &depthTracker{}
	m, err := New(b.MustProgram(), WithObserver(tracker))
	require.NoError(t, err)
	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindInt, result.Kind())
	require.Equal(t, int64(120), result.Int())

	// One frame for the entry point, one shared by every fact-iter
	// iteration. Self-recursive tail calls reuse the frame in place.
	require.Equal(t, 2, tracker.maxFrames)
}

func TestMutualRecursionTailCalls(t *testing.T) {
	const n = 100_000
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(n))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 1)
	b.Emit(op.Halt)

	// even?(n) = true  when n == 0, else odd?(n-1)
	b.Func("even?", 1, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.CompareOp, op.Code(op.Equal))
	evenRec := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.True)
	b.Emit(op.Ret)
	b.PatchJump(evenRec)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Subtract))
	b.Emit(op.LoadFunction, 2)
	b.Emit(op.TailCall, 1)

	// odd?(n) = false when n == 0, else even?(n-1)
	b.Func("odd?", 1, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.CompareOp, op.Code(op.Equal))
	oddRec := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.False)
	b.Emit(op.Ret)
	b.PatchJump(oddRec)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Subtract))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.TailCall, 1)

	tracker := &depthTracker{}
	m, err := New(b.MustProgram(), WithObserver(tracker))
	require.NoError(t, err)
	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindBool, result.Kind())
	require.True(t, result.Bool())

	// Frame depth stays constant across 100k alternating tail calls, but
	// every one of them still consumed operation budget.
	require.Equal(t, 2, tracker.maxFrames)
	require.Greater(t, m.OpsUsed(), int64(n))
}

func TestNonTailRecursionDepthLimit(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	// spin() = spin() as a non-tail call: the result flows through Ret, so
	// every level occupies a frame.
	b.Func("spin", 0, 0)
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Ret)

	_, err := run(t, b, WithLimits(Limits{MaxRecursionDepth: 16}))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.RecursionLimitExceeded))
	verr := err.(*errz.Error)
	require.Equal(t, int64(16), verr.Limit)
	require.NotEmpty(t, verr.Stack)
}

func TestFrameLocalsIsolatedPerInvocation(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.PopTop)
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	// probe() returns 1 when its local starts out nil and 2 when a value
	// from an earlier invocation leaked through.
	b.Func("probe", 0, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.Nil)
	b.Emit(op.CompareOp, op.Code(op.Equal))
	leaked := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.LoadConst, b.Int(42))
	b.Emit(op.StoreLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.Ret)
	b.PatchJump(leaked)
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Ret)

	result := mustRun(t, b)
	require.Equal(t, int64(1), result.Int())
}

func TestClosureCapturesByValue(t *testing.T) {
	b := bytecode.NewBuilder()
	b.EntryLocals(2)
	b.Emit(op.LoadConst, b.Int(10))
	b.Emit(op.StoreLocal, 0)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.MakeClosure, 1, 1)
	b.Emit(op.StoreLocal, 1)
	b.Emit(op.LoadConst, b.Int(99))
	b.Emit(op.StoreLocal, 0)
	b.Emit(op.LoadLocal, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	b.Func("getter", 0, 0)
	b.Emit(op.LoadCapture, 0)
	b.Emit(op.Ret)

	// Mutating the local after capture does not affect the closure.
	result := mustRun(t, b)
	require.Equal(t, int64(10), result.Int())
}

func makeClassify(arg int64) *bytecode.Builder {
	// classify(x) = 1 when x < -10, 2 when -10 <= x < 0,
	//               3 when x > 10,  4 otherwise
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(arg))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 1)
	b.Emit(op.Halt)

	b.Func("classify", 1, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.CompareOp, op.Code(op.LessThan))
	nonNeg := b.EmitJump(op.JumpIfFalse)

	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(-10))
	b.Emit(op.CompareOp, op.Code(op.LessThan))
	small := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.Ret)
	b.PatchJump(small)
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Ret)

	b.PatchJump(nonNeg)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(10))
	b.Emit(op.CompareOp, op.Code(op.GreaterThan))
	med := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.LoadConst, b.Int(3))
	b.Emit(op.Ret)
	b.PatchJump(med)
	b.Emit(op.LoadConst, b.Int(4))
	b.Emit(op.Ret)
	return b
}

func TestNestedConditionalJumps(t *testing.T) {
	cases := []struct {
		arg  int64
		want int64
	}{
		{-100, 1},
		{-5, 2},
		{100, 3},
		{5, 4},
		{0, 4},
	}
	for _, tc := range cases {
		result := mustRun(t, makeClassify(tc.arg))
		require.Equal(t, tc.want, result.Int(), "classify(%d)", tc.arg)
	}
}

func TestNilArithmeticTypeMismatch(t *testing.T) {
	// Locals start out nil, and nil does not promote to a number.
	b := bytecode.NewBuilder()
	b.EntryLocals(1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.Halt)

	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.TypeMismatch))
}

func TestBackwardJumpLoopSum(t *testing.T) {
	b := bytecode.NewBuilder()
	b.EntryLocals(2)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.StoreLocal, 0)
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.StoreLocal, 1)
	loop := b.Position()
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(10))
	b.Emit(op.CompareOp, op.Code(op.LessThanOrEqual))
	end := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.LoadLocal, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.StoreLocal, 1)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.StoreLocal, 0)
	b.EmitJumpTo(op.Jump, loop)
	b.PatchJump(end)
	b.Emit(op.LoadLocal, 1)
	b.Emit(op.Halt)

	result := mustRun(t, b)
	require.Equal(t, int64(55), result.Int())
}

func TestCapabilityGating(t *testing.T) {
	registry := capability.NewRegistry()
	fsWrite := capability.NewToken("fs.write")
	capIdx := registry.Register(fsWrite)

	b := bytecode.NewBuilder()
	b.Emit(op.HostCall, op.Code(capIdx), 0, 0)
	b.Emit(op.Halt)
	program := b.MustProgram()

	var calls int
	hostFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		calls++
		return value.NewInt(1), nil
	}

	// Denied: no side effect, structured error naming the capability.
	_, err := Run(context.Background(), program,
		WithRegistry(registry),
		WithHostFunction(0, hostFn))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.CapabilityDenied))
	require.Equal(t, "fs.write", err.(*errz.Error).Capability)
	require.Equal(t, 0, calls)

	// Granted: the call goes through.
	result, err := Run(context.Background(), program,
		WithRegistry(registry),
		WithCapabilities(fsWrite),
		WithHostFunction(0, hostFn))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Int())
	require.Equal(t, 1, calls)

	// Verified code skips the runtime check entirely.
	_, err = Run(context.Background(), program,
		WithRegistry(registry),
		WithTrustTier(capability.Verified),
		WithHostFunction(0, hostFn))
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestHasCap(t *testing.T) {
	registry := capability.NewRegistry()
	netDial := capability.NewToken("net.dial")
	capIdx := registry.Register(netDial)

	b := bytecode.NewBuilder()
	b.Emit(op.HasCap, op.Code(capIdx))
	b.Emit(op.Halt)
	program := b.MustProgram()

	result, err := Run(context.Background(), program, WithRegistry(registry))
	require.NoError(t, err)
	require.False(t, result.Bool())

	result, err = Run(context.Background(), program,
		WithRegistry(registry), WithCapabilities(netDial))
	require.NoError(t, err)
	require.True(t, result.Bool())
}

func sandboxProgram() (*capability.Registry, capability.Token, *bytecode.Program) {
	registry := capability.NewRegistry()
	fsWrite := capability.NewToken("fs.write")
	registry.Register(fsWrite)

	b := bytecode.NewBuilder()
	enter := b.EmitJump(op.SandboxEnter, 0)
	b.Emit(op.HostCall, 0, 0, 0)
	b.Emit(op.SandboxExit)
	end := b.EmitJump(op.Jump)
	b.PatchJump(enter)
	b.PatchJump(end)
	b.Emit(op.Halt)
	return registry, fsWrite, b.MustProgram()
}

func TestSandboxCatchesViolation(t *testing.T) {
	registry, _, program := sandboxProgram()

	var calls int
	hostFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		calls++
		return value.NewInt(7), nil
	}

	var logBuf bytes.Buffer
	logger := zerolog.New(&logBuf)

	m, err := New(program,
		WithRegistry(registry),
		WithHostFunction(0, hostFn),
		WithLogger(logger))
	require.NoError(t, err)

	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindSymbol, result.Kind())
	name, ok := m.Interner().Lookup(result.Index())
	require.True(t, ok)
	require.Equal(t, SandboxViolationSymbol, name)
	require.Equal(t, 0, calls)
	require.Contains(t, logBuf.String(), "sandbox violation")
	require.Contains(t, logBuf.String(), "fs.write")
}

func TestSandboxIsolatesOuterGrants(t *testing.T) {
	registry, fsWrite, program := sandboxProgram()

	hostFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		return value.NewInt(7), nil
	}

	// The machine holds the grant, but the sandbox scope enters with an
	// empty set, so the call inside it is still denied.
	m, err := New(program,
		WithRegistry(registry),
		WithCapabilities(fsWrite),
		WithHostFunction(0, hostFn))
	require.NoError(t, err)

	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindSymbol, result.Kind())
}

func TestSandboxGrantedCapabilities(t *testing.T) {
	registry := capability.NewRegistry()
	fsWrite := capability.NewToken("fs.write")
	mint := capability.NewToken("cap.mint")
	fsIdx := registry.Register(fsWrite)
	mintIdx := registry.Register(mint)

	b := bytecode.NewBuilder()
	b.Emit(op.HostCall, op.Code(mintIdx), 1, 0)
	enter := b.EmitJump(op.SandboxEnter, 1)
	b.Emit(op.HostCall, op.Code(fsIdx), 0, 0)
	b.Emit(op.SandboxExit)
	end := b.EmitJump(op.Jump)
	b.PatchJump(enter)
	b.PatchJump(end)
	b.Emit(op.Halt)

	write := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		return value.NewInt(7), nil
	}
	mintFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		return value.NewCapability(fsWrite), nil
	}

	// The outer set holds only cap.mint. The sandbox scope is entered with
	// the minted fs.write token, so the gated call succeeds inside it.
	result, err := Run(context.Background(), b.MustProgram(),
		WithRegistry(registry),
		WithCapabilities(mint),
		WithHostFunction(0, write),
		WithHostFunction(1, mintFn))
	require.NoError(t, err)
	require.Equal(t, int64(7), result.Int())
}

// returnTracker counts function returns by name.
type returnTracker struct {
	NoOpObserver
	returns map[string]int
}

func (r *returnTracker) OnReturn(e ReturnEvent) bool {
	if r.returns == nil {
		r.returns = map[string]int{}
	}
	r.returns[e.FunctionName]++
	return true
}

func TestStaleSandboxDiscardedOnReturn(t *testing.T) {
	registry := capability.NewRegistry()
	fsWrite := capability.NewToken("fs.write")
	registry.Register(fsWrite)

	// leaky enters a sandbox and returns without exiting it. The record
	// must die with the frame: the outer grant set is restored, and a
	// later denial in the caller cannot be caught by it and resume inside
	// the popped frame.
	b := bytecode.NewBuilder()
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.PopTop)
	b.Emit(op.HostCall, 0, 0, 0)
	b.Emit(op.Halt)

	b.Func("leaky", 0, 0)
	enter := b.EmitJump(op.SandboxEnter, 0)
	b.Emit(op.True)
	b.Emit(op.Ret)
	b.PatchJump(enter)
	b.Emit(op.False)
	b.Emit(op.Ret)

	var calls int
	hostFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		calls++
		return value.NewInt(7), nil
	}

	tracker := &returnTracker{}
	m, err := New(b.MustProgram(),
		WithRegistry(registry),
		WithCapabilities(fsWrite),
		WithHostFunction(0, hostFn),
		WithObserver(tracker))
	require.NoError(t, err)

	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), result.Int())
	require.Equal(t, 1, calls)
	require.Equal(t, 1, tracker.returns["leaky"])
}

func TestHostErrorsAreNotCaughtBySandbox(t *testing.T) {
	// A host function failing for its own reasons is not a violation.
	// Even inside a sandbox scope the failure propagates as a structured
	// error instead of becoming the sandbox-violation result.
	b := bytecode.NewBuilder()
	enter := b.EmitJump(op.SandboxEnter, 0)
	b.Emit(op.HostCall, 0, 0, 0)
	b.Emit(op.SandboxExit)
	end := b.EmitJump(op.Jump)
	b.PatchJump(enter)
	b.PatchJump(end)
	b.Emit(op.Halt)

	hostFn := func(ctx context.Context, m *Machine, args []value.Value) (value.Value, error) {
		return value.Nil, errors.New("disk full")
	}

	_, err := Run(context.Background(), b.MustProgram(),
		WithTrustTier(capability.Verified),
		WithHostFunction(0, hostFn))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.HostError))
	require.Contains(t, err.Error(), "disk full")
}

func infiniteLoop() *bytecode.Builder {
	b := bytecode.NewBuilder()
	loop := b.Position()
	b.Emit(op.Nop)
	b.EmitJumpTo(op.Jump, loop)
	return b
}

func TestOperationBudget(t *testing.T) {
	_, err := run(t, infiniteLoop(), WithLimits(Limits{MaxOps: 100}))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	verr := err.(*errz.Error)
	require.Equal(t, "operations", verr.Resource)
	require.Equal(t, int64(100), verr.Limit)
}

func TestExhaustBudgetHaltsMachine(t *testing.T) {
	m, err := New(infiniteLoop().MustProgram())
	require.NoError(t, err)
	m.ExhaustBudget()
	_, err = m.Execute(context.Background())
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
}

func TestOpsUsedReadableDuringExecution(t *testing.T) {
	m, err := New(infiniteLoop().MustProgram(), WithLimits(Limits{MaxOps: 50_000}))
	require.NoError(t, err)

	// OpsUsed is read concurrently with the running machine, the same way
	// a supervising scheduler polls progress.
	done := make(chan error, 1)
	go func() {
		_, err := m.Execute(context.Background())
		done <- err
	}()
	var observed int64
	for observed == 0 {
		observed = m.OpsUsed()
	}
	err = <-done
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	require.GreaterOrEqual(t, m.OpsUsed(), int64(50_000))
}

func TestStackDepthLimit(t *testing.T) {
	b := bytecode.NewBuilder()
	loop := b.Position()
	b.Emit(op.True)
	b.EmitJumpTo(op.Jump, loop)

	_, err := run(t, b, WithLimits(Limits{MaxStackDepth: 8}))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	require.Equal(t, "stack", err.(*errz.Error).Resource)
}

func TestHeapCeiling(t *testing.T) {
	// Build an ever-growing list rooted in a local so collection cannot
	// reclaim anything.
	b := bytecode.NewBuilder()
	b.EntryLocals(1)
	b.Emit(op.Nil)
	b.Emit(op.StoreLocal, 0)
	loop := b.Position()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.Cons)
	b.Emit(op.StoreLocal, 0)
	b.EmitJumpTo(op.Jump, loop)

	_, err := run(t, b, WithLimits(Limits{MaxHeapBytes: 4096}))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	require.Equal(t, "heap", err.(*errz.Error).Resource)
}

func TestGarbageCollectionDuringExecution(t *testing.T) {
	// Allocate 1000 transient pairs under a heap ceiling far too small to
	// hold them all at once. Collection between instructions keeps the
	// program alive.
	b := bytecode.NewBuilder()
	b.EntryLocals(1)
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.StoreLocal, 0)
	loop := b.Position()
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1000))
	b.Emit(op.CompareOp, op.Code(op.LessThan))
	end := b.EmitJump(op.JumpIfFalse)
	b.Emit(op.True)
	b.Emit(op.False)
	b.Emit(op.Cons)
	b.Emit(op.PopTop)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.StoreLocal, 0)
	b.EmitJumpTo(op.Jump, loop)
	b.PatchJump(end)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.Halt)

	m, err := New(b.MustProgram(), WithLimits(Limits{MaxHeapBytes: 4096}))
	require.NoError(t, err)
	m.Arena().SetGCInterval(16)

	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1000), result.Int())
	require.Less(t, m.Arena().LiveBytes(), int64(4096))
}

func TestConsOperandsSurviveCollection(t *testing.T) {
	// A pair is 56 bytes. The ceiling of 120 holds two, so allocating the
	// outer pair of ((1 . 2) . 3) hits the ceiling while the inner pair is
	// held only as a popped operand. The collection triggered by the retry
	// must treat it as a root: only the discarded (9 . 9) pair may go.
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(9))
	b.Emit(op.LoadConst, b.Int(9))
	b.Emit(op.Cons)
	b.Emit(op.PopTop)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Cons)
	b.Emit(op.LoadConst, b.Int(3))
	b.Emit(op.Cons)
	b.Emit(op.Car)
	b.Emit(op.Car)
	b.Emit(op.Halt)

	result := mustRun(t, b, WithLimits(Limits{MaxHeapBytes: 120}))
	require.Equal(t, value.KindInt, result.Kind())
	require.Equal(t, int64(1), result.Int())
}

func TestConsFailsCleanlyWhenNothingToCollect(t *testing.T) {
	// Under a ceiling with room for a single pair and no garbage to free,
	// the outer allocation must surface heap exhaustion rather than
	// reclaim the live inner pair and corrupt it.
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Cons)
	b.Emit(op.LoadConst, b.Int(3))
	b.Emit(op.Cons)
	b.Emit(op.Car)
	b.Emit(op.Car)
	b.Emit(op.Halt)

	_, err := run(t, b, WithLimits(Limits{MaxHeapBytes: 60}))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	require.Equal(t, "heap", err.(*errz.Error).Resource)
}

func TestClosureCapturesSurviveCollection(t *testing.T) {
	// Same hazard through MakeClosure: the captured pair was already
	// popped when the closure allocation hits the ceiling.
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(9))
	b.Emit(op.LoadConst, b.Int(9))
	b.Emit(op.Cons)
	b.Emit(op.PopTop)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Cons)
	b.Emit(op.MakeClosure, 1, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	b.Func("first", 0, 0)
	b.Emit(op.LoadCapture, 0)
	b.Emit(op.Car)
	b.Emit(op.Ret)

	result := mustRun(t, b, WithLimits(Limits{MaxHeapBytes: 120}))
	require.Equal(t, int64(1), result.Int())
}

func TestCompactHeapRemapsMachineRoots(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.True)
	b.Emit(op.False)
	b.Emit(op.Cons)
	b.Emit(op.PopTop)
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	b.Func("answer", 0, 0)
	b.Emit(op.LoadConst, b.Int(42))
	b.Emit(op.Ret)

	m, err := New(b.MustProgram())
	require.NoError(t, err)

	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), result.Int())

	// The discarded pair occupies the first slot; compaction slides the
	// cached closure down and rewrites the machine's reference to it.
	require.NoError(t, m.CompactHeap())
	require.Equal(t, 1, m.Arena().Live())

	result, err = m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), result.Int())
}

func TestContextCancellation(t *testing.T) {
	m, err := New(infiniteLoop().MustProgram(), WithLimits(Limits{MaxOps: -1}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Execute(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Cancellation flows through the structured error channel like every
	// other abnormal outcome.
	require.True(t, errz.IsKind(err, errz.ResourceExhausted))
	verr := err.(*errz.Error)
	require.Equal(t, "context", verr.Resource)
	require.NotEmpty(t, verr.Stack)
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name  string
		build func(b *bytecode.Builder)
		check func(t *testing.T, v value.Value)
	}{
		{
			name: "int add",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(2))
				b.Emit(op.LoadConst, b.Int(3))
				b.Emit(op.BinaryOp, op.Code(op.Add))
			},
			check: func(t *testing.T, v value.Value) {
				require.Equal(t, int64(5), v.Int())
			},
		},
		{
			name: "int modulo",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(7))
				b.Emit(op.LoadConst, b.Int(3))
				b.Emit(op.BinaryOp, op.Code(op.Modulo))
			},
			check: func(t *testing.T, v value.Value) {
				require.Equal(t, int64(1), v.Int())
			},
		},
		{
			name: "mixed promotes to float",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(1))
				b.Emit(op.LoadConst, b.Float(2.5))
				b.Emit(op.BinaryOp, op.Code(op.Add))
			},
			check: func(t *testing.T, v value.Value) {
				require.Equal(t, value.KindFloat, v.Kind())
				require.Equal(t, 3.5, v.Float())
			},
		},
		{
			name: "float division by zero is infinity",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Float(1))
				b.Emit(op.LoadConst, b.Float(0))
				b.Emit(op.BinaryOp, op.Code(op.Divide))
			},
			check: func(t *testing.T, v value.Value) {
				require.True(t, math.IsInf(v.Float(), 1))
			},
		},
		{
			name: "negate",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(5))
				b.Emit(op.UnaryNegative)
			},
			check: func(t *testing.T, v value.Value) {
				require.Equal(t, int64(-5), v.Int())
			},
		},
		{
			name: "not",
			build: func(b *bytecode.Builder) {
				b.Emit(op.Nil)
				b.Emit(op.UnaryNot)
			},
			check: func(t *testing.T, v value.Value) {
				require.True(t, v.Bool())
			},
		},
		{
			name: "compare ints and floats",
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(2))
				b.Emit(op.LoadConst, b.Float(2.5))
				b.Emit(op.CompareOp, op.Code(op.LessThan))
			},
			check: func(t *testing.T, v value.Value) {
				require.True(t, v.Bool())
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bytecode.NewBuilder()
			tc.build(b)
			b.Emit(op.Halt)
			tc.check(t, mustRun(t, b))
		})
	}
}

func TestArithmeticErrors(t *testing.T) {
	cases := []struct {
		name  string
		kind  errz.Kind
		build func(b *bytecode.Builder)
	}{
		{
			name: "int overflow",
			kind: errz.ArithmeticOverflow,
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(math.MaxInt64))
				b.Emit(op.LoadConst, b.Int(1))
				b.Emit(op.BinaryOp, op.Code(op.Add))
			},
		},
		{
			name: "negate min int",
			kind: errz.ArithmeticOverflow,
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(math.MinInt64))
				b.Emit(op.UnaryNegative)
			},
		},
		{
			name: "integer division by zero",
			kind: errz.DivisionByZero,
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(1))
				b.Emit(op.LoadConst, b.Int(0))
				b.Emit(op.BinaryOp, op.Code(op.Divide))
			},
		},
		{
			name: "modulo by zero",
			kind: errz.DivisionByZero,
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Int(1))
				b.Emit(op.LoadConst, b.Int(0))
				b.Emit(op.BinaryOp, op.Code(op.Modulo))
			},
		},
		{
			name: "float modulo",
			kind: errz.TypeMismatch,
			build: func(b *bytecode.Builder) {
				b.Emit(op.LoadConst, b.Float(7))
				b.Emit(op.LoadConst, b.Float(3))
				b.Emit(op.BinaryOp, op.Code(op.Modulo))
			},
		},
		{
			name: "ordering non-numbers",
			kind: errz.TypeMismatch,
			build: func(b *bytecode.Builder) {
				b.Emit(op.True)
				b.Emit(op.False)
				b.Emit(op.CompareOp, op.Code(op.LessThan))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := bytecode.NewBuilder()
			tc.build(b)
			b.Emit(op.Halt)
			_, err := run(t, b)
			require.Error(t, err)
			require.True(t, errz.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestStackUnderflowIsFrameRelative(t *testing.T) {
	// The entry frame leaves two values on the stack, but the callee's
	// frame starts above them: popping two operands inside it underflows.
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	b.Func("greedy", 0, 0)
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.Ret)

	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.StackUnderflow))
}

func TestArityMismatch(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 1)
	b.Emit(op.Halt)

	b.Func("pair-up", 2, 2)
	b.Emit(op.LoadLocal, 0)
	b.Emit(op.Ret)

	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.ArityMismatch))
	verr := err.(*errz.Error)
	require.Equal(t, 2, verr.Expected)
	require.Equal(t, 1, verr.Actual)
	require.Contains(t, verr.Message, "pair-up")
}

func TestCallNonClosure(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(5))
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.TypeMismatch))
}

func TestHostCallUnknownFunction(t *testing.T) {
	registry := capability.NewRegistry()
	token := capability.NewToken("io.print")
	registry.Register(token)

	b := bytecode.NewBuilder()
	b.Emit(op.HostCall, 0, 9, 0)
	b.Emit(op.Halt)

	_, err := run(t, b, WithRegistry(registry), WithCapabilities(token))
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.InvalidBytecode))
}

func TestLoadCaptureWithoutClosure(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadCapture, 0)
	b.Emit(op.Halt)

	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.UndefinedLocal))
}

func TestPairOps(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Cons)
	b.Emit(op.Cdr)
	b.Emit(op.Halt)
	require.Equal(t, int64(2), mustRun(t, b).Int())

	b = bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.Car)
	b.Emit(op.Halt)
	_, err := run(t, b)
	require.Error(t, err)
	require.True(t, errz.IsKind(err, errz.TypeMismatch))
}

func TestStackShuffles(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(2))
	b.Emit(op.Swap, 1)
	b.Emit(op.BinaryOp, op.Code(op.Subtract))
	b.Emit(op.Halt)
	require.Equal(t, int64(1), mustRun(t, b).Int())

	b = bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Int(3))
	b.Emit(op.Copy, 0)
	b.Emit(op.BinaryOp, op.Code(op.Add))
	b.Emit(op.Halt)
	require.Equal(t, int64(6), mustRun(t, b).Int())
}

func TestStringAndSymbolConstants(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Str("hello"))
	b.Emit(op.Halt)
	m, err := New(b.MustProgram())
	require.NoError(t, err)
	result, err := m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindString, result.Kind())
	require.Equal(t, "hello", m.String(result))

	b = bytecode.NewBuilder()
	b.Emit(op.LoadConst, b.Symbol("ok"))
	b.Emit(op.Halt)
	m, err = New(b.MustProgram())
	require.NoError(t, err)
	result, err = m.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, value.KindSymbol, result.Kind())
	require.Equal(t, ":ok", m.String(result))
}

func TestErrorsCarryStackTraces(t *testing.T) {
	b := bytecode.NewBuilder()
	b.Emit(op.LoadFunction, 1)
	b.Emit(op.Call, 0)
	b.Emit(op.Halt)

	b.Func("boom", 0, 0)
	b.Emit(op.LoadConst, b.Int(1))
	b.Emit(op.LoadConst, b.Int(0))
	b.Emit(op.BinaryOp, op.Code(op.Divide))
	b.Emit(op.Ret)

	_, err := run(t, b)
	require.Error(t, err)
	verr := err.(*errz.Error)
	require.Len(t, verr.Stack, 2)
	require.Equal(t, "boom", verr.Stack[0].Function)
	require.Equal(t, "<main>", verr.Stack[1].Function)
	require.Contains(t, verr.FriendlyMessage(), "at boom")
}
