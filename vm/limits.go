package vm

import (
	"sync/atomic"

	"github.com/praxislang/praxis/errz"
)

// Default resource ceilings applied when a limit is left unset.
const (
	DefaultMaxOps        = 10_000_000
	DefaultMaxStackDepth = 4096
	DefaultMaxFrameDepth = 1024
	DefaultMaxHeapBytes  = 64 << 20
)

// Limits configures the resource ceilings a Machine enforces per step.
// A zero value for any field selects the corresponding default; a negative
// value disables that ceiling.
type Limits struct {
	// MaxOps bounds the number of dispatched instructions. Tail calls count
	// as operations, so an infinite tail-recursive loop cannot run unbounded.
	MaxOps int64
	// MaxStackDepth bounds the shared value stack.
	MaxStackDepth int
	// MaxRecursionDepth bounds the call-frame stack. Only non-tail calls
	// grow it; tail calls never count toward this limit.
	MaxRecursionDepth int
	// MaxHeapBytes bounds live heap memory.
	MaxHeapBytes int64
}

func (l Limits) withDefaults() Limits {
	if l.MaxOps == 0 {
		l.MaxOps = DefaultMaxOps
	}
	if l.MaxStackDepth == 0 {
		l.MaxStackDepth = DefaultMaxStackDepth
	}
	if l.MaxRecursionDepth == 0 {
		l.MaxRecursionDepth = DefaultMaxFrameDepth
	}
	if l.MaxHeapBytes == 0 {
		l.MaxHeapBytes = DefaultMaxHeapBytes
	}
	return l
}

// governor enforces the operation ceiling. The budget is stored atomically
// so an external scheduler can inject a zero remaining budget between turns;
// the machine observes the change at the next instruction boundary.
type governor struct {
	maxOps    int64
	remaining int64
	used      int64
}

func newGovernor(maxOps int64) *governor {
	g := &governor{maxOps: maxOps}
	g.remaining = maxOps
	return g
}

// step accounts for one dispatched instruction.
func (g *governor) step() error {
	used := atomic.AddInt64(&g.used, 1)
	if g.maxOps < 0 {
		return nil
	}
	if atomic.AddInt64(&g.remaining, -1) < 0 {
		return errz.NewResourceExhausted("operations", g.maxOps, used)
	}
	return nil
}

// opsUsed reports the number of instructions dispatched so far. Like the
// remaining budget it may be read from other goroutines.
func (g *governor) opsUsed() int64 {
	return atomic.LoadInt64(&g.used)
}

// exhaust zeroes the remaining budget. Safe to call from other goroutines.
func (g *governor) exhaust() {
	atomic.StoreInt64(&g.remaining, 0)
}

// refill grants n additional operations of budget.
func (g *governor) refill(n int64) {
	atomic.AddInt64(&g.remaining, n)
}
