package vm

import (
	"github.com/praxislang/praxis/value"
)

// StopSignal as a frame's return address means execution terminates when the
// frame returns.
const StopSignal = -1

// frame is the unit of execution state for one active (non-tail-collapsed)
// invocation. Locals are stored in the frame itself and are disjoint from
// the shared value stack: all reads and writes to bound variables go through
// the locals store, never through stack indices. That disjointness is what
// makes tail-call frame reuse safe, because a frame's stackStart stays fixed
// while its logical invocation changes.
type frame struct {
	fnIndex    int // code identity: index into the program's function table
	closureRef int // heap ref of the owning closure, or -1
	returnIP   int // caller resume address; StopSignal for the outermost frame
	stackStart int // caller's stack-height marker
	locals     []value.Value
}

// activate resets the frame for a new invocation, reusing the locals backing
// array when it is large enough.
func (f *frame) activate(fnIndex, closureRef, returnIP, stackStart, numLocals int) {
	f.fnIndex = fnIndex
	f.closureRef = closureRef
	f.returnIP = returnIP
	f.stackStart = stackStart
	f.resizeLocals(numLocals)
}

// replace swaps in a new invocation while preserving the frame's stackStart
// marker and return address. This implements tail-call frame replacement:
// chains of tail calls between distinct functions keep stack depth constant.
func (f *frame) replace(fnIndex, closureRef, numLocals int) {
	f.fnIndex = fnIndex
	f.closureRef = closureRef
	f.resizeLocals(numLocals)
}

func (f *frame) resizeLocals(n int) {
	if cap(f.locals) >= n {
		f.locals = f.locals[:n]
		for i := range f.locals {
			f.locals[i] = value.Nil
		}
	} else {
		f.locals = make([]value.Value, n)
	}
}
