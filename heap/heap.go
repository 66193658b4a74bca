// Package heap implements the garbage-collected object arena that owns all
// heap-allocated Praxis values: pairs, closures, and byte buffers.
//
// Objects are referenced by index (handle), never by Go pointer, and the
// arena is the sole authority for reclaiming them. This makes cyclic and
// mutually-referential object graphs safe: the mark-and-sweep collector
// traces the whole graph transitively from the roots supplied by the VM.
package heap

import (
	"github.com/praxislang/praxis/errz"
	"github.com/praxislang/praxis/value"
)

type objectKind uint8

const (
	kindFree objectKind = iota
	kindPair
	kindClosure
	kindBytes
)

// Approximate in-arena sizes used for memory-ceiling accounting.
const (
	objectOverhead = 24
	slotSize       = 16
)

// object is one arena slot. Every allocation carries a header consisting of
// a mark bit and a size, used by the collector.
type object struct {
	kind objectKind
	mark bool
	size int64

	// pair
	car, cdr value.Value

	// closure
	fnIndex int
	env     []value.Value

	// byte buffer
	bytes []byte
}

func pairSize() int64 {
	return objectOverhead + 2*slotSize
}

func closureSize(captures int) int64 {
	return objectOverhead + int64(captures)*slotSize
}

func bytesSize(n int) int64 {
	return objectOverhead + int64(n)
}

// Arena owns all heap objects for one VM instance. It is not safe for
// concurrent use; each VM instance owns a private arena.
type Arena struct {
	slots     []object
	free      []int
	liveBytes int64
	maxBytes  int64 // 0 means unlimited

	// allocsSinceGC drives the between-steps collection heuristic.
	allocsSinceGC int
	gcEvery       int
}

// DefaultGCInterval is the number of allocations between collection
// opportunities when no explicit interval is configured.
const DefaultGCInterval = 1024

// NewArena creates an arena with the given memory ceiling in bytes.
// A ceiling of 0 means the arena is unbounded.
func NewArena(maxBytes int64) *Arena {
	return &Arena{maxBytes: maxBytes, gcEvery: DefaultGCInterval}
}

// SetGCInterval overrides the allocation count between collection
// opportunities. Values below 1 are clamped to 1.
func (a *Arena) SetGCInterval(n int) {
	if n < 1 {
		n = 1
	}
	a.gcEvery = n
}

func (a *Arena) alloc(obj object) (int, error) {
	if a.maxBytes > 0 && a.liveBytes+obj.size > a.maxBytes {
		return 0, errz.NewResourceExhausted("heap", a.maxBytes, a.liveBytes+obj.size)
	}
	a.liveBytes += obj.size
	a.allocsSinceGC++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx] = obj
		return idx, nil
	}
	a.slots = append(a.slots, obj)
	return len(a.slots) - 1, nil
}

// AllocPair allocates a pair and returns a Pair value referencing it.
func (a *Arena) AllocPair(car, cdr value.Value) (value.Value, error) {
	idx, err := a.alloc(object{kind: kindPair, size: pairSize(), car: car, cdr: cdr})
	if err != nil {
		return value.Nil, err
	}
	return value.NewPair(idx), nil
}

// AllocClosure allocates a closure with the given code identity and captured
// environment. The environment is copied: captures are by value, and later
// mutation of the source slice is not visible inside the closure.
func (a *Arena) AllocClosure(fnIndex int, env []value.Value) (value.Value, error) {
	captured := make([]value.Value, len(env))
	copy(captured, env)
	idx, err := a.alloc(object{
		kind:    kindClosure,
		size:    closureSize(len(env)),
		fnIndex: fnIndex,
		env:     captured,
	})
	if err != nil {
		return value.Nil, err
	}
	return value.NewClosure(idx), nil
}

// AllocBytes allocates a byte buffer and returns a HeapRef value.
func (a *Arena) AllocBytes(b []byte) (value.Value, error) {
	buf := make([]byte, len(b))
	copy(buf, b)
	idx, err := a.alloc(object{kind: kindBytes, size: bytesSize(len(b)), bytes: buf})
	if err != nil {
		return value.Nil, err
	}
	return value.NewHeapRef(idx), nil
}

func (a *Arena) at(ref int, kind objectKind) (*object, error) {
	if ref < 0 || ref >= len(a.slots) {
		return nil, errz.New(errz.InvalidHeapReference, "heap index %d out of range", ref)
	}
	obj := &a.slots[ref]
	if obj.kind == kindFree {
		return nil, errz.New(errz.InvalidHeapReference, "heap index %d was reclaimed", ref)
	}
	if obj.kind != kind {
		return nil, errz.New(errz.InvalidHeapReference, "heap index %d holds a different object kind", ref)
	}
	return obj, nil
}

// Pair returns the car and cdr of the pair at ref.
func (a *Arena) Pair(ref int) (value.Value, value.Value, error) {
	obj, err := a.at(ref, kindPair)
	if err != nil {
		return value.Nil, value.Nil, err
	}
	return obj.car, obj.cdr, nil
}

// SetCar replaces the car of the pair at ref.
func (a *Arena) SetCar(ref int, v value.Value) error {
	obj, err := a.at(ref, kindPair)
	if err != nil {
		return err
	}
	obj.car = v
	return nil
}

// SetCdr replaces the cdr of the pair at ref.
func (a *Arena) SetCdr(ref int, v value.Value) error {
	obj, err := a.at(ref, kindPair)
	if err != nil {
		return err
	}
	obj.cdr = v
	return nil
}

// ClosureFn returns the code identity of the closure at ref.
func (a *Arena) ClosureFn(ref int) (int, error) {
	obj, err := a.at(ref, kindClosure)
	if err != nil {
		return 0, err
	}
	return obj.fnIndex, nil
}

// Capture returns the captured value at index i of the closure at ref.
func (a *Arena) Capture(ref, i int) (value.Value, error) {
	obj, err := a.at(ref, kindClosure)
	if err != nil {
		return value.Nil, err
	}
	if i < 0 || i >= len(obj.env) {
		return value.Nil, errz.New(errz.InvalidHeapReference,
			"closure@%d has no capture %d", ref, i)
	}
	return obj.env[i], nil
}

// CaptureCount returns the number of values captured by the closure at ref.
func (a *Arena) CaptureCount(ref int) (int, error) {
	obj, err := a.at(ref, kindClosure)
	if err != nil {
		return 0, err
	}
	return len(obj.env), nil
}

// Bytes returns the byte buffer at ref.
func (a *Arena) Bytes(ref int) ([]byte, error) {
	obj, err := a.at(ref, kindBytes)
	if err != nil {
		return nil, err
	}
	return obj.bytes, nil
}

// Live returns the number of live objects.
func (a *Arena) Live() int {
	return len(a.slots) - len(a.free)
}

// LiveBytes returns the accounted size of all live objects.
func (a *Arena) LiveBytes() int64 {
	return a.liveBytes
}

// ShouldCollect reports whether enough allocation has happened since the
// last collection to make a between-steps collection worthwhile.
func (a *Arena) ShouldCollect() bool {
	return a.allocsSinceGC >= a.gcEvery
}
