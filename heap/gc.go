package heap

import (
	"github.com/praxislang/praxis/value"
)

// Collect runs a full mark-and-sweep collection. roots must contain every
// value reachable directly from live VM state: the value stack, all frames'
// locals, the closure each frame references, and any registered constant
// roots. Marking is transitive: closure environments and pair cells are
// traced through the whole object graph, so mutually-referential closures
// are kept alive together or reclaimed together. Returns the number of
// objects reclaimed.
func (a *Arena) Collect(roots []value.Value) int {
	for i := range a.slots {
		a.slots[i].mark = false
	}

	// Mark phase: worklist of heap indices still to trace.
	var work []int
	for _, v := range roots {
		if v.IsHeapRef() {
			work = append(work, v.Ref())
		}
	}
	for len(work) > 0 {
		ref := work[len(work)-1]
		work = work[:len(work)-1]
		if ref < 0 || ref >= len(a.slots) {
			continue
		}
		obj := &a.slots[ref]
		if obj.kind == kindFree || obj.mark {
			continue
		}
		obj.mark = true
		switch obj.kind {
		case kindPair:
			if obj.car.IsHeapRef() {
				work = append(work, obj.car.Ref())
			}
			if obj.cdr.IsHeapRef() {
				work = append(work, obj.cdr.Ref())
			}
		case kindClosure:
			for _, captured := range obj.env {
				if captured.IsHeapRef() {
					work = append(work, captured.Ref())
				}
			}
		}
	}

	// Sweep phase: unmarked objects go back on the free list.
	freed := 0
	for i := range a.slots {
		obj := &a.slots[i]
		if obj.kind == kindFree || obj.mark {
			continue
		}
		a.liveBytes -= obj.size
		a.slots[i] = object{kind: kindFree}
		a.free = append(a.free, i)
		freed++
	}
	a.allocsSinceGC = 0
	return freed
}

// Compact defragments the arena by sliding live objects toward the front of
// the slot array. It returns a remap table where remap[old] is the new index
// of each surviving object, or -1 for slots that were already free. The
// arena rewrites heap-internal references itself; the caller must apply the
// remap to every root it owns (stack, locals, caches) via value.Value.WithRef.
// Compact does not reclaim anything; run Collect first.
func (a *Arena) Compact() []int {
	remap := make([]int, len(a.slots))
	next := 0
	for i := range a.slots {
		if a.slots[i].kind == kindFree {
			remap[i] = -1
			continue
		}
		remap[i] = next
		if next != i {
			a.slots[next] = a.slots[i]
		}
		next++
	}
	a.slots = a.slots[:next]
	a.free = a.free[:0]

	// Rewrite heap-internal references to their new homes.
	rewrite := func(v value.Value) value.Value {
		if v.IsHeapRef() {
			return v.WithRef(remap[v.Ref()])
		}
		return v
	}
	for i := range a.slots {
		obj := &a.slots[i]
		switch obj.kind {
		case kindPair:
			obj.car = rewrite(obj.car)
			obj.cdr = rewrite(obj.cdr)
		case kindClosure:
			for j := range obj.env {
				obj.env[j] = rewrite(obj.env[j])
			}
		}
	}
	return remap
}
