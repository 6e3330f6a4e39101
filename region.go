package regiongc

import "sync/atomic"

// RegionState is the lifecycle state of a heap region. Regions move
// between states only under the heap lock or inside a global pause;
// the transition table below is the single serialization point for
// heap topology changes, and any edge outside it is a fatal
// verification failure.
type RegionState uint8

const (
	// RegionEmptyUncommitted: no backing memory accounted, no data.
	RegionEmptyUncommitted RegionState = iota
	// RegionEmptyCommitted: backed and zeroed, ready for allocation.
	RegionEmptyCommitted
	// RegionRegular: holds ordinary bump-allocated objects.
	RegionRegular
	// RegionHumongousStart: first region of a multi-region object.
	RegionHumongousStart
	// RegionHumongousCont: tail region of a multi-region object.
	RegionHumongousCont
	// RegionCollectionSet: chosen for evacuation in the current cycle.
	RegionCollectionSet
	// RegionPinned: holds an object the mutator forbids moving or
	// evicting. Must return to Regular before anything else happens.
	RegionPinned
	// RegionTrash: contents dead, waiting for lazy recycling.
	RegionTrash
)

var regionStateNames = [...]string{
	RegionEmptyUncommitted: "empty-uncommitted",
	RegionEmptyCommitted:   "empty-committed",
	RegionRegular:          "regular",
	RegionHumongousStart:   "humongous-start",
	RegionHumongousCont:    "humongous-cont",
	RegionCollectionSet:    "collection-set",
	RegionPinned:           "pinned",
	RegionTrash:            "trash",
}

func (s RegionState) String() string {
	if int(s) < len(regionStateNames) {
		return regionStateNames[s]
	}
	return "unknown"
}

func (s RegionState) isEmpty() bool {
	return s == RegionEmptyUncommitted || s == RegionEmptyCommitted
}

func (s RegionState) isHumongous() bool {
	return s == RegionHumongousStart || s == RegionHumongousCont
}

// regionTransitions is the allowed-edge table. A pinned region can only
// go back to Regular; it is never evicted or trashed directly. A
// humongous region never enters the collection set and is never pinned
// as a region (a multi-region object cannot be relocated piecewise).
var regionTransitions = map[RegionState][]RegionState{
	RegionEmptyUncommitted: {RegionEmptyCommitted},
	RegionEmptyCommitted:   {RegionEmptyUncommitted, RegionRegular, RegionHumongousStart, RegionHumongousCont},
	RegionRegular:          {RegionCollectionSet, RegionPinned, RegionTrash},
	RegionHumongousStart:   {RegionTrash},
	RegionHumongousCont:    {RegionTrash},
	RegionCollectionSet:    {RegionTrash, RegionRegular},
	RegionPinned:           {RegionRegular},
	RegionTrash:            {RegionEmptyCommitted},
}

// A Region is a fixed-size slab of the heap: the unit of allocation,
// collection, and state. Everything except liveBytes and pins is
// guarded by the heap lock (or a global pause); those two use atomics
// because marker workers and mutators update them concurrently.
type Region struct {
	index       int
	bottom, end Address

	state RegionState

	// top is the allocation frontier. newTop stages the frontier
	// during full-cycle compaction and is published to top at the end
	// of the compact phase.
	top    Address
	newTop Address

	// liveBytes is maintained by the marker (batched atomic adds of
	// per-worker deltas) and read by the heuristics and the evacuator.
	liveBytes atomic.Int64

	// pins counts objects the mutator has pinned in this region. A
	// nonzero count blocks eviction and relocation.
	pins atomic.Int32

	// humongousStart links a continuation back to the start of its
	// run; -1 everywhere else.
	humongousStart int

	// fwd is the out-of-band forwarding table: one slot per granule,
	// nil except while this region's objects may be relocated. Slot
	// zero value means "self-forwarded", i.e. not yet moved.
	fwd []atomic.Uintptr

	// updateRefsDone marks this region as fully processed by the
	// current reference-update pass, so an interrupted pass can resume
	// without redoing completed regions.
	updateRefsDone atomic.Bool
}

// setState performs a checked state transition. Callers hold the heap
// lock or are inside a global pause.
func (r *Region) setState(to RegionState) {
	if r.state == to {
		return
	}
	for _, s := range regionTransitions[r.state] {
		if s == to {
			r.state = to
			return
		}
	}
	throw("invalid region state transition " + r.state.String() + " -> " + to.String())
}

// canTransition reports whether the edge is in the table without
// performing it.
func (r *Region) canTransition(to RegionState) bool {
	if r.state == to {
		return true
	}
	for _, s := range regionTransitions[r.state] {
		if s == to {
			return true
		}
	}
	return false
}

func (r *Region) size() uintptr {
	return uintptr(r.end - r.bottom)
}

// usedBytes is the allocated portion of the region. Retirement may
// push top to end, charging the unusable remainder as used.
func (r *Region) usedBytes() uintptr {
	return uintptr(r.top - r.bottom)
}

func (r *Region) freeBytes() uintptr {
	return uintptr(r.end - r.top)
}

// garbageBytes is the collection-set selection metric: allocated space
// not covered by live data.
func (r *Region) garbageBytes() int64 {
	g := int64(r.usedBytes()) - r.liveBytes.Load()
	if g < 0 {
		// liveBytes can transiently exceed used while new-object
		// marking races the frontier read; clamp rather than trust it.
		g = 0
	}
	return g
}

func (r *Region) isPinned() bool {
	return r.pins.Load() > 0 || r.state == RegionPinned
}

// allocate bumps the frontier. Heap lock held. Returns 0 when the
// request does not fit; the region is never left partially charged.
func (r *Region) allocate(size uintptr) Address {
	size = alignUp(size)
	if r.freeBytes() < size {
		return 0
	}
	addr := r.top
	r.top += Address(size)
	return addr
}

// granuleIndex maps a heap address inside this region to its
// granule-numbered slot, shared by the mark bitmap and the forwarding
// table.
func (r *Region) granuleIndex(addr Address) int {
	if addr < r.bottom || addr >= r.end {
		throw("address outside region")
	}
	return int(addr-r.bottom) / heapGranule
}

// prepareForwarding installs an empty forwarding table. Called under
// the heap lock or in a pause when the region becomes a relocation
// source.
func (r *Region) prepareForwarding() {
	if r.fwd == nil {
		r.fwd = make([]atomic.Uintptr, r.size()/heapGranule)
	}
}

func (r *Region) dropForwarding() {
	r.fwd = nil
}

// forwardee resolves addr through the forwarding table. An address in
// a region with no table, or with a zero slot, forwards to itself.
func (r *Region) forwardee(addr Address) Address {
	if r.fwd == nil {
		return addr
	}
	if to := r.fwd[r.granuleIndex(addr)].Load(); to != 0 {
		return Address(to)
	}
	return addr
}

// installForwardee publishes to as the relocation target of addr. The
// first CAS wins; every caller gets back the winning target, so racing
// evacuators converge on a single copy.
func (r *Region) installForwardee(addr, to Address) Address {
	slot := &r.fwd[r.granuleIndex(addr)]
	if slot.CompareAndSwap(0, uintptr(to)) {
		return to
	}
	return Address(slot.Load())
}

// isForwarded reports whether addr already has a relocation target.
func (r *Region) isForwarded(addr Address) bool {
	return r.fwd != nil && r.fwd[r.granuleIndex(addr)].Load() != 0
}

// recycle turns a trash region back into an empty one. Heap lock held.
func (r *Region) recycle() {
	if r.state != RegionTrash {
		throw("recycling a region that is not trash")
	}
	r.setState(RegionEmptyCommitted)
	r.top = r.bottom
	r.newTop = r.bottom
	r.liveBytes.Store(0)
	r.humongousStart = -1
	r.dropForwarding()
}
