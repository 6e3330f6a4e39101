// Package regiongc implements a concurrent, region-based, evacuating
// garbage collector for a managed-memory runtime.
//
// The heap is divided into fixed-size regions, the unit of allocation,
// collection, and state. A normal cycle runs mostly concurrently with
// the mutator:
//
//  1. A brief global pause initializes marking and scans roots.
//
//  2. Concurrent marking traces the object graph in parallel while
//     mutators keep running; a snapshot-at-the-beginning barrier logs
//     overwritten references so the trace stays complete, and new
//     objects are allocated marked.
//
//  3. A second brief pause finalizes marking, selects the collection
//     set (the regions with the most garbage), rebuilds the free set
//     around it, and relocates root-referenced objects.
//
//  4. Concurrent evacuation copies the remaining live objects out of
//     the collection set, installing forwarding pointers with a CAS
//     so racing copiers converge on one winner; mutators resolve
//     through a read barrier meanwhile.
//
//  5. A concurrent reference-update pass rewrites stale references,
//     after which the collection set is reclaimed wholesale.
//
// Cancellation is cooperative and polled at bounded intervals. A
// cancelled cycle degenerates: the remainder re-runs synchronously
// under one pause from the phase where it stopped. A degenerate cycle
// that is itself cancelled, or that reclaims too little to matter,
// escalates to a full stop-the-world mark-compact, which always makes
// progress. Evacuation running out of target space escalates straight
// to full, since a half-moved object graph cannot be resumed
// concurrently.
//
// The collector does not know the mutator's object layout. An injected
// ObjectModel sizes objects and walks their reference slots, and a
// MutatorSupport collaborator provides pauses and root enumeration.
// Objects are named by Address, an offset into the heap's backing
// store.
package regiongc

import (
	"sync"
	"sync/atomic"
)

// ObjectModel is the collector's window into object layout, supplied
// by the managed runtime. Addresses handed to it always point at
// object starts. Implementations must be safe for concurrent calls.
type ObjectModel interface {
	// SizeOf returns the object's total size in bytes.
	SizeOf(addr Address) uintptr

	// ScanObject calls visit for every outgoing reference the object
	// holds, nil references included (the collector filters).
	ScanObject(addr Address, visit func(ref Address))

	// UpdateObject rewrites every reference slot to update(old). The
	// concurrent reference-update pass calls it while mutators run, so
	// implementations must publish each rewrite atomically against
	// racing stores: compare-and-swap the slot from the value passed to
	// update and leave the slot alone when the swap fails. A store that
	// wins such a race is already a to-space reference (mutator loads
	// resolve through ReadBarrier while relocation is in flight), so the
	// losing rewrite must not be retried.
	UpdateObject(addr Address, update func(ref Address) Address)

	// FillDead formats [addr, addr+size) as one dead, reference-free
	// object. The collector calls it on retired buffer tails to keep
	// regions parsable for the bump-sequential walks; size is always
	// granule aligned.
	FillDead(addr Address, size uintptr)
}

// MutatorSupport is the thread-control seam: global pauses and root
// enumeration are the runtime's job, not the collector's.
type MutatorSupport interface {
	// StopTheWorld suspends every mutator thread at a safepoint. A
	// thread blocked inside a collector call (a stalled Allocate, for
	// example) counts as suspended.
	StopTheWorld(reason string)
	// StartTheWorld resumes them.
	StartTheWorld()
	// VisitRoots calls visit with every root slot. Only invoked while
	// the world is stopped.
	VisitRoots(visit func(slot *Address))
}

// AllocKind tells the allocator who is asking and how the space will
// be used, which picks the free-set pool and the address-space bias.
type AllocKind int

const (
	// AllocMutatorBatch is a thread-local allocation buffer refill.
	AllocMutatorBatch AllocKind = iota
	// AllocShared is an ordinary shared mutator allocation.
	AllocShared
	// AllocGCBatch is a collector-local buffer refill (evacuation).
	AllocGCBatch
	// AllocGCShared is a shared collector allocation.
	AllocGCShared
)

func (k AllocKind) pool() freePool {
	if k == AllocGCBatch || k == AllocGCShared {
		return poolCollector
	}
	return poolMutator
}

// Heap is the collector context: every component hangs off it and it
// owns the single heap lock that linearizes topology changes. Create
// one with New at startup; there is no global instance.
type Heap struct {
	cfg Config

	// mem backs the managed heap. Addresses are heapBase-biased
	// offsets into it.
	mem []byte

	// lock is the heap lock: region states, the free set, and the
	// directory topology change only under it or inside a pause.
	lock sync.Mutex

	regions    *regionDirectory
	free       *freeSet
	cset       *CollectionSet
	marks      *markState
	heuristics Heuristics
	marker     *marker
	pacer      *pacer
	workers    *workerPool

	model   ObjectModel
	mutator MutatorSupport

	// Barrier phases, read on mutator fast paths.
	marking    atomic.Bool // SATB barrier active
	evacuating atomic.Bool // read barrier must resolve forwarding

	satbLock sync.Mutex
	satb     satbQueue

	// Aggregate byte counters (see Stats).
	used          atomic.Int64
	committed     atomic.Int64
	allocatedWave atomic.Int64 // allocation since last cycle, for heuristics

	stats heapStats

	// Control loop state lives in gc.go.
	control controlState
}

// New builds a heap from cfg. A nil heuristics selects the adaptive
// policy. The control loop is not running yet; call Start.
func New(cfg Config, model ObjectModel, mutator MutatorSupport, heuristics Heuristics) (*Heap, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if model == nil || mutator == nil {
		throw("object model and mutator support are required")
	}
	h := &Heap{
		cfg:     cfg,
		mem:     make([]byte, cfg.RegionSize*uintptr(cfg.NumRegions)),
		model:   model,
		mutator: mutator,
	}
	h.regions = newRegionDirectory(cfg.NumRegions, cfg.RegionSize)
	h.free = newFreeSet(h)
	h.cset = newCollectionSet(cfg.NumRegions)
	h.marks = newMarkState(heapBase, cfg.RegionSize*uintptr(cfg.NumRegions))
	if heuristics == nil {
		heuristics = newAdaptiveHeuristics(&cfg)
	}
	h.heuristics = heuristics
	h.marker = newMarker(h)
	h.pacer = newPacer(h)
	h.workers = newWorkerPool(cfg.Workers)
	h.initControl()

	h.lock.Lock()
	h.free.rebuild()
	h.lock.Unlock()
	h.pacer.setup(phaseIdle)
	return h, nil
}

// Capacity is the total heap size in bytes.
func (h *Heap) Capacity() int64 {
	return int64(h.cfg.RegionSize) * int64(h.cfg.NumRegions)
}

// regionForAddr maps a heap address to its region.
func (h *Heap) regionForAddr(addr Address) *Region {
	i := uintptr(addr-heapBase) / h.cfg.RegionSize
	if addr < heapBase || int(i) >= h.regions.count() {
		throw("address outside the heap")
	}
	return h.regions.at(int(i))
}

// Bytes exposes the backing store for an object, for the object model
// and the mutator. The collector itself never interprets the contents.
func (h *Heap) Bytes(addr Address, n uintptr) []byte {
	off := uintptr(addr - heapBase)
	return h.mem[off : off+n]
}

func (h *Heap) copyBytes(dst, src Address, n uintptr) {
	copy(h.Bytes(dst, n), h.Bytes(src, n))
}

// commitRegion accounts a region's backing memory as committed. Heap
// lock held (or pause).
func (h *Heap) commitRegion(r *Region) {
	r.setState(RegionEmptyCommitted)
	h.committed.Add(int64(r.size()))
}

// recycleTrash turns one trash region into an empty one and returns
// its charge to the used counter's past accounting (the subtraction
// happened when the region was trashed). Heap lock held (or pause).
func (h *Heap) recycleTrash(r *Region) {
	r.recycle()
}

// resolve follows the forwarding pointer for addr, if any. This is the
// read-barrier slow half; ReadBarrier gates it on the evacuation
// phase.
func (h *Heap) resolve(addr Address) Address {
	return h.regionForAddr(addr).forwardee(addr)
}

// resolveRef is resolve shaped for ObjectModel.UpdateObject.
func (h *Heap) resolveRef(ref Address) Address {
	if ref < heapBase {
		return ref
	}
	return h.resolve(ref)
}

// ReadBarrier returns the current location of the object at addr.
// Mutator-generated code calls this on loads while a relocation cycle
// is in flight; outside one it is a single atomic load and a return.
func (h *Heap) ReadBarrier(addr Address) Address {
	if addr < heapBase || !h.evacuating.Load() {
		return addr
	}
	return h.resolve(addr)
}

// RegisterMutator hands a mutator thread its SATB buffer. The thread
// must call Record on it from its pre-write hook and return it with
// UnregisterMutator when the thread exits.
func (h *Heap) RegisterMutator() *SATBBuffer {
	b := &SATBBuffer{heap: h}
	h.satbLock.Lock()
	h.satb.buffers = append(h.satb.buffers, b)
	h.satbLock.Unlock()
	return b
}

func (h *Heap) UnregisterMutator(b *SATBBuffer) {
	h.satb.flush(b)
	h.satbLock.Lock()
	for i, x := range h.satb.buffers {
		if x == b {
			h.satb.buffers = append(h.satb.buffers[:i], h.satb.buffers[i+1:]...)
			break
		}
	}
	h.satbLock.Unlock()
}

// humongousRegionCount returns how many regions an allocation of size
// needs, or 0 if it fits a regular region.
func (h *Heap) humongousRegionCount(size uintptr) int {
	threshold := h.cfg.RegionSize * uintptr(h.cfg.HumongousThresholdPercent) / 100
	if size < threshold {
		return 0
	}
	return int((alignUp(size) + h.cfg.RegionSize - 1) / h.cfg.RegionSize)
}

// Allocate carves size bytes out of the heap on behalf of the mutator
// or the collector. It returns 0 only when the heap cannot supply the
// space even after a rescue collection; mutator callers that can stop
// should treat that as out-of-memory. The caller must make the new
// object parsable (its size readable through the ObjectModel) before
// the thread reaches another safepoint.
func (h *Heap) Allocate(size uintptr, kind AllocKind) Address {
	if size == 0 {
		return 0
	}
	size = alignUp(size)
	if kind.pool() == poolMutator {
		h.pacer.claim(int64(size))
	}

	addr := h.allocateOnce(size, kind)
	if addr == 0 && kind.pool() == poolMutator {
		// No capacity: block on a rescue cycle and retry. One retry
		// after a full collection is enough to know the truth.
		h.NotifyAllocationFailure(size)
		addr = h.allocateOnce(size, kind)
	}
	return addr
}

// allocateOnce is a single trip through the free set.
func (h *Heap) allocateOnce(size uintptr, kind AllocKind) Address {
	h.lock.Lock()
	var addr Address
	var charged int64
	if n := h.humongousRegionCount(size); n > 0 {
		if kind.pool() != poolMutator {
			throw("collector-side humongous allocation")
		}
		addr = h.free.allocateContiguous(n, size)
		charged = int64(n) * int64(h.cfg.RegionSize)
	} else {
		addr = h.free.allocate(size, kind.pool())
		charged = int64(size)
	}
	h.lock.Unlock()
	if addr == 0 {
		return 0
	}

	h.used.Add(charged)
	h.allocatedWave.Add(charged)
	if h.marking.Load() {
		// Objects born during marking are implicitly live this cycle.
		h.marks.next.markIfUnmarked(addr)
		h.noteLiveSpan(addr, size)
	}
	h.maybeTrigger()
	return addr
}

// noteLiveSpan credits size live bytes starting at addr, spreading a
// humongous object over its whole run so no region is credited past
// its frontier.
func (h *Heap) noteLiveSpan(addr Address, size uintptr) {
	start := h.regionForAddr(addr)
	remaining := int64(size)
	for i := start.index; remaining > 0 && i < h.regions.count(); i++ {
		r := h.regions.at(i)
		chunk := int64(r.usedBytes())
		if chunk > remaining {
			chunk = remaining
		}
		r.liveBytes.Add(chunk)
		remaining -= chunk
	}
}

// Pin prevents the object's region from being evicted or relocated
// until Unpin. Pinning is region-granular: the region leaves Regular
// for Pinned while any pin is held. Pin does not stop a relocation
// already in flight: while evacuation runs, callers reach the object
// through ReadBarrier and so pin its current copy, barring only future
// cycles from moving it.
func (h *Heap) Pin(addr Address) {
	r := h.regionForAddr(addr)
	h.lock.Lock()
	if r.pins.Add(1) == 1 && r.state == RegionRegular {
		// A pinned region stops serving allocation too; it may still be
		// a free-set member if partially filled.
		h.free.remove(r)
		r.setState(RegionPinned)
	}
	h.lock.Unlock()
}

func (h *Heap) Unpin(addr Address) {
	r := h.regionForAddr(addr)
	h.lock.Lock()
	n := r.pins.Add(-1)
	if n < 0 {
		throw("unpin without a matching pin")
	}
	if n == 0 && r.state == RegionPinned {
		r.setState(RegionRegular)
		if r.freeBytes() >= heapGranule {
			h.free.add(r, poolMutator)
		}
	}
	h.lock.Unlock()
}

// verifyHeap runs the consistency checks behind Config.Verify. Called
// at pause boundaries; any failure is fatal.
func (h *Heap) verifyHeap() {
	if !h.cfg.Verify {
		return
	}
	var used int64
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.liveBytes.Load() > int64(r.usedBytes()) && !r.state.isEmpty() {
			throw("region live bytes exceed used bytes")
		}
		if h.free.mutator.test(i) && h.free.collector.test(i) {
			throw("region in both free-set partitions")
		}
		if h.free.contains(i) && h.cset.contains(i) {
			throw("region in the free set and the collection set")
		}
		switch {
		case r.state.isHumongous():
			used += int64(r.size())
		case r.state == RegionRegular || r.state == RegionPinned || r.state == RegionCollectionSet:
			used += int64(r.usedBytes())
		}
	}
	// Every byte inside a charged region's frontier was charged exactly
	// once, so the aggregate counter and the frontiers must agree.
	if used != h.used.Load() {
		throw("heap used counter does not match region frontiers")
	}
}
