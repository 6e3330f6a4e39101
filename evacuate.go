package regiongc

import "sync/atomic"

// Evacuator: copies live objects out of collection-set regions into
// collector-pool targets and publishes the move through the forwarding
// table. Copy first, install second: any number of workers (or
// mutators hitting the same object) may race, the first forwarding CAS
// wins, and losers abandon their private copy. The abandoned space is
// bounded transient fragmentation inside a collector region, not a
// leak the cycle has to fix.

// gclabRefill is the chunk size a worker's local allocation buffer
// grabs from the collector pool in one heap-lock acquisition.
const gclabRefill = 32 << 10

// evacPollInterval bounds the objects copied between cancellation
// polls.
const evacPollInterval = 32

// A gclab is a worker-local bump buffer over collector-pool space, the
// evacuation analog of a thread-local allocation buffer.
type gclab struct {
	top, end Address
}

func (l *gclab) allocate(size uintptr) Address {
	size = alignUp(size)
	if uintptr(l.end-l.top) < size {
		return 0
	}
	addr := l.top
	l.top += Address(size)
	return addr
}

// undo gives back the most recent allocation if it is still the top of
// the buffer; otherwise the space is simply wasted.
func (l *gclab) undo(addr Address, size uintptr) {
	if l.top == addr+Address(alignUp(size)) {
		l.top = addr
	}
}

// retire formats the unused tail as a dead object so the owning region
// stays parsable, then drops the buffer.
func (l *gclab) retire(h *Heap) {
	if l.top != 0 && l.end > l.top {
		h.model.FillDead(l.top, uintptr(l.end-l.top))
	}
	l.top, l.end = 0, 0
}

// refill retires the current buffer and replaces it with a fresh chunk
// from the collector pool. Returns false when the pool is exhausted,
// which ends the cycle's ability to relocate anything.
func (l *gclab) refill(h *Heap, minSize uintptr) bool {
	l.retire(h)
	size := uintptr(gclabRefill)
	if size > h.cfg.RegionSize {
		size = h.cfg.RegionSize
	}
	if minSize > size {
		size = alignUp(minSize)
	}
	h.lock.Lock()
	addr := h.free.allocate(size, poolCollector)
	h.lock.Unlock()
	if addr == 0 {
		return false
	}
	// The target region's frontier moved by the whole chunk, so the whole
	// chunk is charged now; the tail the buffer never hands out stays
	// charged as dead filler once it retires.
	h.used.Add(int64(size))
	l.top = addr
	l.end = addr + Address(size)
	return true
}

type evacResult int

const (
	evacDone evacResult = iota
	evacCancelled
	evacOOM
)

type evacuator struct {
	heap *Heap

	cancelledFlag atomic.Bool
	oomFlag       atomic.Bool
}

func newEvacuator(h *Heap) *evacuator {
	return &evacuator{heap: h}
}

// run drains the collection set with the worker pool. concurrent
// selects whether cancellation is honored; the degenerate resume runs
// the same code with it off. Safe to re-run after a cancellation:
// already-forwarded objects are skipped, so the pass is idempotent.
func (e *evacuator) run(concurrent bool) evacResult {
	e.cancelledFlag.Store(false)
	e.oomFlag.Store(false)
	e.heap.workers.run(func(id int) {
		e.evacWorker(concurrent)
	})
	switch {
	case e.oomFlag.Load():
		return evacOOM
	case e.cancelledFlag.Load():
		return evacCancelled
	}
	return evacDone
}

func (e *evacuator) evacWorker(concurrent bool) {
	var lab gclab
	defer lab.retire(e.heap)
	for {
		r := e.heap.cset.claimNext()
		if r == nil {
			return
		}
		if !e.evacuateRegion(r, &lab, concurrent) {
			return
		}
	}
}

// evacuateRegion copies every live object of one collection-set region.
// Liveness comes from the completed mark bitmap; the region's own
// frontier bounds the scan.
func (e *evacuator) evacuateRegion(r *Region, lab *gclab, concurrent bool) bool {
	ok := true
	sincePoll := 0
	e.heap.marks.complete.forEachMarked(r.bottom, r.top, func(addr Address) {
		if !ok {
			return
		}
		if e.evacuateObject(addr, r, lab) == 0 {
			e.oomFlag.Store(true)
			ok = false
			return
		}
		sincePoll++
		if sincePoll >= evacPollInterval {
			sincePoll = 0
			if concurrent && e.heap.cancelRequested() {
				e.cancelledFlag.Store(true)
				ok = false
			}
		}
	})
	return ok
}

// evacuateObject relocates one object and returns its to-space
// address, or the already-installed target if someone else won. A zero
// return means the collector pool could not supply target space, which
// unconditionally escalates the cycle to a full collection: a half
// evacuated graph cannot be resumed concurrently.
func (e *evacuator) evacuateObject(addr Address, r *Region, lab *gclab) Address {
	if to := r.forwardee(addr); to != addr {
		return to
	}
	size := e.heap.model.SizeOf(addr)
	copyAddr := lab.allocate(size)
	if copyAddr == 0 {
		if !lab.refill(e.heap, size) {
			return 0
		}
		copyAddr = lab.allocate(size)
		if copyAddr == 0 {
			throw("fresh gclab cannot fit object")
		}
	}
	e.heap.copyBytes(copyAddr, addr, size)
	winner := r.installForwardee(addr, copyAddr)
	if winner != copyAddr {
		// Lost the installation race; the private copy is dead weight
		// until its buffer retires.
		lab.undo(copyAddr, size)
		return winner
	}
	to := e.heap.regionForAddr(copyAddr)
	// The winner accounts the copy's liveness; the heap charge was taken
	// when its buffer chunk was carved at refill.
	to.liveBytes.Add(int64(alignUp(size)))
	e.heap.pacer.deposit(int64(size))
	return copyAddr
}

// evacuateRoots relocates every root-referenced collection-set object
// and rewrites the root slots, inside the pause that starts
// evacuation, so mutators never observe a from-space root.
func (e *evacuator) evacuateRoots() bool {
	var lab gclab
	defer lab.retire(e.heap)
	ok := true
	e.heap.mutator.VisitRoots(func(slot *Address) {
		if !ok {
			return
		}
		ref := *slot
		if ref < heapBase {
			return
		}
		r := e.heap.regionForAddr(ref)
		if r.state != RegionCollectionSet {
			return
		}
		to := e.evacuateObject(ref, r, &lab)
		if to == 0 {
			e.oomFlag.Store(true)
			ok = false
			return
		}
		*slot = to
	})
	return ok
}
