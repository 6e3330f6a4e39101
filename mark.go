package regiongc

import (
	"runtime"
	"sync/atomic"
)

// Parallel liveness tracer. Roots are scanned inside the init-mark
// pause; the concurrent part is a pool of workers draining grey
// objects and the SATB queue until a termination check finds every
// queue simultaneously empty. The marker records reachability and
// liveness only; it never changes object identity.

// markConfig selects the mark-loop variant at runtime. One loop with a
// flags struct replaces a family of specialized loops: the degenerate
// and full fallbacks run the same code with cancellation off, and a
// cycle that inherited a deferred reference-update folds the rewrite
// into its scan.
type markConfig struct {
	// cancellable makes workers poll the heap's cancellation flag at
	// bounded intervals and bail out early.
	cancellable bool
	// drainSATB includes the pre-write-barrier log in the drain and in
	// termination detection.
	drainSATB bool
	// countLive accumulates per-region live bytes.
	countLive bool
	// updateRefs rewrites each scanned object's outgoing references to
	// their forwarded targets while tracing.
	updateRefs bool
}

// markPollInterval is how many objects a worker scans between
// cancellation polls, bounding excess work after a cancel request.
const markPollInterval = 64

type marker struct {
	heap *Heap
	work markWork

	// busy counts workers that may still produce work; termination is
	// declared when it hits zero while the shared queues are empty.
	busy atomic.Int32

	// aborted is set by the first worker that observes a cancellation
	// request.
	aborted atomic.Bool
}

func newMarker(h *Heap) *marker {
	return &marker{heap: h}
}

// scanRoots greys every root-reachable object. Runs inside a pause; the
// buffers land on the global full list for the workers to pick up.
func (m *marker) scanRoots(cfg markConfig) {
	var gw gcWork
	gw.init(&m.work, m.heap.regions.count())
	m.heap.mutator.VisitRoots(func(slot *Address) {
		ref := *slot
		if ref < heapBase {
			return
		}
		to := m.heap.resolve(ref)
		if cfg.updateRefs && to != ref {
			*slot = to
		}
		m.markObject(&gw, to, cfg)
	})
	gw.dispose(m.heap)
}

// run drains the object graph with the shared worker pool and reports
// whether marking completed (false means it was cancelled).
func (m *marker) run(cfg markConfig) bool {
	m.busy.Store(int32(m.heap.cfg.Workers))
	m.aborted.Store(false)
	m.heap.workers.run(func(id int) {
		m.drainWorker(cfg)
	})
	return !m.aborted.Load()
}

// drainWorker is one worker's mark loop: drain local buffers, then the
// global list, then the SATB log, then offer termination and steal its
// way back in if anything reappears.
func (m *marker) drainWorker(cfg markConfig) {
	var gw gcWork
	gw.init(&m.work, m.heap.regions.count())
	defer gw.dispose(m.heap)

	sincePoll := 0
	for {
		obj := gw.tryGetFast()
		if obj == 0 {
			obj = gw.tryGet()
		}
		if obj == 0 && cfg.drainSATB && m.drainSATBChunk(&gw, cfg) {
			continue
		}
		if obj == 0 {
			if m.offerTermination(cfg) {
				return
			}
			continue
		}

		m.scanObject(&gw, obj, cfg)

		sincePoll++
		if sincePoll >= markPollInterval {
			sincePoll = 0
			gw.flushLive(m.heap)
			if m.work.full.isEmpty() {
				// Peers may be spinning in termination while this worker
				// holds a deep chain; publish some of it.
				gw.balance()
			}
			if cfg.cancellable && m.heap.cancelRequested() {
				m.aborted.Store(true)
				return
			}
			if m.aborted.Load() {
				return
			}
		}
	}
}

// drainSATBChunk greys one chunk of the pre-write-barrier log. SATB
// entries are references that existed when the cycle started; marking
// them keeps the snapshot correct no matter what the mutator
// overwrote.
func (m *marker) drainSATBChunk(gw *gcWork, cfg markConfig) bool {
	chunk := m.heap.satb.tryDrain(m.heap)
	if chunk == nil {
		return false
	}
	for _, ref := range chunk {
		if ref >= heapBase {
			m.markObject(gw, m.heap.resolve(ref), cfg)
		}
	}
	return true
}

// offerTermination takes this worker out of the busy count and spins
// until either real termination (all workers idle, all shared queues
// empty) or new work shows up on the shared lists.
func (m *marker) offerTermination(cfg markConfig) bool {
	m.busy.Add(-1)
	for {
		if m.aborted.Load() {
			return true
		}
		if !m.work.full.isEmpty() || (cfg.drainSATB && !m.heap.satb.isEmpty(m.heap)) {
			m.busy.Add(1)
			return false
		}
		if m.busy.Load() == 0 {
			return true
		}
		runtime.Gosched()
	}
}

// markObject greys obj if it was not marked yet. The first marker
// accounts its live bytes against the owning region.
func (m *marker) markObject(gw *gcWork, obj Address, cfg markConfig) {
	if !m.heap.marks.next.markIfUnmarked(obj) {
		return
	}
	if cfg.countLive {
		r := m.heap.regionForAddr(obj)
		size := m.heap.model.SizeOf(obj)
		if r.state == RegionHumongousStart {
			// A humongous object spans a whole region run; spread its
			// bytes so per-region accounting stays within region size.
			for i := r.index; size > 0; i++ {
				rr := m.heap.regions.at(i)
				chunk := rr.usedBytes()
				if chunk > size {
					chunk = size
				}
				gw.noteLive(i, chunk)
				size -= chunk
			}
		} else {
			gw.noteLive(r.index, size)
		}
	}
	gw.put(obj)
}

// scanObject blackens obj: visit every outgoing reference, greying the
// targets, optionally rewriting each slot to its forwarded target on
// the way.
func (m *marker) scanObject(gw *gcWork, obj Address, cfg markConfig) {
	if cfg.updateRefs {
		m.heap.model.UpdateObject(obj, func(ref Address) Address {
			if ref < heapBase {
				return ref
			}
			to := m.heap.resolve(ref)
			m.markObject(gw, to, cfg)
			return to
		})
		return
	}
	m.heap.model.ScanObject(obj, func(ref Address) {
		if ref >= heapBase {
			m.markObject(gw, m.heap.resolve(ref), cfg)
		}
	})
}
