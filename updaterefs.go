package regiongc

import "sync/atomic"

// Reference updater: the second parallel pass, rewriting every stale
// reference left after evacuation to its forwarded target. The pass is
// idempotent — forwarding resolution of an already-updated slot is a
// no-op — and restartable: regions are claimed through the directory
// cursor and flag themselves done, so a resumed pass only reprocesses
// the regions a cancelled worker abandoned mid-flight.

const updateRefsPollInterval = 8 // regions between cancellation polls

type refUpdater struct {
	heap *Heap

	cancelledFlag atomic.Bool
}

func newRefUpdater(h *Heap) *refUpdater {
	return &refUpdater{heap: h}
}

// prepare resets the per-region done flags and the claim cursor for a
// fresh pass. Not called when resuming after a cancellation.
func (u *refUpdater) prepare() {
	for i := 0; i < u.heap.regions.count(); i++ {
		u.heap.regions.at(i).updateRefsDone.Store(false)
	}
	u.heap.regions.resetClaim()
}

// run walks every region that can hold stale references. Returns false
// if cancelled; run again (without prepare) to resume.
func (u *refUpdater) run(concurrent bool) bool {
	u.cancelledFlag.Store(false)
	if !concurrent {
		// A resumed pass needs the cursor rewound so abandoned regions
		// are claimed again; completed ones are skipped by their flag.
		u.heap.regions.resetClaim()
	}
	u.heap.workers.run(func(id int) {
		u.updateWorker(concurrent)
	})
	return !u.cancelledFlag.Load()
}

func (u *refUpdater) updateWorker(concurrent bool) {
	sincePoll := 0
	for {
		r := u.heap.regions.claimNext()
		if r == nil {
			return
		}
		if u.shouldVisit(r) && !r.updateRefsDone.Load() {
			u.updateRegion(r)
			r.updateRefsDone.Store(true)
		}
		sincePoll++
		if sincePoll >= updateRefsPollInterval {
			sincePoll = 0
			if concurrent && u.heap.cancelRequested() {
				u.cancelledFlag.Store(true)
				return
			}
		}
	}
}

// shouldVisit filters to regions that contain reference fields to fix:
// everything occupied except collection-set sources (their objects are
// forwarded, not fixed) and humongous continuations (their start
// region covers the whole object).
func (u *refUpdater) shouldVisit(r *Region) bool {
	switch r.state {
	case RegionRegular, RegionPinned, RegionHumongousStart:
		return r.top > r.bottom
	}
	return false
}

// updateRegion rewrites the outgoing references of every object in the
// region. Regular regions are bump-allocated, so the objects sit
// contiguously between bottom and top.
func (u *refUpdater) updateRegion(r *Region) {
	h := u.heap
	if r.state == RegionHumongousStart {
		h.model.UpdateObject(r.bottom, h.resolveRef)
		return
	}
	for addr := r.bottom; addr < r.top; {
		size := h.model.SizeOf(addr)
		h.model.UpdateObject(addr, h.resolveRef)
		addr += Address(alignUp(size))
	}
}
