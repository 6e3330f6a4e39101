package regiongc

// Full collection: the complete stop-the-world mark → compute-target →
// adjust-pointers → compact sequence. No concurrency, no dependence on
// prior cycle state, and it always makes forward progress, which is
// why every escalation path terminates here. Pinned regions are
// compacted around (their objects never move); live humongous runs
// stay in place; everything else slides toward low addresses.

type fullGC struct {
	heap *Heap
}

// run executes a full collection inside an already-stopped world and
// returns the number of bytes reclaimed.
func (f *fullGC) run() int64 {
	h := f.heap
	usedBefore := h.used.Load()

	f.prepare()
	f.markAll()
	f.reclaimDeadHumongous()
	f.computeTargets()
	f.adjustPointers()
	f.compact()
	f.finish()

	reclaimed := usedBefore - h.used.Load()
	if reclaimed < 0 {
		reclaimed = 0
	}
	return reclaimed
}

// prepare quiets whatever the interrupted cycle left behind: barriers
// go off, pending SATB entries are dropped (the full mark starts from
// scratch), and liveness gets a clean slate. Forwarding installed by an
// interrupted evacuation is deliberately kept: markAll resolves through
// it to reunify a half-moved object graph.
func (f *fullGC) prepare() {
	h := f.heap
	h.marking.Store(false)
	h.evacuating.Store(false)
	h.satb.discardAll(h)
	h.marker.work.discard()
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.state == RegionTrash {
			h.recycleTrash(r)
		}
		r.liveBytes.Store(0)
		r.newTop = r.bottom
	}
	h.marks.next.reset()
}

// markAll runs the shared mark loop in its stop-the-world shape.
// Reference slots are rewritten through any forwarding the interrupted
// cycle managed to install, so the heap is self-consistent before the
// old forwarding is dropped and replaced by compaction targets.
func (f *fullGC) markAll() {
	h := f.heap
	cfg := markConfig{cancellable: false, drainSATB: false, countLive: true, updateRefs: true}
	h.marker.scanRoots(cfg)
	if !h.marker.run(cfg) {
		throw("stop-the-world mark reported cancellation")
	}
	h.marks.swap()
	// Every surviving reference now points at its final (pre-compaction)
	// copy, so the interrupted cycle's relocation state can go: the
	// collection set reverts in place and all forwarding is dropped to
	// make room for compaction targets.
	if !h.cset.isEmpty() {
		h.cset.abort()
	}
	for i := 0; i < h.regions.count(); i++ {
		h.regions.at(i).dropForwarding()
	}
}

// reclaimDeadHumongous trashes every humongous run whose object did
// not survive marking. Live runs are immovable and stay.
func (f *fullGC) reclaimDeadHumongous() {
	h := f.heap
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.state != RegionHumongousStart {
			continue
		}
		if h.marks.complete.isMarked(r.bottom) {
			continue
		}
		for j := i; j < h.regions.count(); j++ {
			rr := h.regions.at(j)
			if j > i && rr.state != RegionHumongousCont {
				break
			}
			h.used.Add(-int64(rr.size()))
			rr.setState(RegionTrash)
			h.recycleTrash(rr)
		}
	}
}

// compactTargets enumerates the regions compacted objects may land in,
// in ascending address order: anything not pinned and not part of a
// live humongous run. Sources are enumerated in the same order, which
// keeps every target address at or below its source so the moves in
// compact can run front to back.
func (f *fullGC) compactTargets() []*Region {
	h := f.heap
	var targets []*Region
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.isPinned() || r.state.isHumongous() {
			continue
		}
		targets = append(targets, r)
	}
	return targets
}

// computeTargets assigns every live object its post-compaction address
// through the forwarding tables, and stages each target region's new
// frontier in newTop.
func (f *fullGC) computeTargets() {
	h := f.heap
	targets := f.compactTargets()
	if len(targets) == 0 {
		return
	}
	ti := 0
	dst := targets[0]
	dst.prepareForwarding()

	place := func(size uintptr) Address {
		for uintptr(dst.end-dst.newTop) < size {
			ti++
			if ti >= len(targets) {
				throw("compaction ran out of target space")
			}
			dst = targets[ti]
			dst.prepareForwarding()
		}
		addr := dst.newTop
		dst.newTop += Address(alignUp(size))
		return addr
	}

	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.isPinned() || r.state.isHumongous() || r.top == r.bottom {
			continue
		}
		r.prepareForwarding()
		h.marks.complete.forEachMarked(r.bottom, r.top, func(addr Address) {
			size := h.model.SizeOf(addr)
			to := place(size)
			if to != addr {
				r.fwd[r.granuleIndex(addr)].Store(uintptr(to))
			}
		})
	}
}

// adjustPointers rewrites every reference in roots and live objects to
// the compaction target of its referent. This happens before anything
// moves, while the mark bitmap still describes the old addresses.
func (f *fullGC) adjustPointers() {
	h := f.heap
	h.mutator.VisitRoots(func(slot *Address) {
		if *slot >= heapBase {
			*slot = h.resolve(*slot)
		}
	})
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.state == RegionHumongousCont || r.top == r.bottom {
			continue
		}
		h.marks.complete.forEachMarked(r.bottom, r.top, func(addr Address) {
			h.model.UpdateObject(addr, h.resolveRef)
		})
	}
}

// compact slides every live object to its target. Targets never exceed
// sources, so a front-to-back walk with overlapping copies is safe.
func (f *fullGC) compact() {
	h := f.heap
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.isPinned() || r.state.isHumongous() || r.top == r.bottom || r.fwd == nil {
			continue
		}
		h.marks.complete.forEachMarked(r.bottom, r.top, func(addr Address) {
			to := r.forwardee(addr)
			if to != addr {
				h.copyBytes(to, addr, h.model.SizeOf(addr))
			}
		})
	}
}

// finish rebuilds region accounting and the free set around the
// compacted heap and retires the stale mark bitmaps, whose bits
// describe pre-move addresses.
func (f *fullGC) finish() {
	h := f.heap
	var used int64
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		switch {
		case r.isPinned():
			// Objects stayed put; liveness from the mark is accurate.
			used += int64(r.usedBytes())
		case r.state.isHumongous():
			used += int64(r.size())
		default:
			r.top = r.newTop
			if r.top == r.bottom {
				if r.state == RegionRegular {
					r.setState(RegionTrash)
					h.recycleTrash(r)
				}
				r.liveBytes.Store(0)
			} else {
				if r.state == RegionEmptyUncommitted {
					h.commitRegion(r)
				}
				if r.state.isEmpty() {
					r.setState(RegionRegular)
				}
				r.liveBytes.Store(int64(r.usedBytes()))
				used += int64(r.usedBytes())
			}
		}
		r.newTop = r.bottom
		r.dropForwarding()
	}
	h.used.Store(used)
	h.marks.next.reset()
	h.marks.complete.reset()
	h.free.rebuild()
}
