package regiongc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cycle state machine. A dedicated control goroutine owns it: nothing
// else starts or ends cycles, which keeps heuristic state single
// writer and makes every escalation decision sequential. The normal
// path is idle → concurrent mark → evacuation → update-refs → idle; a
// cooperative cancellation flag, polled at every phase boundary and at
// bounded intervals inside phases, diverts into the degenerate resume
// or the full stop-the-world fallback.

type gcPhase int

const (
	phaseIdle gcPhase = iota
	phaseInitMark
	phaseMark
	phaseFinalMark
	phaseEvac
	phaseInitUpdateRefs
	phaseUpdateRefs
	phaseFinalUpdateRefs
	phaseDegenerated
	phaseFull
	numPhases
)

var gcPhaseNames = [numPhases]string{
	phaseIdle:            "idle",
	phaseInitMark:        "init-mark",
	phaseMark:            "concurrent-mark",
	phaseFinalMark:       "final-mark",
	phaseEvac:            "concurrent-evac",
	phaseInitUpdateRefs:  "init-update-refs",
	phaseUpdateRefs:      "concurrent-update-refs",
	phaseFinalUpdateRefs: "final-update-refs",
	phaseDegenerated:     "degenerated",
	phaseFull:            "full",
}

func (p gcPhase) String() string { return gcPhaseNames[p] }

// degenPoint records where a cancelled cycle stopped, so the
// degenerate resume re-executes exactly the remainder.
type degenPoint int

const (
	degenOutsideCycle degenPoint = iota // nothing ran yet; do it all
	degenMark                           // marking was cancelled
	degenEvac                           // evacuation was cancelled
	degenUpdateRefs                     // reference update was cancelled
)

var degenPointNames = [...]string{
	degenOutsideCycle: "outside-cycle",
	degenMark:         "mark",
	degenEvac:         "evac",
	degenUpdateRefs:   "update-refs",
}

func (d degenPoint) String() string { return degenPointNames[d] }

// controlState is the control loop's half of the Heap.
type controlState struct {
	wake chan struct{}
	stop chan struct{}
	done sync.WaitGroup

	started atomic.Bool

	// cycleLock serializes whole cycles: the control goroutine and any
	// thread forced to collect inline (allocation failure before Start)
	// take it around a cycle.
	cycleLock sync.Mutex

	// Pending requests, consumed by decideMode.
	fullPending  atomic.Bool
	concPending  atomic.Bool
	allocPending atomic.Bool

	// cancel is the shared cooperative cancellation flag.
	cancel atomic.Bool

	// pendingUpdateRefs means the previous cycle deferred its
	// reference-update pass into this cycle's marking; the old
	// collection set is still held and still forwarded.
	pendingUpdateRefs bool

	// Cycle-completion generation for blocked allocators.
	genLock sync.Mutex
	genCond *sync.Cond
	gen     uint64

	// phaseHook, when set, observes phase starts. Test seam.
	phaseHook func(gcPhase)
}

func (h *Heap) initControl() {
	c := &h.control
	c.wake = make(chan struct{}, 1)
	c.stop = make(chan struct{})
	c.genCond = sync.NewCond(&c.genLock)
}

// Start launches the control loop. Without it the heap still works,
// but cycles only run when an allocation failure forces one inline or
// a test drives the machine directly.
func (h *Heap) Start() {
	if !h.control.started.CompareAndSwap(false, true) {
		return
	}
	h.control.done.Add(1)
	go h.controlLoop()
}

// Stop shuts down the control loop and the worker pool. The heap is
// unusable afterwards.
func (h *Heap) Stop() {
	if h.control.started.CompareAndSwap(true, false) {
		close(h.control.stop)
		h.control.done.Wait()
	}
	h.workers.shutdown()
	// Release any allocator that raced with the shutdown; its retry
	// will report out-of-memory honestly.
	h.publishCycleEnd()
}

func (h *Heap) controlLoop() {
	defer h.control.done.Done()
	ticker := time.NewTicker(h.cfg.RegulatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.control.stop:
			return
		case <-h.control.wake:
		case <-ticker.C:
		}
		h.runPendingCycle()
	}
}

// runPendingCycle decides what, if anything, to run, and runs it under
// the cycle lock.
func (h *Heap) runPendingCycle() {
	h.control.cycleLock.Lock()
	defer h.control.cycleLock.Unlock()
	switch {
	case h.control.fullPending.Swap(false):
		h.runFullCycle()
	case h.control.allocPending.Swap(false):
		// Allocation failure: run the remainder synchronously from the
		// start; the concurrent machinery already lost the race.
		h.runDegenerateCycle(degenOutsideCycle)
	case h.control.concPending.Swap(false):
		h.runConcurrentCycle()
	case h.heuristics.ShouldStartCycle(h.used.Load(), h.Capacity()):
		h.runConcurrentCycle()
	}
}

func (h *Heap) wakeControl() {
	select {
	case h.control.wake <- struct{}{}:
	default:
	}
}

// maybeTrigger nudges the control loop from the allocation path. Only
// the control goroutine evaluates the heuristic, so this stays a cheap
// signal.
func (h *Heap) maybeTrigger() {
	if h.control.started.Load() {
		h.wakeControl()
	}
}

func (h *Heap) cancelRequested() bool {
	return h.control.cancel.Load()
}

// requestCancel asks the concurrent phases to stop at their next poll.
// Never dropped: whoever sets it also queues the work that resolves it.
func (h *Heap) requestCancel() {
	h.control.cancel.Store(true)
}

func (h *Heap) clearCancel() {
	h.control.cancel.Store(false)
}

// RequestFullCollection queues a full stop-the-world collection and
// blocks until one completes. Explicit requests preempt the heuristic
// trigger.
func (h *Heap) RequestFullCollection(cause string) {
	h.cfg.trace("gc: explicit full collection requested: %s", cause)
	h.stats.explicitFull.Add(1)
	gen := h.cycleGen()
	h.control.fullPending.Store(true)
	h.requestCancel()
	if h.control.started.Load() {
		h.wakeControl()
		h.waitCycle(gen)
		return
	}
	h.control.cycleLock.Lock()
	if h.control.fullPending.Swap(false) {
		h.runFullCycle()
	}
	h.control.cycleLock.Unlock()
}

// RequestConcurrentCollection queues a concurrent cycle if policy
// allows one to run; it does not block.
func (h *Heap) RequestConcurrentCollection(cause string) {
	h.cfg.trace("gc: explicit concurrent collection requested: %s", cause)
	h.stats.explicitConc.Add(1)
	h.control.concPending.Store(true)
	if h.control.started.Load() {
		h.wakeControl()
	}
}

// NotifyAllocationFailure reports that an allocation found no
// capacity. It cancels any concurrent cycle in favor of a synchronous
// rescue and blocks the caller until that rescue completes.
func (h *Heap) NotifyAllocationFailure(size uintptr) {
	h.cfg.trace("gc: allocation failure for %d bytes", size)
	h.stats.allocFailures.Add(1)
	gen := h.cycleGen()
	h.control.allocPending.Store(true)
	h.requestCancel()
	if h.control.started.Load() {
		h.wakeControl()
		h.waitCycle(gen)
		return
	}
	// No control loop: rescue inline on the failing thread.
	h.control.cycleLock.Lock()
	if h.control.allocPending.Swap(false) {
		h.runDegenerateCycle(degenOutsideCycle)
	}
	h.control.cycleLock.Unlock()
}

func (h *Heap) cycleGen() uint64 {
	h.control.genLock.Lock()
	defer h.control.genLock.Unlock()
	return h.control.gen
}

func (h *Heap) waitCycle(gen uint64) {
	h.control.genLock.Lock()
	for h.control.gen == gen {
		h.control.genCond.Wait()
	}
	h.control.genLock.Unlock()
}

func (h *Heap) publishCycleEnd() {
	h.control.genLock.Lock()
	h.control.gen++
	h.control.genCond.Broadcast()
	h.control.genLock.Unlock()
}

func (h *Heap) enterPhase(p gcPhase) func() {
	if hook := h.control.phaseHook; hook != nil {
		hook(p)
	}
	return h.stats.timePhase(p)
}

// markConfigFor builds the mark-loop configuration for this cycle.
// Concurrent marking is cancellable and drains the barrier log; the
// synchronous fallbacks run the identical loop with those turned off.
func (h *Heap) markConfigFor(concurrent bool) markConfig {
	return markConfig{
		cancellable: concurrent,
		drainSATB:   true,
		countLive:   true,
		updateRefs:  h.control.pendingUpdateRefs,
	}
}

// runConcurrentCycle drives one normal cycle. Every concurrent phase
// is followed by a cancellation check; a cancelled phase records its
// degeneration point and the remainder re-runs synchronously.
func (h *Heap) runConcurrentCycle() {
	h.clearCancel()
	usedBefore := h.used.Load()
	allocWave := h.allocatedWave.Swap(0)
	cfg := h.markConfigFor(true)

	// Pause 1: initialize marking.
	h.pause(phaseInitMark, func() {
		h.beginMark(cfg)
	})

	// Concurrent marking, mutators running.
	stopMark := h.enterPhase(phaseMark)
	marked := h.marker.run(cfg)
	stopMark()
	if !marked || h.cancelRequested() {
		h.runDegenerateCycle(degenMark)
		return
	}

	// Pause 2: finalize marking, select the collection set, flip to
	// evacuation.
	var haveWork bool
	var rootsOOM bool
	h.pause(phaseFinalMark, func() {
		h.finishMark(h.markConfigFor(false))
		haveWork, rootsOOM = h.prepareEvacuation()
		if rootsOOM {
			// Out of target space before evacuation even started; the
			// world is already stopped, fall through to full.
			h.escalateToFull("evacuation out of memory at roots")
		}
	})
	if rootsOOM {
		h.endCycle(usedBefore, allocWave, false, true)
		return
	}
	if !haveWork {
		h.endCycle(usedBefore, allocWave, false, false)
		return
	}

	// Concurrent evacuation.
	h.pacer.setup(phaseEvac)
	stopEvac := h.enterPhase(phaseEvac)
	res := h.evacuatorRun(true)
	stopEvac()
	switch res {
	case evacOOM:
		h.pause(phaseFull, func() {
			h.escalateToFull("evacuation out of memory")
		})
		h.endCycle(usedBefore, allocWave, false, true)
		return
	case evacCancelled:
		h.runDegenerateCycle(degenEvac)
		return
	}
	if h.cancelRequested() {
		h.runDegenerateCycle(degenEvac)
		return
	}

	// Optionally fold reference updating into the next cycle's mark.
	if h.heuristics.DeferUpdateRefs() {
		h.control.pendingUpdateRefs = true
		h.cfg.trace("gc: update-refs deferred to next cycle")
		h.endCycle(usedBefore, allocWave, false, false)
		return
	}

	// Concurrent reference update.
	ur := h.updater()
	h.pause(phaseInitUpdateRefs, func() {
		ur.prepare()
	})
	h.pacer.setup(phaseUpdateRefs)
	stopUR := h.enterPhase(phaseUpdateRefs)
	urDone := ur.run(true)
	stopUR()
	if !urDone || h.cancelRequested() {
		h.runDegenerateCycle(degenUpdateRefs)
		return
	}

	// Pause 3: finish the cycle, reclaim the collection set.
	h.pause(phaseFinalUpdateRefs, func() {
		h.finishRelocation()
	})
	h.endCycle(usedBefore, allocWave, false, false)
}

// runDegenerateCycle resumes a cancelled cycle synchronously from the
// recorded degeneration point, inside a single pause. If the
// degenerate attempt is itself cancelled or reclaims less than the
// futility threshold, it escalates unconditionally to a full cycle.
func (h *Heap) runDegenerateCycle(point degenPoint) {
	h.cfg.trace("gc: degenerated cycle from %s", point)
	h.stats.degenCycles.Add(1)
	usedBefore := h.used.Load()
	allocWave := h.allocatedWave.Swap(0)

	h.pause(phaseDegenerated, func() {
		h.clearCancel()
		cfg := h.markConfigFor(false)
		escalated := false
		relocating := point >= degenEvac
		resumedUpdateRefs := point == degenUpdateRefs

		if point == degenOutsideCycle {
			h.beginMark(cfg)
		}
		if point <= degenMark {
			// Finish (or run) marking synchronously and move to
			// evacuation, exactly the concurrent sequence minus the
			// concurrency.
			if !h.marker.run(cfg) {
				throw("stop-the-world mark reported cancellation")
			}
			h.finishMark(cfg)
			var rootsOOM bool
			relocating, rootsOOM = h.prepareEvacuation()
			if rootsOOM {
				h.escalateToFull("degenerated evacuation out of memory at roots")
				escalated = true
			}
		}
		if !escalated && relocating && point <= degenEvac {
			// Re-claim from the start: evacuation is idempotent over
			// already-forwarded objects, so regions a cancelled worker
			// abandoned halfway get finished now.
			h.cset.cursor.Store(0)
			switch h.evacuatorRun(false) {
			case evacOOM:
				h.escalateToFull("degenerated evacuation out of memory")
				escalated = true
			case evacCancelled:
				throw("stop-the-world evacuation reported cancellation")
			}
		}
		if !escalated && relocating {
			ur := h.updater()
			if !resumedUpdateRefs {
				ur.prepare()
			}
			ur.run(false)
			h.finishRelocation()
		}

		if !escalated {
			// Reclaiming less than the futility threshold means the
			// degenerate path will not converge; stop repeating it.
			futility := int64(h.cfg.FutilityThresholdRegions) * int64(h.cfg.RegionSize)
			if usedBefore-h.used.Load() < futility {
				h.escalateToFull("degenerated cycle made insufficient progress")
			}
		}
	})
	h.endCycle(usedBefore, allocWave, true, false)
}

// runFullCycle stops the world and runs the mark-compact fallback.
func (h *Heap) runFullCycle() {
	usedBefore := h.used.Load()
	allocWave := h.allocatedWave.Swap(0)
	h.pause(phaseFull, func() {
		h.escalateToFull("full collection")
	})
	h.endCycle(usedBefore, allocWave, false, true)
}

// escalateToFull runs the full collection inside an already-stopped
// world. Every escalation path funnels here.
func (h *Heap) escalateToFull(reason string) {
	h.cfg.trace("gc: full collection: %s", reason)
	h.stats.fullCycles.Add(1)
	h.clearCancel()
	h.control.pendingUpdateRefs = false
	full := &fullGC{heap: h}
	reclaimed := full.run()
	h.stats.lastReclaimed.Store(reclaimed)
	h.verifyHeap()
}

// pause wraps one global pause: stop, run, verify, start.
func (h *Heap) pause(p gcPhase, fn func()) {
	stop := h.enterPhase(p)
	h.mutator.StopTheWorld(p.String())
	fn()
	h.verifyHeap()
	h.mutator.StartTheWorld()
	stop()
}

// beginMark runs at the init-mark safepoint: fresh bitmap, fresh
// per-region liveness, barrier on, roots greyed.
func (h *Heap) beginMark(cfg markConfig) {
	h.marks.next.reset()
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if !h.control.pendingUpdateRefs || r.state != RegionCollectionSet {
			r.liveBytes.Store(0)
		}
	}
	h.marking.Store(true)
	h.pacer.setup(phaseMark)
	h.marker.scanRoots(cfg)
}

// finishMark runs at the final-mark safepoint: flush every mutator
// barrier buffer, drain what is left with the same loop in its
// synchronous shape, then publish the bitmap. If the previous cycle
// deferred its reference update, this mark rewrote every stale
// reference, so its collection set is reclaimed here.
func (h *Heap) finishMark(cfg markConfig) {
	h.satb.flushAll()
	if !h.marker.run(cfg) {
		throw("final mark drain reported cancellation")
	}
	h.marking.Store(false)
	h.marks.swap()
	if h.control.pendingUpdateRefs {
		h.control.pendingUpdateRefs = false
		h.finishRelocation()
	}
}

// prepareEvacuation runs at the final-mark safepoint after liveness is
// complete: recycle regions with no live data at all (nothing to
// copy), let the heuristics pick the collection set, rebuild the free
// set around it, and relocate the root-referenced survivors so the
// mutator resumes holding only to-space roots. Returns haveWork=false
// when the cycle has nothing to relocate, and rootsOOM=true when even
// root evacuation could not get target space.
func (h *Heap) prepareEvacuation() (haveWork, rootsOOM bool) {
	h.lock.Lock()
	h.recycleImmediateGarbage()
	h.heuristics.ChooseCollectionSet(h.cset, h.regions.regions)
	if h.cset.isEmpty() {
		h.free.rebuild()
		h.lock.Unlock()
		h.pacer.setup(phaseIdle)
		return false, false
	}
	for _, r := range h.cset.regions {
		r.prepareForwarding()
	}
	h.free.rebuild()
	h.lock.Unlock()

	h.cfg.trace("gc: collection set: %d regions, %d garbage, %d live",
		h.cset.count(), h.cset.garbage, h.cset.live)
	h.evacuating.Store(true)
	ev := newEvacuator(h)
	if !ev.evacuateRoots() {
		return false, true
	}
	return true, false
}

// recycleImmediateGarbage trashes every fully dead regular region
// right away; evacuating an empty region would be copying nothing.
// Heap lock held, world stopped.
func (h *Heap) recycleImmediateGarbage() {
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.state == RegionRegular && !r.isPinned() &&
			r.top > r.bottom && r.liveBytes.Load() == 0 {
			h.used.Add(-int64(r.usedBytes()))
			h.free.remove(r)
			r.setState(RegionTrash)
			h.recycleTrash(r)
		}
		if r.state == RegionHumongousStart && r.liveBytes.Load() == 0 {
			h.reclaimHumongousRun(r)
		}
	}
}

// reclaimHumongousRun trashes a dead humongous object's whole run.
// Heap lock held, world stopped.
func (h *Heap) reclaimHumongousRun(start *Region) {
	for j := start.index; j < h.regions.count(); j++ {
		r := h.regions.at(j)
		if j > start.index && (r.state != RegionHumongousCont || r.humongousStart != start.index) {
			break
		}
		h.used.Add(-int64(r.size()))
		r.setState(RegionTrash)
		h.recycleTrash(r)
	}
}

// evacuatorRun drains the collection set with a fresh evacuator.
func (h *Heap) evacuatorRun(concurrent bool) evacResult {
	ev := newEvacuator(h)
	return ev.run(concurrent)
}

func (h *Heap) updater() *refUpdater {
	return newRefUpdater(h)
}

// finishRelocation reclaims the fully evacuated, fully updated
// collection set and drops the cycle's forwarding state. World
// stopped.
func (h *Heap) finishRelocation() {
	h.evacuating.Store(false)
	h.lock.Lock()
	for _, r := range h.cset.regions {
		h.used.Add(-int64(r.usedBytes()))
		r.setState(RegionTrash)
		h.recycleTrash(r)
	}
	h.cset.clear()
	h.free.rebuild()
	h.lock.Unlock()
}

// endCycle publishes completion: counters, heuristic feedback, pacer
// back to idle, blocked allocators released.
func (h *Heap) endCycle(usedBefore, allocWave int64, degenerated, full bool) {
	reclaimed := usedBefore - h.used.Load()
	if reclaimed < 0 {
		reclaimed = 0
	}
	h.stats.cycles.Add(1)
	h.stats.lastReclaimed.Store(reclaimed)

	var peakLive int64
	for i := 0; i < h.regions.count(); i++ {
		peakLive += h.regions.at(i).liveBytes.Load()
	}
	h.heuristics.RecordCycle(CycleOutcome{
		Degenerated:    degenerated,
		Full:           full,
		ReclaimedBytes: reclaimed,
		PeakLiveBytes:  peakLive,
		AllocatedBytes: allocWave,
	})
	h.pacer.setup(phaseIdle)
	h.publishCycleEnd()
	h.cfg.trace("gc: cycle complete, reclaimed %d bytes", reclaimed)
}
