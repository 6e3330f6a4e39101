package regiongc

import (
	"sync/atomic"
	"time"
)

// Allocation pacer: a credit/debit counter between collector progress
// and mutator allocation. Collector work deposits credit (bytes
// reclaimed or evacuated); every mutator allocation withdraws its
// size. When the withdrawal would overdraw, the allocating thread
// stalls for a bounded, recomputed delay and retries, so allocation
// cannot silently outrun concurrent reclamation all the way to an
// allocation failure. Credit is reset with a fresh projection at every
// phase change, because each phase frees space at a different rate.

const (
	pacerMinDelay = 100 * time.Microsecond
)

type pacer struct {
	heap    *Heap
	enabled bool

	// budget is bytes of allocation the mutator may perform before
	// stalling. It can go negative when a stalled allocation finally
	// forces through; the debt is repaid by later deposits.
	budget atomic.Int64

	stalls     atomic.Int64
	stallNanos atomic.Int64
}

func newPacer(h *Heap) *pacer {
	return &pacer{heap: h, enabled: h.cfg.PacingEnabled}
}

// setup recomputes the budget at a phase boundary. The projections are
// deliberately coarse: while idle the mutator may consume what is
// actually free; during marking and reference updating only a fraction
// of it, since no space comes back until the cycle finishes; during
// evacuation the expected reclaim of the collection set is added as it
// will become allocatable shortly.
func (p *pacer) setup(phase gcPhase) {
	if !p.enabled {
		return
	}
	h := p.heap
	h.lock.Lock()
	free := h.free.availableBytes()
	h.lock.Unlock()

	var budget int64
	switch phase {
	case phaseIdle:
		budget = free
	case phaseMark:
		budget = free / 2
	case phaseEvac:
		budget = free/2 + h.cset.garbage/4
	case phaseUpdateRefs:
		budget = free / 2
	default:
		budget = free
	}
	p.budget.Store(budget)
}

// deposit credits completed collector work.
func (p *pacer) deposit(bytes int64) {
	if !p.enabled {
		return
	}
	p.budget.Add(bytes)
}

// claim withdraws size bytes of allocation credit, stalling up to the
// configured bound while the account is short. After the bound the
// allocation proceeds anyway and leaves the account in debt; starving
// a mutator forever is worse than letting the allocation-failure path
// make the call.
func (p *pacer) claim(size int64) {
	if !p.enabled {
		return
	}
	if p.tryWithdraw(size) {
		return
	}
	p.stalls.Add(1)
	start := time.Now()
	delay := pacerMinDelay
	total := time.Duration(0)
	for total < p.heap.cfg.PacerMaxDelay {
		time.Sleep(delay)
		total += delay
		if delay *= 2; delay > p.heap.cfg.PacerMaxDelay-total {
			delay = p.heap.cfg.PacerMaxDelay - total
			if delay <= 0 {
				break
			}
		}
		if p.tryWithdraw(size) {
			p.stallNanos.Add(time.Since(start).Nanoseconds())
			return
		}
	}
	// Give up waiting: force the withdrawal and run a deficit.
	p.budget.Add(-size)
	p.stallNanos.Add(time.Since(start).Nanoseconds())
}

func (p *pacer) tryWithdraw(size int64) bool {
	for {
		cur := p.budget.Load()
		if cur < size {
			return false
		}
		if p.budget.CompareAndSwap(cur, cur-size) {
			return true
		}
	}
}
