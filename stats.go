package regiongc

import (
	"sync/atomic"
	"time"
)

// Monitoring counters for the external observability collaborator.
// Everything is updated with atomics so a snapshot never takes the
// heap lock.

type heapStats struct {
	cycles      atomic.Uint64
	degenCycles atomic.Uint64
	fullCycles  atomic.Uint64

	allocFailures atomic.Uint64
	explicitFull  atomic.Uint64
	explicitConc  atomic.Uint64

	lastReclaimed atomic.Int64

	// Cumulative wall time per phase, indexed by gcPhase.
	phaseNanos [numPhases]atomic.Int64
}

func (s *heapStats) timePhase(p gcPhase) func() {
	start := time.Now()
	return func() {
		s.phaseNanos[p].Add(time.Since(start).Nanoseconds())
	}
}

// Stats is a point-in-time copy of the collector's public counters.
type Stats struct {
	CapacityBytes  int64
	CommittedBytes int64
	UsedBytes      int64

	Cycles            uint64
	DegeneratedCycles uint64
	FullCycles        uint64

	AllocationFailures uint64
	PacerStalls        int64
	PacerStallNanos    int64

	LastCycleReclaimedBytes int64

	// PhaseNanos maps phase name to cumulative wall time.
	PhaseNanos map[string]int64
}

// Stats snapshots the public counters.
func (h *Heap) Stats() Stats {
	st := Stats{
		CapacityBytes:           int64(h.cfg.RegionSize) * int64(h.cfg.NumRegions),
		CommittedBytes:          h.committed.Load(),
		UsedBytes:               h.used.Load(),
		Cycles:                  h.stats.cycles.Load(),
		DegeneratedCycles:       h.stats.degenCycles.Load(),
		FullCycles:              h.stats.fullCycles.Load(),
		AllocationFailures:      h.stats.allocFailures.Load(),
		PacerStalls:             h.pacer.stalls.Load(),
		PacerStallNanos:         h.pacer.stallNanos.Load(),
		LastCycleReclaimedBytes: h.stats.lastReclaimed.Load(),
		PhaseNanos:              make(map[string]int64, numPhases),
	}
	for p := gcPhase(0); p < numPhases; p++ {
		st.PhaseNanos[p.String()] = h.stats.phaseNanos[p].Load()
	}
	return st
}
