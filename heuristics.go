package regiongc

import "sort"

// Heuristics is the pluggable cycle policy: when to start a concurrent
// cycle and which regions to evacuate. Implementations are plain data
// plus pure decision functions; the control loop is the only caller
// and the only mutator of policy state, so implementations need no
// internal locking.
type Heuristics interface {
	// ShouldStartCycle gates the heuristic trigger, polled by the
	// control loop regulator. Inputs are the current heap occupancy.
	ShouldStartCycle(used, capacity int64) bool

	// ChooseCollectionSet fills cs from the candidate regions using
	// the live data computed by the marker. Runs inside the
	// final-mark pause.
	ChooseCollectionSet(cs *CollectionSet, regions []*Region)

	// DeferUpdateRefs reports whether the reference-update pass should
	// be folded into the next cycle's marking instead of running now.
	DeferUpdateRefs() bool

	// RecordCycle feeds the outcome of a finished cycle back into the
	// policy.
	RecordCycle(outcome CycleOutcome)
}

// CycleOutcome summarizes one completed cycle for policy feedback.
type CycleOutcome struct {
	Degenerated    bool
	Full           bool
	ReclaimedBytes int64
	PeakLiveBytes  int64
	AllocatedBytes int64 // bytes allocated since the previous cycle
}

// selectGarbageFirst is the shared selection algorithm: sort
// non-pinned, non-humongous regular regions by descending garbage and
// add them greedily while each still clears the per-region garbage
// threshold, stopping early once the cumulative target is met. Regions
// with no live data at all are not worth evacuating; the caller
// recycles those immediately.
func selectGarbageFirst(cs *CollectionSet, regions []*Region, garbageThreshold, minGarbageTarget int64) {
	candidates := make([]*Region, 0, len(regions))
	for _, r := range regions {
		if r.state != RegionRegular || r.isPinned() {
			continue
		}
		if r.liveBytes.Load() == 0 {
			continue // reclaimed in place, no copy needed
		}
		if r.garbageBytes() >= garbageThreshold {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		gi, gj := candidates[i].garbageBytes(), candidates[j].garbageBytes()
		if gi != gj {
			return gi > gj
		}
		return candidates[i].index < candidates[j].index
	})
	for _, r := range candidates {
		if minGarbageTarget > 0 && cs.garbage >= minGarbageTarget {
			break
		}
		cs.add(r)
	}
}

// StaticHeuristics starts a cycle at a fixed occupancy fraction.
// The zero value is not valid; build it from a Config.
type StaticHeuristics struct {
	TriggerPercent   int
	GarbageThreshold int64 // bytes per region
	MinGarbageTarget int64 // cumulative bytes, 0 = take everything qualifying
	Defer            bool
}

func newStaticHeuristics(cfg *Config) *StaticHeuristics {
	capacity := int64(cfg.RegionSize) * int64(cfg.NumRegions)
	return &StaticHeuristics{
		TriggerPercent:   cfg.TriggerOccupancyPercent,
		GarbageThreshold: int64(cfg.RegionSize) * int64(cfg.GarbageThresholdPercent) / 100,
		MinGarbageTarget: capacity * int64(cfg.MinGarbageTargetPercent) / 100,
		Defer:            cfg.DeferUpdateRefs,
	}
}

func (s *StaticHeuristics) ShouldStartCycle(used, capacity int64) bool {
	return used*100 >= capacity*int64(s.TriggerPercent)
}

func (s *StaticHeuristics) ChooseCollectionSet(cs *CollectionSet, regions []*Region) {
	selectGarbageFirst(cs, regions, s.GarbageThreshold, s.MinGarbageTarget)
}

func (s *StaticHeuristics) DeferUpdateRefs() bool { return s.Defer }

func (s *StaticHeuristics) RecordCycle(CycleOutcome) {}

// AdaptiveHeuristics projects a trigger point from smoothed allocation
// history and the historical peak of live data, so a cycle starts
// early enough that concurrent marking finishes before the mutator
// exhausts free space. The smoothing is an exponentially weighted
// average of allocation per cycle; the model details are free as long
// as the two interface decisions stay pure functions of the inputs.
type AdaptiveHeuristics struct {
	GarbageThreshold int64
	MinGarbageTarget int64
	Defer            bool

	// Smoothed allocation-per-cycle estimate and the decay weight
	// applied to each new sample, in percent.
	allocPerCycle int64
	decayPercent  int64

	// Highest live-data figure ever observed, the floor under which
	// triggering is pointless.
	peakLive int64

	cycles int
}

func newAdaptiveHeuristics(cfg *Config) *AdaptiveHeuristics {
	capacity := int64(cfg.RegionSize) * int64(cfg.NumRegions)
	return &AdaptiveHeuristics{
		GarbageThreshold: int64(cfg.RegionSize) * int64(cfg.GarbageThresholdPercent) / 100,
		MinGarbageTarget: capacity * int64(cfg.MinGarbageTargetPercent) / 100,
		Defer:            cfg.DeferUpdateRefs,
		decayPercent:     30,
	}
}

func (a *AdaptiveHeuristics) ShouldStartCycle(used, capacity int64) bool {
	free := capacity - used
	if free < 0 {
		free = 0
	}
	// Before any history exists, fall back to a conservative fixed
	// fraction.
	if a.cycles == 0 {
		return used*100 >= capacity*90
	}
	// Project the allocation expected while the next cycle runs and
	// keep that much headroom, plus room for the live data we expect
	// to have to evacuate.
	headroom := a.allocPerCycle + a.peakLive/8
	return free <= headroom
}

func (a *AdaptiveHeuristics) ChooseCollectionSet(cs *CollectionSet, regions []*Region) {
	selectGarbageFirst(cs, regions, a.GarbageThreshold, a.MinGarbageTarget)
}

func (a *AdaptiveHeuristics) DeferUpdateRefs() bool { return a.Defer }

func (a *AdaptiveHeuristics) RecordCycle(outcome CycleOutcome) {
	a.cycles++
	if outcome.PeakLiveBytes > a.peakLive {
		a.peakLive = outcome.PeakLiveBytes
	}
	if a.allocPerCycle == 0 {
		a.allocPerCycle = outcome.AllocatedBytes
		return
	}
	a.allocPerCycle += (outcome.AllocatedBytes - a.allocPerCycle) * a.decayPercent / 100
}
