package regiongc

import "testing"

// fillRegion shapes one directory region as a regular region with the
// given used and live byte counts.
func fillRegion(r *Region, used, live int64) {
	r.setState(RegionEmptyCommitted)
	r.setState(RegionRegular)
	r.top = r.bottom + Address(used)
	r.liveBytes.Store(live)
}

func TestSelectGarbageFirstOrdersByGarbage(t *testing.T) {
	dir := newRegionDirectory(8, 8192)
	fillRegion(dir.at(0), 8000, 5000) // 3000 garbage
	fillRegion(dir.at(1), 8000, 1000) // 7000 garbage
	fillRegion(dir.at(2), 8000, 3000) // 5000 garbage
	fillRegion(dir.at(3), 8000, 7500) // 500 garbage, below threshold
	fillRegion(dir.at(4), 8000, 0)    // fully dead, recycled in place instead
	fillRegion(dir.at(5), 8000, 1000)
	dir.at(5).pins.Add(1)
	dir.at(5).setState(RegionPinned)
	dir.at(6).setState(RegionEmptyCommitted)
	dir.at(6).setState(RegionHumongousStart)
	dir.at(6).top = dir.at(6).end

	cs := newCollectionSet(8)
	selectGarbageFirst(cs, dir.regions, 1000, 0)

	want := []int{1, 2, 0}
	if len(cs.regions) != len(want) {
		t.Fatalf("selected %d regions, want %d", len(cs.regions), len(want))
	}
	for i, idx := range want {
		if cs.regions[i].index != idx {
			t.Fatalf("selection[%d] = region %d, want %d", i, cs.regions[i].index, idx)
		}
	}
	if cs.garbage != 15000 {
		t.Fatalf("cset garbage = %d, want 15000", cs.garbage)
	}
	if cs.live != 9000 {
		t.Fatalf("cset live = %d, want 9000", cs.live)
	}
	for _, r := range cs.regions {
		if r.state != RegionCollectionSet {
			t.Fatalf("region %d state = %v after selection", r.index, r.state)
		}
	}
}

func TestSelectGarbageFirstStopsAtTarget(t *testing.T) {
	dir := newRegionDirectory(4, 8192)
	fillRegion(dir.at(0), 8000, 1000) // 7000 garbage
	fillRegion(dir.at(1), 8000, 3000) // 5000 garbage
	fillRegion(dir.at(2), 8000, 5000) // 3000 garbage

	cs := newCollectionSet(4)
	selectGarbageFirst(cs, dir.regions, 1000, 6000)

	// The biggest candidate alone clears the target.
	if cs.count() != 1 || cs.regions[0].index != 0 {
		t.Fatalf("selected %d regions starting at %d, want just region 0", cs.count(), cs.regions[0].index)
	}
}

func TestStaticHeuristicsTrigger(t *testing.T) {
	cfg := testConfig()
	cfg.TriggerOccupancyPercent = 75
	s := newStaticHeuristics(&cfg)

	if s.ShouldStartCycle(74, 100) {
		t.Fatal("triggered below the occupancy threshold")
	}
	if !s.ShouldStartCycle(75, 100) {
		t.Fatal("did not trigger at the occupancy threshold")
	}
}

func TestAdaptiveHeuristicsLearns(t *testing.T) {
	cfg := testConfig()
	a := newAdaptiveHeuristics(&cfg)

	// No history: conservative fixed fraction.
	if a.ShouldStartCycle(89, 100) {
		t.Fatal("triggered below 90% with no history")
	}
	if !a.ShouldStartCycle(90, 100) {
		t.Fatal("did not trigger at 90% with no history")
	}

	a.RecordCycle(CycleOutcome{AllocatedBytes: 4000, PeakLiveBytes: 16000})
	if a.allocPerCycle != 4000 {
		t.Fatalf("allocPerCycle = %d after first sample, want 4000", a.allocPerCycle)
	}
	a.RecordCycle(CycleOutcome{AllocatedBytes: 14000, PeakLiveBytes: 8000})
	if a.allocPerCycle != 7000 {
		t.Fatalf("allocPerCycle = %d after smoothing, want 7000", a.allocPerCycle)
	}
	if a.peakLive != 16000 {
		t.Fatalf("peakLive = %d, want the historical maximum 16000", a.peakLive)
	}

	// headroom = 7000 + 16000/8 = 9000: trigger once free dips to it.
	if a.ShouldStartCycle(90000, 100000) {
		t.Fatal("triggered with free space above the projected headroom")
	}
	if !a.ShouldStartCycle(91000, 100000) {
		t.Fatal("did not trigger with free space inside the projected headroom")
	}
}
