package regiongc

import "testing"

func TestFreeSetPartitionBias(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	// Mutator allocations fill from the low end of the address space,
	// collector allocations from the high end.
	m := h.free.allocate(512, poolMutator)
	c := h.free.allocate(512, poolCollector)
	if m == 0 || c == 0 {
		t.Fatal("allocation from a fresh free set failed")
	}
	if idx := h.regionForAddr(m).index; idx != 0 {
		t.Fatalf("mutator allocation landed in region %d, want 0", idx)
	}
	if idx := h.regionForAddr(c).index; idx != h.regions.count()-1 {
		t.Fatalf("collector allocation landed in region %d, want %d", idx, h.regions.count()-1)
	}
	for i := 0; i < h.regions.count(); i++ {
		if h.free.mutator.test(i) && h.free.collector.test(i) {
			t.Fatalf("region %d in both partitions", i)
		}
	}
}

func TestFreeSetRetiresFullRegions(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	first := h.free.allocate(512, poolMutator)
	r := h.regionForAddr(first)
	if h.free.allocate(r.freeBytes(), poolMutator) == 0 {
		t.Fatal("exact-fit allocation failed")
	}
	// The full region cannot serve the next request and must leave the
	// set on the way to the next region.
	next := h.free.allocate(512, poolMutator)
	if next == 0 {
		t.Fatal("allocation after region fill failed")
	}
	if idx := h.regionForAddr(next).index; idx != r.index+1 {
		t.Fatalf("allocation landed in region %d, want %d", idx, r.index+1)
	}
	if h.free.contains(r.index) {
		t.Fatalf("full region %d still in the free set", r.index)
	}
}

func TestFreeSetStealsEmptyRegions(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	// Drain the collector reserve completely.
	for h.free.allocateFrom(poolCollector, h.cfg.RegionSize) != 0 {
	}
	if !h.free.pool(poolCollector).empty() {
		t.Fatal("collector partition not empty after draining")
	}

	// The next collector allocation flips an empty mutator region over.
	addr := h.free.allocate(h.cfg.RegionSize, poolCollector)
	if addr == 0 {
		t.Fatal("collector allocation did not steal from the mutator pool")
	}
	idx := h.regionForAddr(addr).index
	if h.free.mutator.test(idx) {
		t.Fatalf("stolen region %d still in the mutator partition", idx)
	}
}

func TestFreeSetStealDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AllowPoolSteal = false
	cfg.AllowMixedAllocation = false
	h, _ := newTestHeap(t, cfg)

	for h.free.allocateFrom(poolCollector, h.cfg.RegionSize) != 0 {
	}
	if addr := h.free.allocate(512, poolCollector); addr != 0 {
		t.Fatalf("exhausted collector pool returned %#x with stealing off", uintptr(addr))
	}
}

func TestFreeSetContiguousHumongous(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	size := 2*h.cfg.RegionSize + 512
	addr := h.free.allocateContiguous(3, size)
	if addr == 0 {
		t.Fatal("contiguous allocation failed on an empty heap")
	}
	start := h.regionForAddr(addr)
	if addr != start.bottom {
		t.Fatalf("humongous object at %#x, want region bottom %#x", uintptr(addr), uintptr(start.bottom))
	}
	if start.state != RegionHumongousStart {
		t.Fatalf("start region state = %v", start.state)
	}
	for j := 1; j < 3; j++ {
		r := h.regions.at(start.index + j)
		if r.state != RegionHumongousCont {
			t.Fatalf("run region %d state = %v", j, r.state)
		}
		if r.humongousStart != start.index {
			t.Fatalf("run region %d start link = %d, want %d", j, r.humongousStart, start.index)
		}
		if h.free.contains(r.index) {
			t.Fatalf("run region %d still in the free set", j)
		}
	}
	// The run's frontier covers exactly the object: two full regions
	// plus the tail.
	tail := h.regions.at(start.index + 2)
	if got := tail.usedBytes(); got != alignUp(512) {
		t.Fatalf("tail region used = %d, want %d", got, alignUp(512))
	}
}

func TestFreeSetContiguousNeedsExistingRun(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	// Occupy every other mutator region so no two adjacent regions stay
	// empty. A run request must fail outright; there is no compaction
	// on this path.
	occupied := 0
	for i := 0; h.free.mutator.test(i); i += 2 {
		if h.free.tryAllocateIn(h.regions.at(i), 512) == 0 {
			t.Fatalf("seed allocation in region %d failed", i)
		}
		occupied++
	}
	if occupied == 0 {
		t.Fatal("no mutator regions to fragment")
	}

	if addr := h.free.allocateContiguous(2, h.cfg.RegionSize+512); addr != 0 {
		t.Fatalf("fragmented heap returned a run at %#x", uintptr(addr))
	}
	// Nothing may have changed shape on the failure path.
	for i := 0; i < h.regions.count(); i++ {
		r := h.regions.at(i)
		if r.state.isHumongous() {
			t.Fatalf("region %d left as %v by a failed run request", i, r.state)
		}
		if i%2 == 0 && i/2 < occupied {
			if r.state != RegionRegular || r.usedBytes() != 512 {
				t.Fatalf("seeded region %d disturbed: %v, %d used", i, r.state, r.usedBytes())
			}
		}
	}
}

func TestFreeSetRebuildRecyclesTrash(t *testing.T) {
	h, _ := newTestHeap(t, testConfig())

	addr := h.free.allocate(512, poolMutator)
	r := h.regionForAddr(addr)
	h.free.remove(r)
	r.setState(RegionTrash)

	h.free.rebuild()
	if r.state != RegionEmptyCommitted {
		t.Fatalf("trash region state = %v after rebuild, want empty-committed", r.state)
	}
	if !h.free.contains(r.index) {
		t.Fatal("recycled region missing from the rebuilt free set")
	}
	if r.usedBytes() != 0 {
		t.Fatalf("recycled region used = %d", r.usedBytes())
	}
}

func TestRegionBitsetBounds(t *testing.T) {
	b := newRegionBitset(130)
	if !b.empty() || b.nextSet(0) != 130 || b.prevSet(129) != -1 {
		t.Fatal("fresh bitset not empty")
	}
	for _, i := range []int{3, 64, 129} {
		b.set(i)
	}
	if b.leftmost != 3 || b.rightmost != 129 || b.count != 3 {
		t.Fatalf("bounds = [%d, %d] count %d", b.leftmost, b.rightmost, b.count)
	}
	if got := b.nextSet(4); got != 64 {
		t.Fatalf("nextSet(4) = %d, want 64", got)
	}
	if got := b.prevSet(128); got != 64 {
		t.Fatalf("prevSet(128) = %d, want 64", got)
	}
	b.clear(3)
	if b.leftmost != 64 {
		t.Fatalf("leftmost = %d after clearing 3, want 64", b.leftmost)
	}
	b.clear(64)
	b.clear(129)
	if !b.empty() || b.leftmost != 130 || b.rightmost != -1 {
		t.Fatal("bitset not back to empty bounds")
	}
}
