package regiongc

import "testing"

func testRegion(t *testing.T, states ...RegionState) *Region {
	t.Helper()
	r := newRegionDirectory(1, 4096).at(0)
	for _, s := range states {
		r.setState(s)
	}
	return r
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s did not panic", name)
		}
	}()
	fn()
}

func TestRegionStateTransitions(t *testing.T) {
	// The happy path of a region's life: committed, filled, selected,
	// trashed, recycled.
	r := testRegion(t)
	for _, s := range []RegionState{
		RegionEmptyCommitted, RegionRegular, RegionCollectionSet,
		RegionTrash, RegionEmptyCommitted,
	} {
		r.setState(s)
		if r.state != s {
			t.Fatalf("state = %v, want %v", r.state, s)
		}
	}

	// Same-state transitions are always no-ops.
	r.setState(RegionEmptyCommitted)

	bad := []struct {
		name     string
		from, to RegionState
	}{
		{"uncommitted to regular", RegionEmptyUncommitted, RegionRegular},
		{"regular back to empty", RegionRegular, RegionEmptyCommitted},
		{"pinned to trash", RegionPinned, RegionTrash},
		{"pinned to collection set", RegionPinned, RegionCollectionSet},
		{"humongous to collection set", RegionHumongousStart, RegionCollectionSet},
		{"humongous to regular", RegionHumongousStart, RegionRegular},
		{"trash to regular", RegionTrash, RegionRegular},
	}
	for _, tc := range bad {
		r := testRegion(t)
		r.state = tc.from // bypass to set up the source state directly
		if r.canTransition(tc.to) {
			t.Errorf("canTransition(%v -> %v) = true", tc.from, tc.to)
		}
		mustPanic(t, tc.name, func() { r.setState(tc.to) })
	}
}

func TestRegionAllocate(t *testing.T) {
	r := testRegion(t, RegionEmptyCommitted, RegionRegular)

	a := r.allocate(100)
	if a != r.bottom {
		t.Fatalf("first allocation at %#x, want region bottom %#x", uintptr(a), uintptr(r.bottom))
	}
	b := r.allocate(8)
	if b != r.bottom+Address(alignUp(100)) {
		t.Fatalf("second allocation at %#x, not granule aligned after the first", uintptr(b))
	}
	if r.usedBytes() != alignUp(100)+8 {
		t.Fatalf("usedBytes = %d", r.usedBytes())
	}
	if got := r.allocate(r.freeBytes() + 1); got != 0 {
		t.Fatalf("oversized allocation returned %#x, want 0", uintptr(got))
	}
	if got := r.allocate(r.freeBytes()); got == 0 {
		t.Fatalf("exact-fit allocation failed")
	}
	if r.freeBytes() != 0 {
		t.Fatalf("freeBytes = %d after exact fit", r.freeBytes())
	}
}

func TestRegionForwardingFirstCASWins(t *testing.T) {
	r := testRegion(t, RegionEmptyCommitted, RegionRegular)
	obj := r.allocate(64)

	if got := r.forwardee(obj); got != obj {
		t.Fatalf("forwardee without a table = %#x, want self", uintptr(got))
	}
	r.prepareForwarding()
	if got := r.forwardee(obj); got != obj {
		t.Fatalf("forwardee with empty slot = %#x, want self", uintptr(got))
	}

	to1 := r.bottom + 1024
	to2 := r.bottom + 2048
	if got := r.installForwardee(obj, to1); got != to1 {
		t.Fatalf("first install returned %#x, want %#x", uintptr(got), uintptr(to1))
	}
	if got := r.installForwardee(obj, to2); got != to1 {
		t.Fatalf("second install returned %#x, want the first winner %#x", uintptr(got), uintptr(to1))
	}
	if got := r.forwardee(obj); got != to1 {
		t.Fatalf("forwardee = %#x, want %#x", uintptr(got), uintptr(to1))
	}
	if !r.isForwarded(obj) {
		t.Fatal("isForwarded = false after install")
	}

	r.dropForwarding()
	if r.isForwarded(obj) {
		t.Fatal("isForwarded = true after dropForwarding")
	}
}

func TestRegionGarbageBytes(t *testing.T) {
	r := testRegion(t, RegionEmptyCommitted, RegionRegular)
	r.allocate(1000)
	r.liveBytes.Store(400)
	if g := r.garbageBytes(); g != 600 {
		t.Fatalf("garbageBytes = %d, want 600", g)
	}
	// Live counted past used (transient marking overshoot) clamps at 0.
	r.liveBytes.Store(2000)
	if g := r.garbageBytes(); g != 0 {
		t.Fatalf("garbageBytes = %d with live > used, want 0", g)
	}
}

func TestRegionRecycle(t *testing.T) {
	r := testRegion(t, RegionEmptyCommitted, RegionRegular)
	r.allocate(256)
	r.liveBytes.Store(64)
	r.prepareForwarding()
	r.setState(RegionTrash)

	r.recycle()
	if r.state != RegionEmptyCommitted {
		t.Fatalf("state = %v after recycle", r.state)
	}
	if r.top != r.bottom || r.liveBytes.Load() != 0 || r.fwd != nil {
		t.Fatal("recycle did not reset the region")
	}

	mustPanic(t, "recycling a non-trash region", func() { r.recycle() })
}
