package regiongc

import "testing"

func TestGCWorkBalancePublishesSecondBuffer(t *testing.T) {
	var w markWork
	var a gcWork
	a.init(&w, 1)

	// Overfill the first buffer so the second one carries a full load,
	// all of it still invisible to other workers.
	for i := 0; i < workbufEntries+1; i++ {
		a.put(heapBase + Address(8*i))
	}
	if !w.full.isEmpty() {
		t.Fatal("work reached the global list before balance")
	}

	a.balance()
	if w.full.isEmpty() {
		t.Fatal("balance did not publish the loaded second buffer")
	}

	var b gcWork
	b.init(&w, 1)
	if b.tryGet() == 0 {
		t.Fatal("peer found nothing to steal after balance")
	}
}

func TestGCWorkBalanceSplitsLocalBuffer(t *testing.T) {
	var w markWork
	var a gcWork
	a.init(&w, 1)

	for i := 0; i < 10; i++ {
		a.put(heapBase + Address(8*i))
	}

	// Both buffers fit locally; balance must hand half of the local one
	// to the global list and keep draining the rest.
	a.balance()
	if w.full.isEmpty() {
		t.Fatal("balance did not split the local buffer")
	}
	kept := 0
	for a.tryGetFast() != 0 {
		kept++
	}
	if kept == 0 || kept == 10 {
		t.Fatalf("worker kept %d of 10 objects after the split", kept)
	}

	var b gcWork
	b.init(&w, 1)
	stolen := 0
	for b.tryGet() != 0 {
		stolen++
	}
	if kept+stolen != 10 {
		t.Fatalf("kept %d + stolen %d != 10, work was lost", kept, stolen)
	}
}

func TestGCWorkBalanceBelowThresholdKeepsWork(t *testing.T) {
	var w markWork
	var a gcWork
	a.init(&w, 1)

	for i := 0; i < 3; i++ {
		a.put(heapBase + Address(8*i))
	}
	a.balance()
	if !w.full.isEmpty() {
		t.Fatal("balance gave away a nearly empty buffer")
	}
}
