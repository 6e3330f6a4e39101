package regiongc

import (
	"math/bits"
	"sync/atomic"
)

// markBitmap holds one liveness bit per heap granule. Marker workers
// set bits concurrently without the heap lock; a CAS loop on the
// containing word keeps the update lock-free, since contention here
// follows object-graph shape rather than heap topology.
type markBitmap struct {
	words []uint64
	base  Address
}

func newMarkBitmap(base Address, heapBytes uintptr) *markBitmap {
	return &markBitmap{
		words: make([]uint64, (heapBytes/heapGranule+63)/64),
		base:  base,
	}
}

func (m *markBitmap) slot(addr Address) (word *uint64, mask uint64) {
	g := uintptr(addr-m.base) / heapGranule
	return &m.words[g/64], 1 << (g % 64)
}

// markIfUnmarked sets the bit for addr and reports whether this call
// was the one that set it. Exactly one of any number of racing callers
// gets true.
func (m *markBitmap) markIfUnmarked(addr Address) bool {
	word, mask := m.slot(addr)
	for {
		old := atomic.LoadUint64(word)
		if old&mask != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(word, old, old|mask) {
			return true
		}
	}
}

func (m *markBitmap) isMarked(addr Address) bool {
	word, mask := m.slot(addr)
	return atomic.LoadUint64(word)&mask != 0
}

func (m *markBitmap) reset() {
	for i := range m.words {
		atomic.StoreUint64(&m.words[i], 0)
	}
}

// forEachMarked visits every marked granule address in [from, to) in
// ascending order. The caller guarantees no concurrent marking.
func (m *markBitmap) forEachMarked(from, to Address, visit func(addr Address)) {
	start := uintptr(from-m.base) / heapGranule
	end := uintptr(to-m.base) / heapGranule
	for w := start / 64; w*64 < end; w++ {
		word := m.words[w]
		if w == start/64 {
			word &= ^uint64(0) << (start % 64)
		}
		for word != 0 {
			g := w*64 + uintptr(bits.TrailingZeros64(word))
			if g >= end {
				return
			}
			visit(m.base + Address(g*heapGranule))
			word &= word - 1
		}
	}
}

// markState is the pair of bitmaps the cycle machine flips between:
// "next" is built by the cycle in progress, "complete" is the result
// of the previous finished marking. Swapping the two at mark
// finalization lets readers of the previous liveness data, and the
// relocation phases that consume the fresh one, coexist with the next
// cycle building its own bitmap.
type markState struct {
	next     *markBitmap
	complete *markBitmap
}

func newMarkState(base Address, heapBytes uintptr) *markState {
	return &markState{
		next:     newMarkBitmap(base, heapBytes),
		complete: newMarkBitmap(base, heapBytes),
	}
}

// swap publishes the just-built bitmap as complete. Runs inside the
// final-mark pause.
func (ms *markState) swap() {
	ms.next, ms.complete = ms.complete, ms.next
}
