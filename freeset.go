package regiongc

import "math/bits"

// regionBitset is a plain word-backed bitset over region indices with
// cached leftmost/rightmost set bits, so scans start from a live bound
// instead of walking the whole map. The cache is the same trick as the
// page allocator's searchAddr: it may be conservative after clears but
// never skips a set bit. All access is under the heap lock.
type regionBitset struct {
	words []uint64
	n     int // index bound

	leftmost  int // <= index of lowest set bit; n when empty
	rightmost int // >= index of highest set bit; -1 when empty
	count     int
}

func newRegionBitset(n int) *regionBitset {
	return &regionBitset{
		words:     make([]uint64, (n+63)/64),
		n:         n,
		leftmost:  n,
		rightmost: -1,
	}
}

func (b *regionBitset) test(i int) bool {
	return b.words[i/64]&(1<<(i%64)) != 0
}

func (b *regionBitset) set(i int) {
	if b.test(i) {
		return
	}
	b.words[i/64] |= 1 << (i % 64)
	b.count++
	if i < b.leftmost {
		b.leftmost = i
	}
	if i > b.rightmost {
		b.rightmost = i
	}
}

func (b *regionBitset) clear(i int) {
	if !b.test(i) {
		return
	}
	b.words[i/64] &^= 1 << (i % 64)
	b.count--
	if b.count == 0 {
		b.leftmost, b.rightmost = b.n, -1
		return
	}
	if i == b.leftmost {
		b.leftmost = b.nextSet(i + 1)
	}
	if i == b.rightmost {
		b.rightmost = b.prevSet(i - 1)
	}
}

func (b *regionBitset) clearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
	b.count = 0
	b.leftmost, b.rightmost = b.n, -1
}

func (b *regionBitset) empty() bool {
	return b.count == 0
}

// nextSet returns the lowest set index >= from, or n.
func (b *regionBitset) nextSet(from int) int {
	if from < 0 {
		from = 0
	}
	for w := from / 64; w < len(b.words); w++ {
		word := b.words[w]
		if w == from/64 {
			word &= ^uint64(0) << (from % 64)
		}
		if word != 0 {
			return w*64 + bits.TrailingZeros64(word)
		}
	}
	return b.n
}

// prevSet returns the highest set index <= from, or -1.
func (b *regionBitset) prevSet(from int) int {
	if from >= b.n {
		from = b.n - 1
	}
	for w := from / 64; w >= 0; w-- {
		word := b.words[w]
		if w == from/64 {
			word &= ^uint64(0) >> (63 - from%64)
		}
		if word != 0 {
			return w*64 + 63 - bits.LeadingZeros64(word)
		}
	}
	return -1
}

// freePool names one of the two free-set partitions.
type freePool int

const (
	poolMutator freePool = iota
	poolCollector
)

// freeSet is the partitioned bump allocator over regions. Mutator
// allocations scan the mutator partition low-to-high so application
// objects cluster toward low addresses; evacuation targets scan the
// collector partition high-to-low so the pools stay spatially
// separated. A region is in at most one partition, and never in a
// partition while in the collection set. Mutated only under the heap
// lock or inside a pause.
type freeSet struct {
	heap *Heap

	mutator   *regionBitset
	collector *regionBitset

	// capacity and used account the free set itself: capacity is the
	// total byte span of member regions at the last rebuild; used
	// grows with allocation and retirement.
	capacity int64
	used     int64
}

func newFreeSet(h *Heap) *freeSet {
	return &freeSet{
		heap:      h,
		mutator:   newRegionBitset(h.regions.count()),
		collector: newRegionBitset(h.regions.count()),
	}
}

func (f *freeSet) pool(p freePool) *regionBitset {
	if p == poolCollector {
		return f.collector
	}
	return f.mutator
}

func (f *freeSet) contains(i int) bool {
	return f.mutator.test(i) || f.collector.test(i)
}

// add places a region in one partition. The region must not already be
// in the other, and must not be in the collection set.
func (f *freeSet) add(r *Region, p freePool) {
	if f.mutator.test(r.index) || f.collector.test(r.index) {
		throw("region already in the free set")
	}
	if r.state == RegionCollectionSet {
		throw("collection-set region added to the free set")
	}
	f.pool(p).set(r.index)
	f.capacity += int64(r.freeBytes())
}

// remove drops the region from both partitions without charging used;
// used for collection-set selection and rebuilds.
func (f *freeSet) remove(r *Region) {
	f.mutator.clear(r.index)
	f.collector.clear(r.index)
}

// retire evicts a region that can no longer satisfy requests and
// charges its remaining free bytes as used, so the aggregate counters
// keep reflecting allocatable space.
func (f *freeSet) retire(r *Region) {
	f.remove(r)
	f.used += int64(r.freeBytes())
}

func (f *freeSet) availableBytes() int64 {
	return f.capacity - f.used
}

// allocate carves size bytes out of the free set for the given pool.
// It either returns a usable address with all counters updated, or 0
// meaning no capacity; there is no partial success. Heap lock held.
func (f *freeSet) allocate(size uintptr, p freePool) Address {
	size = alignUp(size)
	if addr := f.allocateFrom(p, size); addr != 0 {
		return addr
	}
	// The pool is exhausted. Recovery ladder: steal an empty region
	// from the other pool, then (if allowed) allocate directly from
	// the other pool's regions.
	if f.heap.cfg.AllowPoolSteal && f.stealEmptyInto(p) {
		if addr := f.allocateFrom(p, size); addr != 0 {
			return addr
		}
	}
	if f.heap.cfg.AllowMixedAllocation {
		if addr := f.allocateFrom(otherPool(p), size); addr != 0 {
			return addr
		}
	}
	return 0
}

func otherPool(p freePool) freePool {
	if p == poolMutator {
		return poolCollector
	}
	return poolMutator
}

// allocateFrom scans one partition from its cached bound. Mutator
// requests walk forward from the leftmost member, collector requests
// walk backward from the rightmost. Regions that cannot fit the
// request are retired on the way, after which the bounds are already
// re-scanned by the bitset.
func (f *freeSet) allocateFrom(p freePool, size uintptr) Address {
	set := f.pool(p)
	for !set.empty() {
		var idx int
		if p == poolMutator {
			idx = set.leftmost
		} else {
			idx = set.rightmost
		}
		r := f.heap.regions.at(idx)
		if addr := f.tryAllocateIn(r, size); addr != 0 {
			return addr
		}
		f.retire(r)
	}
	return 0
}

// tryAllocateIn bump-allocates inside one member region, committing
// and regularizing it on first use. Returns 0 if the request does not
// fit.
func (f *freeSet) tryAllocateIn(r *Region, size uintptr) Address {
	if r.state == RegionEmptyUncommitted {
		f.heap.commitRegion(r)
	}
	if r.state.isEmpty() {
		r.setState(RegionRegular)
	}
	if r.state != RegionRegular {
		throw("allocation from a non-regular free region")
	}
	addr := r.allocate(size)
	if addr == 0 {
		return 0
	}
	f.used += int64(alignUp(size))
	return addr
}

// stealEmptyInto flips one empty region from the other pool into p.
func (f *freeSet) stealEmptyInto(p freePool) bool {
	from := f.pool(otherPool(p))
	for i := from.nextSet(0); i < from.n; i = from.nextSet(i + 1) {
		r := f.heap.regions.at(i)
		if r.state.isEmpty() {
			from.clear(i)
			f.pool(p).set(i)
			return true
		}
	}
	return false
}

// allocateContiguous claims n adjacent empty mutator-free regions for
// a humongous object of the given total size. The first region becomes
// humongous-start, the rest continuations, every frontier is stamped,
// and all n leave the partition in one step under the heap lock. No
// inline compaction is attempted: if no run exists the caller gets 0
// and retries after reclamation.
func (f *freeSet) allocateContiguous(n int, size uintptr) Address {
	if n <= 0 {
		throw("bad humongous region count")
	}
	set := f.mutator
	run := 0
	for i := set.nextSet(0); i < set.n; i = set.nextSet(i + 1) {
		if !f.heap.regions.at(i).state.isEmpty() {
			run = 0
			continue
		}
		if run > 0 && !set.test(i-1) {
			run = 0
		}
		run++
		if run < n {
			continue
		}
		start := i - n + 1
		remaining := alignUp(size)
		for j := start; j <= i; j++ {
			r := f.heap.regions.at(j)
			if r.state == RegionEmptyUncommitted {
				f.heap.commitRegion(r)
			}
			if j == start {
				r.setState(RegionHumongousStart)
			} else {
				r.setState(RegionHumongousCont)
			}
			r.humongousStart = start
			chunk := r.size()
			if remaining < chunk {
				chunk = remaining
			}
			r.top = r.bottom + Address(chunk)
			remaining -= chunk
			set.clear(j)
			// The whole region is consumed by the object; charge the
			// tail waste as used like any retirement.
			f.used += int64(r.size())
		}
		return f.heap.regions.at(start).bottom
	}
	return 0
}

// rebuild repopulates both partitions from the directory, excluding
// collection-set members, recycling trash lazily on the way, and
// reserving the configured share of free regions for the collector
// pool from the high end of the address space. Runs under the heap
// lock or in a pause.
func (f *freeSet) rebuild() {
	f.mutator.clearAll()
	f.collector.clearAll()
	f.capacity = 0
	f.used = 0

	var free []int
	for i := 0; i < f.heap.regions.count(); i++ {
		r := f.heap.regions.at(i)
		if r.state == RegionTrash {
			f.heap.recycleTrash(r)
		}
		switch {
		case r.state.isEmpty():
			free = append(free, i)
		case r.state == RegionRegular && r.freeBytes() >= heapGranule && !r.isPinned():
			// A partially filled regular region keeps serving mutator
			// allocation.
			free = append(free, i)
		}
	}

	reserve := len(free) * f.heap.cfg.CollectorReservePercent / 100
	if reserve == 0 && len(free) > 0 {
		reserve = 1
	}
	for k, i := range free {
		r := f.heap.regions.at(i)
		if k >= len(free)-reserve && r.state.isEmpty() {
			f.add(r, poolCollector)
		} else {
			f.add(r, poolMutator)
		}
	}
}
