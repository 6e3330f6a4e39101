package regiongc

// Snapshot-at-the-beginning barrier plumbing. Mutator threads that
// overwrite a reference while marking is active record the old value
// in a thread-local SATBBuffer; the marker treats every recorded value
// as live, which preserves the snapshot the cycle started from no
// matter what the mutator rewires afterwards. The shape follows the
// per-P write-barrier buffer: a fast fixed-size append with a slow
// path that hands the filled buffer to a global queue the marker
// drains.

const satbBufferEntries = 256

// A SATBBuffer is the per-mutator-thread barrier buffer. Obtain one
// with Heap.RegisterMutator and record through Record; the buffer is
// not safe for concurrent use by multiple threads, exactly like the
// runtime's per-P buffers.
type SATBBuffer struct {
	heap *Heap
	buf  [satbBufferEntries]Address
	n    int
}

// Record notes that ref is about to be overwritten. Cheap no-op while
// marking is off; the caller invokes this from its pre-write hook
// unconditionally.
func (b *SATBBuffer) Record(ref Address) {
	if ref < heapBase || !b.heap.marking.Load() {
		return
	}
	b.buf[b.n] = ref
	b.n++
	if b.n == len(b.buf) {
		b.heap.satb.flush(b)
	}
}

// satbQueue collects filled mutator buffers for the marker. The lock
// guards only queue structure; the buffers themselves are owned by one
// side at a time.
type satbQueue struct {
	full    [][]Address
	buffers []*SATBBuffer // every registered mutator buffer
}

// flush hands the buffer's contents to the global queue. Called by the
// owning mutator (slow path) or by flushAll inside a pause.
func (q *satbQueue) flush(b *SATBBuffer) {
	if b.n == 0 {
		return
	}
	chunk := make([]Address, b.n)
	copy(chunk, b.buf[:b.n])
	b.n = 0
	b.heap.satbLock.Lock()
	q.full = append(q.full, chunk)
	b.heap.satbLock.Unlock()
}

// tryDrain pops one filled chunk, or nil.
func (q *satbQueue) tryDrain(h *Heap) []Address {
	h.satbLock.Lock()
	defer h.satbLock.Unlock()
	if len(q.full) == 0 {
		return nil
	}
	chunk := q.full[len(q.full)-1]
	q.full = q.full[:len(q.full)-1]
	return chunk
}

func (q *satbQueue) isEmpty(h *Heap) bool {
	h.satbLock.Lock()
	defer h.satbLock.Unlock()
	return len(q.full) == 0
}

// flushAll moves every registered mutator buffer into the global
// queue. Only valid inside a pause, when no mutator is appending.
func (q *satbQueue) flushAll() {
	for _, b := range q.buffers {
		b.heap.satb.flush(b)
	}
}

// discardAll drops all pending entries, used when a cycle is abandoned
// before marking finishes in a mode that will re-mark from scratch.
func (q *satbQueue) discardAll(h *Heap) {
	h.satbLock.Lock()
	q.full = nil
	h.satbLock.Unlock()
	for _, b := range q.buffers {
		b.n = 0
	}
}
