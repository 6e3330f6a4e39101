package regiongc

import "sync"

// Marker work pool. This is a producer/consumer model over grey object
// addresses: a grey object is marked and queued, a black object is
// marked and scanned. Each worker caches two buffers and trades whole
// buffers with the global lists, so the cost of touching shared state
// amortizes over a bufferful of objects and the workers steal from one
// another at buffer granularity.

const workbufEntries = 254

type workbuf struct {
	next *workbuf // link in a workList
	nobj int
	obj  [workbufEntries]Address
}

func (b *workbuf) checknonempty() {
	if b.nobj == 0 {
		throw("workbuf is empty")
	}
}

func (b *workbuf) checkempty() {
	if b.nobj != 0 {
		throw("workbuf is not empty")
	}
}

// workList is a locked stack of buffers. The full list holds buffers
// with pending work — it doubles as the steal target for idle workers;
// the empty list recycles spent buffers.
type workList struct {
	lock sync.Mutex
	head *workbuf
	size int
}

func (l *workList) push(b *workbuf) {
	l.lock.Lock()
	b.next = l.head
	l.head = b
	l.size++
	l.lock.Unlock()
}

func (l *workList) pop() *workbuf {
	l.lock.Lock()
	b := l.head
	if b != nil {
		l.head = b.next
		b.next = nil
		l.size--
	}
	l.lock.Unlock()
	return b
}

func (l *workList) isEmpty() bool {
	l.lock.Lock()
	empty := l.head == nil
	l.lock.Unlock()
	return empty
}

// markWork is the shared side of the pool: global buffer lists plus
// per-cycle aggregate counters.
type markWork struct {
	full  workList
	empty workList
}

func (w *markWork) getempty() *workbuf {
	if b := w.empty.pop(); b != nil {
		b.checkempty()
		return b
	}
	return new(workbuf)
}

func (w *markWork) putempty(b *workbuf) {
	b.checkempty()
	w.empty.push(b)
}

func (w *markWork) putfull(b *workbuf) {
	b.checknonempty()
	w.full.push(b)
}

func (w *markWork) trygetfull() *workbuf {
	b := w.full.pop()
	if b != nil {
		b.checknonempty()
	}
	return b
}

// discard drops pending grey work. Needed when a full collection
// abandons an aborted mark instead of resuming it; the stale buffers
// would otherwise leak into the next pass.
func (w *markWork) discard() {
	for {
		b := w.full.pop()
		if b == nil {
			return
		}
		b.nobj = 0
		w.empty.push(b)
	}
}

// handoff splits a buffer in two, publishing the first half for other
// workers to steal and keeping the rest local.
func (w *markWork) handoff(b *workbuf) *workbuf {
	b1 := w.getempty()
	n := b.nobj / 2
	b.nobj -= n
	b1.nobj = n
	copy(b1.obj[:n], b.obj[b.nobj:b.nobj+n])
	w.putfull(b)
	return b1
}

// A gcWork is one worker's interface to the mark work pool, plus its
// thread-local liveness accumulator. Workers flush the per-region
// live-byte deltas with one atomic add per touched region when a chunk
// of work finishes, instead of contending per object.
type gcWork struct {
	shared *markWork

	// wbuf1 is the buffer we push to and pop from, wbuf2 the one we
	// trade away next. Keeping two gives hysteresis: a get or put hits
	// the global lists at most once per bufferful. Either both are nil
	// or neither is.
	wbuf1, wbuf2 *workbuf

	// liveDelta accumulates live bytes per region index; dirty lists
	// which entries are nonzero.
	liveDelta []int64
	dirty     []int
}

func (gw *gcWork) init(shared *markWork, numRegions int) {
	gw.shared = shared
	gw.liveDelta = make([]int64, numRegions)
	gw.dirty = gw.dirty[:0]
}

func (gw *gcWork) initBufs() {
	gw.wbuf1 = gw.shared.getempty()
	wbuf2 := gw.shared.trygetfull()
	if wbuf2 == nil {
		wbuf2 = gw.shared.getempty()
	}
	gw.wbuf2 = wbuf2
}

// put queues a grey object.
func (gw *gcWork) put(obj Address) {
	wbuf := gw.wbuf1
	if wbuf == nil {
		gw.initBufs()
		wbuf = gw.wbuf1
	} else if wbuf.nobj == len(wbuf.obj) {
		gw.wbuf1, gw.wbuf2 = gw.wbuf2, gw.wbuf1
		wbuf = gw.wbuf1
		if wbuf.nobj == len(wbuf.obj) {
			gw.shared.putfull(wbuf)
			wbuf = gw.shared.getempty()
			gw.wbuf1 = wbuf
		}
	}
	wbuf.obj[wbuf.nobj] = obj
	wbuf.nobj++
}

// tryGetFast dequeues from the local buffer only.
func (gw *gcWork) tryGetFast() Address {
	wbuf := gw.wbuf1
	if wbuf == nil || wbuf.nobj == 0 {
		return 0
	}
	wbuf.nobj--
	return wbuf.obj[wbuf.nobj]
}

// tryGet dequeues, falling back through the second buffer to the
// global full list. Returning 0 means no work was visible, not that
// the whole pool is drained: other workers may still hold buffers.
func (gw *gcWork) tryGet() Address {
	wbuf := gw.wbuf1
	if wbuf == nil {
		gw.initBufs()
		wbuf = gw.wbuf1
	}
	if wbuf.nobj == 0 {
		gw.wbuf1, gw.wbuf2 = gw.wbuf2, gw.wbuf1
		wbuf = gw.wbuf1
		if wbuf.nobj == 0 {
			owbuf := wbuf
			wbuf = gw.shared.trygetfull()
			if wbuf == nil {
				return 0
			}
			gw.shared.putempty(owbuf)
			gw.wbuf1 = wbuf
		}
	}
	wbuf.nobj--
	return wbuf.obj[wbuf.nobj]
}

// balance moves cached work back to the global list so idle workers
// can steal it.
func (gw *gcWork) balance() {
	if gw.wbuf1 == nil {
		return
	}
	if wbuf := gw.wbuf2; wbuf.nobj != 0 {
		gw.shared.putfull(wbuf)
		gw.wbuf2 = gw.shared.getempty()
	} else if wbuf := gw.wbuf1; wbuf.nobj > 4 {
		gw.wbuf1 = gw.shared.handoff(wbuf)
	}
}

// noteLive records size live bytes against a region, thread-locally.
func (gw *gcWork) noteLive(regionIndex int, size uintptr) {
	if gw.liveDelta[regionIndex] == 0 {
		gw.dirty = append(gw.dirty, regionIndex)
	}
	gw.liveDelta[regionIndex] += int64(size)
}

// flushLive publishes the accumulated per-region deltas with one
// atomic add per dirty region.
func (gw *gcWork) flushLive(h *Heap) {
	for _, i := range gw.dirty {
		if d := gw.liveDelta[i]; d != 0 {
			h.regions.at(i).liveBytes.Add(d)
			gw.liveDelta[i] = 0
		}
	}
	gw.dirty = gw.dirty[:0]
}

// dispose returns buffers to the global lists and flushes counters.
// Full buffers go back to the full list so pending work stays visible
// to whoever runs next.
func (gw *gcWork) dispose(h *Heap) {
	if wbuf := gw.wbuf1; wbuf != nil {
		if wbuf.nobj == 0 {
			gw.shared.putempty(wbuf)
		} else {
			gw.shared.putfull(wbuf)
		}
		gw.wbuf1 = nil
		wbuf = gw.wbuf2
		if wbuf.nobj == 0 {
			gw.shared.putempty(wbuf)
		} else {
			gw.shared.putfull(wbuf)
		}
		gw.wbuf2 = nil
	}
	gw.flushLive(h)
}
