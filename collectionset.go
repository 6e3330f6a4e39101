package regiongc

import "sync/atomic"

// A CollectionSet is the subset of regions chosen for evacuation in
// the current cycle. It is built once per cycle by the heuristics
// under a pause, consumed in parallel by the evacuator through the
// claim cursor, and cleared after reclamation.
type CollectionSet struct {
	member  []bool
	regions []*Region

	// Aggregate totals over the members, fixed at selection time.
	garbage int64
	live    int64

	cursor atomic.Int64
}

func newCollectionSet(numRegions int) *CollectionSet {
	return &CollectionSet{member: make([]bool, numRegions)}
}

// add moves a region into the set. Pinned and humongous regions can
// never be members; the region state transition enforces the same
// rule a second time.
func (cs *CollectionSet) add(r *Region) {
	if r.isPinned() {
		throw("pinned region selected for collection")
	}
	if r.state.isHumongous() {
		throw("humongous region selected for collection")
	}
	r.setState(RegionCollectionSet)
	cs.member[r.index] = true
	cs.regions = append(cs.regions, r)
	cs.garbage += r.garbageBytes()
	cs.live += r.liveBytes.Load()
}

func (cs *CollectionSet) contains(i int) bool {
	return cs.member[i]
}

func (cs *CollectionSet) count() int {
	return len(cs.regions)
}

func (cs *CollectionSet) isEmpty() bool {
	return len(cs.regions) == 0
}

// claimNext hands out the next unevacuated member to a worker, or nil.
func (cs *CollectionSet) claimNext() *Region {
	i := cs.cursor.Add(1) - 1
	if i >= int64(len(cs.regions)) {
		return nil
	}
	return cs.regions[i]
}

// abort returns every member to Regular without evacuating. Used when
// a cycle is abandoned before relocation starts.
func (cs *CollectionSet) abort() {
	for _, r := range cs.regions {
		r.setState(RegionRegular)
		r.dropForwarding()
		cs.member[r.index] = false
	}
	cs.regions = nil
	cs.garbage = 0
	cs.live = 0
	cs.cursor.Store(0)
}

// clear empties the set bookkeeping after its regions were reclaimed.
func (cs *CollectionSet) clear() {
	for _, r := range cs.regions {
		cs.member[r.index] = false
	}
	cs.regions = nil
	cs.garbage = 0
	cs.live = 0
	cs.cursor.Store(0)
}
