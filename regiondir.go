package regiongc

import "sync/atomic"

// regionDirectory owns every region in the heap. It supports indexed
// lookup, linear iteration, and an atomic claim cursor that parallel
// passes (reference update, full-cycle phases) use to hand out regions
// to workers without further coordination, the same way the sweeper
// hands out spans.
type regionDirectory struct {
	regions []*Region

	// cursor is the next unclaimed region index for the pass in
	// flight. Reset between passes; not reset when a cancelled pass
	// resumes.
	cursor atomic.Int64
}

func newRegionDirectory(num int, regionSize uintptr) *regionDirectory {
	d := &regionDirectory{regions: make([]*Region, num)}
	for i := range d.regions {
		bottom := heapBase + Address(uintptr(i)*regionSize)
		d.regions[i] = &Region{
			index:          i,
			bottom:         bottom,
			end:            bottom + Address(regionSize),
			top:            bottom,
			newTop:         bottom,
			humongousStart: -1,
		}
	}
	return d
}

func (d *regionDirectory) count() int {
	return len(d.regions)
}

func (d *regionDirectory) at(i int) *Region {
	return d.regions[i]
}

// claimNext atomically hands out the next unclaimed region, or nil
// when the pass has visited every region.
func (d *regionDirectory) claimNext() *Region {
	i := d.cursor.Add(1) - 1
	if i >= int64(len(d.regions)) {
		return nil
	}
	return d.regions[i]
}

func (d *regionDirectory) resetClaim() {
	d.cursor.Store(0)
}
