package regiongc

// An Address names a location in the managed heap. Addresses are
// offsets into the heap's backing store, biased by heapBase so that 0
// stays reserved as the nil reference. The collector never dereferences
// an Address itself; the injected ObjectModel interprets the bytes.
type Address uintptr

// heapBase is the lowest legal heap address. Anything below it is
// treated as a non-heap value by the barriers, the same way the
// runtime filters pointers below minLegalPointer.
const heapBase Address = 4096

// heapGranule is the allocation granule. Object sizes are rounded up
// to it, and mark bits and forwarding slots are one per granule.
const heapGranule = 8

func alignUp(n uintptr) uintptr {
	return (n + heapGranule - 1) &^ (heapGranule - 1)
}

// throw reports a broken collector invariant. These are verification
// failures in the sense of the error taxonomy: the heap can no longer
// be trusted, so the process must not continue.
func throw(msg string) {
	panic("regiongc: " + msg)
}
