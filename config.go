package regiongc

import (
	"fmt"
	"time"
)

// Config carries every tunable of the collector. A zero Config is not
// usable; call DefaultConfig and override fields, then pass the result
// to New, which validates it. There are no environment knobs and no
// package-level state; everything hangs off the Heap built from this.
type Config struct {
	// RegionSize is the size in bytes of a single heap region. Must be
	// a power of two and a multiple of the allocation granule.
	RegionSize uintptr

	// NumRegions is the number of regions in the heap. Heap capacity is
	// NumRegions*RegionSize.
	NumRegions int

	// Workers is the size of the parallel worker pool shared by
	// marking, evacuation, and reference updating.
	Workers int

	// TriggerOccupancyPercent is the heap occupancy (used/capacity) at
	// which the static heuristic starts a concurrent cycle.
	TriggerOccupancyPercent int

	// GarbageThresholdPercent is the minimum garbage, as a percent of
	// region size, a region must hold to be added to the collection
	// set.
	GarbageThresholdPercent int

	// MinGarbageTargetPercent is the cumulative garbage, as a percent
	// of heap capacity, at which collection set selection may stop
	// early.
	MinGarbageTargetPercent int

	// HumongousThresholdPercent is the object size, as a percent of
	// region size, at or above which an allocation is placed in a
	// dedicated humongous region run.
	HumongousThresholdPercent int

	// CollectorReservePercent is the fraction of free regions reserved
	// for the collector pool when the free set is rebuilt. Evacuation
	// allocates exclusively from this pool.
	CollectorReservePercent int

	// AllowPoolSteal lets an exhausted pool flip an empty region over
	// from the other pool before giving up.
	AllowPoolSteal bool

	// AllowMixedAllocation is the last-resort recovery policy: an
	// exhausted pool may allocate from the other pool's non-empty
	// regions. Historically this knob flipped between releases, so it
	// is configuration, not a constant.
	AllowMixedAllocation bool

	// FutilityThresholdRegions is the minimum number of regions' worth
	// of space a degenerated cycle must reclaim. Reclaiming less
	// escalates to a full cycle, since repeating a degenerated cycle on
	// an overloaded heap would not converge.
	FutilityThresholdRegions int

	// DeferUpdateRefs folds the reference-update pass into the next
	// cycle's marking instead of running it immediately after
	// evacuation. The old collection set is held until that mark
	// completes.
	DeferUpdateRefs bool

	// PacingEnabled throttles mutator allocation against collector
	// progress. PacerMaxDelay bounds a single allocation stall.
	PacingEnabled bool
	PacerMaxDelay time.Duration

	// RegulatorInterval is how often the control loop polls the
	// heuristic trigger while idle.
	RegulatorInterval time.Duration

	// Verify enables internal consistency checks at pause boundaries.
	// A failed check is fatal: it means an invariant the collector
	// depends on is already broken.
	Verify bool

	// Trace, if non-nil, receives collector event lines.
	Trace func(format string, args ...any)
}

// DefaultConfig returns a Config suitable for a small managed heap.
func DefaultConfig() Config {
	return Config{
		RegionSize:                256 * 1024,
		NumRegions:                256,
		Workers:                   4,
		TriggerOccupancyPercent:   75,
		GarbageThresholdPercent:   25,
		MinGarbageTargetPercent:   10,
		HumongousThresholdPercent: 100,
		CollectorReservePercent:   10,
		AllowPoolSteal:            true,
		AllowMixedAllocation:      false,
		FutilityThresholdRegions:  1,
		DeferUpdateRefs:           false,
		PacingEnabled:             false,
		PacerMaxDelay:             10 * time.Millisecond,
		RegulatorInterval:         10 * time.Millisecond,
	}
}

func (c *Config) validate() error {
	if c.RegionSize == 0 || c.RegionSize&(c.RegionSize-1) != 0 {
		return fmt.Errorf("regiongc: region size %d is not a power of two", c.RegionSize)
	}
	if c.RegionSize%heapGranule != 0 {
		return fmt.Errorf("regiongc: region size %d is not granule aligned", c.RegionSize)
	}
	if c.NumRegions <= 0 {
		return fmt.Errorf("regiongc: need at least one region, have %d", c.NumRegions)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("regiongc: need at least one worker, have %d", c.Workers)
	}
	if c.TriggerOccupancyPercent <= 0 || c.TriggerOccupancyPercent > 100 {
		return fmt.Errorf("regiongc: bad trigger occupancy %d%%", c.TriggerOccupancyPercent)
	}
	if c.HumongousThresholdPercent <= 0 {
		return fmt.Errorf("regiongc: bad humongous threshold %d%%", c.HumongousThresholdPercent)
	}
	if c.FutilityThresholdRegions < 1 {
		return fmt.Errorf("regiongc: futility threshold must cover at least one region")
	}
	return nil
}

func (c *Config) trace(format string, args ...any) {
	if c.Trace != nil {
		c.Trace(format, args...)
	}
}
