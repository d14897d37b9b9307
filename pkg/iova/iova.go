// Package iova tracks the IO-virtual address space of a VFIO container.
//
// A Tracker partitions the address ranges the IOMMU reports as valid into
// free and allocated regions. It is the single authority over a
// container's IOVA space: every DMA mapping reserves its range here first.
package iova

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"
	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/vfio-broker/pkg/types"
)

const (
	// Limit32 is the highest IOVA a 32-bit-only DMA engine can emit.
	Limit32 uint64 = 1<<32 - 1

	// DefaultMinStart64 is where 64-bit devices start looking for space,
	// leaving the low 4 GiB to 32-bit devices.
	DefaultMinStart64 uint64 = 1 << 32

	maxIOVA uint64 = math.MaxUint64
)

var (
	// ErrAlreadySeeded is returned by Seed on a tracker that holds regions.
	ErrAlreadySeeded = errors.New("iova tracker already seeded")
	// ErrNotAllocated is returned by Free for a range that is not allocated.
	ErrNotAllocated = errors.New("iova range is not allocated")
)

// Range is an inclusive IOVA interval as reported by the IOMMU.
type Range struct {
	Start uint64
	End   uint64
}

// Region is a tracked IOVA interval. End is inclusive.
type Region struct {
	Start     uint64
	End       uint64
	Allocated bool
}

// Size returns the number of bytes covered by r. It wraps to 0 for a
// region spanning the whole 64-bit space.
func (r Region) Size() uint64 {
	return r.End - r.Start + 1
}

func (r Region) String() string {
	state := "free"
	if r.Allocated {
		state = "allocated"
	}
	return fmt.Sprintf("[%#x-%#x %s]", r.Start, r.End, state)
}

// Policy controls where allocations for 64-bit devices are placed.
type Policy struct {
	// Reserve32 makes 64-bit devices try addresses at or above MinStart64
	// first so the low space stays available to 32-bit devices.
	Reserve32 bool
	// MinStart64 is the lower bound of the first attempt for 64-bit devices.
	MinStart64 uint64
}

// DefaultPolicy keeps the first 4 GiB for 32-bit devices.
func DefaultPolicy() Policy {
	return Policy{Reserve32: true, MinStart64: DefaultMinStart64}
}

// Tracker is an ordered set of non-overlapping IOVA regions.
//
// Tracker is not safe for concurrent use; it is owned by exactly one
// process (the broker or a direct-mode user).
type Tracker struct {
	regions *btree.BTreeG[Region]
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		regions: btree.NewG(8, func(a, b Region) bool { return a.Start < b.Start }),
	}
}

// Seed initialises the tracker with the free ranges reported by the
// container. Overlapping or touching ranges are merged.
func (t *Tracker) Seed(ranges []Range) error {
	if t.regions.Len() != 0 {
		return ErrAlreadySeeded
	}

	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End < r.Start {
			return fmt.Errorf("invalid iova range [%#x-%#x]", r.Start, r.End)
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var merged []Range
	for _, r := range sorted {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.End == maxIOVA || r.Start <= last.End+1 {
				if r.End > last.End {
					last.End = r.End
				}
				continue
			}
		}
		merged = append(merged, r)
	}

	for _, r := range merged {
		t.regions.ReplaceOrInsert(Region{Start: r.Start, End: r.End})
	}
	log.Debugf("iova tracker seeded with %d range(s)", len(merged))
	return nil
}

// Len returns the number of tracked regions.
func (t *Tracker) Len() int {
	return t.regions.Len()
}

// Regions returns a snapshot of the tracked regions in address order.
func (t *Tracker) Regions() []Region {
	out := make([]Region, 0, t.regions.Len())
	t.regions.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// Allocate reserves size bytes inside [minStart, maxEnd]. Among the free
// regions that can hold the request after clamping, the one leaving the
// least unused space wins; ties go to the lowest address. The allocation
// is placed at the start of the clamped span.
//
// The boolean is false when no region fits. That is an ordinary outcome,
// not an error.
func (t *Tracker) Allocate(minStart, maxEnd, size uint64) (Region, bool) {
	if size == 0 || minStart > maxEnd {
		return Region{}, false
	}

	var (
		best      Region
		bestStart uint64
		bestLeft  uint64
		found     bool
	)
	t.regions.Ascend(func(r Region) bool {
		if r.Allocated {
			return true
		}
		start := max(r.Start, minStart)
		end := min(r.End, maxEnd)
		if start > end {
			return true
		}
		// span is the usable size minus one, which cannot overflow.
		span := end - start
		if span < size-1 {
			return true
		}
		left := span - (size - 1)
		if !found || left < bestLeft {
			best, bestStart, bestLeft, found = r, start, left, true
		}
		return true
	})
	if !found {
		return Region{}, false
	}

	alloc := Region{Start: bestStart, End: bestStart + size - 1, Allocated: true}
	t.replace(best, alloc)
	log.Debugf("iova: allocated %s from %s", alloc, best)
	return alloc, true
}

// AllocateFor reserves size bytes for a device with the given DMA
// capability, following p.
func (t *Tracker) AllocateFor(dma types.DMACapability, size uint64, p Policy) (Region, bool) {
	if dma == types.DMA32 {
		return t.Allocate(0, Limit32, size)
	}
	if p.Reserve32 {
		if r, ok := t.Allocate(p.MinStart64, maxIOVA, size); ok {
			return r, true
		}
	}
	return t.Allocate(0, maxIOVA, size)
}

// Free returns r to the free pool. r must lie inside allocated space.
func (t *Tracker) Free(r Region) error {
	if r.End < r.Start {
		return fmt.Errorf("free %s: %w", r, ErrNotAllocated)
	}
	owner, ok := t.floor(r.Start)
	if !ok || !owner.Allocated || owner.End < r.End {
		return fmt.Errorf("free %s: %w", r, ErrNotAllocated)
	}

	t.replace(owner, Region{Start: r.Start, End: r.End})
	log.Debugf("iova: freed %s", Region{Start: r.Start, End: r.End, Allocated: true})
	return nil
}

// replace carves piece out of owner, which must contain it, leaving the
// remainders of owner in place with owner's state, then coalesces.
func (t *Tracker) replace(owner, piece Region) {
	t.regions.Delete(owner)
	if piece.Start > owner.Start {
		t.regions.ReplaceOrInsert(Region{Start: owner.Start, End: piece.Start - 1, Allocated: owner.Allocated})
	}
	if piece.End < owner.End {
		t.regions.ReplaceOrInsert(Region{Start: piece.End + 1, End: owner.End, Allocated: owner.Allocated})
	}
	t.regions.ReplaceOrInsert(piece)
	t.coalesce(piece)
}

// coalesce merges r with contiguous neighbours of the same state and
// checks that the result does not overlap its neighbours.
func (t *Tracker) coalesce(r Region) {
	for {
		prev, ok := t.prev(r)
		if !ok || !contiguous(prev, r) || prev.Allocated != r.Allocated {
			break
		}
		t.regions.Delete(prev)
		t.regions.Delete(r)
		r = Region{Start: prev.Start, End: r.End, Allocated: r.Allocated}
		t.regions.ReplaceOrInsert(r)
	}
	for {
		next, ok := t.next(r)
		if !ok || !contiguous(r, next) || next.Allocated != r.Allocated {
			break
		}
		t.regions.Delete(next)
		r = Region{Start: r.Start, End: next.End, Allocated: r.Allocated}
		t.regions.ReplaceOrInsert(r)
	}
	t.checkNeighbours(r)
}

// checkNeighbours panics if r overlaps an adjacent region. Overlap can
// only come from a bug in this package.
func (t *Tracker) checkNeighbours(r Region) {
	if prev, ok := t.prev(r); ok && prev.End >= r.Start {
		panic(fmt.Sprintf("iova: region %s overlaps %s", prev, r))
	}
	if next, ok := t.next(r); ok && r.End >= next.Start {
		panic(fmt.Sprintf("iova: region %s overlaps %s", r, next))
	}
}

// Validate checks the tracker invariants: sorted, non-overlapping and
// fully coalesced.
func (t *Tracker) Validate() error {
	var (
		prev    Region
		hasPrev bool
		err     error
	)
	t.regions.Ascend(func(r Region) bool {
		if r.End < r.Start {
			err = fmt.Errorf("inverted region %s", r)
			return false
		}
		if hasPrev {
			switch {
			case prev.End >= r.Start:
				err = fmt.Errorf("region %s overlaps %s", prev, r)
			case contiguous(prev, r) && prev.Allocated == r.Allocated:
				err = fmt.Errorf("regions %s and %s are not coalesced", prev, r)
			}
			if err != nil {
				return false
			}
		}
		prev, hasPrev = r, true
		return true
	})
	return err
}

// floor returns the region with the greatest start <= addr.
func (t *Tracker) floor(addr uint64) (Region, bool) {
	var (
		out   Region
		found bool
	)
	t.regions.DescendLessOrEqual(Region{Start: addr}, func(r Region) bool {
		out, found = r, true
		return false
	})
	return out, found
}

func (t *Tracker) prev(r Region) (Region, bool) {
	if r.Start == 0 {
		return Region{}, false
	}
	return t.floor(r.Start - 1)
}

func (t *Tracker) next(r Region) (Region, bool) {
	if r.End == maxIOVA {
		return Region{}, false
	}
	var (
		out   Region
		found bool
	)
	t.regions.AscendGreaterOrEqual(Region{Start: r.Start + 1}, func(n Region) bool {
		out, found = n, true
		return false
	})
	return out, found
}

func contiguous(a, b Region) bool {
	return a.End != maxIOVA && a.End+1 == b.Start
}
