// Package alloc implements the sector allocator: choosing a destination
// sector for a new or relocated entry while preserving the spare-sector
// invariant and spreading writes across the partition for wear-leveling.
// The ring-walk-from-a-remembered-position shape mirrors an index garbage
// collector's gc loop, which walks a ring of index files starting just
// past a resume point, tracking the best candidate as it goes.
package alloc

import (
	"fmt"

	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/sector"
)

// Mode selects between the append path (put/delete) and the
// garbage-collect path, which relaxes the spare-sector reservation.
type Mode int

const (
	Append Mode = iota
	GarbageCollect
)

// Select walks the sector ring starting one past lastNewSector, looking
// for a partially-used sector with enough room (tier 1), falling back to
// an empty sector (tier 2) subject to the spare-sector invariant. skip
// sectors (typically ones already holding another copy of the same key)
// are never chosen.
//
// It returns the chosen sector index and whether that sector was an empty
// one (in which case the caller should update its own last_new_sector to
// the returned index).
func Select(sectors *sector.Table, lastNewSector int, size uint32, mode Mode, skip map[int]bool) (index int, wasEmpty bool, err error) {
	n := sectors.Len()
	if n == 0 {
		return 0, false, fmt.Errorf("%w: no sectors configured", kvserrors.ResourceExhausted)
	}

	firstEmpty := -1
	emptyCount := 0

	for step := 1; step <= n; step++ {
		idx := (lastNewSector + step) % n
		if skip[idx] {
			continue
		}
		d := sectors.At(idx)
		st := d.State()
		if st != sector.Empty {
			if !d.HasSpace(size) {
				continue
			}
			if mode == GarbageCollect && d.RecoverableBytes() != 0 {
				continue
			}
			return idx, false, nil
		}

		emptyCount++
		if firstEmpty == -1 {
			firstEmpty = idx
		}
	}

	if firstEmpty != -1 && (mode == GarbageCollect || emptyCount >= 2) {
		return firstEmpty, true, nil
	}

	return 0, false, fmt.Errorf("%w: no sector has room for %d bytes", kvserrors.ResourceExhausted, size)
}
