// Package sector implements per-sector byte accounting: writable/valid/
// recoverable byte counts, the derived sector state, and the
// fixed-capacity table of descriptors the store builds once at mount and
// never grows afterward. Sectors are identified by index, never by
// back-pointer.
package sector

import "fmt"

// State is the derived lifecycle state of a sector.
type State int

const (
	// Empty sectors have their full size writable.
	Empty State = iota
	// Active sectors have some writable space and some valid or
	// recoverable bytes.
	Active
	// Full sectors have no writable space left, whether or not they still
	// hold live entries.
	Full
	// CorruptLocked sectors have had their writable space forced to zero
	// because corruption was found in them at mount; they are prime GC
	// candidates.
	CorruptLocked
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Active:
		return "active"
	case Full:
		return "full"
	case CorruptLocked:
		return "corrupt-locked"
	default:
		return "unknown"
	}
}

// Descriptor is the in-RAM bookkeeping for one flash sector. It holds no
// back-pointer to the sector's address: sector lookup from an address is
// always address/sectorSize, performed by Table.
type Descriptor struct {
	size     uint32
	writable uint32
	valid    uint32
	locked   bool
}

// NewDescriptor returns a Descriptor for an empty sector of the given size.
func NewDescriptor(sizeBytes uint32) Descriptor {
	return Descriptor{size: sizeBytes, writable: sizeBytes}
}

func (d *Descriptor) SizeBytes() uint32     { return d.size }
func (d *Descriptor) WritableBytes() uint32 { return d.writable }
func (d *Descriptor) ValidBytes() uint32    { return d.valid }

// RecoverableBytes is derived, never stored directly: size - writable -
// valid.
func (d *Descriptor) RecoverableBytes() uint32 {
	return d.size - d.writable - d.valid
}

func (d *Descriptor) Locked() bool { return d.locked }

// HasSpace reports whether need bytes fit in the sector's writable tail.
func (d *Descriptor) HasSpace(need uint32) bool {
	return d.writable >= need
}

// State derives the sector's lifecycle state from its byte counts and lock
// flag.
func (d *Descriptor) State() State {
	if d.locked {
		return CorruptLocked
	}
	if d.writable == d.size {
		return Empty
	}
	if d.writable == 0 {
		return Full
	}
	return Active
}

// AddValidBytes records n additional bytes of live entry data.
func (d *Descriptor) AddValidBytes(n uint32) {
	d.valid += n
}

// RemoveValidBytes records n bytes of previously-live entry data becoming
// stale (their space becomes recoverable).
func (d *Descriptor) RemoveValidBytes(n uint32) {
	d.valid -= n
}

// RemoveWritableBytes records n bytes of the writable tail being consumed
// by an append, regardless of whether the write that consumed them
// succeeded: a partially-accepted write still consumes its accepted bytes.
func (d *Descriptor) RemoveWritableBytes(n uint32) {
	d.writable -= n
}

// SetWritableBytes overwrites the writable count directly; used when
// locking a sector (force to zero) and when GC finishes erasing one.
func (d *Descriptor) SetWritableBytes(n uint32) {
	d.writable = n
}

// Lock marks the sector as containing unrecoverable bytes, forcing its
// writable tail to zero so no further writes land there.
func (d *Descriptor) Lock() {
	d.locked = true
	d.writable = 0
}

// Reset returns the descriptor to the empty state, as after an erase.
func (d *Descriptor) Reset() {
	d.writable = d.size
	d.valid = 0
	d.locked = false
}

// Table is the fixed-capacity array of sector descriptors the store builds
// once at mount. It never grows past the partition's sector count.
type Table struct {
	descriptors []Descriptor
	sectorSize  uint32
}

// NewTable allocates a Table sized exactly to sectorCount, all sectors
// starting empty. maxSectors is the caller-declared table capacity (spec
// §6 "max_sectors (compile-time)"); mounting a partition with more sectors
// than that capacity is a configuration error.
func NewTable(sectorCount int, sectorSizeBytes uint32, maxSectors int) (*Table, error) {
	if sectorCount > maxSectors {
		return nil, fmt.Errorf("sector table capacity %d is smaller than partition sector count %d", maxSectors, sectorCount)
	}
	descs := make([]Descriptor, sectorCount, maxSectors)
	for i := range descs {
		descs[i] = NewDescriptor(sectorSizeBytes)
	}
	return &Table{descriptors: descs, sectorSize: sectorSizeBytes}, nil
}

func (t *Table) Len() int            { return len(t.descriptors) }
func (t *Table) SectorSize() uint32  { return t.sectorSize }
func (t *Table) At(i int) *Descriptor { return &t.descriptors[i] }

// Base returns the absolute partition address of sector i's first byte.
func (t *Table) Base(i int) uint64 {
	return uint64(i) * uint64(t.sectorSize)
}

// IndexOf returns the sector index containing address.
func (t *Table) IndexOf(address uint64) int {
	return int(address / uint64(t.sectorSize))
}

// EmptyCount returns how many sectors are currently Empty.
func (t *Table) EmptyCount() int {
	n := 0
	for i := range t.descriptors {
		if t.descriptors[i].State() == Empty {
			n++
		}
	}
	return n
}

// ResetAll returns every sector to the empty state, as after erasing the
// whole partition. Nothing in this module calls it.
func (t *Table) ResetAll() {
	for i := range t.descriptors {
		t.descriptors[i].Reset()
	}
}
