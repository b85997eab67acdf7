// Package keydir implements the in-RAM key descriptor cache: a
// fixed-capacity table mapping a key's hash to its latest known
// transaction id, state, and redundant flash addresses. The
// hash-to-latest-location shape is the same one bitcask-style stores use
// for their keydir, adapted here from a map to a bounded array so the
// table never grows the heap after construction.
package keydir

import (
	"fmt"

	"github.com/viperasi/pigweed/checksum"
	"github.com/viperasi/pigweed/kvserrors"
)

// State is whether a key descriptor's latest entry is live or a tombstone.
type State int

const (
	Valid State = iota
	Deleted
)

// Descriptor is the in-RAM record for one distinct key ever observed.
// Addresses holds 1..R absolute flash offsets, one per redundant copy,
// never two in the same sector.
type Descriptor struct {
	Hash          uint32
	TransactionID uint32
	State         State
	Addresses     []uint64
}

// ReplaceAddress swaps old for new in place, used when GC relocates one
// copy of a multi-copy descriptor.
func (d *Descriptor) ReplaceAddress(old, new uint64) {
	for i, a := range d.Addresses {
		if a == old {
			d.Addresses[i] = new
			return
		}
	}
}

// HashKey is the 32-bit key hash used to index the table. It is never
// persisted on flash, so it may change across versions without touching
// the on-flash entry format.
func HashKey(key []byte) uint32 {
	return checksum.KeyHash32(key)
}

// MergeOutcome reports which branch of the descriptor-merge rule Observe
// took.
type MergeOutcome int

const (
	MergeInserted MergeOutcome = iota
	MergeReplaced
	MergeAppendedCopy
	MergeDiscardedStale
)

// Table is the fixed-capacity key descriptor cache. Its backing array is
// allocated once, at capacity, so a *Descriptor returned by Find or Insert
// remains valid for the table's lifetime.
type Table struct {
	descriptors []Descriptor
	capacity    int
}

// NewTable allocates a Table able to hold up to capacity distinct keys.
func NewTable(capacity int) *Table {
	return &Table{descriptors: make([]Descriptor, 0, capacity), capacity: capacity}
}

func (t *Table) Len() int      { return len(t.descriptors) }
func (t *Table) Capacity() int { return t.capacity }

// AtIndex returns a pointer to the i'th descriptor, for index-based
// iteration (used by the store's Iter and by GC's relocation scan).
func (t *Table) AtIndex(i int) *Descriptor {
	return &t.descriptors[i]
}

// Find looks up a descriptor by hash.
func (t *Table) Find(hash uint32) (*Descriptor, bool) {
	for i := range t.descriptors {
		if t.descriptors[i].Hash == hash {
			return &t.descriptors[i], true
		}
	}
	return nil, false
}

// Insert appends a new descriptor, failing with kvserrors.ResourceExhausted
// if the table is at capacity. It returns a pointer into the table's fixed
// backing array.
func (t *Table) Insert(d Descriptor) (*Descriptor, error) {
	if len(t.descriptors) >= t.capacity {
		return nil, fmt.Errorf("%w: key descriptor table is full (capacity %d)", kvserrors.ResourceExhausted, t.capacity)
	}
	t.descriptors = append(t.descriptors, d)
	return &t.descriptors[len(t.descriptors)-1], nil
}

// Reset clears the table entirely; it is the only way descriptors are ever
// removed outside of being replaced in place.
func (t *Table) Reset() {
	t.descriptors = t.descriptors[:0]
}

// SectorOf maps an address to a sector index; the store supplies this as a
// closure over its sector.Table so that keydir itself stays independent of
// sector sizing.
type SectorOf func(address uint64) int

// Observe applies the descriptor-merge rule for a single just-read (or
// just-written) entry observation. deleted marks the entry as a
// tombstone.
//
// It does not check whether the incoming observation's key bytes actually
// match an existing same-hash descriptor's key — that requires a flash
// read and is the caller's responsibility. The writer reads the stored key
// back before calling Observe; the mount scanner calls Observe without
// comparing keys, so at mount two different keys with the same hash are
// merged into one descriptor by transaction id.
func (t *Table) Observe(hash, transactionID uint32, address uint64, deleted bool, sectorOf SectorOf) (MergeOutcome, *Descriptor, error) {
	state := Valid
	if deleted {
		state = Deleted
	}

	existing, found := t.Find(hash)
	if !found {
		d, err := t.Insert(Descriptor{
			Hash:          hash,
			TransactionID: transactionID,
			State:         state,
			Addresses:     []uint64{address},
		})
		if err != nil {
			return 0, nil, err
		}
		return MergeInserted, d, nil
	}

	switch {
	case transactionID > existing.TransactionID:
		existing.TransactionID = transactionID
		existing.State = state
		existing.Addresses = []uint64{address}
		return MergeReplaced, existing, nil

	case transactionID == existing.TransactionID:
		for _, a := range existing.Addresses {
			if sectorOf(a) == sectorOf(address) {
				return MergeDiscardedStale, existing, fmt.Errorf("%w: redundant copy in same sector as an existing copy", kvserrors.DataLoss)
			}
		}
		existing.Addresses = append(existing.Addresses, address)
		return MergeAppendedCopy, existing, nil

	default:
		return MergeDiscardedStale, existing, nil
	}
}
