// Package gc implements the garbage collector: picking a victim sector,
// relocating its still-live entries elsewhere, and erasing it. The
// victim-selection and relocate-then-erase shape is the same one an index
// garbage collector uses for compacting bucket/hashtable index files,
// adapted here to compacting flash sectors instead.
package gc

import (
	"errors"
	"fmt"

	"github.com/viperasi/pigweed/alloc"
	"github.com/viperasi/pigweed/entry"
	"github.com/viperasi/pigweed/keydir"
	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/partition"
	"github.com/viperasi/pigweed/sector"
)

// Collector owns the state a GC pass needs beyond what the store's Put path
// already touches. The store constructs exactly one Collector and shares it
// between explicit GC calls and the automatic retry-on-full-sector path.
type Collector struct {
	p             partition.Flash
	sectors       *sector.Table
	keys          *keydir.Table
	formats       []entry.Format
	alignment     int
	lastNewSector *int
	burn          func() uint32
}

// New constructs a Collector. lastNewSector is a pointer into the store's
// own field so relocate's destination choice updates the same ring-walk
// cursor the writer uses. burn mints a fresh transaction id; GC burns a new
// one per relocated copy rather than preserving the original id.
func New(p partition.Flash, sectors *sector.Table, keys *keydir.Table, formats []entry.Format, lastNewSector *int, burn func() uint32) *Collector {
	return &Collector{
		p:             p,
		sectors:       sectors,
		keys:          keys,
		formats:       formats,
		alignment:     int(p.AlignmentBytes()),
		lastNewSector: lastNewSector,
		burn:          burn,
	}
}

func (c *Collector) sectorOf(addr uint64) int { return c.sectors.IndexOf(addr) }

// chooseVictim picks the sector with the most recoverable bytes among
// those with zero valid bytes, falling back to the sector with the most
// recoverable bytes overall if none is entirely dead.
func (c *Collector) chooseVictim(excludeEmpty bool) (int, bool) {
	bestDead := -1
	var bestDeadRecoverable uint32
	bestAny := -1
	var bestAnyRecoverable uint32

	for i := 0; i < c.sectors.Len(); i++ {
		d := c.sectors.At(i)
		if excludeEmpty && d.State() == sector.Empty {
			continue
		}
		rec := d.RecoverableBytes()
		if rec == 0 {
			continue
		}
		if d.ValidBytes() == 0 && rec > bestDeadRecoverable {
			bestDead, bestDeadRecoverable = i, rec
		}
		if rec > bestAnyRecoverable {
			bestAny, bestAnyRecoverable = i, rec
		}
	}

	if bestDead != -1 {
		return bestDead, true
	}
	if bestAny != -1 {
		return bestAny, true
	}
	return -1, false
}

// relocate re-reads and re-verifies the entry at oldAddress, writes a fresh
// copy elsewhere under a newly-burned transaction id, and updates both the
// descriptor and the source/destination sectors' byte accounting.
func (c *Collector) relocate(d *keydir.Descriptor, oldAddress uint64, victim int) error {
	h, format, err := entry.ReadHeader(c.p, oldAddress, c.formats)
	if err != nil {
		return fmt.Errorf("%w: victim entry at %d unreadable: %v", kvserrors.Internal, oldAddress, err)
	}
	key, value, err := entry.ReadKeyValue(c.p, oldAddress, h)
	if err != nil {
		return fmt.Errorf("%w: victim entry at %d unreadable: %v", kvserrors.Internal, oldAddress, err)
	}
	if verr := entry.Verify(format, h, key, value); verr != nil {
		return fmt.Errorf("%w: victim entry at %d failed verification: %v", kvserrors.Internal, oldAddress, verr)
	}

	skip := map[int]bool{victim: true}
	for _, a := range d.Addresses {
		skip[c.sectorOf(a)] = true
	}

	size := uint32(entry.EncodedSize(len(key), len(value), h.Deleted(), c.alignment))
	destIdx, wasEmpty, err := alloc.Select(c.sectors, *c.lastNewSector, size, alloc.GarbageCollect, skip)
	if err != nil {
		return err
	}

	newTxn := c.burn()
	buf, err := entry.Encode(format, key, value, h.Deleted(), newTxn, c.alignment)
	if err != nil {
		return fmt.Errorf("%w: re-encoding relocated entry: %v", kvserrors.Internal, err)
	}

	dest := c.sectors.At(destIdx)
	destAddr := c.sectors.Base(destIdx) + uint64(dest.SizeBytes()-dest.WritableBytes())
	n, werr := c.p.WriteAt(destAddr, buf)
	dest.RemoveWritableBytes(uint32(n))
	if werr != nil {
		return fmt.Errorf("%w: relocating entry: %v", kvserrors.Internal, werr)
	}
	dest.AddValidBytes(uint32(len(buf)))
	if wasEmpty {
		*c.lastNewSector = destIdx
	}

	c.sectors.At(victim).RemoveValidBytes(uint32(h.Size()))
	d.ReplaceAddress(oldAddress, destAddr)
	d.TransactionID = newTxn
	return nil
}

// relocateAll moves every still-live copy stored in sector victim to a
// different sector, then erases victim.
func (c *Collector) relocateAll(victim int) error {
	base := c.sectors.Base(victim)
	end := base + uint64(c.sectors.SectorSize())

	for i := 0; i < c.keys.Len(); i++ {
		d := c.keys.AtIndex(i)
		for {
			idx := -1
			for j, a := range d.Addresses {
				if a >= base && a < end {
					idx = j
					break
				}
			}
			if idx == -1 {
				break
			}
			if err := c.relocate(d, d.Addresses[idx], victim); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) erase(victim int) error {
	d := c.sectors.At(victim)
	d.SetWritableBytes(0)
	base := c.sectors.Base(victim)
	if err := c.p.Erase(base, 1); err != nil {
		return fmt.Errorf("%w: erasing sector %d: %v", kvserrors.Internal, victim, err)
	}
	d.Reset()
	return nil
}

// PartialCollect reclaims exactly one sector: the victim chooseVictim
// picks, stopping after a single relocate+erase. It is
// what the store calls automatically when a write finds no room. If no
// sector has anything recoverable, there is nothing to GC: it returns 0
// reclaimed and a nil error rather than failing.
func (c *Collector) PartialCollect() (int, error) {
	victim, ok := c.chooseVictim(true)
	if !ok {
		return 0, nil
	}
	if err := c.relocateAll(victim); err != nil {
		return 0, err
	}
	reclaimed := int(c.sectors.At(victim).RecoverableBytes())
	if err := c.erase(victim); err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// FullCollect walks every sector once, relocating and erasing any with
// recoverable bytes, restoring the spare-sector invariant across the whole
// partition rather than just one sector's worth. Used for mount-time
// recovery of the spare-sector invariant and for an explicit CLI-triggered
// compaction.
func (c *Collector) FullCollect() (int, error) {
	reclaimed := 0
	n := c.sectors.Len()
	for step := 0; step < n; step++ {
		idx := (*c.lastNewSector + step) % n
		d := c.sectors.At(idx)
		if d.State() == sector.Empty || d.RecoverableBytes() == 0 {
			continue
		}
		reclaimed += int(d.RecoverableBytes())
		if err := c.relocateAll(idx); err != nil {
			if errors.Is(err, kvserrors.ResourceExhausted) {
				return reclaimed, err
			}
			return reclaimed, err
		}
		if err := c.erase(idx); err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}
