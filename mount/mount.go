// Package mount implements the mount-time recovery scan: a two-pass walk
// that rebuilds the in-RAM keydir and sector byte accounting from whatever
// is actually on flash, tolerating corruption by resynchronizing on the
// next recognizable magic. The two-pass shape (walk entries, then
// reconcile sector accounting from the rebuilt keydir) is the same one an
// index-rebuild pass uses, adapted here from a bucket/hashtable rebuild to
// this store's fixed keydir/sector tables.
package mount

import (
	"errors"
	"fmt"

	"github.com/viperasi/pigweed/entry"
	"github.com/viperasi/pigweed/keydir"
	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/partition"
	"github.com/viperasi/pigweed/sector"
)

// Report summarizes what the scan found. Store.Open logs it and turns a
// nonzero corruption count into the ErrDataLoss it returns.
type Report struct {
	EntriesRecovered int
	CorruptEntries   int
	CorruptBytes     uint32
	SectorsLocked    int
}

// DataLoss reports whether the scan found any corruption worth surfacing to
// the caller even though mount otherwise completed.
func (r Report) DataLoss() bool {
	return r.CorruptEntries > 0
}

// GCFunc is invoked once, with no arguments, if after the scan no sector is
// Empty and the spare-sector invariant must be restored before mount can
// succeed. It is the store's garbage collector, wired in by the caller so
// that mount does not import gc.
type GCFunc func() (int, error)

// Result carries the scan's derived state back to the store: the highest
// transaction id observed (the next one to burn is this plus one) and the
// sector it was last written into (the seed for the allocator's ring walk).
type Result struct {
	Report        Report
	MaxTxnID      uint32
	SeedSector    int
	HasEntries    bool
}

// Scan walks every sector of p from its sector boundary looking for
// entries recognized by one of formats, rebuilding keys and sectors as it
// goes, then reconciles sector.Descriptor valid-byte accounting from the
// final keydir contents. If no sector is left Empty afterward, gc is
// invoked once to try to restore the spare-sector invariant; if that still
// fails to produce an Empty sector, Scan returns kvserrors.Internal.
func Scan(p partition.Flash, sectors *sector.Table, keys *keydir.Table, formats []entry.Format, gc GCFunc) (Result, error) {
	var report Report
	var maxTxn uint32
	seedSector := -1
	hasEntries := false

	sectorOf := func(addr uint64) int { return sectors.IndexOf(addr) }

	for i := 0; i < sectors.Len(); i++ {
		base := sectors.Base(i)
		end := base + uint64(sectors.SectorSize())
		addr := base
		corruptInSector := false

		for addr < end {
			h, format, err := entry.ReadHeader(p, addr, formats)
			if errors.Is(err, kvserrors.NotFound) {
				// Erased tail: the rest of this sector is writable.
				sectors.At(i).SetWritableBytes(uint32(end - addr))
				break
			}
			if err != nil {
				corruptInSector = true
				report.CorruptEntries++
				resync, skipped, found, ferr := entry.FindMagic(p, addr+entry.MinAlignmentBytes, end, formats)
				if ferr != nil {
					return Result{}, ferr
				}
				report.CorruptBytes += skipped + entry.MinAlignmentBytes
				if !found {
					sectors.At(i).SetWritableBytes(0)
					break
				}
				addr = resync
				continue
			}

			key, value, err := entry.ReadKeyValue(p, addr, h)
			if err != nil {
				return Result{}, err
			}
			if verr := entry.Verify(format, h, key, value); verr != nil {
				corruptInSector = true
				report.CorruptEntries++
				size := uint32(h.Size())
				report.CorruptBytes += size
				addr += uint64(size)
				continue
			}

			size := uint32(h.Size())
			hash := keydir.HashKey(key)
			_, _, oerr := keys.Observe(hash, h.TransactionID, addr, h.Deleted(), sectorOf)
			if oerr != nil && !errors.Is(oerr, kvserrors.DataLoss) {
				return Result{}, oerr
			}
			if oerr != nil {
				corruptInSector = true
				report.CorruptEntries++
				report.CorruptBytes += size
			}

			if h.TransactionID >= maxTxn {
				maxTxn = h.TransactionID
				seedSector = i
			}
			hasEntries = true
			report.EntriesRecovered++
			addr += uint64(size)
		}

		if addr >= end {
			sectors.At(i).SetWritableBytes(0)
		}
		if corruptInSector {
			sectors.At(i).Lock()
			report.SectorsLocked++
		}
	}

	// Pass 2: every surviving descriptor's addresses contribute valid bytes
	// to their sector (recoverable bytes fall out as size - writable -
	// valid, so nothing explicit to do for stale copies).
	for i := 0; i < keys.Len(); i++ {
		d := keys.AtIndex(i)
		for _, addr := range d.Addresses {
			h, _, err := entry.ReadHeader(p, addr, formats)
			if err != nil {
				return Result{}, fmt.Errorf("%w: keydir address %d unreadable during reconciliation: %v", kvserrors.Internal, addr, err)
			}
			sectors.At(sectorOf(addr)).AddValidBytes(uint32(h.Size()))
		}
	}

	if sectors.EmptyCount() == 0 {
		if gc == nil {
			return Result{}, fmt.Errorf("%w: no empty sector after mount and no gc callback supplied", kvserrors.Internal)
		}
		if _, err := gc(); err != nil {
			return Result{}, fmt.Errorf("%w: gc failed to restore spare sector: %v", kvserrors.Internal, err)
		}
		if sectors.EmptyCount() == 0 {
			return Result{}, fmt.Errorf("%w: no empty sector remains even after gc", kvserrors.Internal)
		}
	}

	if seedSector == -1 {
		seedSector = 0
	}

	return Result{Report: report, MaxTxnID: maxTxn, SeedSector: seedSector, HasEntries: hasEntries}, nil
}
