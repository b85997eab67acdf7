// Package pigweed implements a log-structured key/value store over a
// simulated NOR-flash partition. Its top-level Store type follows a
// familiar shape for this kind of storage engine: a single struct gluing
// together an index-like structure (here, keydir.Table plus sector.Table)
// and a garbage collector, opened once via a functional options
// constructor and offering Put/Get/Delete plus GC controls.
package pigweed

import (
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/viperasi/pigweed/alloc"
	"github.com/viperasi/pigweed/entry"
	"github.com/viperasi/pigweed/gc"
	"github.com/viperasi/pigweed/keydir"
	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/mount"
	"github.com/viperasi/pigweed/partition"
	"github.com/viperasi/pigweed/sector"
)

var log = logging.Logger("pigweed/kvs")

// Store is a single-threaded, log-structured key/value store over a
// partition.Flash. It keeps no internal mutex: synchronization is scoped
// to the caller, mirroring an embedded/bare-metal KVS with one owning
// task.
type Store struct {
	flash   partition.Flash
	cfg     config
	sectors *sector.Table
	keys    *keydir.Table
	gc      *gc.Collector

	lastTransactionID uint32
	lastNewSector     int
	mounted           bool
}

// Open mounts p, replaying its contents into a fresh keydir and sector
// table and returning a ready-to-use Store. Open either fully succeeds or
// returns nil, err, with one exception: if recovery found corrupt entries
// but otherwise completed, Open returns the Store together with a wrapped
// ErrDataLoss so the caller can decide whether to proceed.
func Open(p partition.Flash, opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	cfg.apply(opts)

	sectors, err := sector.NewTable(p.SectorCount(), p.SectorSizeBytes(), cfg.maxSectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kvserrors.InvalidArgument, err)
	}
	keys := keydir.NewTable(cfg.maxEntries)

	s := &Store{
		flash:   p,
		cfg:     cfg,
		sectors: sectors,
		keys:    keys,
	}
	s.gc = gc.New(p, sectors, keys, cfg.formats, &s.lastNewSector, s.burnTransactionID)

	log.Infof("mounting partition with %d sectors of %d bytes", p.SectorCount(), p.SectorSizeBytes())

	result, err := mount.Scan(p, sectors, keys, cfg.formats, func() (int, error) { return s.gc.FullCollect() })
	if err != nil {
		return nil, err
	}

	s.lastTransactionID = result.MaxTxnID
	s.lastNewSector = result.SeedSector
	s.mounted = true

	if result.Report.DataLoss() {
		log.Warnf("mount recovered %d entries with %d corrupt entries across %d locked sectors",
			result.Report.EntriesRecovered, result.Report.CorruptEntries, result.Report.SectorsLocked)
		return s, fmt.Errorf("%w: %d corrupt entries found during mount", kvserrors.DataLoss, result.Report.CorruptEntries)
	}

	log.Infof("mount recovered %d entries", result.Report.EntriesRecovered)
	return s, nil
}

// burnTransactionID increments and returns the store's monotonic
// transaction counter. It is called exactly once per logical Put or
// Delete, regardless of redundancy: one burned id is shared across all
// redundant copies of a single logical write, so the descriptor-merge
// rule's "same txn id -> redundant copy" branch stays meaningful at mount
// time. The garbage collector instead burns a fresh id per relocated copy.
func (s *Store) burnTransactionID() uint32 {
	s.lastTransactionID++
	return s.lastTransactionID
}

func validateKey(key []byte) error {
	if len(key) == 0 || len(key) > entry.MaxKeyLength {
		return fmt.Errorf("%w: key length %d outside [1,%d]", kvserrors.InvalidArgument, len(key), entry.MaxKeyLength)
	}
	return nil
}

// checkFits rejects a value whose padded entry would not fit in a single
// sector, before any transaction id is burned or any write attempted.
func (s *Store) checkFits(key, value []byte, tombstone bool) error {
	alignment := int(s.flash.AlignmentBytes())
	size := entry.EncodedSize(len(key), len(value), tombstone, alignment)
	if uint32(size) > s.flash.SectorSizeBytes() {
		return fmt.Errorf("%w: padded entry size %d exceeds sector size %d", kvserrors.InvalidArgument, size, s.flash.SectorSizeBytes())
	}
	return nil
}

// readStoredKey reads back just the key bytes stored at addr, for
// disambiguating a 32-bit hash match from an actual key match.
func (s *Store) readStoredKey(addr uint64) ([]byte, error) {
	h, _, err := entry.ReadHeader(s.flash, addr, s.cfg.formats)
	if err != nil {
		return nil, err
	}
	return entry.ReadKeyOnly(s.flash, addr, h)
}

// Put writes value under key, in cfg.redundancy independent copies, each in
// a different sector. If no sector has room, it runs the configured GC
// policy and retries before giving up.
func (s *Store) Put(key, value []byte) error {
	return s.put(key, value, false)
}

// Delete writes a tombstone for key, making subsequent Gets report
// ErrNotFound, without reclaiming the key's prior entries until GC runs.
func (s *Store) Delete(key []byte) error {
	return s.put(key, nil, true)
}

func (s *Store) put(key, value []byte, tombstone bool) error {
	if !s.mounted {
		return fmt.Errorf("%w: store not mounted", kvserrors.FailedPrecondition)
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.checkFits(key, value, tombstone); err != nil {
		return err
	}

	hash := keydir.HashKey(key)
	sectorOf := func(a uint64) int { return s.sectors.IndexOf(a) }

	existing, found := s.keys.Find(hash)
	var oldAddresses []uint64
	if found {
		oldAddresses = append(oldAddresses, existing.Addresses...)
		storedKey, err := s.readStoredKey(existing.Addresses[0])
		if err != nil {
			return err
		}
		if string(storedKey) != string(key) {
			return fmt.Errorf("%w: key hash collides with a different stored key", kvserrors.AlreadyExists)
		}
	}

	txn := s.burnTransactionID()

	skip := make(map[int]bool, s.cfg.redundancy)
	addresses := make([]uint64, 0, s.cfg.redundancy)
	for i := 0; i < s.cfg.redundancy; i++ {
		addr, err := s.writeCopyWithRetry(key, value, tombstone, txn, skip)
		if err != nil {
			return err
		}
		skip[s.sectors.IndexOf(addr)] = true
		addresses = append(addresses, addr)
	}

	outcome, _, err := s.keys.Observe(hash, txn, addresses[0], tombstone, sectorOf)
	if err != nil {
		return err
	}
	for _, addr := range addresses[1:] {
		if _, _, err := s.keys.Observe(hash, txn, addr, tombstone, sectorOf); err != nil {
			return err
		}
	}

	if outcome == keydir.MergeReplaced || outcome == keydir.MergeInserted {
		for _, old := range oldAddresses {
			stale := true
			for _, cur := range addresses {
				if old == cur {
					stale = false
					break
				}
			}
			if stale {
				s.retireAddress(old)
			}
		}
	}

	return nil
}

// retireAddress marks the bytes at a superseded address as recoverable in
// its sector's byte accounting, without touching flash.
func (s *Store) retireAddress(addr uint64) {
	h, _, err := entry.ReadHeader(s.flash, addr, s.cfg.formats)
	if err != nil {
		log.Warnf("could not read superseded entry at %d during retirement: %v", addr, err)
		return
	}
	s.sectors.At(s.sectors.IndexOf(addr)).RemoveValidBytes(uint32(h.Size()))
}

func (s *Store) writeCopyWithRetry(key, value []byte, tombstone bool, txn uint32, skip map[int]bool) (uint64, error) {
	addr, err := s.writeCopy(key, value, tombstone, txn, skip)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, kvserrors.ResourceExhausted) || s.cfg.gcOnWrite == GCDisabled {
		return 0, err
	}

	for {
		reclaimed, gcErr := s.gc.PartialCollect()
		if gcErr != nil {
			return 0, gcErr
		}
		addr, err = s.writeCopy(key, value, tombstone, txn, skip)
		if err == nil {
			return addr, nil
		}
		if s.cfg.gcOnWrite == GCOneSector || reclaimed == 0 || !errors.Is(err, kvserrors.ResourceExhausted) {
			return 0, err
		}
	}
}

func (s *Store) writeCopy(key, value []byte, tombstone bool, txn uint32, skip map[int]bool) (uint64, error) {
	alignment := int(s.flash.AlignmentBytes())
	size := uint32(entry.EncodedSize(len(key), len(value), tombstone, alignment))

	idx, wasEmpty, err := alloc.Select(s.sectors, s.lastNewSector, size, alloc.Append, skip)
	if err != nil {
		return 0, err
	}

	format := s.cfg.formats[0]
	buf, err := entry.Encode(format, key, value, tombstone, txn, alignment)
	if err != nil {
		return 0, err
	}

	dest := s.sectors.At(idx)
	addr := s.sectors.Base(idx) + uint64(dest.SizeBytes()-dest.WritableBytes())
	n, werr := s.flash.WriteAt(addr, buf)
	dest.RemoveWritableBytes(uint32(n))
	if werr != nil {
		return 0, fmt.Errorf("%w: %v", kvserrors.Internal, werr)
	}
	dest.AddValidBytes(uint32(len(buf)))
	if wasEmpty {
		s.lastNewSector = idx
	}

	if s.cfg.verifyOnWrite {
		if verr := entry.VerifyAt(s.flash, addr, s.cfg.formats); verr != nil {
			return 0, verr
		}
	}

	return addr, nil
}

// Get copies value bytes starting at offset into buf, returning the number
// of bytes copied. It returns ErrNotFound if key has no live entry, and
// *ShortReadError (copied bytes still valid) if buf is smaller than the
// remaining value.
func (s *Store) Get(key []byte, buf []byte, offset int) (int, error) {
	if !s.mounted {
		return 0, fmt.Errorf("%w: store not mounted", kvserrors.FailedPrecondition)
	}
	if err := validateKey(key); err != nil {
		return 0, err
	}

	hash := keydir.HashKey(key)
	d, found := s.keys.Find(hash)
	if !found || d.State == keydir.Deleted {
		return 0, kvserrors.NotFound
	}

	// Redundancy is bit-rot tolerance: try every known copy in turn before
	// giving up, so one corrupted copy doesn't fail the read. With more
	// than one copy on hand, a read from offset 0 verifies the checksum
	// while picking one, regardless of verify_on_read, so a
	// parseable-but-corrupt copy is not preferred over a good one; reads at
	// a nonzero offset are never verified.
	multi := len(d.Addresses) > 1
	var value []byte
	var lastErr error
	for _, addr := range d.Addresses {
		v, err := s.readCopy(key, addr, offset == 0 && (s.cfg.verifyOnRead || multi))
		if err != nil {
			lastErr = err
			continue
		}
		value, lastErr = v, nil
		break
	}
	if lastErr != nil {
		return 0, lastErr
	}

	if offset < 0 || offset > len(value) {
		return 0, fmt.Errorf("%w: offset %d outside value of length %d", kvserrors.InvalidArgument, offset, len(value))
	}
	remaining := value[offset:]
	n := copy(buf, remaining)
	if n < len(remaining) {
		return n, &kvserrors.ShortRead{Copied: n}
	}
	return n, nil
}

// readCopy reads and optionally verifies a single entry at addr, checking
// that it actually stores key (guarding against a hash collision between
// two different keys landing in the same descriptor slot).
func (s *Store) readCopy(key []byte, addr uint64, verify bool) ([]byte, error) {
	h, format, err := entry.ReadHeader(s.flash, addr, s.cfg.formats)
	if err != nil {
		return nil, err
	}
	k, value, err := entry.ReadKeyValue(s.flash, addr, h)
	if err != nil {
		return nil, err
	}
	if string(k) != string(key) {
		return nil, fmt.Errorf("%w: stored entry holds a different key with the same hash", kvserrors.NotFound)
	}
	if verify {
		if verr := entry.Verify(format, h, k, value); verr != nil {
			return nil, verr
		}
	}
	return value, nil
}

// Iterator walks every live (non-deleted) key currently in the keydir, in
// no particular order.
type Iterator struct {
	s   *Store
	idx int
}

// Iter returns a fresh Iterator over the store's current contents.
func (s *Store) Iter() *Iterator {
	return &Iterator{s: s}
}

// Next returns the next live key and its value, or found=false once
// exhausted.
func (it *Iterator) Next() (key, value []byte, found bool, err error) {
	for it.idx < it.s.keys.Len() {
		d := it.s.keys.AtIndex(it.idx)
		it.idx++
		if d.State == keydir.Deleted {
			continue
		}
		addr := d.Addresses[0]
		h, _, rerr := entry.ReadHeader(it.s.flash, addr, it.s.cfg.formats)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		k, v, rerr := entry.ReadKeyValue(it.s.flash, addr, h)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		return k, v, true, nil
	}
	return nil, nil, false, nil
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	Sectors        int
	EmptySectors   int
	Keys           int
	KeyCapacity    int
	LastTxnID      uint32
	WritableBytes  uint64
	ValidBytes     uint64
	RecoverableBytes uint64
}

// Stats reports current occupancy across the whole partition.
func (s *Store) Stats() Stats {
	st := Stats{
		Sectors:     s.sectors.Len(),
		Keys:        s.keys.Len(),
		KeyCapacity: s.keys.Capacity(),
		LastTxnID:   s.lastTransactionID,
	}
	for i := 0; i < s.sectors.Len(); i++ {
		d := s.sectors.At(i)
		if d.State() == sector.Empty {
			st.EmptySectors++
		}
		st.WritableBytes += uint64(d.WritableBytes())
		st.ValidBytes += uint64(d.ValidBytes())
		st.RecoverableBytes += uint64(d.RecoverableBytes())
	}
	return st
}

// GCPartial reclaims a single sector's worth of space immediately.
func (s *Store) GCPartial() (int, error) {
	return s.gc.PartialCollect()
}

// GCFull walks the entire partition, reclaiming every sector with
// recoverable bytes.
func (s *Store) GCFull() (int, error) {
	return s.gc.FullCollect()
}

// Close marks the store unmounted. Writes are synchronous with no internal
// buffering, since a flash-backed KVS has no OS page cache to flush, so
// Close has nothing to flush; it exists so callers can rely on a symmetric
// Open/Close lifecycle and get ErrFailedPrecondition from further use.
func (s *Store) Close() error {
	s.mounted = false
	return nil
}
