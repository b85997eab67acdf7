package gc_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viperasi/pigweed/entry"
	"github.com/viperasi/pigweed/gc"
	"github.com/viperasi/pigweed/keydir"
	"github.com/viperasi/pigweed/partition"
	"github.com/viperasi/pigweed/sector"
)

func setup(t *testing.T, nSectors int, sectorSize uint32) (*partition.Memory, *sector.Table, *keydir.Table) {
	t.Helper()
	p := partition.NewMemory(nSectors, sectorSize, 16)
	sectors, err := sector.NewTable(nSectors, sectorSize, nSectors)
	require.NoError(t, err)
	keys := keydir.NewTable(64)
	return p, sectors, keys
}

func putDirect(t *testing.T, p *partition.Memory, sectors *sector.Table, keys *keydir.Table, idx int, key, value []byte, txn uint32, formats []entry.Format) {
	t.Helper()
	d := sectors.At(idx)
	addr := sectors.Base(idx) + uint64(d.SizeBytes()-d.WritableBytes())
	buf, err := entry.Encode(formats[0], key, value, false, txn, 16)
	require.NoError(t, err)
	n, err := p.WriteAt(addr, buf)
	require.NoError(t, err)
	d.RemoveWritableBytes(uint32(n))
	d.AddValidBytes(uint32(len(buf)))
	_, _, err = keys.Observe(keydir.HashKey(key), txn, addr, false, func(a uint64) int { return sectors.IndexOf(a) })
	require.NoError(t, err)
}

func TestPartialCollectReclaimsDeadSector(t *testing.T) {
	formats := []entry.Format{entry.DefaultFormat()}
	p, sectors, keys := setup(t, 3, 256)

	// Sector 0 holds no keydir-referenced entry, but has recoverable bytes
	// (as if its one entry had already been superseded and its keydir
	// descriptor repointed elsewhere): PartialCollect should reclaim it
	// with nothing to relocate.
	sectors.At(0).RemoveWritableBytes(64)

	lastNew := 0
	burn := func() uint32 { lastNew++; return uint32(lastNew + 10) }
	c := gc.New(p, sectors, keys, formats, &lastNew, burn)

	reclaimed, err := c.PartialCollect()
	require.NoError(t, err)
	require.Equal(t, 64, reclaimed)
	require.Equal(t, sector.Empty, sectors.At(0).State())
}

func TestFullCollectRelocatesLiveEntryAndErasesVictim(t *testing.T) {
	formats := []entry.Format{entry.DefaultFormat()}
	p, sectors, keys := setup(t, 3, 256)

	putDirect(t, p, sectors, keys, 0, []byte("a"), []byte("1"), 1, formats)

	// Simulate sector 0 also holding a stale, now-unreferenced copy: force
	// some recoverable bytes into it directly.
	sectors.At(0).RemoveWritableBytes(32)

	lastNew := 1
	burn := func() uint32 { lastNew++; return uint32(lastNew + 10) }
	c := gc.New(p, sectors, keys, formats, &lastNew, burn)

	_, err := c.FullCollect()
	require.NoError(t, err)

	d, ok := keys.Find(keydir.HashKey([]byte("a")))
	require.True(t, ok)
	require.NotEqual(t, sectors.Base(0), d.Addresses[0]/256*256)
	require.Equal(t, sector.Empty, sectors.At(0).State())
}

func TestPartialCollectIsNoopWhenNothingRecoverable(t *testing.T) {
	formats := []entry.Format{entry.DefaultFormat()}
	p, sectors, keys := setup(t, 3, 256)
	lastNew := 0
	burn := func() uint32 { return 1 }
	c := gc.New(p, sectors, keys, formats, &lastNew, burn)

	reclaimed, err := c.PartialCollect()
	require.NoError(t, err)
	require.Equal(t, 0, reclaimed)
}
