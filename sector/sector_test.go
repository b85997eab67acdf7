package sector_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viperasi/pigweed/sector"
)

func TestDescriptorInvariant(t *testing.T) {
	d := sector.NewDescriptor(4096)
	require.Equal(t, sector.Empty, d.State())

	d.RemoveWritableBytes(100)
	d.AddValidBytes(60)
	require.Equal(t, sector.Active, d.State())
	require.EqualValues(t, 40, d.RecoverableBytes())
	require.EqualValues(t, 4096, d.WritableBytes()+d.ValidBytes()+d.RecoverableBytes())

	d.RemoveValidBytes(60)
	d.SetWritableBytes(0)
	require.Equal(t, sector.Full, d.State())
}

func TestLockForcesCorruptLocked(t *testing.T) {
	d := sector.NewDescriptor(1024)
	d.RemoveWritableBytes(200)
	d.Lock()
	require.True(t, d.Locked())
	require.EqualValues(t, 0, d.WritableBytes())
	require.Equal(t, sector.CorruptLocked, d.State())
}

func TestResetReturnsToEmpty(t *testing.T) {
	d := sector.NewDescriptor(512)
	d.RemoveWritableBytes(512)
	d.AddValidBytes(256)
	d.Lock()
	d.Reset()
	require.Equal(t, sector.Empty, d.State())
	require.EqualValues(t, 0, d.ValidBytes())
}

func TestTableBaseAndIndexOf(t *testing.T) {
	tbl, err := sector.NewTable(4, 256, 8)
	require.NoError(t, err)
	require.Equal(t, 4, tbl.Len())
	require.EqualValues(t, 512, tbl.Base(2))
	require.Equal(t, 2, tbl.IndexOf(600))
	require.Equal(t, 4, tbl.EmptyCount())
}

func TestTableCapacityExceeded(t *testing.T) {
	_, err := sector.NewTable(10, 256, 4)
	require.Error(t, err)
}
