package partition_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viperasi/pigweed/partition"
)

func TestFileCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.img")

	p, err := partition.CreateFile(path, 4, 256, 16)
	require.NoError(t, err)
	require.Equal(t, 4, p.SectorCount())
	require.Equal(t, uint32(256), p.SectorSizeBytes())

	n, err := p.WriteAt(0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, p.Close())

	p2, err := partition.OpenFile(path, 256, 16)
	require.NoError(t, err)
	defer p2.Close()

	buf := make([]byte, 5)
	require.NoError(t, p2.ReadAt(0, buf))
	require.Equal(t, "hello", string(buf))
}

func TestFileWriteOnlyClearsBits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.img")
	p, err := partition.CreateFile(path, 2, 256, 16)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.WriteAt(0, []byte{0xF0})
	require.NoError(t, err)
	_, err = p.WriteAt(0, []byte{0x0F})
	require.NoError(t, err)

	buf := make([]byte, 1)
	require.NoError(t, p.ReadAt(0, buf))
	require.Equal(t, byte(0x00), buf[0])
}

func TestFileEraseResetsToAllOnes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.img")
	p, err := partition.CreateFile(path, 2, 256, 16)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.WriteAt(0, []byte{0x00})
	require.NoError(t, err)
	require.NoError(t, p.Erase(0, 1))

	buf := make([]byte, 1)
	require.NoError(t, p.ReadAt(0, buf))
	require.Equal(t, byte(0xFF), buf[0])
}

func TestFileRejectsMisalignedWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.img")
	p, err := partition.CreateFile(path, 2, 256, 16)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.WriteAt(1, []byte{0x00})
	require.Error(t, err)
}
