package entry_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/viperasi/pigweed/checksum"
	"github.com/viperasi/pigweed/entry"
	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/partition"
)

func newFormat() entry.Format {
	return entry.Format{Magic: entry.DefaultMagic, Algorithm: checksum.NewXXHash()}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := newFormat()
	buf, err := entry.Encode(f, []byte("key1"), []byte{0x01, 0x02, 0x03}, false, 7, 16)
	require.NoError(t, err)
	require.Equal(t, 0, len(buf)%16)

	h, gotFormat, err := entry.ReadHeaderFromBytes(buf)
	require.NoError(t, err)
	require.Equal(t, f.Magic, gotFormat.Magic)
	require.False(t, h.Deleted())
	require.EqualValues(t, 7, h.TransactionID)

	key, value := buf[entry.HeaderSize:entry.HeaderSize+int(h.KeyLength)], buf[entry.HeaderSize+int(h.KeyLength):entry.HeaderSize+int(h.KeyLength)+int(h.ValueSize)]
	require.Equal(t, "key1", string(key))
	require.Equal(t, []byte{0x01, 0x02, 0x03}, value)
	require.NoError(t, entry.Verify(f, h, key, value))
}

func TestTombstoneRoundTrip(t *testing.T) {
	f := newFormat()
	buf, err := entry.Encode(f, []byte("x"), nil, true, 1, 16)
	require.NoError(t, err)
	h, _, err := entry.ReadHeaderFromBytes(buf)
	require.NoError(t, err)
	require.True(t, h.Deleted())
	require.EqualValues(t, entry.TombstoneValueSize, h.ValueSize)
}

func TestRejectsOversizeKey(t *testing.T) {
	f := newFormat()
	longKey := make([]byte, 64)
	_, err := entry.Encode(f, longKey, nil, false, 1, 16)
	require.ErrorIs(t, err, kvserrors.InvalidArgument)
}

func TestRejectsEmptyKey(t *testing.T) {
	f := newFormat()
	_, err := entry.Encode(f, nil, []byte("v"), false, 1, 16)
	require.ErrorIs(t, err, kvserrors.InvalidArgument)
}

func TestVerifyDetectsChecksumMismatch(t *testing.T) {
	f := newFormat()
	buf, err := entry.Encode(f, []byte("k"), []byte("v"), false, 1, 16)
	require.NoError(t, err)
	buf[len(buf)-1] ^= 0xFF // corrupt padding doesn't matter, corrupt value byte instead
	buf[entry.HeaderSize+1] ^= 0xFF

	h, _, err := entry.ReadHeaderFromBytes(buf)
	require.NoError(t, err)
	key := buf[entry.HeaderSize : entry.HeaderSize+int(h.KeyLength)]
	value := buf[entry.HeaderSize+int(h.KeyLength) : entry.HeaderSize+int(h.KeyLength)+int(h.ValueSize)]
	require.Error(t, entry.Verify(f, h, key, value))
}

func TestReadHeaderErasedIsNotFound(t *testing.T) {
	p := partition.NewMemory(2, 256, 16)
	formats := []entry.Format{newFormat()}
	_, _, err := entry.ReadHeader(p, 0, formats)
	require.ErrorIs(t, err, kvserrors.NotFound)
}

func TestReadHeaderUnknownMagicIsDataLoss(t *testing.T) {
	p := partition.NewMemory(2, 256, 16)
	f := newFormat()
	buf, err := entry.Encode(f, []byte("k"), []byte("v"), false, 1, 16)
	require.NoError(t, err)
	_, werr := p.WriteAt(0, buf)
	require.NoError(t, werr)

	other := entry.Format{Magic: 0xAABBCCDD, Algorithm: checksum.NewXXHash()}
	_, _, err = entry.ReadHeader(p, 0, []entry.Format{other})
	require.ErrorIs(t, err, kvserrors.DataLoss)
}

func TestFindMagicResynchronizes(t *testing.T) {
	p := partition.NewMemory(1, 256, 16)
	f := newFormat()
	buf, err := entry.Encode(f, []byte("k"), []byte("v"), false, 1, 16)
	require.NoError(t, err)
	_, werr := p.WriteAt(32, buf)
	require.NoError(t, werr)

	addr, skipped, found, err := entry.FindMagic(p, 0, 256, []entry.Format{f})
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 32, addr)
	require.EqualValues(t, 32, skipped)
}

func TestEncodedSizeMatchesEncode(t *testing.T) {
	f := newFormat()
	buf, err := entry.Encode(f, []byte("abc"), []byte("defgh"), false, 1, 16)
	require.NoError(t, err)
	require.Equal(t, len(buf), entry.EncodedSize(3, 5, false, 16))
}
