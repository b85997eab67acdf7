// Package entry implements the on-flash entry format: serializing and
// parsing one key/value (or tombstone) record, and computing/verifying its
// checksum.
package entry

import (
	"encoding/binary"
	"fmt"

	"github.com/viperasi/pigweed/checksum"
	"github.com/viperasi/pigweed/kvserrors"
	"github.com/viperasi/pigweed/partition"
)

const (
	// MinAlignmentBytes is the minimum entry alignment and also the
	// header size: 4 (magic) + 4 (checksum) + 1 (alignment units) + 1
	// (key length) + 2 (value size) + 4 (transaction id).
	MinAlignmentBytes = 16

	// HeaderSize is the fixed on-flash header size in bytes.
	HeaderSize = 16

	// MaxKeyLength is the largest key length the six-bit key_length field
	// can encode.
	MaxKeyLength = 63

	// TombstoneValueSize is the value_size sentinel marking a deleted
	// entry.
	TombstoneValueSize = 0xFFFF

	// ErasedMagic is what a magic field reads as on erased (all-ones)
	// NOR flash; it can never be a configured format's magic.
	ErasedMagic = 0xFFFFFFFF
)

// Format pairs an on-flash magic value with the checksum algorithm used to
// compute and verify entries written under that magic. The store accepts
// reads under any configured Format but always writes under the first.
type Format struct {
	Magic     uint32
	Algorithm checksum.Algorithm
}

// DefaultMagic is the primary format's magic used when the caller supplies
// none.
const DefaultMagic = 0x4B565331 // hex digits spell "KVS1"; stored little-endian, the bytes on flash read "1SVK".

// DefaultFormat returns a Format using DefaultMagic and the package's
// default XXHash checksum algorithm.
func DefaultFormat() Format {
	return Format{Magic: DefaultMagic, Algorithm: checksum.NewXXHash()}
}

// Header is the fixed-size on-flash entry header.
type Header struct {
	Magic          uint32
	Checksum       uint32
	AlignmentUnits uint8
	KeyLength      uint8
	ValueSize      uint16
	TransactionID  uint32
}

// Deleted reports whether a header describes a tombstone.
func (h Header) Deleted() bool {
	return h.ValueSize == TombstoneValueSize
}

// AlignmentBytes decodes the header's alignment_units field into bytes.
func (h Header) AlignmentBytes() int {
	return (int(h.AlignmentUnits) + 1) * 16
}

// ContentSize is the entry's size excluding padding: header + key + value
// (zero value length for a tombstone).
func (h Header) ContentSize() int {
	n := HeaderSize + int(h.KeyLength)
	if !h.Deleted() {
		n += int(h.ValueSize)
	}
	return n
}

// Size is the entry's total on-flash size, including padding to alignment.
func (h Header) Size() int {
	return AlignUp(h.ContentSize(), h.AlignmentBytes())
}

// AlignUp rounds n up to the next multiple of align.
func AlignUp(n, align int) int {
	if align <= 0 {
		return n
	}
	r := n % align
	if r == 0 {
		return n
	}
	return n + (align - r)
}

func alignmentUnits(alignmentBytes int) (uint8, error) {
	if alignmentBytes < 16 || alignmentBytes%16 != 0 {
		return 0, fmt.Errorf("%w: alignment %d bytes is not a positive multiple of 16", kvserrors.InvalidArgument, alignmentBytes)
	}
	units := alignmentBytes/16 - 1
	if units > 0xFF {
		return 0, fmt.Errorf("%w: alignment %d bytes is too large to encode", kvserrors.InvalidArgument, alignmentBytes)
	}
	return uint8(units), nil
}

// EncodedSize returns the padded on-flash size an entry with the given key
// and value lengths would occupy, without allocating or checksumming
// anything. Callers use this to reject values that would not fit in one
// sector before doing any real work.
func EncodedSize(keyLen, valueLen int, tombstone bool, alignmentBytes int) int {
	n := HeaderSize + keyLen
	if !tombstone {
		n += valueLen
	}
	return AlignUp(n, max16(alignmentBytes))
}

func max16(n int) int {
	if n < MinAlignmentBytes {
		return MinAlignmentBytes
	}
	return n
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Checksum)
	buf[8] = h.AlignmentUnits
	buf[9] = h.KeyLength
	binary.LittleEndian.PutUint16(buf[10:12], h.ValueSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.TransactionID)
}

func parseHeader(buf []byte) Header {
	return Header{
		Magic:          binary.LittleEndian.Uint32(buf[0:4]),
		Checksum:       binary.LittleEndian.Uint32(buf[4:8]),
		AlignmentUnits: buf[8],
		KeyLength:      buf[9],
		ValueSize:      binary.LittleEndian.Uint16(buf[10:12]),
		TransactionID:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// digest runs algorithm over the header (with its checksum field zeroed),
// then key, then value (skipped for a tombstone), returning the first four
// digest bytes as the on-flash checksum.
func digest(algorithm checksum.Algorithm, h Header, key, value []byte) uint32 {
	h.Checksum = 0
	var hdr [HeaderSize]byte
	putHeader(hdr[:], h)

	algorithm.Reset()
	algorithm.Update(hdr[:])
	algorithm.Update(key)
	if !h.Deleted() {
		algorithm.Update(value)
	}
	sum := algorithm.Finish()
	return binary.LittleEndian.Uint32(sum[:4])
}

// Encode serializes a key/value (or tombstone, when value is nil and
// tombstone is true) into a padded on-flash entry using format's magic and
// algorithm and the given transaction id.
func Encode(format Format, key, value []byte, tombstone bool, transactionID uint32, alignmentBytes int) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return nil, fmt.Errorf("%w: key length %d outside [1,%d]", kvserrors.InvalidArgument, len(key), MaxKeyLength)
	}
	valueSize := len(value)
	if !tombstone && valueSize >= TombstoneValueSize {
		return nil, fmt.Errorf("%w: value length %d too large", kvserrors.InvalidArgument, valueSize)
	}
	units, err := alignmentUnits(max16(alignmentBytes))
	if err != nil {
		return nil, err
	}

	h := Header{
		Magic:          format.Magic,
		AlignmentUnits: units,
		KeyLength:      uint8(len(key)),
		TransactionID:  transactionID,
	}
	if tombstone {
		h.ValueSize = TombstoneValueSize
	} else {
		h.ValueSize = uint16(valueSize)
	}
	h.Checksum = digest(format.Algorithm, h, key, value)

	total := h.Size()
	buf := make([]byte, total)
	putHeader(buf, h)
	copy(buf[HeaderSize:], key)
	if !tombstone {
		copy(buf[HeaderSize+len(key):], value)
	}
	return buf, nil
}

// ReadHeader reads and parses the fixed-size header at address, matching its
// magic against one of formats. It returns kvserrors.NotFound if the region
// reads as erased flash, or kvserrors.DataLoss if the magic matches none of
// formats.
func ReadHeader(p partition.Flash, address uint64, formats []Format) (Header, Format, error) {
	var buf [HeaderSize]byte
	if err := p.ReadAt(address, buf[:]); err != nil {
		return Header{}, Format{}, fmt.Errorf("%w: %v", kvserrors.Unknown, err)
	}
	h := parseHeader(buf[:])
	if h.Magic == ErasedMagic {
		return h, Format{}, kvserrors.NotFound
	}
	for _, f := range formats {
		if f.Magic == h.Magic {
			if h.KeyLength == 0 || h.KeyLength > MaxKeyLength {
				return h, f, fmt.Errorf("%w: key length %d out of range", kvserrors.DataLoss, h.KeyLength)
			}
			return h, f, nil
		}
	}
	return h, Format{}, fmt.Errorf("%w: magic %08x matches no configured format", kvserrors.DataLoss, h.Magic)
}

// ReadHeaderFromBytes parses a header from an in-memory buffer (at least
// HeaderSize long) instead of a partition. Unlike ReadHeader it matches no
// formats and checks nothing: the returned Format carries only the parsed
// magic (no Algorithm), and erased or unknown magics are not reported as
// errors. Used by tests and by callers that already hold the raw bytes.
func ReadHeaderFromBytes(buf []byte) (Header, Format, error) {
	if len(buf) < HeaderSize {
		return Header{}, Format{}, fmt.Errorf("%w: buffer shorter than header", kvserrors.InvalidArgument)
	}
	h := parseHeader(buf[:HeaderSize])
	return h, Format{Magic: h.Magic}, nil
}

// FindMagic scans forward from start, in MinAlignmentBytes strides and
// stopping before end, for a 4-byte magic matching one of formats. It is
// used by the mount scanner to resynchronize after corruption. It returns
// the address of the match and how many bytes were skipped to reach it.
func FindMagic(p partition.Flash, start, end uint64, formats []Format) (address uint64, skipped uint32, found bool, err error) {
	var buf [4]byte
	for addr := start; addr+4 <= end; addr += MinAlignmentBytes {
		if err := p.ReadAt(addr, buf[:]); err != nil {
			return 0, 0, false, fmt.Errorf("%w: %v", kvserrors.Unknown, err)
		}
		magic := binary.LittleEndian.Uint32(buf[:])
		if magic == ErasedMagic {
			continue
		}
		for _, f := range formats {
			if f.Magic == magic {
				return addr, uint32(addr - start), true, nil
			}
		}
	}
	return 0, uint32(end - start), false, nil
}

// ReadKeyValue reads the key and (unless h is a tombstone) value bytes that
// follow the header at address, given an already-parsed header.
func ReadKeyValue(p partition.Flash, address uint64, h Header) (key, value []byte, err error) {
	rest := int(h.KeyLength)
	if !h.Deleted() {
		rest += int(h.ValueSize)
	}
	buf := make([]byte, rest)
	if err := p.ReadAt(address+HeaderSize, buf); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", kvserrors.Unknown, err)
	}
	key = buf[:h.KeyLength]
	if !h.Deleted() {
		value = buf[h.KeyLength:]
	}
	return key, value, nil
}

// ReadKeyOnly reads just the key bytes at address, skipping the value. It
// is used when the store only needs to disambiguate a key-hash collision.
func ReadKeyOnly(p partition.Flash, address uint64, h Header) ([]byte, error) {
	buf := make([]byte, h.KeyLength)
	if err := p.ReadAt(address+HeaderSize, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", kvserrors.Unknown, err)
	}
	return buf, nil
}

// Verify recomputes the checksum over an already-decoded header/key/value
// and compares it against the header's stored checksum.
func Verify(format Format, h Header, key, value []byte) error {
	want := digest(format.Algorithm, h, key, value)
	if want != h.Checksum {
		return fmt.Errorf("%w: checksum mismatch", kvserrors.DataLoss)
	}
	return nil
}

// VerifyAt re-reads the entry at address from flash and verifies its
// checksum end to end; used for verify_on_write.
func VerifyAt(p partition.Flash, address uint64, formats []Format) error {
	h, format, err := ReadHeader(p, address, formats)
	if err != nil {
		return err
	}
	key, value, err := ReadKeyValue(p, address, h)
	if err != nil {
		return err
	}
	return Verify(format, h, key, value)
}
