// Package checksum provides the checksum algorithm contract the entry codec
// treats as a black box, along with a default implementation and the
// 32-bit key hash used by the in-RAM key directory. The hash is not
// persisted on flash, so it may be swapped independently of the on-flash
// format.
package checksum

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Algorithm is a stateful digest. The store resets it, feeds it bytes in a
// fixed order (header with the checksum field zeroed, then key, then
// value), and compares the first four bytes of Finish() against the
// on-flash checksum field.
type Algorithm interface {
	Reset()
	Update(data []byte)
	Finish() []byte
}

// XXHash is the default Algorithm, backed by cespare/xxhash. It is the same
// hash family used for the key directory's lookup hash (KeyHash32), so the
// store pulls in exactly one hashing dependency for both purposes.
type XXHash struct {
	digest *xxhash.Digest
}

// NewXXHash returns a ready-to-use XXHash algorithm.
func NewXXHash() *XXHash {
	return &XXHash{digest: xxhash.New()}
}

func (x *XXHash) Reset() {
	x.digest.Reset()
}

func (x *XXHash) Update(data []byte) {
	// hash.Hash.Write never returns an error.
	_, _ = x.digest.Write(data)
}

func (x *XXHash) Finish() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x.digest.Sum64())
	return buf[:]
}

// KeyHash32 is the 32-bit key hash used by the key directory. It is
// deliberately not part of the Algorithm interface: the on-flash format
// never persists it, so a future version of this package may change the
// hash without touching the entry codec.
func KeyHash32(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}
