package partition

import "sync"

// Memory is an in-RAM Flash implementation for tests and the diagnostics
// CLI. It emulates NOR-flash write semantics: a write can only clear bits
// (AND the new bytes into the existing ones), and Erase resets affected
// bytes to all-ones.
type Memory struct {
	mu        sync.Mutex
	data      []byte
	sectorLen uint32
	alignment uint32

	// writeLimit, when non-zero, caps how many bytes any single WriteAt
	// call accepts, to exercise the store's partial-write accounting.
	writeLimit int
}

// NewMemory creates a Memory partition of sectorCount sectors, each
// sectorSizeBytes long, with writes aligned to alignmentBytes. All bytes
// start erased (0xFF).
func NewMemory(sectorCount int, sectorSizeBytes uint32, alignmentBytes uint32) *Memory {
	buf := make([]byte, int(sectorSizeBytes)*sectorCount)
	for i := range buf {
		buf[i] = 0xFF
	}
	return &Memory{
		data:      buf,
		sectorLen: sectorSizeBytes,
		alignment: alignmentBytes,
	}
}

func (m *Memory) SectorCount() int        { return len(m.data) / int(m.sectorLen) }
func (m *Memory) SectorSizeBytes() uint32 { return m.sectorLen }
func (m *Memory) AlignmentBytes() uint32  { return m.alignment }

func (m *Memory) ReadAt(address uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := address + uint64(len(buf))
	if end > uint64(len(m.data)) {
		return &ErrOutOfRange{Address: address, Length: len(buf), Size: uint64(len(m.data))}
	}
	copy(buf, m.data[address:end])
	return nil
}

func (m *Memory) WriteAt(address uint64, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if address%uint64(m.alignment) != 0 {
		return 0, &ErrMisaligned{Address: address, Alignment: m.alignment}
	}
	n := len(data)
	if m.writeLimit > 0 && n > m.writeLimit {
		n = m.writeLimit
	}
	end := address + uint64(n)
	if end > uint64(len(m.data)) {
		return 0, &ErrOutOfRange{Address: address, Length: n, Size: uint64(len(m.data))}
	}
	for i := 0; i < n; i++ {
		m.data[address+uint64(i)] &= data[i]
	}
	if n < len(data) {
		return n, &ErrPartialWrite{Requested: len(data), Accepted: n}
	}
	return n, nil
}

func (m *Memory) Erase(sectorBase uint64, nSectors int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := sectorBase
	end := start + uint64(nSectors)*uint64(m.sectorLen)
	if end > uint64(len(m.data)) {
		return &ErrOutOfRange{Address: sectorBase, Length: int(end - start), Size: uint64(len(m.data))}
	}
	for i := start; i < end; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

// SetWriteLimit caps the number of bytes any future WriteAt call will
// accept, simulating a flash driver that only partially services a write.
// A limit of 0 disables the cap.
func (m *Memory) SetWriteLimit(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeLimit = n
}

// Corrupt flips the low bit of the byte at address, simulating bit rot for
// tests that exercise checksum-mismatch recovery.
func (m *Memory) Corrupt(address uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[address] ^= 0x01
}

// Snapshot returns a copy of the partition's raw bytes, for test assertions
// and the CLI's inspection commands.
func (m *Memory) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}
