package partition

import (
	"fmt"
	"os"
)

// File is a Flash implementation backed by a regular file on disk, for the
// diagnostics CLI's mount/get/put subcommands against a persistent
// partition image instead of an in-RAM one. It emulates the same NOR-flash
// write semantics as Memory (AND-write, erase-to-0xFF) so a store behaves
// identically whichever backs it.
type File struct {
	f         *os.File
	size      uint64
	sectorLen uint32
	alignment uint32
}

// CreateFile creates a new partition image at path, sized to sectorCount
// sectors of sectorSizeBytes each, pre-filled as erased (0xFF) flash.
func CreateFile(path string, sectorCount int, sectorSizeBytes, alignmentBytes uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partition: creating image %s: %w", path, err)
	}
	size := uint64(sectorSizeBytes) * uint64(sectorCount)
	erased := make([]byte, sectorSizeBytes)
	for i := range erased {
		erased[i] = 0xFF
	}
	for sector := 0; sector < sectorCount; sector++ {
		if _, err := f.WriteAt(erased, int64(sector)*int64(sectorSizeBytes)); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("partition: initializing image %s: %w", path, err)
		}
	}
	return &File{f: f, size: size, sectorLen: sectorSizeBytes, alignment: alignmentBytes}, nil
}

// OpenFile opens an existing partition image at path, previously created by
// CreateFile. sectorSizeBytes and alignmentBytes must match what it was
// created with; they are not stored in the image itself.
func OpenFile(path string, sectorSizeBytes, alignmentBytes uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("partition: opening image %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("partition: statting image %s: %w", path, err)
	}
	size := uint64(info.Size())
	if size%uint64(sectorSizeBytes) != 0 {
		_ = f.Close()
		return nil, fmt.Errorf("partition: image %s size %d is not a multiple of sector size %d", path, size, sectorSizeBytes)
	}
	return &File{f: f, size: size, sectorLen: sectorSizeBytes, alignment: alignmentBytes}, nil
}

func (p *File) SectorCount() int        { return int(p.size / uint64(p.sectorLen)) }
func (p *File) SectorSizeBytes() uint32 { return p.sectorLen }
func (p *File) AlignmentBytes() uint32  { return p.alignment }

func (p *File) ReadAt(address uint64, buf []byte) error {
	end := address + uint64(len(buf))
	if end > p.size {
		return &ErrOutOfRange{Address: address, Length: len(buf), Size: p.size}
	}
	if _, err := p.f.ReadAt(buf, int64(address)); err != nil {
		return fmt.Errorf("partition: reading image at %d: %w", address, err)
	}
	return nil
}

func (p *File) WriteAt(address uint64, data []byte) (int, error) {
	if address%uint64(p.alignment) != 0 {
		return 0, &ErrMisaligned{Address: address, Alignment: p.alignment}
	}
	end := address + uint64(len(data))
	if end > p.size {
		return 0, &ErrOutOfRange{Address: address, Length: len(data), Size: p.size}
	}
	existing := make([]byte, len(data))
	if _, err := p.f.ReadAt(existing, int64(address)); err != nil {
		return 0, fmt.Errorf("partition: reading image at %d before write: %w", address, err)
	}
	for i := range data {
		existing[i] &= data[i]
	}
	n, err := p.f.WriteAt(existing, int64(address))
	if err != nil {
		return n, fmt.Errorf("partition: writing image at %d: %w", address, err)
	}
	return n, nil
}

func (p *File) Erase(sectorBase uint64, nSectors int) error {
	end := sectorBase + uint64(nSectors)*uint64(p.sectorLen)
	if end > p.size {
		return &ErrOutOfRange{Address: sectorBase, Length: int(end - sectorBase), Size: p.size}
	}
	erased := make([]byte, end-sectorBase)
	for i := range erased {
		erased[i] = 0xFF
	}
	if _, err := p.f.WriteAt(erased, int64(sectorBase)); err != nil {
		return fmt.Errorf("partition: erasing image at %d: %w", sectorBase, err)
	}
	return nil
}

// Close closes the underlying file. It does not remove the image.
func (p *File) Close() error {
	return p.f.Close()
}
