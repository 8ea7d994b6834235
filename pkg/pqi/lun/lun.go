// Package lun implements the memory-mapped backing store for a PQI/SOP
// logical unit: a fixed-size, sparse file mapped into the device process so
// that Read10/Write10 become plain slice operations against mapping.
package lun

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// BlockSize is the fixed SCSI block size this device reports and enforces.
const BlockSize = 512

// Lun is one backing store: a sparse file of SizeBlocks 512-byte blocks,
// mmap'd shared so device writes are visible to any other reader of the
// file, matching pqi_create_storage_disk's mmap(..., MAP_SHARED, ...).
type Lun struct {
	ID         uint32
	SizeBlocks uint32
	Path       string

	file    *os.File
	mapping []byte
}

// path returns the backing-file path template used by the original device
// model: <wdir>/sop_disk<instance>_n<lunid>.img, falling back to the
// current working directory when wdir is empty.
func path(wdir string, instance, lunID uint32) string {
	name := fmt.Sprintf("sop_disk%d_n%d.img", instance, lunID)
	if wdir == "" {
		return name
	}
	return filepath.Join(wdir, name)
}

// Create opens (creating if necessary) and mmaps the backing file for LUN
// lunID belonging to device instance, sized to sizeBlocks 512-byte blocks.
func Create(wdir string, instance, lunID, sizeBlocks uint32) (*Lun, error) {
	if sizeBlocks == 0 {
		return nil, fmt.Errorf("lun: size must be at least one block")
	}
	if wdir != "" {
		if err := os.MkdirAll(wdir, 0o755); err != nil {
			return nil, fmt.Errorf("lun: create directory %s: %w", wdir, err)
		}
	}
	p := path(wdir, instance, lunID)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lun: open %s: %w", p, err)
	}
	size := int64(sizeBlocks) * BlockSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("lun: truncate %s to %d bytes: %w", p, size, err)
	}
	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lun: mmap %s: %w", p, err)
	}
	return &Lun{
		ID:         lunID,
		SizeBlocks: sizeBlocks,
		Path:       p,
		file:       f,
		mapping:    mapping,
	}, nil
}

// Close unmaps and closes the backing file.
func (l *Lun) Close() error {
	var err error
	if l.mapping != nil {
		if e := unix.Munmap(l.mapping); e != nil {
			err = e
		}
		l.mapping = nil
	}
	if l.file != nil {
		if e := l.file.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// ReadBlocks copies nblocks*BlockSize bytes starting at lba into dst.
func (l *Lun) ReadBlocks(lba, nblocks uint32, dst []byte) error {
	off, n, err := l.span(lba, nblocks)
	if err != nil {
		return err
	}
	copy(dst, l.mapping[off:off+n])
	return nil
}

// WriteBlocks copies src into nblocks*BlockSize bytes starting at lba.
func (l *Lun) WriteBlocks(lba, nblocks uint32, src []byte) error {
	off, n, err := l.span(lba, nblocks)
	if err != nil {
		return err
	}
	copy(l.mapping[off:off+n], src)
	return nil
}

// InRange reports whether lba is a valid starting block for this LUN.
func (l *Lun) InRange(lba uint32) bool {
	return lba < l.SizeBlocks
}

func (l *Lun) span(lba, nblocks uint32) (off, n int64, err error) {
	if !l.InRange(lba) {
		return 0, 0, fmt.Errorf("lun: lba %d out of range (size %d blocks)", lba, l.SizeBlocks)
	}
	off = int64(lba) * BlockSize
	n = int64(nblocks) * BlockSize
	if off+n > int64(l.SizeBlocks)*BlockSize {
		return 0, 0, fmt.Errorf("lun: transfer of %d blocks at lba %d exceeds size %d blocks", nblocks, lba, l.SizeBlocks)
	}
	return off, n, nil
}
