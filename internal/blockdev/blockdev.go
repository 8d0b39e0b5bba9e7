// Package blockdev wraps LDEV/DDEV access: opening a path that may be a
// regular file or a real block-special device, querying its size and
// sector size, and performing the positional reads/writes and explicit
// flushes the log submitter and data submitter need. Adapted from the teacher's
// installer.BlockDevice writer chain (open/size/sector-size, flush-every-N
// wrapper, limited writer).
package blockdev

import (
	"io"
	"os"
	"sync"

	"github.com/mendersoftware/log"
	"github.com/pkg/errors"
)

const LBS = 512 // logical block size, fixed for all walb devices

// GetSize/GetSectorSize are overridable like the teacher's
// BlockDeviceGetSizeOf/BlockDeviceGetSectorSizeOf package vars, so tests
// can fake an arbitrary device size without a real block device.
var (
	GetSize       = getBlockDeviceSize
	GetSectorSize = getBlockDeviceSectorSize
)

// Device is a logical-block addressed random access file: LDEV or DDEV.
type Device struct {
	mu   sync.Mutex
	Path string
	f    *os.File

	sizeLB uint64
}

// Open opens path for read-write random access and queries its size in
// logical blocks. Regular files are supported (sized via Stat) so the
// pipeline can run against plain files in tests and CI, exactly as a real
// block device would be used in production.
func Open(path string) (*Device, error) {
	log.Infof("blockdev: opening %s", path)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: failed to open %q", path)
	}
	d := &Device{Path: path, f: f}
	sz, err := GetSize(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "blockdev: failed to read size of %q", path)
	}
	d.sizeLB = sz / LBS
	return d, nil
}

// Create opens (creating if necessary) a regular file of the given size in
// logical blocks, used by format_ldev/create_wdev against plain-file
// backing stores.
func Create(path string, sizeLB uint64) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "blockdev: failed to create %q", path)
	}
	if err := f.Truncate(int64(sizeLB * LBS)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "blockdev: failed to size %q", path)
	}
	return &Device{Path: path, f: f, sizeLB: sizeLB}, nil
}

// SizeLB returns the device size in logical blocks.
func (d *Device) SizeLB() uint64 { return d.sizeLB }

// ReadAt reads len(buf)/LBS logical blocks starting at posLB.
func (d *Device) ReadAt(buf []byte, posLB uint64) error {
	_, err := d.f.ReadAt(buf, int64(posLB*LBS))
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "blockdev: read at lb %d", posLB)
	}
	return nil
}

// WriteAt writes buf (whose length must be a multiple of LBS) starting at
// posLB.
func (d *Device) WriteAt(buf []byte, posLB uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.WriteAt(buf, int64(posLB*LBS)); err != nil {
		return errors.Wrapf(err, "blockdev: write at lb %d", posLB)
	}
	return nil
}

// Flush forces previously written data to stable storage.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Sync(); err != nil {
		return errors.Wrap(err, "blockdev: flush failed")
	}
	return nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

// Resize changes the device's size to newSizeLB logical blocks, backing
// the control surface's resize operation (spec section 6). Only valid
// against a regular-file-backed device opened via Create/Open on a plain
// file; resizing a real block-special device is a partition/LVM-level
// operation outside this package's scope, exactly as spec.md's own
// out-of-scope note for "device creation, resize" (a thin ioctl wrapper)
// describes.
func (d *Device) Resize(newSizeLB uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.f.Truncate(int64(newSizeLB * LBS)); err != nil {
		return errors.Wrapf(err, "blockdev: resize %q to %d lb", d.Path, newSizeLB)
	}
	d.sizeLB = newSizeLB
	return nil
}
