//go:build linux

package blockdev

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioctl magics from <linux/fs.h>, used to freeze/thaw the filesystem
// mounted on top of a walb device so a control-surface consumer can take
// a consistent snapshot of DDEV while writes are paused (spec section 6,
// freeze/melt). Adapted from the teacher's system.FreezeFS/ThawFS, which
// used a raw syscall.Syscall; here it goes through the same
// golang.org/x/sys/unix.IoctlSetInt helper the rest of this package uses.
const (
	iocFifreeze = 0xC0045877
	iocFithaw   = 0xC0045878
)

// FreezeFS freezes the filesystem mounted at fsRootPath, blocking further
// writes until ThawFS is called.
func FreezeFS(fsRootPath string) error {
	fd, err := unix.Open(fsRootPath, unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrapf(err, "blockdev: open %q for freeze", fsRootPath)
	}
	defer unix.Close(fd)
	if err := unix.IoctlSetInt(fd, iocFifreeze, 0); err != nil {
		return errors.Wrapf(err, "blockdev: FIFREEZE %q", fsRootPath)
	}
	return nil
}

// ThawFS reverses a prior FreezeFS.
func ThawFS(fsRootPath string) error {
	fd, err := unix.Open(fsRootPath, unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrapf(err, "blockdev: open %q for thaw", fsRootPath)
	}
	defer unix.Close(fd)
	if err := unix.IoctlSetInt(fd, iocFithaw, 0); err != nil {
		return errors.Wrapf(err, "blockdev: FITHAW %q", fsRootPath)
	}
	return nil
}
