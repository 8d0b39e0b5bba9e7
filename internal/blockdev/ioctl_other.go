//go:build !linux

package blockdev

import (
	"os"

	"github.com/pkg/errors"
)

func getBlockDeviceSize(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "blockdev: stat failed")
	}
	return uint64(fi.Size()), nil
}

func getBlockDeviceSectorSize(f *os.File) (int, error) {
	return LBS, nil
}
