//go:build linux

package disk

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DeviceCapacity returns the size in bytes of a regular file or block
// device. Regular files answer to seek; block devices need BLKGETSIZE64.
func DeviceCapacity(f *os.File) (int64, error) {
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		return fi.Size(), nil
	}
	if size, err := f.Seek(0, io.SeekEnd); err == nil && size > 0 {
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, errors.Wrap(err, "cannot determine device size")
	}
	return int64(size), nil
}
