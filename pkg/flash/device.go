package flash

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/logscore/pervie/pkg/disk"
)

// BlockDevice is the write target of a flash operation. Regular files
// satisfy it too, which is how the flasher is tested.
type BlockDevice interface {
	io.WriterAt
	io.ReaderAt
	Sync() error
	Close() error
	Capacity() (int64, error)
}

type fileDevice struct {
	f        *os.File
	capacity int64
}

// OpenDevice opens a raw block device (or image file) for flashing and
// resolves its capacity once. On macOS the buffered /dev/diskN node is
// exchanged for /dev/rdiskN, which bypasses the buffer cache.
func OpenDevice(path string) (BlockDevice, error) {
	f, err := os.OpenFile(rawDevicePath(path), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open device %s", path)
	}
	capacity, err := disk.DeviceCapacity(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileDevice{f: f, capacity: capacity}, nil
}

func rawDevicePath(path string) string {
	if runtime.GOOS == "darwin" && strings.HasPrefix(path, "/dev/disk") {
		return "/dev/rdisk" + strings.TrimPrefix(path, "/dev/disk")
	}
	return path
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *fileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *fileDevice) Sync() error                              { return d.f.Sync() }
func (d *fileDevice) Close() error                             { return d.f.Close() }
func (d *fileDevice) Capacity() (int64, error)                 { return d.capacity, nil }
