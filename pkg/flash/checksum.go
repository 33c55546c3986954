package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/logscore/pervie/pkg/disk"
)

// checksumRegion hashes device bytes [0, n) in bounded reads.
func checksumRegion(ctx context.Context, r io.ReaderAt, n int64, chunkSize int) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	for off := int64(0); off < n; {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		m := int64(len(buf))
		if n-off < m {
			m = n - off
		}
		read, err := r.ReadAt(buf[:m], off)
		if err != nil && err != io.EOF {
			return "", disk.WrapError(disk.KindCommandFailed, err, "read back at offset %d", off)
		}
		if read == 0 {
			return "", disk.NewError(disk.KindCommandFailed, "short read back at offset %d", off)
		}
		h.Write(buf[:read])
		off += int64(read)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
