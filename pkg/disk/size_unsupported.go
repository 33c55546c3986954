//go:build !linux && !darwin

package disk

import (
	"os"

	"github.com/pkg/errors"
)

func DeviceCapacity(*os.File) (int64, error) {
	return 0, errors.New("device capacity not supported on this platform")
}
