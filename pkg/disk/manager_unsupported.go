//go:build !linux && !darwin

package disk

import "github.com/pkg/errors"

func newPlatformManager() (Manager, error) {
	return nil, errors.New("no disk manager for this platform")
}
