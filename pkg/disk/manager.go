package disk

import (
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Manager is the platform capability for block device discovery and
// manipulation. One implementation is selected at startup via NewManager.
type Manager interface {
	// ListDrives enumerates physical block devices fresh on every call.
	// A failure of the discovery mechanism returns an empty slice and an
	// error; the caller may retry.
	ListDrives(ctx context.Context) ([]Drive, error)

	// Unmount unmounts a single volume. A volume held busy by open
	// handles yields a DeviceBusy error.
	Unmount(ctx context.Context, v Volume) error

	// Eject sends the physical eject/power-down signal to a drive.
	Eject(ctx context.Context, drivePath string) error

	// Format writes the requested filesystem onto the whole device.
	Format(ctx context.Context, drivePath string, fs Filesystem, label string) error

	// Privileged reports whether the process has the rights required for
	// raw device access.
	Privileged() bool
}

// NewManager returns the Manager for the running platform.
func NewManager() (Manager, error) {
	return newPlatformManager()
}

// commandRunner abstracts external tool invocation so managers can be
// exercised in tests without the platform tools present.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return out, errors.Wrapf(err, "%s: %s", name, string(ee.Stderr))
		}
		return out, errors.Wrapf(err, "%s", name)
	}
	return out, nil
}
