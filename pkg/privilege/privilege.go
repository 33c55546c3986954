// Package privilege is the sole path by which elevated rights are
// requested. Raw device access needs root; when the process lacks it, the
// runner re-invokes the current executable once through sudo.
package privilege

import (
	"context"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"

	"github.com/logscore/pervie/pkg/disk"
)

// relaunchEnv marks an already-elevated child so a failed elevation can
// never loop.
const relaunchEnv = "PERVIE_ELEVATED"

// Runner detects and acquires elevated rights.
type Runner struct {
	// hooks for tests
	geteuid  func() int
	environ  func(string) string
	relaunch func(ctx context.Context) error
}

// NewRunner builds the platform runner.
func NewRunner() *Runner {
	r := &Runner{
		geteuid: os.Geteuid,
		environ: os.Getenv,
	}
	r.relaunch = r.sudoRelaunch
	return r
}

// Privileged reports whether the process can access raw devices.
func (r *Runner) Privileged() bool { return r.geteuid() == 0 }

// WithElevatedRights runs body with the required rights. If the process
// is not privileged it re-invokes itself through sudo exactly once,
// passing the current argv verbatim; no shell command is assembled from
// user input. A second failure surfaces as PermissionDenied. When the
// relaunch succeeds, the work happened in the child and the caller should
// exit.
func (r *Runner) WithElevatedRights(ctx context.Context, body func() error) error {
	if r.Privileged() {
		return body()
	}
	if r.environ(relaunchEnv) != "" {
		// Already relaunched and still unprivileged: sudo is
		// misconfigured or was declined.
		return disk.NewError(disk.KindPermissionDenied,
			"still unprivileged after elevation; raw device access requires root")
	}
	logrus.Info("elevation required, re-invoking under sudo")
	if err := r.relaunch(ctx); err != nil {
		return disk.WrapError(disk.KindPermissionDenied, err, "elevation failed")
	}
	return nil
}

func (r *Runner) sudoRelaunch(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{exe}, os.Args[1:]...)
	cmd := exec.CommandContext(ctx, "sudo", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), relaunchEnv+"=1")
	return cmd.Run()
}
