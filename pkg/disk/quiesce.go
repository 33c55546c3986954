package disk

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Sequencer unmounts all volumes of a drive and, for removable media,
// follows up with a physical eject.
type Sequencer struct {
	mgr      Manager
	attempts int
	initial  time.Duration
}

// NewSequencer builds a Sequencer with the given per-volume unmount
// attempt budget. attempts < 1 is clamped to 1.
func NewSequencer(mgr Manager, attempts int) *Sequencer {
	if attempts < 1 {
		attempts = 1
	}
	return &Sequencer{mgr: mgr, attempts: attempts, initial: 200 * time.Millisecond}
}

// Quiesce unmounts every mounted volume of d, retrying busy volumes with
// bounded backoff. Partial unmounting is failure: if any volume remains
// mounted after the budget, the whole quiesce fails with DeviceBusy. A
// failed eject after a successful unmount is returned as a warning, not an
// error.
func (s *Sequencer) Quiesce(ctx context.Context, d Drive) ([]string, error) {
	var warnings []string
	for _, v := range d.MountedVolumes() {
		if err := s.unmountWithRetry(ctx, v); err != nil {
			if IsKind(err, KindDeviceBusy) {
				return warnings, WrapError(KindDeviceBusy, err,
					"volume %s still mounted after %d attempts", v.Device, s.attempts)
			}
			return warnings, err
		}
		logrus.WithField("volume", v.Device).Debug("unmounted")
	}

	if d.Removable {
		if err := s.mgr.Eject(ctx, d.Path); err != nil {
			warnings = append(warnings, fmt.Sprintf("eject %s: %v", d.Path, err))
		}
	}
	return warnings, nil
}

func (s *Sequencer) unmountWithRetry(ctx context.Context, v Volume) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initial
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := s.mgr.Unmount(ctx, v)
		if err == nil || IsKind(err, KindDeviceBusy) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
