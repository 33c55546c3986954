package disk_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/disk/fake"
)

func removableDrive() disk.Drive {
	return disk.Drive{
		Path:      "/dev/sdb",
		SizeBytes: 16 << 30,
		Removable: true,
		Volumes: []disk.Volume{
			{Device: "/dev/sdb1", MountPoint: "/media/a"},
			{Device: "/dev/sdb2", MountPoint: "/media/b"},
		},
	}
}

func TestQuiesceUnmountsAllVolumesAndEjects(t *testing.T) {
	mgr := &fake.Manager{}
	seq := disk.NewSequencer(mgr, 3)

	warnings, err := seq.Quiesce(context.Background(), removableDrive())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"/dev/sdb1", "/dev/sdb2"}, mgr.UnmountCalls)
	assert.Equal(t, []string{"/dev/sdb"}, mgr.EjectCalls)
}

func TestQuiesceBusyVolumeExhaustsBudget(t *testing.T) {
	mgr := &fake.Manager{
		UnmountErr: func(v disk.Volume) error {
			return disk.NewError(disk.KindDeviceBusy, "target is busy")
		},
	}
	seq := disk.NewSequencer(mgr, 3)

	_, err := seq.Quiesce(context.Background(), removableDrive())
	require.Error(t, err)
	assert.True(t, disk.IsKind(err, disk.KindDeviceBusy))
	// First volume retried up to the budget; second never attempted.
	assert.Equal(t, []string{"/dev/sdb1", "/dev/sdb1", "/dev/sdb1"}, mgr.UnmountCalls)
	assert.Empty(t, mgr.EjectCalls, "eject must not run after a failed quiesce")
}

func TestQuiesceBusyRecoversWithinBudget(t *testing.T) {
	calls := 0
	mgr := &fake.Manager{}
	mgr.UnmountErr = func(v disk.Volume) error {
		calls++
		if calls < 3 {
			return disk.NewError(disk.KindDeviceBusy, "target is busy")
		}
		return nil
	}
	seq := disk.NewSequencer(mgr, 3)

	_, err := seq.Quiesce(context.Background(), disk.Drive{
		Path:      "/dev/sdb",
		SizeBytes: 1 << 30,
		Volumes:   []disk.Volume{{Device: "/dev/sdb1", MountPoint: "/media/a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestQuiesceNonBusyErrorIsNotRetried(t *testing.T) {
	calls := 0
	mgr := &fake.Manager{}
	mgr.UnmountErr = func(v disk.Volume) error {
		calls++
		return disk.NewError(disk.KindCommandFailed, "umount exploded")
	}
	seq := disk.NewSequencer(mgr, 3)

	_, err := seq.Quiesce(context.Background(), removableDrive())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestQuiesceEjectFailureIsWarning(t *testing.T) {
	mgr := &fake.Manager{EjectErr: disk.NewError(disk.KindCommandFailed, "no eject support")}
	seq := disk.NewSequencer(mgr, 3)

	warnings, err := seq.Quiesce(context.Background(), removableDrive())
	require.NoError(t, err, "eject failure must not fail an otherwise successful quiesce")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "eject /dev/sdb")
}

func TestQuiesceNonRemovableSkipsEject(t *testing.T) {
	mgr := &fake.Manager{}
	seq := disk.NewSequencer(mgr, 3)
	d := removableDrive()
	d.Removable = false

	_, err := seq.Quiesce(context.Background(), d)
	require.NoError(t, err)
	assert.Empty(t, mgr.EjectCalls)
}
