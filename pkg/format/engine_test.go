package format_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/disk/fake"
	"github.com/logscore/pervie/pkg/format"
)

func usbDrive() disk.Drive {
	return disk.Drive{
		Path:      "/dev/sdb",
		Name:      "SanDisk Ultra",
		SizeBytes: 16 << 30,
		Removable: true,
		Volumes: []disk.Volume{
			{Device: "/dev/sdb1", MountPoint: "/media/user/STICK", Filesystem: disk.ExFAT},
		},
	}
}

func newEngine(mgr *fake.Manager) *format.Engine {
	return format.New(mgr, disk.NewSequencer(mgr, 3))
}

func TestFormatSuccessReportsNewFilesystem(t *testing.T) {
	target := usbDrive()
	mgr := &fake.Manager{Drives: []disk.Drive{target}}
	eng := newEngine(mgr)

	warnings, err := eng.Format(context.Background(), target, disk.FAT32, "stick")
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, []string{"/dev/sdb"}, mgr.FormatCalls)

	drives, err := mgr.ListDrives(context.Background())
	require.NoError(t, err)
	d, ok := disk.FindDrive(drives, "/dev/sdb")
	require.True(t, ok)
	assert.Equal(t, disk.FAT32, d.Filesystem)
	assert.Equal(t, "STICK", d.Label, "FAT32 labels are upper-cased")
}

func TestFormatRejectsSystemDrive(t *testing.T) {
	target := usbDrive()
	target.IsSystem = true
	mgr := &fake.Manager{Drives: []disk.Drive{target}}
	eng := newEngine(mgr)

	_, err := eng.Format(context.Background(), target, disk.FAT32, "")
	assert.True(t, disk.IsKind(err, disk.KindSafetyViolation))
	assert.Empty(t, mgr.FormatCalls, "no write may start on a rejected drive")
}

func TestFormatSafetyVetoOutranksSizeValidation(t *testing.T) {
	// A system drive far beyond the FAT32 range must still be refused as
	// a safety violation, not as an unsupported size.
	target := usbDrive()
	target.IsSystem = true
	target.SizeBytes = 4 << 40
	mgr := &fake.Manager{Drives: []disk.Drive{target}}
	eng := newEngine(mgr)

	_, err := eng.Format(context.Background(), target, disk.FAT32, "")
	assert.True(t, disk.IsKind(err, disk.KindSafetyViolation))
	assert.Empty(t, mgr.FormatCalls)
}

func TestFormatBusyDriveNeverStartsWrite(t *testing.T) {
	target := usbDrive()
	mgr := &fake.Manager{
		Drives: []disk.Drive{target},
		UnmountErr: func(disk.Volume) error {
			return disk.NewError(disk.KindDeviceBusy, "target is busy")
		},
	}
	eng := newEngine(mgr)

	_, err := eng.Format(context.Background(), target, disk.ExFAT, "")
	assert.True(t, disk.IsKind(err, disk.KindDeviceBusy))
	assert.Empty(t, mgr.FormatCalls)
}

func TestFormatVerificationMismatch(t *testing.T) {
	target := usbDrive()
	mgr := &fake.Manager{Drives: []disk.Drive{target}}
	// Format "succeeds" but the device keeps its old filesystem.
	mgr.OnFormat = func(string, disk.Filesystem, string) {}
	eng := newEngine(mgr)

	_, err := eng.Format(context.Background(), target, disk.NTFS, "")
	assert.True(t, disk.IsKind(err, disk.KindVerificationMismatch))
}

func TestValidateSizeFAT32(t *testing.T) {
	tests := []struct {
		name string
		size int64
		ok   bool
	}{
		{"too small", 16 << 20, false},
		{"minimum", 33 << 20, true},
		{"typical stick", 16 << 30, true},
		{"maximum", 2 << 40, true},
		{"too large", 2<<40 + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := format.ValidateSize(disk.FAT32, tt.size)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, disk.IsKind(err, disk.KindUnsupportedSize))
			}
		})
	}
	// Other filesystems have no size ceiling here.
	assert.NoError(t, format.ValidateSize(disk.ExFAT, 8<<40))
	assert.NoError(t, format.ValidateSize(disk.NTFS, 1<<20))
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "UNTITLED", format.NormalizeLabel(disk.ExFAT, "  "))
	assert.Equal(t, "MYLONGLABEL", format.NormalizeLabel(disk.FAT32, "mylonglabelxxx"))
	assert.Equal(t, "backup drive", format.NormalizeLabel(disk.NTFS, "backup drive"))
}
