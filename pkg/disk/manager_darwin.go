//go:build darwin

package disk

import (
	"bytes"
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"howett.net/plist"
)

// darwinManager discovers drives with `diskutil list -plist` and
// manipulates them through diskutil.
type darwinManager struct {
	run commandRunner
}

func newPlatformManager() (Manager, error) {
	return &darwinManager{run: runCommand}, nil
}

type diskutilList struct {
	AllDisksAndPartitions []diskutilDisk `plist:"AllDisksAndPartitions"`
}

type diskutilDisk struct {
	DeviceIdentifier string              `plist:"DeviceIdentifier"`
	Size             uint64              `plist:"Size"`
	Content          string              `plist:"Content"`
	Partitions       []diskutilPartition `plist:"Partitions"`
}

type diskutilPartition struct {
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	Size             uint64 `plist:"Size"`
	Content          string `plist:"Content"`
	MountPoint       string `plist:"MountPoint"`
	VolumeName       string `plist:"VolumeName"`
}

func (m *darwinManager) ListDrives(ctx context.Context) ([]Drive, error) {
	out, err := m.run(ctx, "diskutil", "list", "-plist")
	if err != nil {
		return nil, errors.Wrap(err, "block device discovery unavailable")
	}
	drives, err := parseDiskutil(out)
	if err != nil {
		return nil, err
	}
	logrus.WithField("count", len(drives)).Debug("enumerated drives")
	return drives, nil
}

func parseDiskutil(out []byte) ([]Drive, error) {
	var parsed diskutilList
	if _, err := plist.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return nil, errors.Wrap(err, "parse diskutil output")
	}

	var drives []Drive
	for _, disk := range parsed.AllDisksAndPartitions {
		if disk.Size == 0 || disk.DeviceIdentifier == "" {
			continue
		}
		d := Drive{
			Path:       "/dev/" + disk.DeviceIdentifier,
			Name:       "Disk " + disk.DeviceIdentifier,
			SizeBytes:  int64(disk.Size),
			Filesystem: ParseFilesystem(disk.Content),
		}
		// disk0 hosts the firmware/boot container on every Mac.
		isSystem := disk.DeviceIdentifier == "disk0"
		for _, p := range disk.Partitions {
			switch p.MountPoint {
			case "/", "/System/Volumes/Data":
				isSystem = true
			}
			d.Volumes = append(d.Volumes, Volume{
				Device:     "/dev/" + p.DeviceIdentifier,
				MountPoint: p.MountPoint,
				Filesystem: ParseFilesystem(p.Content),
				Label:      p.VolumeName,
				SizeBytes:  int64(p.Size),
			})
		}
		d.IsSystem = isSystem
		d.Removable = !isSystem
		if d.Filesystem == FilesystemUnknown && len(d.Volumes) > 0 {
			d.Filesystem = d.Volumes[0].Filesystem
		}
		drives = append(drives, d)
	}
	return drives, nil
}

func (m *darwinManager) Unmount(ctx context.Context, v Volume) error {
	if !v.Mounted() {
		return nil
	}
	out, err := m.run(ctx, "diskutil", "unmount", v.Device)
	if err != nil {
		if strings.Contains(err.Error()+string(out), "busy") {
			return WrapError(KindDeviceBusy, err, "unmount %s", v.Device)
		}
		return WrapError(KindCommandFailed, err, "unmount %s", v.Device)
	}
	return nil
}

func (m *darwinManager) Eject(ctx context.Context, drivePath string) error {
	if _, err := m.run(ctx, "diskutil", "eject", drivePath); err != nil {
		return WrapError(KindCommandFailed, err, "eject %s", drivePath)
	}
	return nil
}

func (m *darwinManager) Format(ctx context.Context, drivePath string, fs Filesystem, label string) error {
	var format string
	switch fs {
	case FAT32:
		format = "FAT32"
	case ExFAT:
		format = "ExFAT"
	default:
		return NewError(KindUnsupportedFilesystem, "no macOS formatter for %q", fs)
	}
	// eraseDisk wants the whole-disk identifier, not /dev/ paths.
	id := strings.TrimPrefix(drivePath, "/dev/")
	logrus.WithFields(logrus.Fields{"device": drivePath, "fs": fs.String()}).Info("formatting")
	out, err := m.run(ctx, "diskutil", "eraseDisk", format, label, id)
	if err != nil {
		if strings.Contains(err.Error()+string(out), "busy") {
			return WrapError(KindDeviceBusy, err, "format %s", drivePath)
		}
		return WrapError(KindCommandFailed, err, "format %s as %s", drivePath, fs)
	}
	return nil
}

func (m *darwinManager) Privileged() bool { return os.Geteuid() == 0 }
