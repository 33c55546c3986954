//go:build linux

package disk

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// linuxManager discovers drives with lsblk and manipulates them with the
// standard Linux tools (umount, eject, mkfs.*).
type linuxManager struct {
	run commandRunner
}

func newPlatformManager() (Manager, error) {
	return &linuxManager{run: runCommand}, nil
}

// lsblk JSON shapes. SizeBytes tolerates both the numeric output of
// `lsblk -b` and human-readable strings from older versions.
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Type       string        `json:"type"`
	Size       lsblkBytes    `json:"size"`
	FSType     *string       `json:"fstype"`
	Label      *string       `json:"label"`
	Model      *string       `json:"model"`
	MountPoint *string       `json:"mountpoint"`
	RM         *bool         `json:"rm"`
	Children   []lsblkDevice `json:"children"`
}

type lsblkBytes int64

func (b *lsblkBytes) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*b = 0
		return nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		*b = lsblkBytes(v)
		return nil
	}
	v, err := ParseSize(s)
	if err != nil {
		return err
	}
	*b = lsblkBytes(v)
	return nil
}

func (m *linuxManager) ListDrives(ctx context.Context) ([]Drive, error) {
	out, err := m.run(ctx, "lsblk", "--json", "-b",
		"-o", "NAME,PATH,TYPE,SIZE,FSTYPE,LABEL,MODEL,MOUNTPOINT,RM")
	if err != nil {
		return nil, errors.Wrap(err, "block device discovery unavailable")
	}
	rootDev := m.rootSource(ctx)
	drives, err := parseLsblk(out, rootDev)
	if err != nil {
		return nil, err
	}
	logrus.WithField("count", len(drives)).Debug("enumerated drives")
	return drives, nil
}

// rootSource returns the device backing /, e.g. /dev/nvme0n1p1. Empty when
// it cannot be determined; system-drive detection then relies on mount
// points alone.
func (m *linuxManager) rootSource(ctx context.Context) string {
	out, err := m.run(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil {
		logrus.WithError(err).Debug("findmnt failed")
		return ""
	}
	return strings.TrimSpace(string(out))
}

func parseLsblk(out []byte, rootSource string) ([]Drive, error) {
	var parsed lsblkOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, errors.Wrap(err, "parse lsblk output")
	}

	rootBase := filepath.Base(rootSource)
	var drives []Drive
	for _, dev := range parsed.BlockDevices {
		if dev.Type != "disk" && dev.Type != "rom" {
			continue
		}
		// Pseudo-devices are never flash or format targets.
		if strings.HasPrefix(dev.Name, "loop") || strings.HasPrefix(dev.Name, "ram") ||
			strings.HasPrefix(dev.Name, "zram") {
			continue
		}
		if dev.Size <= 0 {
			continue
		}

		path := dev.Path
		if path == "" {
			path = "/dev/" + dev.Name
		}

		d := Drive{
			Path:      path,
			Name:      deref(dev.Model, "Disk "+dev.Name),
			SizeBytes: int64(dev.Size),
			Removable: dev.RM != nil && *dev.RM,
			Label:     deref(dev.Label, ""),
		}
		if fs := dev.FSType; fs != nil {
			d.Filesystem = ParseFilesystem(*fs)
		}
		if dev.MountPoint != nil && *dev.MountPoint != "" {
			// Filesystem directly on the disk node.
			d.Volumes = append(d.Volumes, Volume{
				Device:     path,
				MountPoint: *dev.MountPoint,
				Filesystem: d.Filesystem,
				Label:      d.Label,
				SizeBytes:  int64(dev.Size),
			})
		}
		collectVolumes(dev.Children, &d)

		d.IsSystem = isSystemDrive(d, dev.Name, rootBase)
		if d.Filesystem == FilesystemUnknown && len(d.Volumes) > 0 {
			d.Filesystem = d.Volumes[0].Filesystem
		}
		drives = append(drives, d)
	}
	return drives, nil
}

// collectVolumes flattens the lsblk child tree (partitions, plus nested
// crypt/LVM mappings) into the drive's volume list.
func collectVolumes(children []lsblkDevice, d *Drive) {
	for _, c := range children {
		v := Volume{
			Device:    "/dev/" + c.Name,
			Label:     deref(c.Label, ""),
			SizeBytes: int64(c.Size),
		}
		if c.Path != "" {
			v.Device = c.Path
		}
		if c.FSType != nil {
			v.Filesystem = ParseFilesystem(*c.FSType)
		}
		if c.MountPoint != nil {
			v.MountPoint = *c.MountPoint
		}
		d.Volumes = append(d.Volumes, v)
		collectVolumes(c.Children, d)
	}
}

// isSystemDrive marks the drive backing the running OS: either the root
// filesystem source is one of its partitions, or one of its volumes is
// mounted at / or a boot path.
func isSystemDrive(d Drive, name, rootBase string) bool {
	if rootBase != "" && strings.HasPrefix(rootBase, name) {
		return true
	}
	for _, v := range d.Volumes {
		switch v.MountPoint {
		case "/", "/boot", "/boot/efi":
			return true
		}
	}
	return false
}

func deref(s *string, def string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return def
	}
	return strings.TrimSpace(*s)
}

func (m *linuxManager) Unmount(ctx context.Context, v Volume) error {
	if !v.Mounted() {
		return nil
	}
	out, err := m.run(ctx, "umount", v.MountPoint)
	if err != nil {
		msg := err.Error() + string(out)
		if strings.Contains(msg, "busy") {
			return WrapError(KindDeviceBusy, err, "unmount %s", v.MountPoint)
		}
		if strings.Contains(msg, "not mounted") {
			return nil
		}
		return WrapError(KindCommandFailed, err, "unmount %s", v.MountPoint)
	}
	return nil
}

func (m *linuxManager) Eject(ctx context.Context, drivePath string) error {
	if _, err := m.run(ctx, "eject", drivePath); err != nil {
		return WrapError(KindCommandFailed, err, "eject %s", drivePath)
	}
	return nil
}

func (m *linuxManager) Format(ctx context.Context, drivePath string, fs Filesystem, label string) error {
	var name string
	var args []string
	switch fs {
	case FAT32:
		name, args = "mkfs.vfat", []string{"-F", "32", "-n", label, drivePath}
	case ExFAT:
		name, args = "mkfs.exfat", []string{"-n", label, drivePath}
	case NTFS:
		name, args = "mkfs.ntfs", []string{"-f", "-L", label, drivePath}
	case Ext4:
		name, args = "mkfs.ext4", []string{"-F", "-L", label, drivePath}
	default:
		return NewError(KindUnsupportedFilesystem, "no Linux formatter for %q", fs)
	}
	logrus.WithFields(logrus.Fields{"device": drivePath, "fs": fs.String()}).Info("formatting")
	out, err := m.run(ctx, name, args...)
	if err != nil {
		if strings.Contains(err.Error()+string(out), "busy") {
			return WrapError(KindDeviceBusy, err, "format %s", drivePath)
		}
		return WrapError(KindCommandFailed, err, "format %s as %s", drivePath, fs)
	}
	return nil
}

func (m *linuxManager) Privileged() bool { return os.Geteuid() == 0 }
