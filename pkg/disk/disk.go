// Package disk models physical block devices and the platform-specific
// operations on them: enumeration, unmounting, ejecting and formatting.
// A Manager is selected once at startup; callers never branch on the
// platform themselves.
package disk

import (
	"fmt"
	"strconv"
	"strings"
)

// Filesystem identifies an on-disk filesystem kind.
type Filesystem string

// Supported filesystem kinds. Ext4 is Linux-only.
const (
	FilesystemUnknown Filesystem = ""
	FAT32             Filesystem = "fat32"
	ExFAT             Filesystem = "exfat"
	NTFS              Filesystem = "ntfs"
	Ext4              Filesystem = "ext4"
)

// String returns the display name of the filesystem.
func (f Filesystem) String() string {
	switch f {
	case FAT32:
		return "FAT32"
	case ExFAT:
		return "exFAT"
	case NTFS:
		return "NTFS"
	case Ext4:
		return "ext4"
	default:
		return "unknown"
	}
}

// ParseFilesystem maps user input and platform tool output to a Filesystem.
// It understands lsblk fstype values (vfat, exfat, ntfs, ext4) and diskutil
// content names (Windows_FAT_32, ExFAT, Windows_NTFS).
func ParseFilesystem(s string) Filesystem {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fat32", "vfat", "fat", "msdos", "windows_fat_32", "dos_fat_32":
		return FAT32
	case "exfat":
		return ExFAT
	case "ntfs", "windows_ntfs", "ntfs-3g":
		return NTFS
	case "ext4":
		return Ext4
	default:
		return FilesystemUnknown
	}
}

// Volume is a mountable unit within a Drive.
type Volume struct {
	Device     string // e.g. /dev/sda1
	MountPoint string // empty when not mounted
	Filesystem Filesystem
	Label      string
	SizeBytes  int64
}

// Mounted reports whether the volume is currently mounted.
func (v Volume) Mounted() bool { return v.MountPoint != "" }

// Drive is a physical block device as a whole. Drives are reconstructed on
// every enumeration call and never cached across operations; destructive
// actions re-enumerate and re-validate their target.
type Drive struct {
	Path       string // stable identifier, e.g. /dev/sdb
	Name       string // vendor/model or platform identifier
	SizeBytes  int64
	Removable  bool
	IsSystem   bool // hosts the running OS or its boot files
	Filesystem Filesystem
	Label      string
	Volumes    []Volume
}

// MountedVolumes returns the volumes that are currently mounted.
func (d Drive) MountedVolumes() []Volume {
	var out []Volume
	for _, v := range d.Volumes {
		if v.Mounted() {
			out = append(out, v)
		}
	}
	return out
}

// FindDrive locates a drive by device path in a freshly enumerated list.
func FindDrive(drives []Drive, path string) (Drive, bool) {
	for _, d := range drives {
		if d.Path == path {
			return d, true
		}
	}
	return Drive{}, false
}

// ParseSize converts a size string with an optional binary suffix
// (B/K/M/G/T/P, upper or lower case) to bytes. Plain numbers are bytes.
func ParseSize(s string) (int64, error) {
	ss := strings.TrimSpace(s)
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch strings.ToLower(ss[len(ss)-1:]) {
	case "k":
		mult = 1 << 10
		ss = ss[:len(ss)-1]
	case "m":
		mult = 1 << 20
		ss = ss[:len(ss)-1]
	case "g":
		mult = 1 << 30
		ss = ss[:len(ss)-1]
	case "t":
		mult = 1 << 40
		ss = ss[:len(ss)-1]
	case "p":
		mult = 1 << 50
		ss = ss[:len(ss)-1]
	case "b":
		ss = ss[:len(ss)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(ss), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(v * float64(mult)), nil
}
