// Package format writes a target filesystem onto an unmounted device and
// verifies the outcome against a fresh enumeration.
package format

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/logscore/pervie/pkg/disk"
)

// FAT32 addressable range for whole-device formatting: the cluster count
// floor (65525 clusters at the smallest cluster size) sets the minimum,
// the 32-bit sector count at 512-byte sectors sets the maximum.
const (
	fat32MinBytes = 33 * 1024 * 1024
	fat32MaxBytes = 2 * 1024 * 1024 * 1024 * 1024
)

// DefaultLabel is applied when no volume label is supplied.
const DefaultLabel = "UNTITLED"

// Engine formats whole drives. It re-checks the safety guard and quiesces
// the drive itself, so it is safe to call directly from the CLI as well as
// through the orchestrator.
type Engine struct {
	mgr   disk.Manager
	guard disk.Guard
	seq   *disk.Sequencer
}

// New builds a format engine on the given platform manager and sequencer.
func New(mgr disk.Manager, seq *disk.Sequencer) *Engine {
	return &Engine{mgr: mgr, seq: seq}
}

// ValidateSize rejects device sizes the filesystem cannot address.
func ValidateSize(fs disk.Filesystem, sizeBytes int64) error {
	if fs != disk.FAT32 {
		return nil
	}
	if sizeBytes < fat32MinBytes {
		return disk.NewError(disk.KindUnsupportedSize,
			"%d bytes is below the FAT32 minimum of %d", sizeBytes, int64(fat32MinBytes))
	}
	if sizeBytes > fat32MaxBytes {
		return disk.NewError(disk.KindUnsupportedSize,
			"%d bytes exceeds the FAT32 maximum of %d", sizeBytes, int64(fat32MaxBytes))
	}
	return nil
}

// NormalizeLabel trims and defaults the volume label. FAT32 labels are
// limited to 11 characters and conventionally upper case.
func NormalizeLabel(fs disk.Filesystem, label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return DefaultLabel
	}
	if fs == disk.FAT32 {
		label = strings.ToUpper(label)
		if len(label) > 11 {
			label = label[:11]
		}
	}
	return label
}

// Format writes fs onto the whole device. The target drive must come from
// a fresh enumeration; guard authorization and quiesce run here,
// immediately before the destructive write. It returns the non-fatal
// warnings gathered along the way.
func (e *Engine) Format(ctx context.Context, target disk.Drive, fs disk.Filesystem, label string) ([]string, error) {
	// The safety veto outranks every other rejection reason.
	if err := e.guard.Authorize(disk.ActionFormat, target); err != nil {
		return nil, err
	}
	if err := ValidateSize(fs, target.SizeBytes); err != nil {
		return nil, err
	}
	warnings, err := e.seq.Quiesce(ctx, target)
	if err != nil {
		return warnings, err
	}

	label = NormalizeLabel(fs, label)
	if err := e.mgr.Format(ctx, target.Path, fs, label); err != nil {
		return warnings, err
	}

	if err := e.verify(ctx, target.Path, fs); err != nil {
		return warnings, err
	}
	logrus.WithFields(logrus.Fields{
		"device": target.Path,
		"fs":     fs.String(),
		"label":  label,
	}).Info("format verified")
	return warnings, nil
}

// verify re-enumerates and confirms the drive reports the requested
// filesystem. A formatter that silently left the device untouched must
// surface as VerificationMismatch, not success.
func (e *Engine) verify(ctx context.Context, path string, want disk.Filesystem) error {
	drives, err := e.mgr.ListDrives(ctx)
	if err != nil {
		return disk.WrapError(disk.KindVerificationMismatch, err,
			"could not re-enumerate %s after formatting", path)
	}
	d, ok := disk.FindDrive(drives, path)
	if !ok {
		return disk.NewError(disk.KindVerificationMismatch,
			"%s disappeared after formatting", path)
	}
	if d.Filesystem != want {
		return disk.NewError(disk.KindVerificationMismatch,
			"%s reports %s after formatting, wanted %s", path, d.Filesystem, want)
	}
	return nil
}
