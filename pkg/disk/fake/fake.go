// Package fake provides an in-memory disk.Manager for tests.
package fake

import (
	"context"
	"sync"

	"github.com/logscore/pervie/pkg/disk"
)

// Manager is a configurable in-memory disk.Manager. The zero value is
// usable; set Drives and the error hooks as needed.
type Manager struct {
	mu sync.Mutex

	Drives     []disk.Drive
	Elevated   bool
	UnmountErr func(v disk.Volume) error
	EjectErr   error
	FormatErr  error
	ListErr    error

	// OnFormat, when set, mutates the drive list after a successful
	// format so re-enumeration observes the new filesystem.
	OnFormat func(path string, fs disk.Filesystem, label string)

	UnmountCalls []string
	EjectCalls   []string
	FormatCalls  []string
}

var _ disk.Manager = (*Manager)(nil)

func (m *Manager) ListDrives(context.Context) ([]disk.Drive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := make([]disk.Drive, len(m.Drives))
	copy(out, m.Drives)
	return out, nil
}

func (m *Manager) Unmount(_ context.Context, v disk.Volume) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnmountCalls = append(m.UnmountCalls, v.Device)
	if m.UnmountErr != nil {
		return m.UnmountErr(v)
	}
	for di := range m.Drives {
		for vi := range m.Drives[di].Volumes {
			if m.Drives[di].Volumes[vi].Device == v.Device {
				m.Drives[di].Volumes[vi].MountPoint = ""
			}
		}
	}
	return nil
}

func (m *Manager) Eject(_ context.Context, drivePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EjectCalls = append(m.EjectCalls, drivePath)
	return m.EjectErr
}

func (m *Manager) Format(_ context.Context, drivePath string, fs disk.Filesystem, label string) error {
	m.mu.Lock()
	m.FormatCalls = append(m.FormatCalls, drivePath)
	onFormat := m.OnFormat
	err := m.FormatErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if onFormat != nil {
		onFormat(drivePath, fs, label)
	} else {
		m.mu.Lock()
		for di := range m.Drives {
			if m.Drives[di].Path == drivePath {
				m.Drives[di].Filesystem = fs
				m.Drives[di].Label = label
				m.Drives[di].Volumes = nil
			}
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) Privileged() bool { return m.Elevated }

// SetDrives replaces the drive list under lock.
func (m *Manager) SetDrives(drives []disk.Drive) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Drives = drives
}
