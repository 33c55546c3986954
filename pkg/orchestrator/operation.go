package orchestrator

import (
	"net/url"

	"github.com/logscore/pervie/pkg/disk"
)

// Kind names the requested action.
type Kind string

const (
	OpFormat       Kind = "format"
	OpFlash        Kind = "flash"
	OpUnmountEject Kind = "eject"
)

// FormatParams configure a Format operation.
type FormatParams struct {
	Filesystem disk.Filesystem
	Label      string
}

// FlashParams configure a RemoteFlash operation.
type FlashParams struct {
	URL    string
	SHA256 string // optional hex digest
}

// Operation is a requested action on a drive. It is immutable once
// submitted; execution re-validates against freshly enumerated state, not
// against any view captured at selection time.
type Operation struct {
	Kind      Kind
	DrivePath string
	Format    FormatParams
	Flash     FlashParams
}

// Validate rejects malformed operations before any state is touched.
func (op Operation) Validate() error {
	if op.DrivePath == "" {
		return disk.NewError(disk.KindUnknownDevice, "operation has no target drive")
	}
	switch op.Kind {
	case OpFormat:
		if op.Format.Filesystem == disk.FilesystemUnknown {
			return disk.NewError(disk.KindUnsupportedFilesystem, "no filesystem selected")
		}
	case OpFlash:
		u, err := url.Parse(op.Flash.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return disk.NewError(disk.KindNetworkFailure, "invalid source URL %q", op.Flash.URL)
		}
	case OpUnmountEject:
	default:
		return disk.NewError(disk.KindCommandFailed, "unknown operation kind %q", op.Kind)
	}
	return nil
}

func (op Operation) action() disk.Action {
	switch op.Kind {
	case OpFormat:
		return disk.ActionFormat
	case OpFlash:
		return disk.ActionFlash
	default:
		return disk.ActionEject
	}
}
