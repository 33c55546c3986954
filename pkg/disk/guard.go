package disk

// Action names a destructive or disruptive request for authorization.
type Action string

const (
	ActionFormat Action = "format"
	ActionFlash  Action = "flash"
	ActionEject  Action = "eject"
)

// Guard vetoes operations on protected devices. Authorize must be re-run
// against a freshly enumerated Drive immediately before destructive I/O
// begins, not only at selection time.
type Guard struct{}

// Authorize returns nil when the action may proceed. Checks run in order:
// system-drive protection first, then identity confidence.
func (Guard) Authorize(a Action, d Drive) error {
	if d.IsSystem {
		// No override path exists. Ejecting is refused as well: the
		// active root filesystem cannot be quiesced.
		return NewError(KindSafetyViolation,
			"%s hosts the running operating system; refusing to %s", d.Path, a)
	}
	if d.Path == "" || d.SizeBytes <= 0 {
		return NewError(KindUnknownDevice,
			"device identity or size could not be determined (path=%q size=%d)",
			d.Path, d.SizeBytes)
	}
	return nil
}
