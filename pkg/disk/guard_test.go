package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGuardRejectsSystemDrive(t *testing.T) {
	sys := Drive{Path: "/dev/nvme0n1", SizeBytes: 512 << 30, IsSystem: true}
	var g Guard
	for _, a := range []Action{ActionFormat, ActionFlash, ActionEject} {
		err := g.Authorize(a, sys)
		assert.True(t, IsKind(err, KindSafetyViolation), "action %s", a)
	}
}

func TestGuardRejectsUnknownDevice(t *testing.T) {
	var g Guard
	err := g.Authorize(ActionFormat, Drive{Path: "/dev/sdb", SizeBytes: 0})
	assert.True(t, IsKind(err, KindUnknownDevice))

	err = g.Authorize(ActionFlash, Drive{Path: "", SizeBytes: 1 << 30})
	assert.True(t, IsKind(err, KindUnknownDevice))
}

func TestGuardAuthorizes(t *testing.T) {
	var g Guard
	d := Drive{Path: "/dev/sdb", SizeBytes: 16 << 30, Removable: true}
	assert.NoError(t, g.Authorize(ActionFormat, d))
	assert.NoError(t, g.Authorize(ActionFlash, d))
}

func TestGuardSystemCheckPrecedesIdentityCheck(t *testing.T) {
	// A system drive with a bogus size must still be a SafetyViolation.
	var g Guard
	err := g.Authorize(ActionFormat, Drive{Path: "/dev/sda", SizeBytes: 0, IsSystem: true})
	assert.True(t, IsKind(err, KindSafetyViolation))
}
