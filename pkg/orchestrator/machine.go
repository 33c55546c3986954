package orchestrator

import (
	"github.com/pkg/errors"

	"github.com/logscore/pervie/pkg/disk"
)

// State is a step of the interactive flow.
type State int

const (
	StateIdle State = iota
	StateDriveSelected
	StateConfigured
	StateConfirming
	StateExecuting
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDriveSelected:
		return "drive selected"
	case StateConfigured:
		return "configured"
	case StateConfirming:
		return "confirming"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Machine drives the selection, configuration, confirmation and execution
// steps of the interactive flow. Every transition before execution is
// reversible and side-effect free; only Execute touches the system.
type Machine struct {
	orch   *Orchestrator
	state  State
	drive  disk.Drive
	op     Operation
	handle Handle
	result Result
}

// NewMachine starts a machine in StateIdle.
func NewMachine(orch *Orchestrator) *Machine {
	return &Machine{orch: orch}
}

func (m *Machine) State() State      { return m.state }
func (m *Machine) Drive() disk.Drive { return m.drive }
func (m *Machine) Handle() Handle    { return m.handle }
func (m *Machine) Result() Result    { return m.result }

// SelectDrive records the target. Re-selecting discards any configured
// operation. It is refused once execution has started.
func (m *Machine) SelectDrive(d disk.Drive) error {
	if m.state == StateExecuting {
		return errors.New("cannot change drive while an operation is executing")
	}
	m.drive = d
	m.op = Operation{}
	m.handle = ""
	m.state = StateDriveSelected
	return nil
}

// Configure records the operation to run on the selected drive.
func (m *Machine) Configure(op Operation) error {
	if m.state != StateDriveSelected && m.state != StateConfigured {
		return errors.Errorf("cannot configure an operation from state %q", m.state)
	}
	if op.DrivePath != m.drive.Path {
		return errors.Errorf("operation targets %s but %s is selected", op.DrivePath, m.drive.Path)
	}
	if err := op.Validate(); err != nil {
		return err
	}
	m.op = op
	m.state = StateConfigured
	return nil
}

// BeginConfirm advances to the confirmation prompt.
func (m *Machine) BeginConfirm() error {
	if m.state != StateConfigured {
		return errors.Errorf("nothing to confirm in state %q", m.state)
	}
	m.state = StateConfirming
	return nil
}

// Back steps one state towards StateIdle without touching the system.
func (m *Machine) Back() error {
	switch m.state {
	case StateConfirming:
		m.state = StateConfigured
	case StateConfigured:
		m.state = StateDriveSelected
	case StateDriveSelected:
		m.drive = disk.Drive{}
		m.state = StateIdle
	case StateCompleted:
		m.Reset()
	default:
		return errors.Errorf("cannot go back from state %q", m.state)
	}
	return nil
}

// Execute submits the confirmed operation. On DeviceBusy or any other
// submission failure the machine stays in StateConfirming so the user can
// retry or back out.
func (m *Machine) Execute() (Handle, error) {
	if m.state != StateConfirming {
		return "", errors.Errorf("cannot execute from state %q, confirmation is required", m.state)
	}
	h, err := m.orch.Submit(m.op)
	if err != nil {
		return "", err
	}
	m.handle = h
	m.state = StateExecuting
	return h, nil
}

// Cancel requests cancellation of the executing operation.
func (m *Machine) Cancel() {
	if m.state == StateExecuting {
		m.orch.Cancel(m.handle)
	}
}

// Complete records the terminal result delivered by the orchestrator.
func (m *Machine) Complete(res Result) {
	if m.state == StateExecuting {
		m.result = res
		m.state = StateCompleted
	}
}

// Reset returns to StateIdle, ready for a new selection. The record of a
// completed operation is released.
func (m *Machine) Reset() {
	if m.state == StateCompleted && m.handle != "" {
		m.orch.Release(m.handle)
	}
	*m = Machine{orch: m.orch}
}
