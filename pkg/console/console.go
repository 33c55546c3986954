// Package console is the interactive terminal frontend. It renders the
// drive table, the filesystem and image pickers, the typed confirmation
// prompt and live operation progress, and drives everything through the
// orchestrator's state machine.
package console

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/sirupsen/logrus"

	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/orchestrator"
)

type view int

const (
	viewDevices view = iota
	viewFilesystems
	viewImages
	viewConfirm
	viewProgress
	viewMessage
)

// filesystems offered in the format picker, in display order.
var filesystems = []disk.Filesystem{disk.FAT32, disk.ExFAT, disk.NTFS, disk.Ext4}

// Console owns the terminal and the interactive flow.
type Console struct {
	screen  tcell.Screen
	mgr     disk.Manager
	machine *orchestrator.Machine
	orch    *orchestrator.Orchestrator

	view      view
	drives    []disk.Drive
	scanErr   string
	cursor    int
	fsCursor  int
	imgCursor int
	images    []Image
	input     string

	progress orchestrator.ProgressEvent
	message  string
	msgErr   bool
	tick     int

	closeOnce sync.Once
}

// New builds a console on a real terminal screen.
func New(orch *orchestrator.Orchestrator, mgr disk.Manager) (*Console, error) {
	screen, err := tcell.NewScreen()
	if err != nil {
		return nil, err
	}
	if err := screen.Init(); err != nil {
		return nil, err
	}
	screen.DisableMouse()
	return NewWithScreen(screen, orch, mgr), nil
}

// NewWithScreen builds a console on an already initialized screen.
func NewWithScreen(screen tcell.Screen, orch *orchestrator.Orchestrator, mgr disk.Manager) *Console {
	return &Console{
		screen:  screen,
		mgr:     mgr,
		orch:    orch,
		machine: orchestrator.NewMachine(orch),
		images:  Catalog(),
	}
}

// Close restores the terminal. Safe to call more than once.
func (c *Console) Close() {
	c.closeOnce.Do(func() {
		c.screen.Fini()
	})
}

// Run enumerates drives and enters the event loop. It returns when the
// user quits.
func (c *Console) Run() error {
	defer c.Close()
	c.refresh()
	for {
		c.tick++
		c.draw()
		switch ev := c.screen.PollEvent().(type) {
		case *tcell.EventKey:
			if c.handleKey(ev) {
				return nil
			}
		case *tcell.EventResize:
			c.screen.Sync()
		case *tcell.EventInterrupt:
			if op, ok := ev.Data().(orchestrator.Event); ok {
				c.handleOperation(op)
			}
		case nil:
			return nil
		}
	}
}

// refresh re-enumerates drives. Enumeration failure is shown in the
// header and leaves the previous listing usable.
func (c *Console) refresh() {
	drives, err := c.mgr.ListDrives(context.Background())
	if err != nil {
		c.scanErr = err.Error()
		logrus.WithError(err).Warn("drive enumeration failed")
		return
	}
	c.scanErr = ""
	c.drives = drives
	if c.cursor >= len(c.drives) && len(c.drives) > 0 {
		c.cursor = len(c.drives) - 1
	}
}

// handleKey dispatches a key press for the current view. It reports
// whether the console should exit.
func (c *Console) handleKey(ev *tcell.EventKey) bool {
	if ev.Key() == tcell.KeyCtrlC {
		// An in-flight device write must never be abandoned by a process
		// exit: while executing, Ctrl+C only requests cancellation and
		// the console stays up until the terminal result arrives.
		if c.machine.State() == orchestrator.StateExecuting {
			c.machine.Cancel()
			return false
		}
		return true
	}
	switch c.view {
	case viewDevices:
		return c.keyDevices(ev)
	case viewFilesystems:
		c.keyMenu(ev, &c.fsCursor, len(filesystems), c.configureFormat)
	case viewImages:
		c.keyMenu(ev, &c.imgCursor, len(c.images), c.configureFlash)
	case viewConfirm:
		c.keyConfirm(ev)
	case viewProgress:
		// Input is blocked during execution except for cancellation.
		if ev.Key() == tcell.KeyEscape {
			c.machine.Cancel()
		}
	case viewMessage:
		switch {
		case ev.Key() == tcell.KeyEscape, ev.Key() == tcell.KeyEnter:
			c.dismiss()
		case ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
			return true
		}
	}
	return false
}

func (c *Console) keyDevices(ev *tcell.EventKey) bool {
	selected := c.machine.State() == orchestrator.StateDriveSelected
	switch {
	case ev.Key() == tcell.KeyRune && ev.Rune() == 'q':
		return true
	case ev.Key() == tcell.KeyUp:
		c.moveCursor(-1)
	case ev.Key() == tcell.KeyDown:
		c.moveCursor(1)
	case ev.Key() == tcell.KeyRune && ev.Rune() == 'r':
		c.refresh()
	case ev.Key() == tcell.KeyEnter:
		if len(c.drives) > 0 {
			if err := c.machine.SelectDrive(c.drives[c.cursor]); err != nil {
				c.showError(err.Error())
			}
		}
	case ev.Key() == tcell.KeyEscape:
		c.machine.Reset()
	case selected && ev.Key() == tcell.KeyRune && ev.Rune() == 'u':
		c.startUnmount()
	case selected && ev.Key() == tcell.KeyRune && ev.Rune() == 'f':
		c.fsCursor = 0
		c.view = viewFilesystems
	case selected && ev.Key() == tcell.KeyRune && ev.Rune() == 'i':
		c.imgCursor = 0
		c.view = viewImages
	}
	return false
}

func (c *Console) moveCursor(delta int) {
	if len(c.drives) == 0 {
		return
	}
	c.cursor = (c.cursor + delta + len(c.drives)) % len(c.drives)
	// Moving off the selected drive re-selects.
	if c.machine.State() == orchestrator.StateDriveSelected {
		if err := c.machine.SelectDrive(c.drives[c.cursor]); err != nil {
			c.showError(err.Error())
		}
	}
}

func (c *Console) keyMenu(ev *tcell.EventKey, cursor *int, n int, accept func()) {
	switch {
	case ev.Key() == tcell.KeyEscape:
		c.view = viewDevices
	case ev.Key() == tcell.KeyUp:
		*cursor = (*cursor + n - 1) % n
	case ev.Key() == tcell.KeyDown:
		*cursor = (*cursor + 1) % n
	case ev.Key() == tcell.KeyEnter:
		accept()
	}
}

func (c *Console) configureFormat() {
	drive := c.machine.Drive()
	op := orchestrator.Operation{
		Kind:      orchestrator.OpFormat,
		DrivePath: drive.Path,
		Format:    orchestrator.FormatParams{Filesystem: filesystems[c.fsCursor]},
	}
	c.beginConfirm(op)
}

func (c *Console) configureFlash() {
	drive := c.machine.Drive()
	img := c.images[c.imgCursor]
	op := orchestrator.Operation{
		Kind:      orchestrator.OpFlash,
		DrivePath: drive.Path,
		Flash:     orchestrator.FlashParams{URL: img.URL},
	}
	c.beginConfirm(op)
}

func (c *Console) beginConfirm(op orchestrator.Operation) {
	if err := c.machine.Configure(op); err != nil {
		c.showError(err.Error())
		return
	}
	if err := c.machine.BeginConfirm(); err != nil {
		c.showError(err.Error())
		return
	}
	c.input = ""
	c.view = viewConfirm
}

func (c *Console) keyConfirm(ev *tcell.EventKey) {
	switch {
	case ev.Key() == tcell.KeyEscape:
		c.input = ""
		c.machine.Back()
		c.view = viewDevices
	case ev.Key() == tcell.KeyBackspace, ev.Key() == tcell.KeyBackspace2:
		if len(c.input) > 0 {
			c.input = c.input[:len(c.input)-1]
		}
	case ev.Key() == tcell.KeyEnter:
		c.acceptConfirm()
	case ev.Key() == tcell.KeyRune:
		c.input += string(ev.Rune())
	}
}

// acceptConfirm requires the exact device path to be typed before a
// destructive operation starts.
func (c *Console) acceptConfirm() {
	path := c.machine.Drive().Path
	if c.input != path {
		c.showError(fmt.Sprintf("confirmation mismatch: expected %q, got %q", path, c.input))
		return
	}
	c.execute()
}

// startUnmount runs unmount and eject for the selected drive. It is not
// destructive, so no typed confirmation is demanded.
func (c *Console) startUnmount() {
	op := orchestrator.Operation{
		Kind:      orchestrator.OpUnmountEject,
		DrivePath: c.machine.Drive().Path,
	}
	if err := c.machine.Configure(op); err != nil {
		c.showError(err.Error())
		return
	}
	if err := c.machine.BeginConfirm(); err != nil {
		c.showError(err.Error())
		return
	}
	c.execute()
}

func (c *Console) execute() {
	h, err := c.machine.Execute()
	if err != nil {
		c.showError(err.Error())
		return
	}
	events, ok := c.orch.Events(h)
	if !ok {
		c.showError("operation vanished before it started")
		return
	}
	c.progress = orchestrator.ProgressEvent{}
	c.view = viewProgress
	go c.forward(events)
}

// forward pumps operation events into the terminal event loop. Progress
// snapshots may be dropped when the queue is full; the terminal result is
// posted blockingly so it can never be lost.
func (c *Console) forward(events <-chan orchestrator.Event) {
	for ev := range events {
		ie := tcell.NewEventInterrupt(ev)
		if ev.Result != nil {
			c.screen.PostEventWait(ie)
			continue
		}
		_ = c.screen.PostEvent(ie)
	}
}

func (c *Console) handleOperation(ev orchestrator.Event) {
	if ev.Progress != nil {
		c.progress = *ev.Progress
		return
	}
	if ev.Result == nil {
		return
	}
	res := *ev.Result
	c.machine.Complete(res)
	switch res.Status {
	case orchestrator.StatusSuccess:
		c.message = "Done."
		if len(res.Warnings) > 0 {
			c.message = fmt.Sprintf("Done, with warnings: %v", res.Warnings)
		}
		c.msgErr = false
	case orchestrator.StatusCancelled:
		c.message = "Cancelled. The device contents are undefined."
		c.msgErr = true
	default:
		c.message = res.Detail
		if res.Kind == disk.KindSafetyViolation {
			c.message = "REFUSED: " + res.Detail
		}
		c.msgErr = true
	}
	c.view = viewMessage
}

func (c *Console) showError(msg string) {
	c.message = msg
	c.msgErr = true
	c.view = viewMessage
}

// dismiss leaves the message view and returns to a fresh drive listing.
func (c *Console) dismiss() {
	c.machine.Reset()
	c.input = ""
	c.refresh()
	c.view = viewDevices
}
