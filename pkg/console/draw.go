package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"

	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/orchestrator"
)

var (
	styleDefault  = tcell.StyleDefault
	styleMuted    = tcell.StyleDefault.Foreground(tcell.ColorGray)
	styleTitle    = tcell.StyleDefault.Foreground(tcell.ColorTeal).Bold(true)
	styleDanger   = tcell.StyleDefault.Foreground(tcell.ColorRed)
	styleSuccess  = tcell.StyleDefault.Foreground(tcell.ColorGreen)
	styleWarning  = tcell.StyleDefault.Foreground(tcell.ColorOrange)
	styleSelected = tcell.StyleDefault.Reverse(true).Bold(true)
)

func putStr(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for i, r := range []rune(str) {
		pos := x + i
		if pos >= w {
			break
		}
		s.SetContent(pos, y, r, nil, style)
	}
}

func (c *Console) draw() {
	c.screen.Clear()
	c.drawHeader()
	c.drawDrives()
	c.drawHelp()
	switch c.view {
	case viewFilesystems:
		c.drawFilesystemMenu()
	case viewImages:
		c.drawImageMenu()
	case viewConfirm:
		c.drawConfirm()
	case viewProgress:
		c.drawProgress()
	case viewMessage:
		c.drawMessage()
	}
	c.screen.Show()
}

func (c *Console) drawHeader() {
	w, _ := c.screen.Size()
	title := "Pervie"
	badge := " ○ USER "
	badgeStyle := styleWarning.Reverse(true)
	if c.mgr.Privileged() {
		badge = " ● ROOT "
		badgeStyle = styleSuccess.Reverse(true)
	}
	x := (w - len(title) - len(badge) - 2) / 2
	if x < 0 {
		x = 0
	}
	putStr(c.screen, x, 0, title, styleTitle)
	putStr(c.screen, x+len(title)+2, 0, badge, badgeStyle)

	sub := fmt.Sprintf("%d devices detected", len(c.drives))
	if c.scanErr != "" {
		sub = "scan failed: " + c.scanErr
	}
	putStr(c.screen, 0, 1, sub, styleMuted)
	putStr(c.screen, 0, 2, strings.Repeat("─", w), styleMuted)
}

func (c *Console) drawDrives() {
	putStr(c.screen, 0, 3,
		fmt.Sprintf(" %-24s %-10s %-8s %-20s %s", "NAME", "SIZE", "TYPE", "MOUNT POINT", "STATUS"),
		styleMuted.Bold(true))
	for i, d := range c.drives {
		style := styleDefault
		switch {
		case d.IsSystem:
			style = styleDanger
		case d.Removable:
			style = styleSuccess
		}
		if i == c.cursor {
			style = styleSelected
		}

		mount := "—"
		status := "Unmounted"
		if vols := d.MountedVolumes(); len(vols) > 0 {
			mount = vols[0].MountPoint
			status = "Mounted"
		}
		if d.IsSystem {
			status = "Protected"
		}
		size := "?"
		if d.SizeBytes > 0 {
			size = humanize.IBytes(uint64(d.SizeBytes))
		}
		putStr(c.screen, 0, 4+i,
			fmt.Sprintf(" %-24s %-10s %-8s %-20s %s", d.Name, size, d.Filesystem, mount, status),
			style)
	}
	if len(c.drives) == 0 {
		putStr(c.screen, 1, 4, "no drives found, press r to rescan", styleMuted)
	}
}

func (c *Console) drawHelp() {
	_, h := c.screen.Size()
	var help string
	switch {
	case c.view == viewProgress:
		help = "Esc Cancel"
	case c.view == viewConfirm:
		help = "Type the device path  │  Enter Confirm  │  Esc Back"
	case c.view == viewMessage:
		help = "Esc/Enter Dismiss  │  q Quit"
	case c.machine.State() == orchestrator.StateDriveSelected:
		help = "u Unmount+Eject  │  f Format  │  i Flash Image  │  Esc Back  │  q Quit"
	default:
		help = "↑↓ Navigate  │  Enter Select  │  r Refresh  │  q Quit"
	}
	putStr(c.screen, 1, h-1, help, styleMuted)
}

// drawBox clears a region and draws its border, returning the inner
// origin.
func (c *Console) drawBox(title string, w, h int, style tcell.Style) (x, y int) {
	sw, sh := c.screen.Size()
	x = (sw - w) / 2
	y = (sh - h) / 2
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	for row := y; row < y+h && row < sh; row++ {
		for col := x; col < x+w && col < sw; col++ {
			c.screen.SetContent(col, row, ' ', nil, styleDefault)
		}
	}
	putStr(c.screen, x, y, "┌"+strings.Repeat("─", w-2)+"┐", style)
	for row := y + 1; row < y+h-1; row++ {
		putStr(c.screen, x, row, "│", style)
		putStr(c.screen, x+w-1, row, "│", style)
	}
	putStr(c.screen, x, y+h-1, "└"+strings.Repeat("─", w-2)+"┘", style)
	putStr(c.screen, x+2, y, " "+title+" ", style.Bold(true))
	return x + 2, y + 1
}

func (c *Console) drawFilesystemMenu() {
	x, y := c.drawBox("Select Filesystem", 30, len(filesystems)+2, styleTitle)
	for i, fs := range filesystems {
		style := styleDefault
		if i == c.fsCursor {
			style = styleSelected
		}
		putStr(c.screen, x, y+i, strings.ToUpper(fs.String()), style)
	}
}

func (c *Console) drawImageMenu() {
	x, y := c.drawBox("Select Image", 64, len(c.images)+3, styleTitle)
	putStr(c.screen, x, y,
		fmt.Sprintf("%-12s %-10s %-8s %s", "DISTRO", "VERSION", "ARCH", "VARIETY"),
		styleMuted.Bold(true))
	for i, img := range c.images {
		style := styleDefault
		if i == c.imgCursor {
			style = styleSelected
		}
		putStr(c.screen, x, y+1+i,
			fmt.Sprintf("%-12s %-10s %-8s %s", img.Name, img.Version, img.Arch, img.Variety),
			style)
	}
}

func (c *Console) drawConfirm() {
	path := c.machine.Drive().Path
	x, y := c.drawBox("CONFIRM DESTRUCTIVE OPERATION", 60, 7, styleDanger)
	putStr(c.screen, x, y, "This will PERMANENTLY ERASE all data on the device.", styleDanger.Bold(true))
	putStr(c.screen, x, y+2, fmt.Sprintf("Type %q to confirm:", path), styleWarning)
	putStr(c.screen, x, y+4, "> "+c.input+"_", styleDefault.Bold(true))
}

func (c *Console) drawProgress() {
	p := c.progress
	x, y := c.drawBox("Working", 60, 7, styleTitle)

	stage := p.Stage
	if stage == "" {
		stage = "preparing"
	}
	spinner := []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")
	putStr(c.screen, x, y, fmt.Sprintf("%c %s", spinner[c.tick%len(spinner)], stage), styleDefault)

	if p.BytesTotal > 0 {
		width := 54
		filled := int(float64(width) * float64(p.BytesDone) / float64(p.BytesTotal))
		if filled > width {
			filled = width
		}
		bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
		putStr(c.screen, x, y+2, bar, styleSuccess)
		putStr(c.screen, x, y+3, fmt.Sprintf("%s / %s  %s/s  ETA %s",
			humanize.IBytes(uint64(p.BytesDone)),
			humanize.IBytes(uint64(p.BytesTotal)),
			humanize.IBytes(uint64(p.Rate)),
			formatETA(p.ETA)), styleMuted)
	} else if p.BytesDone > 0 {
		putStr(c.screen, x, y+2, fmt.Sprintf("%s written  %s/s",
			humanize.IBytes(uint64(p.BytesDone)),
			humanize.IBytes(uint64(p.Rate))), styleMuted)
	}
	putStr(c.screen, x, y+4, "Esc to cancel", styleMuted)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "—"
	}
	return d.Truncate(time.Second).String()
}

func (c *Console) drawMessage() {
	title := "Done"
	style := styleSuccess
	if c.msgErr {
		title = "Error"
		style = styleDanger
	}
	if c.machine.State() == orchestrator.StateCompleted &&
		c.machine.Result().Kind == disk.KindSafetyViolation {
		title = "Refused"
	}
	x, y := c.drawBox(title, 64, 6, style)
	msg := c.message
	for line := 0; line < 3 && msg != ""; line++ {
		n := 60
		if n > len(msg) {
			n = len(msg)
		}
		putStr(c.screen, x, y+line, msg[:n], styleDefault)
		msg = msg[n:]
	}
	putStr(c.screen, x, y+4, "Esc/Enter to dismiss", styleMuted)
}
