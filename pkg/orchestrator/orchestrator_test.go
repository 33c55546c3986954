package orchestrator

import (
	"bytes"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/logscore/pervie/pkg/config"
	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/disk/fake"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ChunkSizeBytes = 4096
	cfg.ProgressInterval = config.Duration(0)
	return cfg
}

func stickDrive(path string, size int64) disk.Drive {
	return disk.Drive{
		Path:      path,
		Name:      "Test Stick",
		SizeBytes: size,
		Removable: true,
	}
}

// drain consumes the whole event stream and asserts the terminal result
// is delivered exactly once, after every progress event.
func drain(t *testing.T, ch <-chan Event) ([]ProgressEvent, Result) {
	t.Helper()
	var progress []ProgressEvent
	var res Result
	done := false
	for ev := range ch {
		require.False(t, done, "event delivered after the terminal result")
		if ev.Progress != nil {
			progress = append(progress, *ev.Progress)
		}
		if ev.Result != nil {
			res = *ev.Result
			done = true
		}
	}
	require.True(t, done, "stream closed without a terminal result")
	return progress, res
}

func TestSubmitFormatSucceeds(t *testing.T) {
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	mgr.Drives[0].Volumes = []disk.Volume{
		{Device: "/dev/sdz1", MountPoint: "/media/stick"},
	}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFormat,
		DrivePath: "/dev/sdz",
		Format:    FormatParams{Filesystem: disk.FAT32, Label: "stick"},
	})
	require.NoError(t, err)

	ch, ok := o.Events(h)
	require.True(t, ok)
	_, res := drain(t, ch)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"/dev/sdz1"}, mgr.UnmountCalls)
	assert.Equal(t, []string{"/dev/sdz"}, mgr.FormatCalls)

	got, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, res, got)
}

func TestSubmitSecondOperationOnSameDriveIsBusy(t *testing.T) {
	release := make(chan struct{})
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	mgr.OnFormat = func(path string, fs disk.Filesystem, label string) {
		<-release
		mgr.SetDrives([]disk.Drive{{
			Path: path, SizeBytes: 64 << 20, Removable: true, Filesystem: fs, Label: label,
		}})
	}
	o := New(testConfig(), mgr)

	op := Operation{
		Kind:      OpFormat,
		DrivePath: "/dev/sdz",
		Format:    FormatParams{Filesystem: disk.FAT32},
	}
	h1, err := o.Submit(op)
	require.NoError(t, err)

	_, err = o.Submit(op)
	require.Error(t, err)
	assert.True(t, disk.IsKind(err, disk.KindDeviceBusy))

	close(release)
	res, ok := o.Wait(h1)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)

	// The slot frees once the first operation finishes.
	h2, err := o.Submit(op)
	require.NoError(t, err)
	res, ok = o.Wait(h2)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)
}

func TestSubmitRejectsSystemDriveAtExecution(t *testing.T) {
	mgr := &fake.Manager{Drives: []disk.Drive{
		{Path: "/dev/nvme0n1", SizeBytes: 512 << 30, IsSystem: true},
	}}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFormat,
		DrivePath: "/dev/nvme0n1",
		Format:    FormatParams{Filesystem: disk.ExFAT},
	})
	require.NoError(t, err)

	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, disk.KindSafetyViolation, res.Kind)
	assert.Empty(t, mgr.FormatCalls)
	assert.Empty(t, mgr.UnmountCalls)
}

func TestSubmitFailsWhenDriveDetached(t *testing.T) {
	o := New(testConfig(), &fake.Manager{})

	h, err := o.Submit(Operation{Kind: OpUnmountEject, DrivePath: "/dev/gone"})
	require.NoError(t, err)

	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, disk.KindUnknownDevice, res.Kind)
}

func TestSubmitValidatesUpFront(t *testing.T) {
	o := New(testConfig(), &fake.Manager{})

	_, err := o.Submit(Operation{Kind: OpFormat})
	assert.True(t, disk.IsKind(err, disk.KindUnknownDevice))

	_, err = o.Submit(Operation{Kind: OpFormat, DrivePath: "/dev/sdz"})
	assert.True(t, disk.IsKind(err, disk.KindUnsupportedFilesystem))

	_, err = o.Submit(Operation{
		Kind:      OpFlash,
		DrivePath: "/dev/sdz",
		Flash:     FlashParams{URL: "ftp://mirror/image.iso"},
	})
	assert.True(t, disk.IsKind(err, disk.KindNetworkFailure))
}

func TestUnmountEjectOperation(t *testing.T) {
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	mgr.Drives[0].Volumes = []disk.Volume{
		{Device: "/dev/sdz1", MountPoint: "/media/stick"},
	}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{Kind: OpUnmountEject, DrivePath: "/dev/sdz"})
	require.NoError(t, err)

	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, []string{"/dev/sdz1"}, mgr.UnmountCalls)
	assert.Equal(t, []string{"/dev/sdz"}, mgr.EjectCalls)
}

func TestFlashOperationWritesImageAndReportsProgress(t *testing.T) {
	image := make([]byte, 64<<10)
	_, err := rand.Read(image)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(image)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(image)
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "device.img")
	require.NoError(t, os.WriteFile(target, make([]byte, len(image)), 0o600))

	mgr := &fake.Manager{Drives: []disk.Drive{
		{Path: target, SizeBytes: int64(len(image))},
	}}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFlash,
		DrivePath: target,
		Flash:     FlashParams{URL: srv.URL},
	})
	require.NoError(t, err)

	ch, ok := o.Events(h)
	require.True(t, ok)
	progress, res := drain(t, ch)
	require.Equal(t, StatusSuccess, res.Status, res.Detail)

	require.NotEmpty(t, progress)
	prev := int64(-1)
	for _, p := range progress {
		assert.GreaterOrEqual(t, p.BytesDone, prev)
		prev = p.BytesDone
	}
	assert.Equal(t, int64(len(image)), prev)

	written, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(image, written))
}

func TestCancelFlashMidTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		if r.Method == http.MethodHead {
			return
		}
		fl, _ := w.(http.Flusher)
		chunk := make([]byte, 8<<10)
		for i := 0; i < 128; i++ {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if fl != nil {
				fl.Flush()
			}
			time.Sleep(20 * time.Millisecond)
		}
	}))
	defer srv.Close()

	target := filepath.Join(t.TempDir(), "device.img")
	require.NoError(t, os.WriteFile(target, make([]byte, 1<<20), 0o600))

	mgr := &fake.Manager{Drives: []disk.Drive{
		{Path: target, SizeBytes: 1 << 20},
	}}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFlash,
		DrivePath: target,
		Flash:     FlashParams{URL: srv.URL},
	})
	require.NoError(t, err)

	ch, ok := o.Events(h)
	require.True(t, ok)

	cancelled := false
	for ev := range ch {
		if ev.Progress != nil && ev.Progress.BytesDone > 0 && !cancelled {
			o.Cancel(h)
			cancelled = true
		}
		if ev.Result != nil {
			assert.Equal(t, StatusCancelled, ev.Result.Status)
		}
	}
	require.True(t, cancelled, "no progress observed before the stream ended")

	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestQuiesceFailureStopsBeforeFormat(t *testing.T) {
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	mgr.Drives[0].Volumes = []disk.Volume{
		{Device: "/dev/sdz1", MountPoint: "/media/stick"},
	}
	mgr.UnmountErr = func(v disk.Volume) error {
		return disk.NewError(disk.KindDeviceBusy, "%s busy", v.Device)
	}
	cfg := testConfig()
	cfg.UnmountAttempts = 1
	o := New(cfg, mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFormat,
		DrivePath: "/dev/sdz",
		Format:    FormatParams{Filesystem: disk.FAT32},
	})
	require.NoError(t, err)

	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, disk.KindDeviceBusy, res.Kind)
	assert.Empty(t, mgr.FormatCalls)
}

func TestUnknownHandle(t *testing.T) {
	o := New(testConfig(), &fake.Manager{})

	_, ok := o.Events(Handle("nope"))
	assert.False(t, ok)
	_, ok = o.Wait(Handle("nope"))
	assert.False(t, ok)
	o.Cancel(Handle("nope"))  // no-op
	o.Release(Handle("nope")) // no-op
}

func TestReleaseForgetsFinishedOperation(t *testing.T) {
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{Kind: OpUnmountEject, DrivePath: "/dev/sdz"})
	require.NoError(t, err)
	res, ok := o.Wait(h)
	require.True(t, ok)
	require.Equal(t, StatusSuccess, res.Status)

	o.Release(h)
	_, ok = o.Events(h)
	assert.False(t, ok)
	_, ok = o.Wait(h)
	assert.False(t, ok)
}

func TestReleaseIgnoresRunningOperation(t *testing.T) {
	release := make(chan struct{})
	mgr := &fake.Manager{Drives: []disk.Drive{
		stickDrive("/dev/sdz", 64<<20),
	}}
	mgr.OnFormat = func(path string, fs disk.Filesystem, label string) {
		<-release
		mgr.SetDrives([]disk.Drive{{
			Path: path, SizeBytes: 64 << 20, Removable: true, Filesystem: fs, Label: label,
		}})
	}
	o := New(testConfig(), mgr)

	h, err := o.Submit(Operation{
		Kind:      OpFormat,
		DrivePath: "/dev/sdz",
		Format:    FormatParams{Filesystem: disk.FAT32},
	})
	require.NoError(t, err)

	// Releasing an in-flight operation must not tear it down.
	o.Release(h)
	_, ok := o.Events(h)
	assert.True(t, ok)

	close(release)
	res, ok := o.Wait(h)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, res.Status)

	o.Release(h)
	_, ok = o.Wait(h)
	assert.False(t, ok)
}
