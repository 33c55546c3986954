// Package orchestrator executes drive operations asynchronously, one per
// drive at a time, and streams their progress and terminal results to
// subscribers.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/logscore/pervie/pkg/config"
	"github.com/logscore/pervie/pkg/disk"
	"github.com/logscore/pervie/pkg/flash"
	"github.com/logscore/pervie/pkg/format"
)

// eventBuffer bounds each operation's event channel. A slow subscriber
// loses intermediate progress snapshots, never the terminal result.
const eventBuffer = 64

// Handle identifies a submitted operation.
type Handle string

type running struct {
	op     Operation
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Orchestrator owns operation execution. Submission re-validates the
// target against a fresh enumeration; the view the caller selected the
// drive from is never trusted.
type Orchestrator struct {
	mgr      disk.Manager
	guard    disk.Guard
	seq      *disk.Sequencer
	engine   *format.Engine
	flasher  *flash.Flasher
	interval time.Duration

	// openDevice is swappable so flashing can be pointed at scratch files.
	openDevice func(string) (flash.BlockDevice, error)

	mu      sync.Mutex
	byDrive map[string]Handle
	ops     map[Handle]*running
}

// New builds an orchestrator on the platform manager, tuned by cfg.
func New(cfg config.Config, mgr disk.Manager) *Orchestrator {
	seq := disk.NewSequencer(mgr, cfg.UnmountAttempts)
	return &Orchestrator{
		mgr:    mgr,
		seq:    seq,
		engine: format.New(mgr, seq),
		flasher: flash.New(flash.Options{
			ChunkSize:      cfg.ChunkSizeBytes,
			ChunkBuffer:    cfg.ChunkBuffer,
			ResumeAttempts: cfg.ResumeAttempts,
			DialTimeout:    cfg.DialTimeout.Std(),
		}),
		interval:   cfg.ProgressInterval.Std(),
		openDevice: flash.OpenDevice,
		byDrive:    map[string]Handle{},
		ops:        map[Handle]*running{},
	}
}

// Submit validates op and starts it on its own goroutine. A second submit
// targeting a drive with an operation still in flight fails immediately
// with DeviceBusy and mutates nothing.
func (o *Orchestrator) Submit(op Operation) (Handle, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	if other, busy := o.byDrive[op.DrivePath]; busy {
		o.mu.Unlock()
		return "", disk.NewError(disk.KindDeviceBusy,
			"operation %s is already running on %s", other, op.DrivePath)
	}
	h := Handle(uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	run := &running{
		op:     op,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.byDrive[op.DrivePath] = h
	o.ops[h] = run
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"handle": h,
		"kind":   op.Kind,
		"device": op.DrivePath,
	}).Info("operation submitted")
	go o.execute(ctx, h, run)
	return h, nil
}

// Events returns the event stream for h. The channel closes after the
// terminal Result has been delivered. ok is false for unknown handles.
func (o *Orchestrator) Events(h Handle) (ch <-chan Event, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.ops[h]
	if !ok {
		return nil, false
	}
	return run.events, true
}

// Cancel requests cooperative cancellation of h. It is a no-op for
// unknown or already finished handles.
func (o *Orchestrator) Cancel(h Handle) {
	o.mu.Lock()
	run, ok := o.ops[h]
	o.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// Wait blocks until h finishes and returns its result. ok is false for
// unknown handles.
func (o *Orchestrator) Wait(h Handle) (res Result, ok bool) {
	o.mu.Lock()
	run, ok := o.ops[h]
	o.mu.Unlock()
	if !ok {
		return Result{}, false
	}
	<-run.done
	return run.result, true
}

// Release forgets a finished operation so a long session does not retain
// one record per completed run. Unknown or still running handles are left
// alone.
func (o *Orchestrator) Release(h Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.ops[h]
	if !ok {
		return
	}
	select {
	case <-run.done:
		delete(o.ops, h)
	default:
	}
}

func (o *Orchestrator) execute(ctx context.Context, h Handle, run *running) {
	defer run.cancel()

	warnings, err := o.run(ctx, run)
	res := resultFor(err, warnings)
	run.result = res

	// The drive slot frees and done closes before the result event goes
	// out, so a caller that has observed the Result can immediately
	// Wait, Release, or submit the next operation on the same drive.
	o.mu.Lock()
	delete(o.byDrive, run.op.DrivePath)
	o.mu.Unlock()
	close(run.done)

	// The result must be delivered even to a subscriber that consumed
	// nothing: shed stale progress until the send fits.
	ev := Event{Result: &res}
	for {
		select {
		case run.events <- ev:
		default:
			select {
			case <-run.events:
			default:
			}
			continue
		}
		break
	}
	close(run.events)

	logrus.WithFields(logrus.Fields{
		"handle": h,
		"status": res.Status,
		"detail": res.Detail,
	}).Info("operation finished")
}

// run re-validates the target and dispatches on the operation kind. The
// returned warnings are non-fatal and reported alongside any outcome.
func (o *Orchestrator) run(ctx context.Context, run *running) ([]string, error) {
	op := run.op
	drives, err := o.mgr.ListDrives(ctx)
	if err != nil {
		return nil, disk.WrapError(disk.KindUnknownDevice, err,
			"could not re-enumerate drives before acting on %s", op.DrivePath)
	}
	target, ok := disk.FindDrive(drives, op.DrivePath)
	if !ok {
		return nil, disk.NewError(disk.KindUnknownDevice,
			"%s is no longer attached", op.DrivePath)
	}

	switch op.Kind {
	case OpFormat:
		o.push(run, Event{Progress: &ProgressEvent{Stage: "formatting"}})
		return o.engine.Format(ctx, target, op.Format.Filesystem, op.Format.Label)
	case OpFlash:
		return o.flash(ctx, run, target)
	default:
		if err := o.guard.Authorize(op.action(), target); err != nil {
			return nil, err
		}
		return o.seq.Quiesce(ctx, target)
	}
}

func (o *Orchestrator) flash(ctx context.Context, run *running, target disk.Drive) ([]string, error) {
	if err := o.guard.Authorize(disk.ActionFlash, target); err != nil {
		return nil, err
	}
	warnings, err := o.seq.Quiesce(ctx, target)
	if err != nil {
		return warnings, err
	}

	dev, err := o.openDevice(target.Path)
	if err != nil {
		return warnings, err
	}
	defer dev.Close()

	src := flash.Source{URL: run.op.Flash.URL, SHA256: run.op.Flash.SHA256}
	err = o.flasher.Flash(ctx, dev, src, o.progressFunc(run))
	return warnings, err
}

// progressFunc enriches raw byte counts with rate and ETA and throttles
// emission to the configured interval. The first and the latest snapshot
// always go out.
func (o *Orchestrator) progressFunc(run *running) flash.ProgressFunc {
	start := time.Now()
	var last time.Time
	return func(done, total int64) {
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < o.interval && done != total {
			return
		}
		last = now

		var rate float64
		if elapsed := now.Sub(start).Seconds(); elapsed > 0 {
			rate = float64(done) / elapsed
		}
		var eta time.Duration
		if total > 0 && rate > 0 && done < total {
			eta = time.Duration(float64(total-done)/rate) * time.Second
		}
		o.push(run, Event{Progress: &ProgressEvent{
			Stage:      "writing",
			BytesDone:  done,
			BytesTotal: total,
			Rate:       rate,
			ETA:        eta,
		}})
	}
}

// push delivers a progress event without ever blocking execution. When the
// buffer is full the oldest snapshot is dropped, not the newest.
func (o *Orchestrator) push(run *running, ev Event) {
	for {
		select {
		case run.events <- ev:
			return
		default:
		}
		select {
		case <-run.events:
		default:
		}
	}
}

func resultFor(err error, warnings []string) Result {
	switch {
	case err == nil:
		return Result{Status: StatusSuccess, Warnings: warnings}
	case errors.Is(err, context.Canceled):
		return Result{Status: StatusCancelled, Detail: "cancelled by user", Warnings: warnings}
	default:
		return Result{
			Status:   StatusFailed,
			Kind:     disk.KindOf(err),
			Detail:   err.Error(),
			Warnings: warnings,
		}
	}
}
