package orchestrator

import (
	"time"

	"github.com/logscore/pervie/pkg/disk"
)

// Status is the terminal outcome of an operation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ProgressEvent is a point-in-time snapshot of a running operation.
// BytesTotal is 0 when the total is unknown. BytesDone never decreases
// across the events of one operation, even when the underlying transfer
// restarts from zero.
type ProgressEvent struct {
	Stage      string
	BytesDone  int64
	BytesTotal int64
	Rate       float64 // bytes per second, 0 until measurable
	ETA        time.Duration
}

// Result is the single terminal event of an operation.
type Result struct {
	Status   Status
	Kind     disk.ErrorKind // set when Status is StatusFailed
	Detail   string
	Warnings []string
}

// Event is either a progress snapshot or the terminal result, never both.
// The result is always the last event delivered before the channel closes.
type Event struct {
	Progress *ProgressEvent
	Result   *Result
}
