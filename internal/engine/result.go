package engine

import (
	"time"

	"github.com/mindwolf80/nice/internal/device"
)

// Status is the terminal state of a single command on a single device.
type Status string

const (
	// StatusSuccess means the command ran and the device accepted it.
	StatusSuccess Status = "success"
	// StatusFailure means the command (or the session carrying it) failed.
	StatusFailure Status = "failure"
	// StatusSkipped means an earlier failure in the same session made the
	// command unrunnable.
	StatusSkipped Status = "skipped"
	// StatusCancelled means the run was cancelled before the command
	// produced a result.
	StatusCancelled Status = "cancelled"
)

// SessionResult records the outcome of one command. A run produces exactly
// one SessionResult per command per device, no matter how many connection
// attempts it took.
type SessionResult struct {
	Command   string
	Mode      device.Mode
	Status    Status
	Output    string
	Failure   FailureKind // set when Status is StatusFailure
	Err       string      // human-readable cause, never includes credentials
	Attempts  int
	Timestamp time.Time // when the result was recorded
	Duration  time.Duration
}

// DeviceOutcome summarizes all results for one device, in command order.
type DeviceOutcome struct {
	Device   device.Device
	Status   Status
	Results  []SessionResult
	Duration time.Duration
}

// outcomeStatus folds per-command results into a device status. A device
// that was interrupted counts as cancelled even if some commands finished.
func outcomeStatus(results []SessionResult) Status {
	status := StatusSuccess
	for _, r := range results {
		switch r.Status {
		case StatusCancelled:
			return StatusCancelled
		case StatusFailure, StatusSkipped:
			status = StatusFailure
		}
	}
	return status
}

// Report is the ordered product of a run. Outcomes appear in the same order
// as the input units regardless of completion order.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Cancelled bool // the run was cancelled, even if every dispatched device finished
	Outcomes  []DeviceOutcome
}

// Counts tallies outcomes. Succeeded, failed, and cancelled count devices;
// skipped counts individual commands that were never attempted, since the
// device carrying them already counts as failed.
func (r *Report) Counts() (succeeded, failed, skipped, cancelled int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailure:
			failed++
		case StatusCancelled:
			cancelled++
		}
		for _, res := range o.Results {
			if res.Status == StatusSkipped {
				skipped++
			}
		}
	}
	return succeeded, failed, skipped, cancelled
}
