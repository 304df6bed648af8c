package engine

import (
	"sync/atomic"

	"github.com/mindwolf80/nice/internal/device"
)

// EventType discriminates progress events.
type EventType string

const (
	EventBatchStart EventType = "batch_start"
	EventBatchDone  EventType = "batch_done"
	EventDeviceDone EventType = "device_done"
)

// Event is one progress notification. Device and Outcome are set only for
// EventDeviceDone.
type Event struct {
	Type      EventType
	Batch     int // zero-based, valid for batch events
	Batches   int
	Device    device.Device
	Position  int // the device's index in the run input
	Outcome   DeviceOutcome
	Completed int
	Total     int
}

// Progress tracks run completion counters and streams events to an
// observer. All methods are safe for concurrent use and safe on a nil
// receiver, so callers that do not care can pass nil.
type Progress struct {
	total     int64
	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cancelled atomic.Int64

	events chan Event
}

// NewProgress creates a Progress for a run over total devices. The event
// channel is buffered generously; if an observer still falls behind,
// events are dropped rather than stalling the run.
func NewProgress(total int) *Progress {
	return &Progress{
		total:  int64(total),
		events: make(chan Event, 2*total+16),
	}
}

// Events returns the event stream. It is closed when the run finishes.
func (p *Progress) Events() <-chan Event {
	return p.events
}

// Close closes the event stream. The Runner's caller should close after
// Run returns.
func (p *Progress) Close() {
	if p == nil {
		return
	}
	close(p.events)
}

// Counters is a point-in-time snapshot of run progress. Skipped counts
// commands, the other counters count devices.
type Counters struct {
	Total     int
	Completed int
	Succeeded int
	Failed    int
	Skipped   int
	Cancelled int
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() Counters {
	if p == nil {
		return Counters{}
	}
	return Counters{
		Total:     int(p.total),
		Completed: int(p.completed.Load()),
		Succeeded: int(p.succeeded.Load()),
		Failed:    int(p.failed.Load()),
		Skipped:   int(p.skipped.Load()),
		Cancelled: int(p.cancelled.Load()),
	}
}

func (p *Progress) deviceDone(position int, dev device.Device, outcome DeviceOutcome) {
	if p == nil {
		return
	}
	completed := p.completed.Add(1)
	switch outcome.Status {
	case StatusSuccess:
		p.succeeded.Add(1)
	case StatusFailure:
		p.failed.Add(1)
	case StatusCancelled:
		p.cancelled.Add(1)
	}
	for _, res := range outcome.Results {
		if res.Status == StatusSkipped {
			p.skipped.Add(1)
		}
	}
	p.emit(Event{
		Type:      EventDeviceDone,
		Device:    dev,
		Position:  position,
		Outcome:   outcome,
		Completed: int(completed),
		Total:     int(p.total),
	})
}

func (p *Progress) batchStarted(batch, batches int) {
	if p == nil {
		return
	}
	p.emit(Event{Type: EventBatchStart, Batch: batch, Batches: batches, Total: int(p.total)})
}

func (p *Progress) batchDone(batch, batches int) {
	if p == nil {
		return
	}
	p.emit(Event{
		Type:      EventBatchDone,
		Batch:     batch,
		Batches:   batches,
		Completed: int(p.completed.Load()),
		Total:     int(p.total),
	})
}

func (p *Progress) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
	}
}
