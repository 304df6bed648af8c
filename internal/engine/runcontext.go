package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mindwolf80/nice/internal/device"
)

// Options bound a run. Values outside the documented ranges are clamped by
// Normalize rather than rejected, so a caller can pass zero values and get
// sane behaviour.
type Options struct {
	MaxWorkers     int
	BatchSize      int
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	RetryCount     int
	Mode           device.Mode
}

// Normalize clamps options into their valid ranges and fills defaults.
func (o *Options) Normalize() {
	if o.MaxWorkers < 1 {
		o.MaxWorkers = 1
	}
	if o.MaxWorkers > 50 {
		o.MaxWorkers = 50
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.BatchSize > 100 {
		o.BatchSize = 100
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.Mode == "" {
		o.Mode = device.ModeNormal
	}
}

// pausePollInterval is how often a paused run checks whether it may resume.
const pausePollInterval = 100 * time.Millisecond

// RunContext carries the identity and live control state of one run. Pause,
// Resume and Cancel are safe to call from any goroutine at any time,
// including before the run starts or after it finishes.
type RunContext struct {
	ID      string
	Options Options

	paused    atomic.Bool
	cancelled atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRunContext allocates a RunContext with a fresh run ID and normalized
// options.
func NewRunContext(opts Options) *RunContext {
	opts.Normalize()
	return &RunContext{
		ID:      uuid.NewString(),
		Options: opts,
	}
}

// Pause stops new devices from being dispatched. Devices already in flight
// run to completion.
func (r *RunContext) Pause() { r.paused.Store(true) }

// Resume lifts a pause. Calling Resume on a run that is not paused is a
// no-op.
func (r *RunContext) Resume() { r.paused.Store(false) }

// Cancel stops the run. Devices not yet dispatched are recorded as
// cancelled; devices in flight are interrupted, keeping any results they
// already committed. Cancel also clears a pause so the run can wind down.
func (r *RunContext) Cancel() {
	r.cancelled.Store(true)
	r.paused.Store(false)
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Paused reports whether the run is currently paused.
func (r *RunContext) Paused() bool { return r.paused.Load() }

// Cancelled reports whether the run has been cancelled.
func (r *RunContext) Cancelled() bool { return r.cancelled.Load() }

// bind derives a cancellable context for the run so that a later Cancel
// interrupts in-flight sessions.
func (r *RunContext) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.cancelled.Load() {
		cancel()
	}
	return ctx, cancel
}

// waitWhilePaused blocks while the run is paused. It returns the context
// error if the run is cancelled mid-pause.
func (r *RunContext) waitWhilePaused(ctx context.Context) error {
	if !r.paused.Load() {
		return nil
	}
	ticker := time.NewTicker(pausePollInterval)
	defer ticker.Stop()
	for r.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
