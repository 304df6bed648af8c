package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/transport"
)

// Runner drives a run: it partitions the input into batches, fans each
// batch out over a bounded worker pool, and collects results back into
// input order.
type Runner struct {
	transport transport.Transport
	logger    *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the run logger.
func WithLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner backed by the given transport.
func NewRunner(t transport.Transport, opts ...RunnerOption) *Runner {
	r := &Runner{
		transport: t,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes all units and returns a Report with one outcome per unit,
// in input order. Concurrency never exceeds min(MaxWorkers, BatchSize):
// batches are dispatched one at a time, and a weighted semaphore bounds the
// workers within a batch. The progress argument may be nil.
func (r *Runner) Run(ctx context.Context, rc *RunContext, units []device.ExecutionUnit, progress *Progress) *Report {
	started := time.Now()
	ctx, cancel := rc.bind(ctx)
	defer cancel()

	log := r.logger.With(zap.String("run", rc.ID))
	log.Info("run started",
		zap.Int("devices", len(units)),
		zap.Int("workers", rc.Options.MaxWorkers),
		zap.Int("batch_size", rc.Options.BatchSize),
		zap.String("mode", string(rc.Options.Mode)))

	agg := newAggregator(units)
	sem := semaphore.NewWeighted(int64(rc.Options.MaxWorkers))

	batches := partition(len(units), rc.Options.BatchSize)
dispatch:
	for bi, batch := range batches {
		progress.batchStarted(bi, len(batches))

		var wg sync.WaitGroup
		for _, idx := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				break dispatch
			}
			// Pausing gates new dispatch only; in-flight devices
			// run to completion. Checked after the semaphore so a
			// pause that lands while we wait for a worker still
			// holds the next device back.
			if err := rc.waitWhilePaused(ctx); err != nil {
				sem.Release(1)
				wg.Wait()
				break dispatch
			}
			if rc.Cancelled() || ctx.Err() != nil {
				sem.Release(1)
				wg.Wait()
				break dispatch
			}

			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer sem.Release(1)

				unit := units[i]
				start := time.Now()
				results := r.runUnit(ctx, rc, unit)
				outcome := agg.record(i, results, time.Since(start))
				progress.deviceDone(i, unit.Device, outcome)
				log.Debug("device finished",
					zap.String("device", unit.Device.Label()),
					zap.String("status", string(outcome.Status)),
					zap.Duration("elapsed", outcome.Duration))
			}(idx)
		}
		wg.Wait()
		progress.batchDone(bi, len(batches))
	}

	// Units never dispatched are recorded as fully cancelled.
	for _, io := range agg.fillCancelled() {
		progress.deviceDone(io.pos, io.outcome.Device, io.outcome)
	}

	report := agg.report(rc.ID, started, rc.Cancelled())
	succeeded, failed, skipped, cancelled := report.Counts()
	log.Info("run finished",
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Int("cancelled", cancelled),
		zap.Duration("elapsed", report.Finished.Sub(report.Started)))
	return report
}

// partition splits n unit indices into consecutive batches of at most size.
func partition(n, size int) [][]int {
	if n == 0 {
		return nil
	}
	var batches [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batch := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			batch = append(batch, i)
		}
		batches = append(batches, batch)
	}
	return batches
}

// aggregator collects results into fixed slots so the report keeps input
// order no matter when each device finishes.
type aggregator struct {
	mu       sync.Mutex
	units    []device.ExecutionUnit
	outcomes []*DeviceOutcome
}

func newAggregator(units []device.ExecutionUnit) *aggregator {
	return &aggregator{
		units:    units,
		outcomes: make([]*DeviceOutcome, len(units)),
	}
}

func (a *aggregator) record(i int, results []SessionResult, elapsed time.Duration) DeviceOutcome {
	outcome := DeviceOutcome{
		Device:   a.units[i].Device,
		Status:   outcomeStatus(results),
		Results:  results,
		Duration: elapsed,
	}
	a.mu.Lock()
	a.outcomes[i] = &outcome
	a.mu.Unlock()
	return outcome
}

// indexedOutcome pairs an outcome with its input position.
type indexedOutcome struct {
	pos     int
	outcome DeviceOutcome
}

// fillCancelled writes an all-cancelled outcome into every empty slot and
// returns the outcomes it created.
func (a *aggregator) fillCancelled() []indexedOutcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	var filled []indexedOutcome
	for i, o := range a.outcomes {
		if o != nil {
			continue
		}
		unit := a.units[i]
		outcome := DeviceOutcome{
			Device:  unit.Device,
			Status:  StatusCancelled,
			Results: cancelledResults(unit.Commands.Commands, unit.Commands.Mode, 0),
		}
		a.outcomes[i] = &outcome
		filled = append(filled, indexedOutcome{pos: i, outcome: outcome})
	}
	return filled
}

func (a *aggregator) report(runID string, started time.Time, cancelled bool) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()
	report := &Report{
		RunID:     runID,
		Started:   started,
		Finished:  time.Now(),
		Cancelled: cancelled,
		Outcomes:  make([]DeviceOutcome, len(a.outcomes)),
	}
	for i, o := range a.outcomes {
		report.Outcomes[i] = *o
	}
	return report
}
