package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mindwolf80/nice/internal/device"
	"github.com/mindwolf80/nice/internal/transport"
)

// runUnit executes one device's command set, retrying the whole session on
// transient failures. Only the final attempt's results are kept; a retry
// starts the command set from the beginning over a fresh connection.
func (r *Runner) runUnit(ctx context.Context, rc *RunContext, unit device.ExecutionUnit) []SessionResult {
	log := r.logger.With(zap.String("device", unit.Device.Label()))

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var results []SessionResult
	for attempt := 1; ; attempt++ {
		var kind FailureKind
		results, kind = r.runAttempt(ctx, rc, unit, attempt)

		if kind == "" || !Retryable(kind) {
			return results
		}
		if attempt > rc.Options.RetryCount || rc.Cancelled() || ctx.Err() != nil {
			return results
		}

		wait := bo.NextBackOff()
		log.Warn("session failed, retrying",
			zap.String("failure", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return results
		case <-time.After(wait):
		}
	}
}

// runAttempt makes a single end-to-end pass over the command set. The
// returned FailureKind is non-empty only when the session itself broke
// (connect, auth, timeout); an inline command rejection is recorded in the
// results but does not fail the session.
func (r *Runner) runAttempt(ctx context.Context, rc *RunContext, unit device.ExecutionUnit, attempt int) ([]SessionResult, FailureKind) {
	commands := unit.Commands.Commands
	mode := unit.Commands.Mode
	opts := rc.Options

	connectCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	sess, err := r.transport.Connect(connectCtx, unit.Device, unit.Creds)
	cancel()
	if err != nil {
		if ctx.Err() != nil || rc.Cancelled() {
			return cancelledResults(commands, mode, attempt), ""
		}
		kind := Classify(err)
		return failedResults(commands, mode, attempt, kind, err), kind
	}
	defer sess.Close()

	if unit.Creds.EnableSecret != "" {
		if err := sess.Elevate(ctx, unit.Creds.EnableSecret, opts.CommandTimeout); err != nil {
			if ctx.Err() != nil || rc.Cancelled() {
				return cancelledResults(commands, mode, attempt), ""
			}
			kind := Classify(err)
			return failedResults(commands, mode, attempt, kind, err), kind
		}
	}

	profile := unit.Device.Type.Profile()

	if mode == device.ModeConfig && profile.ConfigEnter != "" {
		if _, err := sess.Send(ctx, profile.ConfigEnter, opts.CommandTimeout); err != nil {
			if ctx.Err() != nil || rc.Cancelled() {
				return cancelledResults(commands, mode, attempt), ""
			}
			kind := Classify(err)
			if Retryable(kind) {
				return failedResults(commands, mode, attempt, kind, err), kind
			}
			// Config mode could not be entered: the first command
			// carries the failure, the rest are skipped.
			now := time.Now()
			results := make([]SessionResult, len(commands))
			for i, cmd := range commands {
				results[i] = SessionResult{Command: cmd, Mode: mode, Status: StatusSkipped, Attempts: attempt, Timestamp: now}
			}
			if len(results) > 0 {
				results[0].Status = StatusFailure
				results[0].Failure = kind
				results[0].Err = err.Error()
			}
			return results, ""
		}
	}

	results := make([]SessionResult, len(commands))
	broken := FailureKind("")
	aborted := false
	for i, cmd := range commands {
		if ctx.Err() != nil || rc.Cancelled() {
			results[i] = SessionResult{Command: cmd, Mode: mode, Status: StatusCancelled, Attempts: attempt, Timestamp: time.Now()}
			continue
		}
		if aborted {
			results[i] = SessionResult{Command: cmd, Mode: mode, Status: StatusSkipped, Attempts: attempt, Timestamp: time.Now()}
			continue
		}

		start := time.Now()
		output, err := sess.Send(ctx, cmd, opts.CommandTimeout)
		end := time.Now()
		res := SessionResult{
			Command:   cmd,
			Mode:      mode,
			Output:    output,
			Attempts:  attempt,
			Timestamp: end,
			Duration:  end.Sub(start),
		}
		switch {
		case err == nil:
			res.Status = StatusSuccess
		case isCommandRejection(err):
			res.Status = StatusFailure
			res.Failure = FailureCommand
			res.Err = err.Error()
			if mode == device.ModeConfig {
				// A rejected line invalidates the rest of the block.
				aborted = true
			}
		default:
			if ctx.Err() != nil || rc.Cancelled() {
				res.Status = StatusCancelled
				res.Output = ""
			} else {
				res.Status = StatusFailure
				res.Failure = Classify(err)
				res.Err = err.Error()
				broken = res.Failure
			}
			aborted = true
		}
		results[i] = res
	}

	if mode == device.ModeConfig && !aborted && profile.ConfigExit != "" {
		// Best effort; the block already committed.
		_, _ = sess.Send(ctx, profile.ConfigExit, opts.CommandTimeout)
	}
	return results, broken
}

func isCommandRejection(err error) bool {
	var cmdErr *transport.CommandError
	return errors.As(err, &cmdErr)
}

func cancelledResults(commands []string, mode device.Mode, attempt int) []SessionResult {
	now := time.Now()
	results := make([]SessionResult, len(commands))
	for i, cmd := range commands {
		results[i] = SessionResult{Command: cmd, Mode: mode, Status: StatusCancelled, Attempts: attempt, Timestamp: now}
	}
	return results
}

func failedResults(commands []string, mode device.Mode, attempt int, kind FailureKind, err error) []SessionResult {
	now := time.Now()
	results := make([]SessionResult, len(commands))
	for i, cmd := range commands {
		results[i] = SessionResult{
			Command:   cmd,
			Mode:      mode,
			Status:    StatusFailure,
			Failure:   kind,
			Err:       err.Error(),
			Attempts:  attempt,
			Timestamp: now,
		}
	}
	return results
}
