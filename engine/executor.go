package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

// attemptResult holds the outcome of one step attempt
type attemptResult struct {
	value     any
	err       error
	duration  time.Duration
	telemetry *stepflow.TelemetryEntry
}

// runAttempt executes one attempt of a RUN or AI_WRAP step with timeout
// and panic recovery. AI_WRAP attempts also produce a telemetry entry.
func (e *Engine) runAttempt(ctx context.Context, s *session, desc stepflow.StepDescriptor, attempt int) attemptResult {
	stepLogger := stepflow.StepLogger(s.logger, desc.Name, desc.Kind, attempt)
	stepflow.LogStepStarted(stepLogger, s.run.RunID, desc.Name, desc.Kind, attempt)

	execCtx := ctx
	timeout := s.wf.StepTimeout()
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var res attemptResult
	startTime := time.Now()

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.value = nil
				res.err = stepflow.NewStepError(stepflow.ErrCodePanic, fmt.Sprintf("step panicked: %v", r), attempt)
				stepLogger.Error().Interface("panic", r).Msg("Step panicked")
			}
		}()

		res.value, res.err = desc.Fn(execCtx)
	}()

	res.duration = time.Since(startTime)

	if res.err != nil && timeout > 0 && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = fmt.Errorf("step timed out after %s: %w", timeout, context.DeadlineExceeded)
		stepLogger.Error().
			Dur("timeout", timeout).
			Msg("Step execution timed out")
	}

	if res.err != nil {
		stepLogger.Error().
			Err(res.err).
			Int64("duration_ms", res.duration.Milliseconds()).
			Msg("Step attempt failed")
	}

	if desc.Kind == stepflow.StepKindAIWrap {
		entry, err := e.recorder.Record(desc.Params, res.value, res.err, startTime.UTC(), res.duration)
		if err != nil {
			stepflow.LogTelemetryError(stepLogger, s.run.RunID, desc.Name, err)
			e.metrics.telemetryFailed()
		}
		res.telemetry = entry
	}

	return res
}

// wait blocks for d or until ctx ends
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exportTelemetry hands the entry to every sink. Sink failures are logged
// and never reach the step.
func (e *Engine) exportTelemetry(ctx context.Context, logger zerolog.Logger, runID, stepName string, entry *stepflow.TelemetryEntry) {
	for _, sink := range e.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					stepflow.LogTelemetryError(logger, runID, stepName, fmt.Errorf("telemetry sink panicked: %v", r))
					e.metrics.telemetryFailed()
				}
			}()

			if err := sink.Export(ctx, runID, stepName, entry); err != nil {
				stepflow.LogTelemetryError(logger, runID, stepName, err)
				e.metrics.telemetryFailed()
			}
		}()
	}
}
