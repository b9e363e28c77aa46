package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
)

type outcome int

const (
	outcomeNone        outcome = iota // program still running or returned
	outcomeYield                      // a new step completed, stop before the next one
	outcomeSleeping                   // parked on a sleep that is not due
	outcomeFailed                     // step exhausted or program invalid
	outcomeCancelled                  // run became terminal underneath us
	outcomeInterrupted                // lease lost or context ended mid-step
	outcomeInfra                      // ledger failure
)

func (o outcome) String() string {
	switch o {
	case outcomeYield:
		return "yield"
	case outcomeSleeping:
		return "sleeping"
	case outcomeFailed:
		return "failed"
	case outcomeCancelled:
		return "cancelled"
	case outcomeInterrupted:
		return "interrupted"
	case outcomeInfra:
		return "ledger failure"
	default:
		return "running"
	}
}

// session is one advance of one run. It answers the program's step calls
// from the ledger and executes at most one new step.
type session struct {
	e      *Engine
	run    *stepflow.Run
	wf     *stepflow.Workflow
	logger zerolog.Logger

	byName  map[string]*stepflow.StepRecord
	byIndex map[int]*stepflow.StepRecord
	seen    map[string]bool
	next    int

	executed bool
	lastStep string

	outcome  outcome
	haltStep string
	failure  *stepflow.WorkflowError
	err      error
	wakeAt   *time.Time
}

var _ stepflow.StepResolver = (*session)(nil)

func newSession(e *Engine, run *stepflow.Run, wf *stepflow.Workflow, records []*stepflow.StepRecord) *session {
	s := &session{
		e:       e,
		run:     run,
		wf:      wf,
		logger:  stepflow.RunLogger(e.logger, run.RunID, run.WorkflowID),
		byName:  make(map[string]*stepflow.StepRecord, len(records)),
		byIndex: make(map[int]*stepflow.StepRecord, len(records)),
		seen:    make(map[string]bool, len(records)),
	}
	for _, rec := range records {
		s.byName[rec.Name] = rec
		s.byIndex[rec.Index] = rec
	}
	return s
}

// invoke runs the program from the top
func (s *session) invoke(ctx context.Context) (output any, err error) {
	pctx := stepflow.NewContext(ctx, s.run, s.logger, s)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Workflow program panicked")
			output = nil
			err = stepflow.NewWorkflowError(stepflow.ErrCodePanic, fmt.Sprintf("workflow panicked: %v", r))
		}
	}()

	return s.wf.Handler()(pctx)
}

func (s *session) halt(o outcome, step string) error {
	s.outcome = o
	s.haltStep = step
	return s.suspension()
}

func (s *session) suspension() error {
	return &stepflow.SuspensionError{
		RunID:  s.run.RunID,
		Step:   s.haltStep,
		Reason: s.outcome.String(),
		WakeAt: s.wakeAt,
	}
}

func (s *session) fail(wfErr *stepflow.WorkflowError) error {
	s.outcome = outcomeFailed
	s.haltStep = wfErr.Step
	s.failure = wfErr
	return wfErr
}

func (s *session) lastStepOr(fallback string) string {
	if s.lastStep != "" {
		return s.lastStep
	}
	return fallback
}

// Resolve implements stepflow.StepResolver
func (s *session) Resolve(ctx context.Context, desc stepflow.StepDescriptor) (json.RawMessage, error) {
	if s.outcome != outcomeNone {
		return nil, s.suspension()
	}

	if desc.Name == "" {
		return nil, s.fail(stepflow.NewWorkflowError(stepflow.ErrCodeValidation, "step name is required"))
	}
	if s.seen[desc.Name] {
		return nil, s.fail(stepflow.NewWorkflowErrorWithStep(
			stepflow.ErrCodeDuplicateStep,
			fmt.Sprintf("step name %q used more than once", desc.Name),
			desc.Name,
		))
	}
	s.seen[desc.Name] = true

	index := s.next
	s.next++

	rec := s.byName[desc.Name]
	if err := s.checkDeterminism(index, desc, rec); err != nil {
		return nil, err
	}

	if rec != nil && rec.IsCompleted() {
		stepflow.LogStepReplayed(s.logger, s.run.RunID, desc.Name)
		s.e.metrics.stepReplayed(s.wf.ID())
		return rec.Result, nil
	}
	if rec != nil && rec.Status == stepflow.StepStatusFailed {
		stepErr := rec.Error
		if stepErr == nil {
			stepErr = stepflow.NewStepError(stepflow.ErrCodeExecutionFailed, "step previously failed", rec.Attempts)
		}
		s.fail(stepflow.NewWorkflowErrorWithStep(stepflow.ErrCodeExecutionFailed, stepErr.Message, desc.Name))
		return nil, stepErr
	}

	// One new step per advance
	if s.executed {
		return nil, s.halt(outcomeYield, desc.Name)
	}

	switch desc.Kind {
	case stepflow.StepKindSleep:
		return nil, s.sleep(ctx, index, desc, rec)
	case stepflow.StepKindRun, stepflow.StepKindAIWrap:
		if desc.Fn == nil {
			return nil, s.fail(stepflow.NewWorkflowErrorWithStep(
				stepflow.ErrCodeValidation, "step function is required", desc.Name))
		}
		return s.execute(ctx, index, desc, rec)
	default:
		return nil, s.fail(stepflow.NewWorkflowErrorWithStep(
			stepflow.ErrCodeValidation, fmt.Sprintf("unknown step kind %q", desc.Kind), desc.Name))
	}
}

// checkDeterminism fails the run when the program's step sequence no
// longer matches the recorded one
func (s *session) checkDeterminism(index int, desc stepflow.StepDescriptor, rec *stepflow.StepRecord) error {
	var reason string
	switch {
	case rec != nil && rec.Index != index:
		reason = fmt.Sprintf("step %q reached at position %d but recorded at position %d", desc.Name, index, rec.Index)
	case rec != nil && rec.Kind != desc.Kind:
		reason = fmt.Sprintf("step %q is %s but was recorded as %s", desc.Name, desc.Kind, rec.Kind)
	case rec == nil:
		if other, ok := s.byIndex[index]; ok {
			reason = fmt.Sprintf("step %q reached at position %d where %q was recorded", desc.Name, index, other.Name)
		}
	}
	if reason == "" {
		return nil
	}
	return s.fail(stepflow.NewWorkflowErrorWithStep(stepflow.ErrCodeNonDeterministic, reason, desc.Name))
}

func (s *session) sleep(ctx context.Context, index int, desc stepflow.StepDescriptor, rec *stepflow.StepRecord) error {
	now := s.e.clock.Now()

	if rec == nil {
		wakeAt := now.Add(desc.Duration)
		if desc.Duration <= 0 {
			return s.completeSleep(ctx, &stepflow.StepRecord{
				RunID:     s.run.RunID,
				Name:      desc.Name,
				Index:     index,
				Kind:      stepflow.StepKindSleep,
				WakeAt:    &wakeAt,
				CreatedAt: now,
			})
		}

		if err := s.e.scheduler.ScheduleWake(ctx, s.run.RunID, desc.Name, index, wakeAt); err != nil {
			return s.saveFailed(ctx, desc.Name, err)
		}
		s.wakeAt = &wakeAt
		return s.halt(outcomeSleeping, desc.Name)
	}

	if rec.WakeAt != nil && now.Before(*rec.WakeAt) {
		s.wakeAt = rec.WakeAt
		return s.halt(outcomeSleeping, desc.Name)
	}
	return s.completeSleep(ctx, rec)
}

func (s *session) completeSleep(ctx context.Context, rec *stepflow.StepRecord) error {
	now := s.e.clock.Now()
	done := rec.Clone()
	done.Status = stepflow.StepStatusCompleted
	done.CompletedAt = &now
	done.UpdatedAt = now
	if err := s.save(ctx, done); err != nil {
		return err
	}

	stepflow.LogSleepWoken(s.logger, s.run.RunID, rec.Name)
	s.executed = true
	s.lastStep = rec.Name
	return nil
}

func (s *session) execute(ctx context.Context, index int, desc stepflow.StepDescriptor, rec *stepflow.StepRecord) (json.RawMessage, error) {
	policy := s.wf.RetryPolicy()

	pending := &stepflow.StepRecord{
		RunID:     s.run.RunID,
		Name:      desc.Name,
		Index:     index,
		Kind:      desc.Kind,
		Status:    stepflow.StepStatusPending,
		CreatedAt: s.e.clock.Now(),
	}
	attempt := 0
	if rec != nil {
		// Resume the attempt count of a retry interrupted by a crash
		attempt = rec.Attempts
		pending.CreatedAt = rec.CreatedAt
	}

	for {
		attempt++
		res := s.e.runAttempt(ctx, s, desc, attempt)

		if res.err != nil && ctx.Err() != nil {
			// The attempt was cut short by us, not by the step
			return nil, s.halt(outcomeInterrupted, desc.Name)
		}

		if res.err == nil {
			raw, err := json.Marshal(res.value)
			if err != nil {
				res.err = stepflow.NonRetriable(fmt.Errorf("failed to serialize step result: %w", err))
			} else {
				now := s.e.clock.Now()
				done := pending.Clone()
				done.Status = stepflow.StepStatusCompleted
				done.Attempts = attempt
				done.Result = raw
				done.Error = nil
				done.Telemetry = res.telemetry
				done.DurationMs = res.duration.Milliseconds()
				done.CompletedAt = &now
				done.UpdatedAt = now

				if err := s.save(ctx, done); err != nil {
					return nil, err
				}

				s.executed = true
				s.lastStep = desc.Name
				stepflow.LogStepCompleted(s.logger, s.run.RunID, desc.Name, done.DurationMs)
				s.e.metrics.stepAttempted(s.wf.ID(), string(desc.Kind), "completed", res.duration)
				if done.Telemetry != nil {
					s.e.exportTelemetry(ctx, s.logger, s.run.RunID, desc.Name, done.Telemetry)
				}
				return raw, nil
			}
		}

		stepErr := stepflow.ToStepError(res.err, desc.Name, attempt)
		decision := policy.Decide(attempt, res.err)

		now := s.e.clock.Now()
		pending.Attempts = attempt
		pending.Error = stepErr
		pending.Telemetry = res.telemetry
		pending.DurationMs = res.duration.Milliseconds()
		pending.UpdatedAt = now

		if !decision.Retry {
			failed := pending.Clone()
			failed.Status = stepflow.StepStatusFailed
			failed.CompletedAt = &now
			if err := s.save(ctx, failed); err != nil {
				return nil, err
			}

			stepflow.LogStepFailed(s.logger, s.run.RunID, desc.Name, stepErr, attempt)
			s.e.metrics.stepAttempted(s.wf.ID(), string(desc.Kind), "failed", res.duration)
			s.fail(stepflow.NewWorkflowErrorWithStep(
				stepflow.ErrCodeExecutionFailed,
				fmt.Sprintf("step failed after %d attempts: %s", attempt, stepErr.Message),
				desc.Name,
			))
			return nil, stepErr
		}

		// Persist the attempt count so a crash resumes the budget
		if err := s.save(ctx, pending.Clone()); err != nil {
			return nil, err
		}

		stepflow.LogStepRetrying(s.logger, s.run.RunID, desc.Name, attempt+1, decision.Delay)
		s.e.metrics.stepAttempted(s.wf.ID(), string(desc.Kind), "retrying", res.duration)

		if err := s.e.wait(ctx, decision.Delay); err != nil {
			return nil, s.halt(outcomeInterrupted, desc.Name)
		}

		current, err := s.e.ledger.GetRun(ctx, s.run.RunID)
		if err != nil {
			return nil, s.saveFailed(ctx, desc.Name, err)
		}
		if current.Status.IsTerminal() {
			return nil, s.halt(outcomeCancelled, desc.Name)
		}
	}
}

// save writes rec. If the ledger rejects the record and it carries
// telemetry, it is written again without the telemetry.
func (s *session) save(ctx context.Context, rec *stepflow.StepRecord) error {
	if ctx.Err() != nil {
		// The lease is gone; another executor may own the run
		return s.halt(outcomeInterrupted, rec.Name)
	}

	err := s.e.ledger.SaveStep(ctx, rec)
	if err != nil && rec.Telemetry != nil && errors.Is(err, stepflow.ErrRecordRejected) {
		stepflow.LogTelemetryError(s.logger, s.run.RunID, rec.Name, err)
		s.e.metrics.telemetryFailed()
		rec.Telemetry = nil
		err = s.e.ledger.SaveStep(ctx, rec)
	}
	if err != nil {
		return s.saveFailed(ctx, rec.Name, err)
	}
	return nil
}

func (s *session) saveFailed(ctx context.Context, step string, err error) error {
	switch {
	case ctx.Err() != nil:
		return s.halt(outcomeInterrupted, step)
	case errors.Is(err, stepflow.ErrRunTerminal):
		return s.halt(outcomeCancelled, step)
	case errors.Is(err, stepflow.ErrStepCompleted):
		// Another executor recorded the step; the next replay returns it
		return s.halt(outcomeInterrupted, step)
	}
	stepflow.LogPersistenceError(s.logger, s.run.RunID, "save_step", err)
	s.outcome = outcomeInfra
	s.haltStep = step
	s.err = stepflow.NewLedgerError("save_step", s.run.RunID, err)
	return s.err
}
