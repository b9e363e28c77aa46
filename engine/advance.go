package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
)

// AdvanceResult reports what one advance did
type AdvanceResult struct {
	RunID  string
	Status stepflow.RunStatus
	// Step is the step executed or suspended on, if any
	Step string
	// Progressed is true when a new step completed during the advance
	Progressed bool
	// WakeAt is set while the run sleeps
	WakeAt *time.Time
	// Interrupted is true when the lease or context ended mid-step
	Interrupted bool
}

// Continue reports whether another advance would make progress now
func (r *AdvanceResult) Continue() bool {
	return r.Status == stepflow.RunStatusRunning && r.Progressed && !r.Interrupted
}

// ReplayState summarizes a run's ledger position
type ReplayState struct {
	RunID string
	// Completed counts the contiguous completed records from index 0
	Completed int
	// Next is the first record that is not completed, if one exists
	Next *stepflow.StepRecord
	// Sleeping is true when Next is a sleep whose wake time has not passed
	Sleeping bool
	WakeAt   *time.Time
}

// Replay reconstructs the run's position from its step records
func (e *Engine) Replay(ctx context.Context, runID string) (*ReplayState, error) {
	records, err := e.ledger.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	return replayState(runID, records, e.clock.Now()), nil
}

func replayState(runID string, records []*stepflow.StepRecord, now time.Time) *ReplayState {
	state := &ReplayState{RunID: runID}
	for _, rec := range records {
		if rec.IsCompleted() {
			state.Completed++
			continue
		}
		state.Next = rec
		if rec.Kind == stepflow.StepKindSleep && rec.Status == stepflow.StepStatusPending && rec.WakeAt != nil {
			state.WakeAt = rec.WakeAt
			state.Sleeping = now.Before(*rec.WakeAt)
		}
		break
	}
	return state
}

// Advance holds the run's lease for exactly one advance
func (e *Engine) Advance(ctx context.Context, runID string) (*AdvanceResult, error) {
	lease, err := e.acquireLease(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer lease.release()

	return e.advance(lease.ctx, runID)
}

// Drive holds the run's lease and advances until the run is terminal,
// sleeping or interrupted. Infrastructure failures schedule a run-level
// restart before being returned.
func (e *Engine) Drive(ctx context.Context, runID string) error {
	lease, err := e.acquireLease(ctx, runID)
	if err != nil {
		return err
	}
	defer lease.release()

	for {
		res, err := e.advance(lease.ctx, runID)
		if err != nil {
			// Writes cut off by a lost lease are not infrastructure failures
			if stepflow.IsLedgerError(err) && lease.ctx.Err() == nil {
				e.restartRun(context.WithoutCancel(ctx), runID, err)
			}
			return err
		}
		if !res.Continue() {
			return nil
		}
	}
}

func (e *Engine) advance(ctx context.Context, runID string) (*AdvanceResult, error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, stepflow.NewLedgerError("get_run", runID, err)
	}
	if run.Status.IsTerminal() {
		return &AdvanceResult{RunID: runID, Status: run.Status}, nil
	}

	wf, err := e.registry.Get(run.WorkflowID)
	if err != nil {
		return e.failRun(ctx, run, stepflow.NewWorkflowError(stepflow.ErrCodeNotFound, err.Error()))
	}

	records, err := e.ledger.ListSteps(ctx, runID)
	if err != nil {
		return nil, stepflow.NewLedgerError("list_steps", runID, err)
	}

	// A sleep that is not yet due needs no replay
	state := replayState(runID, records, e.clock.Now())
	if state.Sleeping {
		if run.Status != stepflow.RunStatusSleeping {
			run.Status = stepflow.RunStatusSleeping
			run.UpdatedAt = e.clock.Now()
			if err := e.ledger.UpdateRun(ctx, run); err != nil {
				return e.runWriteFailed(ctx, runID, err)
			}
		}
		return &AdvanceResult{
			RunID:  runID,
			Status: stepflow.RunStatusSleeping,
			Step:   state.Next.Name,
			WakeAt: state.WakeAt,
		}, nil
	}

	if run.Status != stepflow.RunStatusRunning {
		now := e.clock.Now()
		run.Status = stepflow.RunStatusRunning
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.UpdatedAt = now
		if err := e.ledger.UpdateRun(ctx, run); err != nil {
			return e.runWriteFailed(ctx, runID, err)
		}
	}

	sess := newSession(e, run, wf, records)
	output, handlerErr := sess.invoke(ctx)
	return e.settle(ctx, sess, output, handlerErr)
}

// settle turns the session outcome into a run transition
func (e *Engine) settle(ctx context.Context, sess *session, output any, handlerErr error) (*AdvanceResult, error) {
	run := sess.run
	res := &AdvanceResult{
		RunID:      run.RunID,
		Status:     run.Status,
		Step:       sess.haltStep,
		Progressed: sess.executed,
	}

	switch sess.outcome {
	case outcomeInfra:
		return nil, sess.err

	case outcomeCancelled:
		current, err := e.ledger.GetRun(ctx, run.RunID)
		if err != nil {
			return nil, stepflow.NewLedgerError("get_run", run.RunID, err)
		}
		res.Status = current.Status
		return res, nil

	case outcomeInterrupted:
		res.Interrupted = true
		return res, nil

	case outcomeFailed:
		return e.failRun(ctx, run, sess.failure)

	case outcomeSleeping:
		run.Status = stepflow.RunStatusSleeping
		run.LastStep = sess.lastStepOr(run.LastStep)
		run.UpdatedAt = e.clock.Now()
		if err := e.ledger.UpdateRun(ctx, run); err != nil {
			return e.runWriteFailed(ctx, run.RunID, err)
		}
		stepflow.LogRunSleeping(sess.logger, run.RunID, sess.haltStep, *sess.wakeAt)
		res.Status = stepflow.RunStatusSleeping
		res.WakeAt = sess.wakeAt
		return res, nil

	case outcomeYield:
		run.LastStep = sess.lastStepOr(run.LastStep)
		run.UpdatedAt = e.clock.Now()
		if err := e.ledger.UpdateRun(ctx, run); err != nil {
			return e.runWriteFailed(ctx, run.RunID, err)
		}
		res.Step = sess.lastStep
		return res, nil
	}

	// The program returned without suspending
	if handlerErr != nil {
		var we *stepflow.WorkflowError
		if !errors.As(handlerErr, &we) {
			we = stepflow.NewWorkflowError(stepflow.ErrCodeExecutionFailed, handlerErr.Error())
		}
		return e.failRun(ctx, run, we)
	}

	var raw json.RawMessage
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return e.failRun(ctx, run, stepflow.NewWorkflowError(
				stepflow.ErrCodeExecutionFailed,
				fmt.Sprintf("failed to serialize workflow output: %v", err),
			))
		}
		raw = b
	}

	completedAt := e.clock.Now()
	run.Status = stepflow.RunStatusSucceeded
	run.LastStep = sess.lastStepOr(run.LastStep)
	run.Output = raw
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt

	if err := e.ledger.UpdateRun(ctx, run); err != nil {
		return e.runWriteFailed(ctx, run.RunID, err)
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = completedAt.Sub(*run.StartedAt)
	}
	stepflow.LogRunSucceeded(sess.logger, run.RunID, duration)
	e.metrics.runFinished(run.WorkflowID, string(run.Status))

	res.Status = run.Status
	res.Step = run.LastStep
	return res, nil
}

// failRun marks the run as failed
func (e *Engine) failRun(ctx context.Context, run *stepflow.Run, wfErr *stepflow.WorkflowError) (*AdvanceResult, error) {
	completedAt := e.clock.Now()
	run.Status = stepflow.RunStatusFailed
	run.Error = wfErr
	run.CompletedAt = &completedAt
	run.UpdatedAt = completedAt
	if wfErr.Step != "" {
		run.LastStep = wfErr.Step
	}

	if err := e.ledger.UpdateRun(ctx, run); err != nil {
		return e.runWriteFailed(ctx, run.RunID, err)
	}

	stepflow.LogRunFailed(e.logger, run.RunID, wfErr)
	e.metrics.runFinished(run.WorkflowID, string(run.Status))

	return &AdvanceResult{
		RunID:  run.RunID,
		Status: run.Status,
		Step:   wfErr.Step,
	}, nil
}

// runWriteFailed handles a rejected run update. A terminal run means it
// was cancelled concurrently; anything else is an infrastructure failure.
func (e *Engine) runWriteFailed(ctx context.Context, runID string, err error) (*AdvanceResult, error) {
	if ctx.Err() != nil {
		return &AdvanceResult{RunID: runID, Interrupted: true}, nil
	}
	if errors.Is(err, stepflow.ErrRunTerminal) {
		current, getErr := e.ledger.GetRun(ctx, runID)
		if getErr != nil {
			return nil, stepflow.NewLedgerError("get_run", runID, getErr)
		}
		return &AdvanceResult{RunID: runID, Status: current.Status}, nil
	}
	stepflow.LogPersistenceError(e.logger, runID, "update_run", err)
	return nil, stepflow.NewLedgerError("update_run", runID, err)
}
