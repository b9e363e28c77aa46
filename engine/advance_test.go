package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createPendingRun writes a run directly so tests control when it advances
func createPendingRun(t *testing.T, env *testEnv, runID, workflowID string) {
	t.Helper()
	now := env.engine.clock.Now()
	require.NoError(t, env.ledger.CreateRun(context.Background(), &stepflow.Run{
		RunID:      runID,
		WorkflowID: workflowID,
		Event:      *testEvent(t),
		Status:     stepflow.RunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestAdvance_OneNewStepPerAdvance(t *testing.T) {
	env := createTestEngine(t)
	calls := newCounters()
	env.register(t, "sum", threeSteps(calls))
	createPendingRun(t, env, "run-1", "sum")
	ctx := context.Background()

	res, err := env.engine.Advance(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusRunning, res.Status)
	assert.True(t, res.Progressed)
	assert.True(t, res.Continue())
	assert.Equal(t, "a", res.Step)
	assert.Equal(t, 1, calls.get("a"))
	assert.Equal(t, 0, calls.get("b"))

	res, err = env.engine.Advance(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "b", res.Step)
	assert.Equal(t, 1, calls.get("a"), "completed step is replayed, not re-executed")
	assert.Equal(t, 1, calls.get("b"))

	res, err = env.engine.Advance(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusSucceeded, res.Status)
	assert.False(t, res.Continue())

	// Advancing a terminal run is a no-op
	res, err = env.engine.Advance(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusSucceeded, res.Status)
	assert.False(t, res.Progressed)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, calls.get(name), "step %s", name)
	}
}

func TestAdvance_UnexecutedStepSeesSuspension(t *testing.T) {
	env := createTestEngine(t)
	var seen []error
	env.register(t, "observer", func(ctx *stepflow.Context) (any, error) {
		_, err := stepflow.RunStep(ctx, "first", func(context.Context) (int, error) { return 1, nil })
		if err != nil {
			return nil, err
		}
		_, err = stepflow.RunStep(ctx, "second", func(context.Context) (int, error) { return 2, nil })
		seen = append(seen, err)
		return nil, err
	})
	createPendingRun(t, env, "run-1", "observer")

	_, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.ErrorIs(t, seen[0], stepflow.ErrSuspended)
}

func TestDrive_ResumesOnAnotherEngine(t *testing.T) {
	first := createTestEngine(t, WithOwner("engine-1"))
	calls := newCounters()
	first.register(t, "sum", threeSteps(calls))
	createPendingRun(t, first, "run-1", "sum")

	_, err := first.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)
	first.engine.Close()

	// A second process over the same ledger picks up where the first stopped
	second := createTestEngineWithLedger(t, first.ledger, WithOwner("engine-2"))
	second.register(t, "sum", threeSteps(calls))

	require.NoError(t, second.engine.Drive(context.Background(), "run-1"))

	run, err := second.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusSucceeded, run.Status)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, calls.get(name), "step %s", name)
	}
}

func TestAdvance_NonDeterministic(t *testing.T) {
	env := createTestEngine(t)
	reorder := false
	env.register(t, "shifty", func(ctx *stepflow.Context) (any, error) {
		names := []string{"a", "b"}
		if reorder {
			names = []string{"x", "a", "b"}
		}
		for _, name := range names {
			if _, err := stepflow.RunStep(ctx, name, func(context.Context) (bool, error) { return true, nil }); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	createPendingRun(t, env, "run-1", "shifty")

	_, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)

	reorder = true
	res, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusFailed, res.Status)

	run, err := env.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, run.Error)
	assert.Equal(t, stepflow.ErrCodeNonDeterministic, run.Error.Code)
	assert.Equal(t, "x", run.Error.Step)
}

func TestAdvance_KindChangeIsNonDeterministic(t *testing.T) {
	env := createTestEngine(t)
	asSleep := false
	env.register(t, "kind", func(ctx *stepflow.Context) (any, error) {
		if asSleep {
			return nil, ctx.Sleep("a", time.Second)
		}
		_, err := stepflow.RunStep(ctx, "a", func(context.Context) (int, error) { return 1, nil })
		if err != nil {
			return nil, err
		}
		return stepflow.RunStep(ctx, "b", func(context.Context) (int, error) { return 2, nil })
	})
	createPendingRun(t, env, "run-1", "kind")

	_, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)

	asSleep = true
	res, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusFailed, res.Status)
}

func TestDrive_DuplicateStepName(t *testing.T) {
	env := createTestEngine(t)
	calls := newCounters()
	wf := env.register(t, "dup", func(ctx *stepflow.Context) (any, error) {
		for i := 0; i < 2; i++ {
			if _, err := stepflow.RunStep(ctx, "same", func(context.Context) (int, error) {
				return calls.inc("same"), nil
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	run, err := env.engine.StartRun(context.Background(), wf, testEvent(t), stepflow.WithSynchronous())
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusFailed, run.Status)
	assert.Equal(t, stepflow.ErrCodeDuplicateStep, run.Error.Code)
	assert.Equal(t, 1, calls.get("same"))
}

func TestAdvance_LeaseExcludesOtherExecutors(t *testing.T) {
	first := createTestEngine(t, WithOwner("engine-1"))
	started := make(chan struct{})
	release := make(chan struct{})
	calls := newCounters()
	handler := func(ctx *stepflow.Context) (any, error) {
		return stepflow.RunStep(ctx, "slow", func(context.Context) (string, error) {
			if calls.inc("slow") == 1 {
				close(started)
				<-release
			}
			return "done", nil
		})
	}
	first.register(t, "slow", handler)
	createPendingRun(t, first, "run-1", "slow")

	second := createTestEngineWithLedger(t, first.ledger, WithOwner("engine-2"))
	second.register(t, "slow", handler)

	errCh := make(chan error, 1)
	go func() {
		_, err := first.engine.Advance(context.Background(), "run-1")
		errCh <- err
	}()
	<-started

	_, err := second.engine.Advance(context.Background(), "run-1")
	assert.ErrorIs(t, err, stepflow.ErrLeaseHeld)

	close(release)
	require.NoError(t, <-errCh)

	run, err := first.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusSucceeded, run.Status)
	assert.Equal(t, 1, calls.get("slow"))
}

func TestAdvance_LeaseExcludesConcurrentCallsOnOneEngine(t *testing.T) {
	env := createTestEngine(t)
	started := make(chan struct{})
	release := make(chan struct{})
	calls := newCounters()
	env.register(t, "slow", func(ctx *stepflow.Context) (any, error) {
		return stepflow.RunStep(ctx, "slow", func(context.Context) (string, error) {
			if calls.inc("slow") == 1 {
				close(started)
				<-release
			}
			return "done", nil
		})
	})
	createPendingRun(t, env, "run-1", "slow")

	errCh := make(chan error, 1)
	go func() {
		_, err := env.engine.Advance(context.Background(), "run-1")
		errCh <- err
	}()
	<-started

	_, err := env.engine.Advance(context.Background(), "run-1")
	assert.ErrorIs(t, err, stepflow.ErrLeaseHeld)
	err = env.engine.Drive(context.Background(), "run-1")
	assert.ErrorIs(t, err, stepflow.ErrLeaseHeld)

	close(release)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, calls.get("slow"))
}

func TestAdvance_MissingRun(t *testing.T) {
	env := createTestEngine(t)
	_, err := env.engine.Advance(context.Background(), "missing")
	assert.ErrorIs(t, err, stepflow.ErrRunNotFound)
}

func TestAdvance_UnregisteredWorkflow(t *testing.T) {
	env := createTestEngine(t)
	createPendingRun(t, env, "run-1", "gone")

	res, err := env.engine.Advance(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusFailed, res.Status)

	run, err := env.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.ErrCodeNotFound, run.Error.Code)
}

func TestDrive_LedgerFailureRestartsRun(t *testing.T) {
	ledger := &flakyLedger{Ledger: newMemoryLedger(), failSaves: 1}
	env := createTestEngineWithLedger(t, ledger)
	calls := newCounters()
	env.register(t, "sum", threeSteps(calls),
		stepflow.WithRunRetryPolicy(stepflow.RetryPolicy{MaxAttempts: 3, Backoff: stepflow.BackoffNone}))
	createPendingRun(t, env, "run-1", "sum")

	err := env.engine.Drive(context.Background(), "run-1")
	require.Error(t, err)
	assert.True(t, stepflow.IsLedgerError(err))

	// The restart is scheduled on the background pool
	run := waitForStatus(t, ledger, "run-1", stepflow.RunStatusSucceeded)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, 2, calls.get("a"), "the unsaved attempt runs again")
}

func TestCancel(t *testing.T) {
	clock := newTestClock()
	env := createTestEngine(t, WithClock(clock))
	calls := newCounters()
	wf := env.register(t, "napper", func(ctx *stepflow.Context) (any, error) {
		if err := ctx.Sleep("nap", time.Hour); err != nil {
			return nil, err
		}
		return stepflow.RunStep(ctx, "after", func(context.Context) (int, error) {
			return calls.inc("after"), nil
		})
	})
	ctx := context.Background()

	run, err := env.engine.StartRun(ctx, wf, testEvent(t), stepflow.WithSynchronous())
	require.NoError(t, err)
	require.Equal(t, stepflow.RunStatusSleeping, run.Status)

	summary, err := env.engine.Cancel(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusCancelled, summary.Status)
	assert.Equal(t, stepflow.ErrCodeCancelled, summary.Error.Code)

	clock.Advance(2 * time.Hour)
	n, err := env.engine.Scheduler().Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "cancelled runs are never woken")

	require.NoError(t, env.engine.Drive(ctx, run.RunID))
	assert.Zero(t, calls.get("after"))

	_, err = env.engine.Cancel(ctx, run.RunID)
	assert.ErrorIs(t, err, stepflow.ErrRunTerminal)

	_, err = env.engine.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, stepflow.ErrRunNotFound)
}

func TestCancel_DiscardsInFlightStepResult(t *testing.T) {
	env := createTestEngine(t)
	var eng *Engine
	wf := env.register(t, "self-cancel", func(ctx *stepflow.Context) (any, error) {
		return stepflow.RunStep(ctx, "work", func(c context.Context) (string, error) {
			if _, err := eng.Cancel(c, ctx.RunID); err != nil {
				return "", err
			}
			return "late result", nil
		})
	})
	eng = env.engine

	run, err := env.engine.StartRun(context.Background(), wf, testEvent(t), stepflow.WithSynchronous())
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusCancelled, run.Status)
	assert.Nil(t, run.Output)

	steps, err := env.ledger.ListSteps(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestReplay(t *testing.T) {
	clock := newTestClock()
	env := createTestEngine(t, WithClock(clock))
	wf := env.register(t, "napper", func(ctx *stepflow.Context) (any, error) {
		if _, err := stepflow.RunStep(ctx, "before", func(context.Context) (int, error) { return 1, nil }); err != nil {
			return nil, err
		}
		return nil, ctx.Sleep("nap", time.Minute)
	})

	run, err := env.engine.StartRun(context.Background(), wf, testEvent(t), stepflow.WithSynchronous())
	require.NoError(t, err)

	state, err := env.engine.Replay(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Completed)
	require.NotNil(t, state.Next)
	assert.Equal(t, "nap", state.Next.Name)
	assert.True(t, state.Sleeping)
	assert.Equal(t, clock.Now().Add(time.Minute), *state.WakeAt)
}

func TestAdvance_InterruptedByContext(t *testing.T) {
	env := createTestEngine(t, WithLogger(zerolog.Nop()))
	calls := newCounters()
	env.register(t, "blocking", func(ctx *stepflow.Context) (any, error) {
		return stepflow.RunStep(ctx, "wait", func(c context.Context) (int, error) {
			calls.inc("wait")
			<-c.Done()
			return 0, c.Err()
		})
	}, stepflow.WithRetries(5))
	createPendingRun(t, env, "run-1", "blocking")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := env.engine.Advance(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, calls.get("wait"), "an interrupted attempt is not retried")

	run, err := env.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusRunning, run.Status)

	_, err = env.ledger.GetStep(context.Background(), "run-1", "wait")
	assert.True(t, errors.Is(err, stepflow.ErrStepNotFound))
}

// ctxLedger fails writes on a done context the way network backends do
type ctxLedger struct {
	stepflow.Ledger
	saves atomic.Int32
}

func (l *ctxLedger) SaveStep(ctx context.Context, step *stepflow.StepRecord) error {
	l.saves.Add(1)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to save step: %w", err)
	}
	return l.Ledger.SaveStep(ctx, step)
}

func (l *ctxLedger) UpdateRun(ctx context.Context, run *stepflow.Run) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return l.Ledger.UpdateRun(ctx, run)
}

// expiringLeaser grants leases but never renews them
type expiringLeaser struct {
	stepflow.Leaser
}

func (expiringLeaser) RenewLease(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestDrive_LostLeaseDiscardsStepResult(t *testing.T) {
	ledger := &ctxLedger{Ledger: newMemoryLedger()}
	env := createTestEngineWithLedger(t, ledger,
		WithLeaser(expiringLeaser{Leaser: ledger}),
		WithConfig(EngineConfig{MaxConcurrentRuns: 1, LeaseTTL: 90 * time.Millisecond}),
	)
	env.register(t, "stubborn", func(ctx *stepflow.Context) (any, error) {
		return stepflow.RunStep(ctx, "ignores-cancel", func(c context.Context) (string, error) {
			<-c.Done()
			return "finished anyway", nil
		})
	}, noBackoffRestarts)
	createPendingRun(t, env, "run-1", "stubborn")

	require.NoError(t, env.engine.Drive(context.Background(), "run-1"))

	run, err := env.ledger.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusRunning, run.Status)
	assert.Zero(t, run.Attempt, "a lost lease does not spend the restart budget")
	assert.Nil(t, run.Error)
	assert.Zero(t, ledger.saves.Load(), "the result is not written without the lease")

	_, err = env.ledger.GetStep(context.Background(), "run-1", "ignores-cancel")
	assert.ErrorIs(t, err, stepflow.ErrStepNotFound)
}
