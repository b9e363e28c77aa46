//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/sicko7947/stepflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresIntegration starts a Postgres container and returns a
// migrated ledger on it.
func setupPostgresIntegration(t *testing.T) *PostgresLedger {
	t.Helper()
	ctx := context.Background()

	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("stepflow_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	ledger, err := NewPostgresLedger(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	require.NoError(t, ledger.Migrate(ctx))
	// Migrations are idempotent
	require.NoError(t, ledger.Migrate(ctx))
	return ledger
}

func TestIntegration_Postgres_RunLifecycle(t *testing.T) {
	ledger := setupPostgresIntegration(t)
	ctx := context.Background()

	run := newTestRun("run-pg-1", stepflow.RunStatusPending)
	require.NoError(t, ledger.CreateRun(ctx, run))
	assert.Error(t, ledger.CreateRun(ctx, run))

	run.Status = stepflow.RunStatusFailed
	run.Error = &stepflow.WorkflowError{Code: stepflow.ErrCodeExecutionFailed, Message: "boom"}
	require.NoError(t, ledger.UpdateRun(ctx, run))

	got, err := ledger.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, stepflow.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Message)

	run.Status = stepflow.RunStatusSucceeded
	assert.ErrorIs(t, ledger.UpdateRun(ctx, run), stepflow.ErrRunTerminal)

	_, err = ledger.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, stepflow.ErrRunNotFound)
}

func TestIntegration_Postgres_StepsAndSleeps(t *testing.T) {
	ledger := setupPostgresIntegration(t)
	ctx := context.Background()

	run := newTestRun("run-pg-2", stepflow.RunStatusRunning)
	require.NoError(t, ledger.CreateRun(ctx, run))

	now := time.Now().UTC()
	wake := now.Add(-time.Second)
	require.NoError(t, ledger.SaveStep(ctx, &stepflow.StepRecord{
		RunID: run.RunID, Name: "first", Index: 0, Kind: stepflow.StepKindRun,
		Status: stepflow.StepStatusCompleted, Attempts: 1, Result: []byte(`{"n":1}`),
		CreatedAt: now, UpdatedAt: now, CompletedAt: &now,
	}))
	require.NoError(t, ledger.SaveStep(ctx, &stepflow.StepRecord{
		RunID: run.RunID, Name: "nap", Index: 1, Kind: stepflow.StepKindSleep,
		Status: stepflow.StepStatusPending, WakeAt: &wake, CreatedAt: now, UpdatedAt: now,
	}))

	err := ledger.SaveStep(ctx, &stepflow.StepRecord{
		RunID: run.RunID, Name: "first", Index: 0, Kind: stepflow.StepKindRun,
		Status: stepflow.StepStatusCompleted, Attempts: 2, Result: []byte(`{"n":2}`),
		CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, stepflow.ErrStepCompleted)

	steps, err := ledger.ListSteps(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.JSONEq(t, `{"n":1}`, string(steps[0].Result))

	due, err := ledger.ListDueSleeps(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "nap", due[0].Name)

	run.Status = stepflow.RunStatusCancelled
	require.NoError(t, ledger.UpdateRun(ctx, run))

	due, err = ledger.ListDueSleeps(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	err = ledger.SaveStep(ctx, &stepflow.StepRecord{
		RunID: run.RunID, Name: "late", Index: 2, Kind: stepflow.StepKindRun,
		Status: stepflow.StepStatusCompleted, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, stepflow.ErrRunTerminal)
}

func TestIntegration_Postgres_Leases(t *testing.T) {
	ledger := setupPostgresIntegration(t)
	ctx := context.Background()

	require.NoError(t, ledger.CreateRun(ctx, newTestRun("run-pg-3", stepflow.RunStatusPending)))

	ok, err := ledger.AcquireLease(ctx, "run-pg-3", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.AcquireLease(ctx, "run-pg-3", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ledger.RenewLease(ctx, "run-pg-3", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, ledger.ReleaseLease(ctx, "run-pg-3", "a"))

	ok, err = ledger.AcquireLease(ctx, "run-pg-3", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
