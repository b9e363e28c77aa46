package stepflow

import (
	"context"
	"time"
)

// Ledger is the durable store of runs and step records. Implementations
// must honor the write guards documented on each method.
type Ledger interface {
	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	// UpdateRun replaces the run. It returns ErrRunTerminal when the stored
	// run is already terminal and ErrRunNotFound when it does not exist.
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step operations
	GetStep(ctx context.Context, runID, name string) (*StepRecord, error)
	// ListSteps returns the run's records ordered by Index
	ListSteps(ctx context.Context, runID string) ([]*StepRecord, error)
	// SaveStep writes the record and its telemetry in one operation. It
	// returns ErrRunTerminal if the run is terminal and ErrStepCompleted
	// if a completed record already exists under the same name.
	SaveStep(ctx context.Context, step *StepRecord) error
	// ListDueSleeps returns pending sleep records with WakeAt <= now
	ListDueSleeps(ctx context.Context, now time.Time, limit int) ([]*StepRecord, error)

	Leaser
}

// Leaser grants a per-run exclusive execution lease. The engine passes a
// fresh owner token for every acquisition.
type Leaser interface {
	// AcquireLease returns true when owner now holds the lease. Re-acquiring
	// a lease already held by owner extends it.
	AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	// RenewLease returns false if owner no longer holds the lease
	RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, runID, owner string) error
}

// RunFilter for querying runs
type RunFilter struct {
	WorkflowID string
	Status     *RunStatus
	// UpdatedBefore selects runs not touched since the given time
	UpdatedBefore *time.Time
	Limit         int
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time { return time.Now().UTC() }
