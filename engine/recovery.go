package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sicko7947/stepflow"
)

// errExecutorLost is the restart cause for runs abandoned mid-flight
var errExecutorLost = errors.New("executor lost while run was in flight")

// Recoverer finds runs whose executor disappeared and restarts them under
// the workflow's run-level retry policy.
type Recoverer struct {
	e *Engine
}

func newRecoverer(e *Engine) *Recoverer {
	return &Recoverer{e: e}
}

// Sweep restarts stale PENDING and RUNNING runs whose lease is free and
// returns how many it restarted
func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	e := r.e
	cutoff := e.clock.Now().Add(-e.config.StaleAfter)
	restarted := 0

	for _, status := range []stepflow.RunStatus{stepflow.RunStatusRunning, stepflow.RunStatusPending} {
		status := status
		runs, err := e.ledger.ListRuns(ctx, stepflow.RunFilter{
			Status:        &status,
			UpdatedBefore: &cutoff,
			Limit:         e.config.SchedulerBatch,
		})
		if err != nil {
			return restarted, fmt.Errorf("failed to list %s runs: %w", status, err)
		}

		for _, run := range runs {
			if e.busy(run.RunID) {
				continue
			}

			// A live executor keeps its lease renewed
			token := e.leaseToken()
			ok, err := e.leaser.AcquireLease(ctx, run.RunID, token, e.config.LeaseTTL)
			if err != nil {
				stepflow.LogPersistenceError(e.logger, run.RunID, "acquire_lease", err)
				continue
			}
			if !ok {
				continue
			}
			if err := e.leaser.ReleaseLease(ctx, run.RunID, token); err != nil {
				stepflow.LogPersistenceError(e.logger, run.RunID, "release_lease", err)
			}

			e.restartRun(ctx, run.RunID, errExecutorLost)
			restarted++
		}
	}
	return restarted, nil
}
