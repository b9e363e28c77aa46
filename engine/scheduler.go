package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
)

// Scheduler persists sleep wake-ups and resubmits runs whose sleeps are
// due. Sleeping runs are only ledger rows; nothing waits in memory.
type Scheduler struct {
	e *Engine
}

func newScheduler(e *Engine) *Scheduler {
	return &Scheduler{e: e}
}

// ScheduleWake records a pending sleep step. Scheduling a step that is
// already recorded is a no-op.
func (s *Scheduler) ScheduleWake(ctx context.Context, runID, stepName string, index int, wakeAt time.Time) error {
	if _, err := s.e.ledger.GetStep(ctx, runID, stepName); err == nil {
		return nil
	} else if !errors.Is(err, stepflow.ErrStepNotFound) {
		return err
	}

	now := s.e.clock.Now()
	rec := &stepflow.StepRecord{
		RunID:     runID,
		Name:      stepName,
		Index:     index,
		Kind:      stepflow.StepKindSleep,
		Status:    stepflow.StepStatusPending,
		WakeAt:    &wakeAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.e.ledger.SaveStep(ctx, rec); err != nil {
		if errors.Is(err, stepflow.ErrStepCompleted) {
			return nil
		}
		return err
	}

	stepflow.LogSleepScheduled(s.e.logger, runID, stepName, wakeAt)
	return nil
}

// Tick submits every run with a due sleep and returns how many it submitted
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.e.ledger.ListDueSleeps(ctx, s.e.clock.Now(), s.e.config.SchedulerBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due sleeps: %w", err)
	}

	submitted := make(map[string]bool, len(due))
	for _, rec := range due {
		if submitted[rec.RunID] {
			continue
		}
		submitted[rec.RunID] = true

		stepflow.LogSleepWoken(s.e.logger, rec.RunID, rec.Name)
		s.e.metrics.sleepWoken()
		s.e.Submit(rec.RunID)
	}
	return len(submitted), nil
}
