package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sicko7947/stepflow"
)

type memoryLease struct {
	owner     string
	expiresAt time.Time
}

// MemoryLedger implements stepflow.Ledger using in-memory storage (for
// tests and single-process deployments)
type MemoryLedger struct {
	runs   map[string]*stepflow.Run
	steps  map[string]map[string]*stepflow.StepRecord // runID -> step name -> record
	leases map[string]memoryLease
	clock  stepflow.Clock
	mu     sync.RWMutex
}

// MemoryOption configures a MemoryLedger
type MemoryOption func(*MemoryLedger)

// WithMemoryClock sets the clock used for lease expiry
func WithMemoryClock(c stepflow.Clock) MemoryOption {
	return func(s *MemoryLedger) {
		s.clock = c
	}
}

// NewMemoryLedger creates a new in-memory ledger
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	s := &MemoryLedger{
		runs:   make(map[string]*stepflow.Run),
		steps:  make(map[string]map[string]*stepflow.StepRecord),
		leases: make(map[string]memoryLease),
		clock:  stepflow.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ stepflow.Ledger = (*MemoryLedger)(nil)

// Run operations

func (s *MemoryLedger) CreateRun(ctx context.Context, run *stepflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}

	s.runs[run.RunID] = run.Clone()
	s.steps[run.RunID] = make(map[string]*stepflow.StepRecord)
	return nil
}

func (s *MemoryLedger) GetRun(ctx context.Context, runID string) (*stepflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryLedger) UpdateRun(ctx context.Context, run *stepflow.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.runs[run.RunID]
	if !exists {
		return fmt.Errorf("run %s: %w", run.RunID, stepflow.ErrRunNotFound)
	}
	if current.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", run.RunID, current.Status, stepflow.ErrRunTerminal)
	}

	s.runs[run.RunID] = run.Clone()
	return nil
}

func (s *MemoryLedger) ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*stepflow.Run, 0)
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !run.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		runs = append(runs, run.Clone())
	}

	// Newest first, matching the index order of the durable backends
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// Step operations

func (s *MemoryLedger) GetStep(ctx context.Context, runID, name string) (*stepflow.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, exists := s.steps[runID]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
	}
	rec, exists := steps[name]
	if !exists {
		return nil, fmt.Errorf("step %s of run %s: %w", name, runID, stepflow.ErrStepNotFound)
	}
	return rec.Clone(), nil
}

func (s *MemoryLedger) ListSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps, exists := s.steps[runID]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
	}

	records := make([]*stepflow.StepRecord, 0, len(steps))
	for _, rec := range steps {
		records = append(records, rec.Clone())
	}
	sortSteps(records)
	return records, nil
}

func (s *MemoryLedger) SaveStep(ctx context.Context, step *stepflow.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, exists := s.runs[step.RunID]
	if !exists {
		return fmt.Errorf("run %s: %w", step.RunID, stepflow.ErrRunNotFound)
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s is %s: %w", step.RunID, run.Status, stepflow.ErrRunTerminal)
	}
	if existing, ok := s.steps[step.RunID][step.Name]; ok && existing.IsCompleted() {
		return fmt.Errorf("step %s of run %s: %w", step.Name, step.RunID, stepflow.ErrStepCompleted)
	}

	s.steps[step.RunID][step.Name] = step.Clone()
	return nil
}

func (s *MemoryLedger) ListDueSleeps(ctx context.Context, now time.Time, limit int) ([]*stepflow.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*stepflow.StepRecord, 0)
	for runID, steps := range s.steps {
		if s.runs[runID].Status.IsTerminal() {
			continue
		}
		for _, rec := range steps {
			if rec.Kind != stepflow.StepKindSleep || rec.Status != stepflow.StepStatusPending || rec.WakeAt == nil {
				continue
			}
			if !rec.WakeAt.After(now) {
				due = append(due, rec.Clone())
			}
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].WakeAt.Before(*due[j].WakeAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Lease operations

func (s *MemoryLedger) AcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return false, fmt.Errorf("run %s: %w", runID, stepflow.ErrRunNotFound)
	}

	now := s.clock.Now()
	if l, held := s.leases[runID]; held && l.owner != owner && now.Before(l.expiresAt) {
		return false, nil
	}
	s.leases[runID] = memoryLease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryLedger) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.leases[runID]
	if !held || l.owner != owner {
		return false, nil
	}
	l.expiresAt = s.clock.Now().Add(ttl)
	s.leases[runID] = l
	return true, nil
}

func (s *MemoryLedger) ReleaseLease(ctx context.Context, runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, held := s.leases[runID]; held && l.owner == owner {
		delete(s.leases, runID)
	}
	return nil
}

func sortSteps(records []*stepflow.StepRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Index < records[j].Index
	})
}
