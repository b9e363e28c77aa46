package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
)

const runColumns = `run_id, workflow_id, event, status, attempt, last_step, output, error,
	created_at, updated_at, started_at, completed_at`

const stepColumns = `run_id, name, idx, kind, status, attempts, result, error, wake_at,
	telemetry, duration_ms, created_at, updated_at, completed_at`

type runModel struct {
	RunID       string     `db:"run_id"`
	WorkflowID  string     `db:"workflow_id"`
	Event       []byte     `db:"event"`
	Status      string     `db:"status"`
	Attempt     int        `db:"attempt"`
	LastStep    string     `db:"last_step"`
	Output      []byte     `db:"output"`
	Error       []byte     `db:"error"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

type stepModel struct {
	RunID       string     `db:"run_id"`
	Name        string     `db:"name"`
	Index       int        `db:"idx"`
	Kind        string     `db:"kind"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	Result      []byte     `db:"result"`
	Error       []byte     `db:"error"`
	WakeAt      *time.Time `db:"wake_at"`
	Telemetry   []byte     `db:"telemetry"`
	DurationMs  int64      `db:"duration_ms"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func toRunModel(run *stepflow.Run) (*runModel, error) {
	event, err := json.Marshal(run.Event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run event: %w", err)
	}
	m := &runModel{
		RunID:       run.RunID,
		WorkflowID:  run.WorkflowID,
		Event:       event,
		Status:      string(run.Status),
		Attempt:     run.Attempt,
		LastStep:    run.LastStep,
		Output:      run.Output,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if run.Error != nil {
		if m.Error, err = json.Marshal(run.Error); err != nil {
			return nil, fmt.Errorf("failed to marshal run error: %w", err)
		}
	}
	return m, nil
}

func fromRunModel(m *runModel) (*stepflow.Run, error) {
	run := &stepflow.Run{
		RunID:       m.RunID,
		WorkflowID:  m.WorkflowID,
		Status:      stepflow.RunStatus(m.Status),
		Attempt:     m.Attempt,
		LastStep:    m.LastStep,
		Output:      m.Output,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := json.Unmarshal(m.Event, &run.Event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run event: %w", err)
	}
	if len(m.Error) > 0 {
		run.Error = &stepflow.WorkflowError{}
		if err := json.Unmarshal(m.Error, run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run error: %w", err)
		}
	}
	return run, nil
}

func toStepModel(rec *stepflow.StepRecord) (*stepModel, error) {
	m := &stepModel{
		RunID:       rec.RunID,
		Name:        rec.Name,
		Index:       rec.Index,
		Kind:        string(rec.Kind),
		Status:      string(rec.Status),
		Attempts:    rec.Attempts,
		Result:      rec.Result,
		WakeAt:      rec.WakeAt,
		DurationMs:  rec.DurationMs,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	var err error
	if rec.Error != nil {
		if m.Error, err = json.Marshal(rec.Error); err != nil {
			return nil, fmt.Errorf("failed to marshal step error: %w", err)
		}
	}
	if rec.Telemetry != nil {
		if m.Telemetry, err = json.Marshal(rec.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to marshal step telemetry: %w", err)
		}
	}
	return m, nil
}

func fromStepModel(m *stepModel) (*stepflow.StepRecord, error) {
	rec := &stepflow.StepRecord{
		RunID:       m.RunID,
		Name:        m.Name,
		Index:       m.Index,
		Kind:        stepflow.StepKind(m.Kind),
		Status:      stepflow.StepStatus(m.Status),
		Attempts:    m.Attempts,
		Result:      m.Result,
		WakeAt:      m.WakeAt,
		DurationMs:  m.DurationMs,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
	if len(m.Error) > 0 {
		rec.Error = &stepflow.StepError{}
		if err := json.Unmarshal(m.Error, rec.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step error: %w", err)
		}
	}
	if len(m.Telemetry) > 0 {
		rec.Telemetry = &stepflow.TelemetryEntry{}
		if err := json.Unmarshal(m.Telemetry, rec.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step telemetry: %w", err)
		}
	}
	return rec, nil
}

// jsonb passes JSON to lib/pq as text; []byte would be sent as bytea
func jsonb(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
