package stepflow

import (
	"encoding/json"
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// RunStatus represents the current state of a workflow run
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSleeping  RunStatus = "SLEEPING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// String returns the string representation
func (s RunStatus) String() string {
	return string(s)
}

// StepKind tags the variant of a step descriptor
type StepKind string

const (
	StepKindRun    StepKind = "RUN"
	StepKindSleep  StepKind = "SLEEP"
	StepKindAIWrap StepKind = "AI_WRAP"
)

// String returns the string representation
func (k StepKind) String() string {
	return string(k)
}

// StepStatus represents the current state of a step record
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
)

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// Event is a named occurrence published to the bus
type Event struct {
	ID        string          `json:"id" dynamodbav:"id"`
	Name      string          `json:"name" dynamodbav:"name"`
	Data      json.RawMessage `json:"data,omitempty" dynamodbav:"data,omitempty"`
	Timestamp time.Time       `json:"ts" dynamodbav:"ts"`
}

// NewEventID returns a K-sortable event identifier prefixed with "evt".
func NewEventID() string {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewEvent builds an event, serializing data to JSON. Raw JSON ([]byte or
// json.RawMessage) is used as-is; nil becomes an empty object.
func NewEvent(name string, data any) (*Event, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize event data: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("event %s data is not valid JSON", name)
	}

	return &Event{
		ID:        NewEventID(),
		Name:      name,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Run is one execution of a workflow for one triggering event
type Run struct {
	// Identity
	RunID      string `json:"runId" dynamodbav:"run_id"`
	WorkflowID string `json:"workflowId" dynamodbav:"workflow_id"`

	// Trigger
	Event Event `json:"event" dynamodbav:"event"`

	// Status
	Status   RunStatus `json:"status" dynamodbav:"status"`
	Attempt  int       `json:"attempt" dynamodbav:"attempt"` // Run-level restarts after infrastructure failure
	LastStep string    `json:"lastStep,omitempty" dynamodbav:"last_step,omitempty"`

	// Timing
	CreatedAt   time.Time  `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
	StartedAt   *time.Time `json:"startedAt,omitempty" dynamodbav:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`

	// Result
	Output json.RawMessage `json:"output,omitempty" dynamodbav:"output,omitempty"`
	Error  *WorkflowError  `json:"error,omitempty" dynamodbav:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with r
func (r *Run) Clone() *Run {
	c := *r
	c.Event.Data = cloneBytes(r.Event.Data)
	c.Output = cloneBytes(r.Output)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// StepRecord is the durable record of one step, keyed by (RunID, Name)
type StepRecord struct {
	// Identity
	RunID string   `json:"runId" dynamodbav:"run_id"`
	Name  string   `json:"name" dynamodbav:"name"`
	Index int      `json:"index" dynamodbav:"index"` // Program-order position
	Kind  StepKind `json:"kind" dynamodbav:"kind"`

	// Status
	Status   StepStatus `json:"status" dynamodbav:"status"`
	Attempts int        `json:"attempts" dynamodbav:"attempts"`

	// Result or error
	Result json.RawMessage `json:"result,omitempty" dynamodbav:"result,omitempty"`
	Error  *StepError      `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Sleep steps only
	WakeAt *time.Time `json:"wakeAt,omitempty" dynamodbav:"wake_at,omitempty"`

	// AIWrap steps only
	Telemetry *TelemetryEntry `json:"telemetry,omitempty" dynamodbav:"telemetry,omitempty"`

	// Timing
	DurationMs  int64      `json:"durationMs" dynamodbav:"duration_ms"`
	CreatedAt   time.Time  `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" dynamodbav:"updated_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" dynamodbav:"completed_at,omitempty"`
}

// IsCompleted reports whether replay may return the stored result
func (s *StepRecord) IsCompleted() bool {
	return s.Status == StepStatusCompleted
}

// Clone returns a copy that shares no mutable state with s
func (s *StepRecord) Clone() *StepRecord {
	c := *s
	c.Result = cloneBytes(s.Result)
	c.WakeAt = cloneTime(s.WakeAt)
	c.CompletedAt = cloneTime(s.CompletedAt)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.Telemetry != nil {
		t := *s.Telemetry
		t.Params = cloneBytes(s.Telemetry.Params)
		t.Result = cloneBytes(s.Telemetry.Result)
		t.Usage = cloneBytes(s.Telemetry.Usage)
		c.Telemetry = &t
	}
	return &c
}

// TelemetryEntry captures the request, response and timing of an AIWrap step
type TelemetryEntry struct {
	Params     json.RawMessage `json:"params,omitempty" dynamodbav:"params,omitempty"`
	Result     json.RawMessage `json:"result,omitempty" dynamodbav:"result,omitempty"`
	Text       string          `json:"text,omitempty" dynamodbav:"text,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty" dynamodbav:"usage,omitempty"`
	Error      string          `json:"error,omitempty" dynamodbav:"error,omitempty"`
	StartedAt  time.Time       `json:"startedAt" dynamodbav:"started_at"`
	DurationMs int64           `json:"durationMs" dynamodbav:"duration_ms"`
}

// RunSummary is the read-only view returned to run query callers
type RunSummary struct {
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	Status     RunStatus      `json:"status"`
	LastStep   string         `json:"lastStep,omitempty"`
	Error      *WorkflowError `json:"error,omitempty"`
}

// Summary projects the run into a RunSummary
func (r *Run) Summary() *RunSummary {
	return &RunSummary{
		RunID:      r.RunID,
		WorkflowID: r.WorkflowID,
		Status:     r.Status,
		LastStep:   r.LastStep,
		Error:      r.Error,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
