package stepflow

import (
	"strings"
	"time"
)

// Handler is the workflow program. It is re-entered from the top on every
// advance and must call its steps in a deterministic order.
type Handler func(ctx *Context) (any, error)

// Workflow is an immutable workflow definition: trigger, retry policy and program
type Workflow struct {
	id          string
	name        string
	description string

	trigger *Trigger
	handler Handler

	retry       RetryPolicy
	runRetry    *RetryPolicy
	stepTimeout time.Duration

	createdAt time.Time
}

// NewWorkflow creates a workflow definition. It returns a DefinitionError
// when the definition is unusable.
func NewWorkflow(id, name string, handler Handler, opts ...WorkflowOption) (*Workflow, error) {
	w := &Workflow{
		id:        id,
		name:      name,
		handler:   handler,
		retry:     DefaultRetryPolicy,
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	w.retry = w.retry.WithDefaults()
	if w.runRetry != nil {
		p := w.runRetry.WithDefaults()
		w.runRetry = &p
	}
	return w, nil
}

// MustNewWorkflow is like NewWorkflow but panics on error
func MustNewWorkflow(id, name string, handler Handler, opts ...WorkflowOption) *Workflow {
	w, err := NewWorkflow(id, name, handler, opts...)
	if err != nil {
		panic(err)
	}
	return w
}

// Validate checks the definition for structural problems
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.id) == "" {
		return &DefinitionError{Reason: "workflow ID is required"}
	}
	if w.handler == nil {
		return &DefinitionError{WorkflowID: w.id, Reason: "handler is required"}
	}
	if w.retry.MaxAttempts < 0 {
		return &DefinitionError{WorkflowID: w.id, Reason: "max attempts cannot be negative"}
	}
	if w.stepTimeout < 0 {
		return &DefinitionError{WorkflowID: w.id, Reason: "step timeout cannot be negative"}
	}
	if w.trigger != nil {
		if err := w.trigger.compile(); err != nil {
			return &DefinitionError{WorkflowID: w.id, Reason: err.Error()}
		}
	}
	return nil
}

// ID returns the workflow ID
func (w *Workflow) ID() string {
	return w.id
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	if w.name == "" {
		return w.id
	}
	return w.name
}

// Description returns the workflow description
func (w *Workflow) Description() string {
	return w.description
}

// Trigger returns the event trigger, or nil for workflows started only explicitly
func (w *Workflow) Trigger() *Trigger {
	return w.trigger
}

// Handler returns the workflow program
func (w *Workflow) Handler() Handler {
	return w.handler
}

// RetryPolicy returns the per-step retry policy
func (w *Workflow) RetryPolicy() RetryPolicy {
	return w.retry
}

// RunRetryPolicy returns the run-level restart policy
func (w *Workflow) RunRetryPolicy() RetryPolicy {
	if w.runRetry != nil {
		return *w.runRetry
	}
	return w.retry
}

// StepTimeout returns the per-attempt timeout, zero meaning none
func (w *Workflow) StepTimeout() time.Duration {
	return w.stepTimeout
}

// CreatedAt returns when the definition was built
func (w *Workflow) CreatedAt() time.Time {
	return w.createdAt
}
