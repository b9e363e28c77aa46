package builder

import (
	"fmt"
	"time"

	"github.com/sicko7947/stepflow"
)

// WorkflowBuilder provides a fluent API for building workflows
type WorkflowBuilder struct {
	id        string
	name      string
	pattern   string
	predicate string
	handler   stepflow.Handler
	opts      []stepflow.WorkflowOption
}

// NewWorkflow creates a new workflow builder
func NewWorkflow(id, name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		id:   id,
		name: name,
	}
}

// WithDescription sets the workflow description
func (b *WorkflowBuilder) WithDescription(description string) *WorkflowBuilder {
	b.opts = append(b.opts, stepflow.WithDescription(description))
	return b
}

// On sets the event name pattern that triggers the workflow
func (b *WorkflowBuilder) On(pattern string) *WorkflowBuilder {
	b.pattern = pattern
	return b
}

// If narrows the trigger with a predicate over the event, e.g.
//
//	builder.NewWorkflow("vip", "VIP signup").
//	    On("user/signup").
//	    If(`event.data.plan == "enterprise"`)
func (b *WorkflowBuilder) If(predicate string) *WorkflowBuilder {
	b.predicate = predicate
	return b
}

// WithRetries sets the per-step attempt ceiling
func (b *WorkflowBuilder) WithRetries(max int) *WorkflowBuilder {
	b.opts = append(b.opts, stepflow.WithRetries(max))
	return b
}

// WithBackoff sets the retry backoff strategy and delay bounds
func (b *WorkflowBuilder) WithBackoff(strategy stepflow.BackoffStrategy, base, max time.Duration) *WorkflowBuilder {
	b.opts = append(b.opts,
		stepflow.WithBackoff(strategy),
		stepflow.WithRetryDelay(base),
		stepflow.WithMaxRetryDelay(max),
	)
	return b
}

// WithRunRetries sets the run-level restart policy
func (b *WorkflowBuilder) WithRunRetries(policy stepflow.RetryPolicy) *WorkflowBuilder {
	b.opts = append(b.opts, stepflow.WithRunRetryPolicy(policy))
	return b
}

// WithStepTimeout bounds every step attempt
func (b *WorkflowBuilder) WithStepTimeout(d time.Duration) *WorkflowBuilder {
	b.opts = append(b.opts, stepflow.WithStepTimeout(d))
	return b
}

// With applies arbitrary workflow options
func (b *WorkflowBuilder) With(opts ...stepflow.WorkflowOption) *WorkflowBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Handler sets the workflow program
func (b *WorkflowBuilder) Handler(h stepflow.Handler) *WorkflowBuilder {
	b.handler = h
	return b
}

// Build finalizes and validates the workflow
func (b *WorkflowBuilder) Build() (*stepflow.Workflow, error) {
	opts := append([]stepflow.WorkflowOption(nil), b.opts...)

	if b.pattern != "" {
		trigger, err := stepflow.NewTrigger(b.pattern, b.predicate)
		if err != nil {
			return nil, &stepflow.DefinitionError{WorkflowID: b.id, Reason: err.Error()}
		}
		opts = append(opts, stepflow.WithTrigger(trigger))
	} else if b.predicate != "" {
		return nil, &stepflow.DefinitionError{WorkflowID: b.id, Reason: "trigger predicate set without an event pattern"}
	}

	wf, err := stepflow.NewWorkflow(b.id, b.name, b.handler, opts...)
	if err != nil {
		return nil, err
	}
	if err := ValidateWorkflow(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// MustBuild finalizes and validates the workflow, panics on error
func (b *WorkflowBuilder) MustBuild() *stepflow.Workflow {
	wf, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build workflow: %v", err))
	}
	return wf
}
