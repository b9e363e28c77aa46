package stepflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Context is handed to the workflow program on every advance. Its step
// methods are the only way the program performs durable work.
type Context struct {
	context.Context

	// Execution metadata
	RunID      string
	WorkflowID string
	Attempt    int // Run-level attempt, 0 for the first execution

	// Triggering event
	Event Event

	// Logger (enriched with run context)
	Logger zerolog.Logger

	steps StepResolver
}

// NewContext builds a program context. It is used by the engine and by
// tests that drive a handler with their own resolver.
func NewContext(ctx context.Context, run *Run, logger zerolog.Logger, steps StepResolver) *Context {
	return &Context{
		Context:    ctx,
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		Attempt:    run.Attempt,
		Event:      run.Event,
		Logger:     logger,
		steps:      steps,
	}
}

// Run executes fn at most once to completion across all replays of the
// run and returns its JSON-encoded result.
func (c *Context) Run(name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	return c.steps.Resolve(c, StepDescriptor{
		Kind: StepKindRun,
		Name: name,
		Fn:   fn,
	})
}

// Sleep durably pauses the run for d. The run holds no executor while
// sleeping and resumes after the wake time.
func (c *Context) Sleep(name string, d time.Duration) error {
	_, err := c.steps.Resolve(c, StepDescriptor{
		Kind:     StepKindSleep,
		Name:     name,
		Duration: d,
	})
	return err
}

// AIWrap runs invoke like Run and additionally records params, the raw
// result and timing as a telemetry entry on the step.
func (c *Context) AIWrap(name string, invoke func(ctx context.Context, params any) (any, error), params any) (json.RawMessage, error) {
	return c.steps.Resolve(c, StepDescriptor{
		Kind:   StepKindAIWrap,
		Name:   name,
		Params: params,
		Fn: func(ctx context.Context) (any, error) {
			return invoke(ctx, params)
		},
	})
}

// Data decodes the triggering event payload into target
func (c *Context) Data(target any) error {
	if len(c.Event.Data) == 0 {
		return nil
	}
	return json.Unmarshal(c.Event.Data, target)
}
