package stepflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StepDescriptor is what a program hands to the engine for each step.
// Kind selects which of the remaining fields apply.
type StepDescriptor struct {
	Kind StepKind
	Name string

	// RUN and AI_WRAP
	Fn func(ctx context.Context) (any, error)

	// AI_WRAP
	Params any

	// SLEEP
	Duration time.Duration
}

// StepResolver turns step descriptors into results, either from the
// ledger or by executing them. Once the resolver suspends the run every
// later call returns an error matching ErrSuspended.
type StepResolver interface {
	Resolve(ctx context.Context, desc StepDescriptor) (json.RawMessage, error)
}

// RunStep is the typed form of Context.Run. The result is decoded from its
// stored JSON form on first execution and on replay alike.
func RunStep[T any](ctx *Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	raw, err := ctx.Run(name, func(c context.Context) (any, error) {
		return fn(c)
	})
	if err != nil {
		return zero, err
	}
	return decodeStepResult[T](name, raw)
}

// AIWrap is the typed form of Context.AIWrap
func AIWrap[P, R any](ctx *Context, name string, invoke func(ctx context.Context, params P) (R, error), params P) (R, error) {
	var zero R
	raw, err := ctx.AIWrap(name, func(c context.Context, p any) (any, error) {
		return invoke(c, p.(P))
	}, params)
	if err != nil {
		return zero, err
	}
	return decodeStepResult[R](name, raw)
}

func decodeStepResult[T any](name string, raw json.RawMessage) (T, error) {
	var result T
	if len(raw) == 0 || string(raw) == "null" {
		return result, nil
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("failed to decode result of step %s: %w", name, err)
	}
	return result, nil
}

// ModelRequest is a single model invocation
type ModelRequest struct {
	Model        string         `json:"model"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Prompt       string         `json:"prompt"`
	Options      map[string]any `json:"options,omitempty"`
}

// ModelUsage reports token accounting for one invocation
type ModelUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// ModelResponse is the normalized result of a model invocation
type ModelResponse struct {
	Model string          `json:"model"`
	Text  string          `json:"text"`
	Usage ModelUsage      `json:"usage"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// ModelClient invokes a generative model
type ModelClient interface {
	Invoke(ctx context.Context, req ModelRequest) (*ModelResponse, error)
}

// InvokeModel runs req against client as an AIWrap step
func InvokeModel(ctx *Context, name string, client ModelClient, req ModelRequest) (*ModelResponse, error) {
	return AIWrap(ctx, name, func(c context.Context, r ModelRequest) (*ModelResponse, error) {
		return client.Invoke(c, r)
	}, req)
}
