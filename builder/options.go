package builder

import (
	"time"

	"github.com/sicko7947/stepflow"
)

// ModelCallOptions suits workflows whose steps call remote models: a
// bounded attempt time and slow, capped backoff for rate-limited APIs.
func ModelCallOptions(timeout time.Duration) []stepflow.WorkflowOption {
	return []stepflow.WorkflowOption{
		stepflow.WithStepTimeout(timeout),
		stepflow.WithBackoff(stepflow.BackoffExponential),
		stepflow.WithRetryDelay(2 * time.Second),
		stepflow.WithMaxRetryDelay(30 * time.Second),
	}
}

// ApplyOptions applies a list of options to a builder
func ApplyOptions(b *WorkflowBuilder, opts ...stepflow.WorkflowOption) *WorkflowBuilder {
	return b.With(opts...)
}
