package stepflow

import "time"

// BackoffStrategy defines retry backoff behavior
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "LINEAR"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
	BackoffNone        BackoffStrategy = "NONE"
)

// RetryPolicy bounds how often a failing unit of work is re-attempted.
// MaxAttempts counts the first attempt, so 1 means no retries.
type RetryPolicy struct {
	MaxAttempts int             `json:"maxAttempts" yaml:"max_attempts"`
	BaseDelay   time.Duration   `json:"baseDelay" yaml:"base_delay"`
	MaxDelay    time.Duration   `json:"maxDelay" yaml:"max_delay"`
	Backoff     BackoffStrategy `json:"backoff" yaml:"backoff"`
}

// DefaultRetryPolicy provides sensible defaults
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
	Backoff:     BackoffExponential,
}

// WithDefaults fills zero fields from DefaultRetryPolicy
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	if p.BaseDelay <= 0 && p.Backoff != BackoffNone {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// WorkflowOption allows functional configuration of workflows
type WorkflowOption func(*Workflow)

// WithDescription sets a human readable description
func WithDescription(desc string) WorkflowOption {
	return func(w *Workflow) {
		w.description = desc
	}
}

// WithRetries sets the per-step attempt ceiling
func WithRetries(max int) WorkflowOption {
	return func(w *Workflow) {
		w.retry.MaxAttempts = max
	}
}

// WithBackoff sets the retry backoff strategy
func WithBackoff(strategy BackoffStrategy) WorkflowOption {
	return func(w *Workflow) {
		w.retry.Backoff = strategy
	}
}

// WithRetryDelay sets the base retry delay
func WithRetryDelay(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.retry.BaseDelay = d
	}
}

// WithMaxRetryDelay caps the retry delay
func WithMaxRetryDelay(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.retry.MaxDelay = d
	}
}

// WithRetryPolicy replaces the per-step retry policy
func WithRetryPolicy(p RetryPolicy) WorkflowOption {
	return func(w *Workflow) {
		w.retry = p
	}
}

// WithRunRetryPolicy sets the run-level restart policy. When unset the
// step policy is used.
func WithRunRetryPolicy(p RetryPolicy) WorkflowOption {
	return func(w *Workflow) {
		w.runRetry = &p
	}
}

// WithStepTimeout bounds each step attempt
func WithStepTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.stepTimeout = d
	}
}

// WithTrigger sets the event trigger
func WithTrigger(t *Trigger) WorkflowOption {
	return func(w *Workflow) {
		w.trigger = t
	}
}

// StartOption allows functional configuration of run creation
type StartOption func(*StartOptions)

// StartOptions holds options for starting a run
type StartOptions struct {
	RunID       string
	Synchronous bool
}

// WithRunID sets an explicit run ID instead of a generated one
func WithRunID(id string) StartOption {
	return func(opts *StartOptions) {
		opts.RunID = id
	}
}

// WithSynchronous drives the run on the caller's goroutine
func WithSynchronous() StartOption {
	return func(opts *StartOptions) {
		opts.Synchronous = true
	}
}
