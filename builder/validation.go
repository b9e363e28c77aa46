package builder

import (
	"fmt"

	"github.com/sicko7947/stepflow"
)

// ValidateWorkflow checks what stepflow.NewWorkflow does not: that the
// retry bounds are coherent and the trigger pattern is well formed
func ValidateWorkflow(w *stepflow.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if err := ValidateRetryPolicy(w.RetryPolicy()); err != nil {
		return &stepflow.DefinitionError{WorkflowID: w.ID(), Reason: err.Error()}
	}
	if err := ValidateRetryPolicy(w.RunRetryPolicy()); err != nil {
		return &stepflow.DefinitionError{WorkflowID: w.ID(), Reason: "run retry: " + err.Error()}
	}
	if t := w.Trigger(); t != nil {
		if err := ValidatePattern(t.Event); err != nil {
			return &stepflow.DefinitionError{WorkflowID: w.ID(), Reason: err.Error()}
		}
	}
	return nil
}

// ValidateRetryPolicy ensures the policy can actually be applied
func ValidateRetryPolicy(p stepflow.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case stepflow.BackoffLinear, stepflow.BackoffExponential, stepflow.BackoffNone:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Backoff)
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	}
	return nil
}

// ValidatePattern rejects patterns whose wildcard is not a whole segment
func ValidatePattern(pattern string) error {
	for i, r := range pattern {
		if r != '*' {
			continue
		}
		if i > 0 && pattern[i-1] != '/' {
			return fmt.Errorf("wildcard in %q must be a whole segment", pattern)
		}
		if i < len(pattern)-1 && pattern[i+1] != '/' {
			return fmt.Errorf("wildcard in %q must be a whole segment", pattern)
		}
	}
	return nil
}
