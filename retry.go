package stepflow

import (
	"errors"
	"time"
)

// RetryDecision is the outcome of consulting a RetryPolicy after a failure
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// Decide reports whether another attempt should follow the failed attempt
// number attempt (1-based) and how long to wait before it. Non-retriable
// errors stop immediately.
func (p RetryPolicy) Decide(attempt int, err error) RetryDecision {
	p = p.WithDefaults()

	if err == nil || IsNonRetriable(err) || errors.Is(err, ErrRunTerminal) {
		return RetryDecision{}
	}
	if attempt >= p.MaxAttempts {
		return RetryDecision{}
	}

	return RetryDecision{
		Retry: true,
		Delay: CalculateBackoff(p.BaseDelay, p.MaxDelay, attempt, p.Backoff),
	}
}
