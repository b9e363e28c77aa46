package stepflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToPtr returns a pointer to the given value.
func ToPtr[T any](v T) *T {
	return &v
}

// CalculateBackoff calculates the delay before the retry that follows the
// given failed attempt (1-based). It supports three strategies:
//   - EXPONENTIAL: baseDelay * 2^(attempt-1)
//   - LINEAR: baseDelay * attempt
//   - NONE: no backoff delay
//
// The result never exceeds maxDelay and never decreases as attempt grows.
func CalculateBackoff(baseDelay, maxDelay time.Duration, attempt int, strategy BackoffStrategy) time.Duration {
	if attempt <= 0 {
		return 0
	}

	var delay time.Duration
	switch strategy {
	case BackoffNone:
		return 0
	case BackoffLinear:
		delay = baseDelay
		for i := 1; i < attempt && (maxDelay <= 0 || delay < maxDelay); i++ {
			delay += baseDelay
		}
	default:
		// Doubling stops at the cap so large attempt numbers cannot overflow
		delay = baseDelay
		for i := 1; i < attempt && (maxDelay <= 0 || delay < maxDelay); i++ {
			delay *= 2
		}
	}

	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// DecodeEventData deserializes the triggering event payload of a run
func DecodeEventData[T any](evt *Event) (T, error) {
	var zero T
	if len(evt.Data) == 0 {
		return zero, fmt.Errorf("event %s has no data", evt.ID)
	}

	var result T
	if err := json.Unmarshal(evt.Data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	return result, nil
}
