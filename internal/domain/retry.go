package domain

import "time"

// RetryPolicy decides whether a classified failure should be retried and how
// long to wait first. It is pure: callers own the sleep so cancellation via
// context keeps working.
type RetryPolicy struct {
	BaseDelay            time.Duration
	MaxTransientAttempts int
	MaxResourceAttempts  int
	TransientCap         time.Duration
	ResourceCap          time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:            time.Second,
		MaxTransientAttempts: 4,
		MaxResourceAttempts:  2,
		TransientCap:         30 * time.Second,
		ResourceCap:          10 * time.Second,
	}
}

// Decide returns the backoff delay before the next attempt, or retry=false
// when the error is non-retryable or the attempt ceiling is reached. attempt
// is 1-based: the count of attempts already made.
func (p RetryPolicy) Decide(err error, attempt int) (time.Duration, bool) {
	classified, ok := AsClassified(err)
	if !ok {
		return 0, false
	}

	switch classified.Category {
	case CategoryTransient:
		if attempt >= p.MaxTransientAttempts {
			return 0, false
		}
		return p.backoff(attempt, p.TransientCap), true
	case CategoryResource:
		if attempt >= p.MaxResourceAttempts {
			return 0, false
		}
		return p.backoff(attempt, p.ResourceCap), true
	default:
		return 0, false
	}
}

// backoff computes base * 2^(attempt-1) capped at max.
func (p RetryPolicy) backoff(attempt int, max time.Duration) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
