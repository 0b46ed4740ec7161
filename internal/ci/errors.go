package ci

import (
	"fmt"
	"time"
)

// TimeoutError reports an expired wait. The run or PR stays queued, so
// callers may retry the wait.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ci %s timed out after %s", e.Op, e.Timeout)
}

// CIError wraps any provider-level failure.
type CIError struct {
	Provider string
	Op       string
	Err      error
}

func (e *CIError) Error() string {
	return fmt.Sprintf("ci %s/%s: %v", e.Provider, e.Op, e.Err)
}

func (e *CIError) Unwrap() error { return e.Err }
