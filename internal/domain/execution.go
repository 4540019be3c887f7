package domain

import "time"

// ExecutionRequest is one code payload submitted to a session's kernel.
// Setup and Cleanup are optional stages run before and after Code on the
// same kernel; Cleanup is best-effort.
type ExecutionRequest struct {
	Code    string
	Setup   string
	Cleanup string
	Timeout time.Duration
}

// ExecutionResult is the outcome of a completed protocol exchange. Error is
// non-nil when the submitted code failed on the kernel; transport-level
// failures are returned as errors by the channel instead, so a result always
// carries whatever output was captured before the outcome.
type ExecutionResult struct {
	Success   bool
	Value     string
	Stdout    string
	Stderr    string
	Error     *ClassifiedError
	ErrorName string
	Traceback []string
	Duration  time.Duration
	Attempts  int
}
