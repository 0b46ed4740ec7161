package plan

import (
	"errors"
	"fmt"
	"strings"
)

// Claim lifecycle sentinels.
var (
	// ErrTaskNotFound indicates the task id does not exist in the plan.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotAvailable indicates a claim was attempted on a task that is
	// not available (wrong status or unmet dependencies).
	ErrTaskNotAvailable = errors.New("task not available")

	// ErrTaskAlreadyClaimed indicates the task is bound to another agent.
	ErrTaskAlreadyClaimed = errors.New("task already claimed")

	// ErrPersonaNotFound indicates no persona declares the requested role.
	ErrPersonaNotFound = errors.New("persona not found")
)

// ParseError indicates the plan file could not be parsed. Fatal at startup.
type ParseError struct {
	File string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("plan parse error in %s:%d: %v", e.File, e.Line, e.Err)
	}
	return fmt.Sprintf("plan parse error in %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError indicates the plan parsed but violates structural rules.
// Errors are fatal at startup; warnings are reported but not fatal.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.Errors, "; "))
}
