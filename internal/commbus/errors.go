package commbus

import "fmt"

// CommunicationError wraps any I/O or semantic failure of a bus operation.
// Recoverable per-call except when Fatal is set (malformed document).
type CommunicationError struct {
	AgentID string
	Op      string
	Fatal   bool
	Err     error
}

func (e *CommunicationError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("comm %s (agent %s): %v", e.Op, e.AgentID, e.Err)
	}
	return fmt.Sprintf("comm %s: %v", e.Op, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

func commErr(op, agentID string, err error) error {
	return &CommunicationError{AgentID: agentID, Op: op, Err: err}
}
