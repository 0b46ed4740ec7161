package gitops

import (
	"errors"
	"fmt"
)

// ErrNotGitRepo indicates the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// BranchError wraps a failed git operation on a branch. Recoverable per-call.
type BranchError struct {
	Branch string
	Op     string
	Err    error
}

func (e *BranchError) Error() string {
	if e.Branch != "" {
		return fmt.Sprintf("git %s (branch %s): %v", e.Op, e.Branch, e.Err)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *BranchError) Unwrap() error { return e.Err }

// WorkspaceError wraps a file system failure on an agent sandbox.
// Recoverable per-call.
type WorkspaceError struct {
	AgentID string
	Path    string
	Err     error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s (agent %s): %v", e.Path, e.AgentID, e.Err)
}

func (e *WorkspaceError) Unwrap() error { return e.Err }
