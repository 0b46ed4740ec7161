// Package lifecycle runs one supervision loop per agent: capture context,
// spawn a fresh process, wait for the agent to declare a breakpoint, then
// dispatch. Nothing process-internal survives between spawns; context flows
// through snapshots and the communications document only.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/zjrosen/orchestrate/internal/commbus"
)

// AgentInstance is the controller-side identity of one agent. The
// orchestrator owns it; a loop borrows it for its lifetime.
type AgentInstance struct {
	AgentID string
	Role    string

	mu     sync.Mutex
	taskID string
	branch string
	state  commbus.LifecycleState
}

// NewAgentInstance creates an instance assigned to its first task.
func NewAgentInstance(agentID, role, taskID, branch string) *AgentInstance {
	return &AgentInstance{
		AgentID: agentID,
		Role:    role,
		taskID:  taskID,
		branch:  branch,
		state:   commbus.StateIdle,
	}
}

// TaskID returns the current task.
func (a *AgentInstance) TaskID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskID
}

// Branch returns the current work branch.
func (a *AgentInstance) Branch() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.branch
}

// State returns the instance's lifecycle state.
func (a *AgentInstance) State() commbus.LifecycleState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState updates the lifecycle state.
func (a *AgentInstance) SetState(s commbus.LifecycleState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// Reassign moves the instance to a new task and branch.
func (a *AgentInstance) Reassign(taskID, branch string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskID = taskID
	a.branch = branch
}

// ResultType classifies how a loop ended.
type ResultType string

const (
	ResultTaskComplete ResultType = "task_complete"
	ResultPRCreated    ResultType = "pr_created"
	ResultMaxRetries   ResultType = "max_retries"
	ResultError        ResultType = "error"
	ResultShutdown     ResultType = "shutdown"
)

// LoopResult is the terminal outcome of one agent loop.
type LoopResult struct {
	Type       ResultType
	AgentID    string
	TaskID     string
	RetryCount int
	SpawnCount int
	PRURL      string
	Merged     bool
	Err        error
}

// LifecycleError reports a loop-internal invariant violation. It terminates
// only the one agent.
type LifecycleError struct {
	AgentID string
	State   string
	Err     error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("lifecycle %s (state %s): %v", e.AgentID, e.State, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// AgentSpawnError reports a failed process spawn. The role may be
// re-attempted on a later cycle.
type AgentSpawnError struct {
	AgentID string
	TaskID  string
	Err     error
}

func (e *AgentSpawnError) Error() string {
	return fmt.Sprintf("spawn %s (task %s): %v", e.AgentID, e.TaskID, e.Err)
}

func (e *AgentSpawnError) Unwrap() error { return e.Err }
