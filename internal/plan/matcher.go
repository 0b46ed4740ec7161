package plan

import (
	"fmt"
	"time"

	"github.com/zjrosen/orchestrate/internal/log"
)

// Matcher owns the task claim lifecycle. All status transitions go through
// it; the claim itself is a compare-and-swap on task status under the model
// mutex, so two loops racing for one task succeed for exactly one.
type Matcher struct {
	model *Model
}

// NewMatcher creates a Matcher over the model.
func NewMatcher(m *Model) *Matcher {
	return &Matcher{model: m}
}

// ClaimableTasks returns tasks that are available, require the role, and are
// not already being worked.
func (pm *Matcher) ClaimableTasks(role string) []Task {
	return pm.model.AvailableTasksForRole(role)
}

// ClaimTask transitions a task available → claimed, binding it to the agent
// and branch. Fails with ErrTaskNotAvailable if its status is not available
// or a dependency is incomplete, and ErrTaskAlreadyClaimed if another agent
// holds it.
func (pm *Matcher) ClaimTask(taskID, agentID, branch string) error {
	m := pm.model
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasksByID[taskID]
	if !ok {
		return fmt.Errorf("claim %s: %w", taskID, ErrTaskNotFound)
	}
	if t.AssignedAgent != "" && t.AssignedAgent != agentID {
		return fmt.Errorf("claim %s: held by %s: %w", taskID, t.AssignedAgent, ErrTaskAlreadyClaimed)
	}
	if !m.availableLocked(t, m.completedIDsLocked()) {
		return fmt.Errorf("claim %s (status %s): %w", taskID, t.Status, ErrTaskNotAvailable)
	}

	now := time.Now()
	t.Status = TaskClaimed
	t.AssignedAgent = agentID
	t.Branch = branch
	t.ClaimedAt = &now

	log.Info(log.CatPlan, "task claimed", "task", taskID, "agent", agentID, "branch", branch)
	return nil
}

// ReleaseTask returns a claimed task to available. Used when an agent is
// abandoned short of completion.
func (pm *Matcher) ReleaseTask(taskID string) error {
	m := pm.model
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasksByID[taskID]
	if !ok {
		return fmt.Errorf("release %s: %w", taskID, ErrTaskNotFound)
	}
	if t.Status == TaskComplete {
		return fmt.Errorf("release %s: already complete: %w", taskID, ErrTaskNotAvailable)
	}

	agent := t.AssignedAgent
	t.Status = TaskAvailable
	t.AssignedAgent = ""
	t.Branch = ""
	t.ClaimedAt = nil

	log.Info(log.CatPlan, "task released", "task", taskID, "agent", agent)
	return nil
}

// MarkInProgress records the agent actively working the task.
func (pm *Matcher) MarkInProgress(taskID string) error {
	return pm.transition(taskID, TaskInProgress, TaskClaimed, TaskBlocked)
}

// MarkBlocked records the task as blocked on unmet dependencies.
func (pm *Matcher) MarkBlocked(taskID string) error {
	return pm.transition(taskID, TaskBlocked, TaskClaimed, TaskInProgress)
}

// MarkPRPending records the task as awaiting a PR merge, with its PR URL.
func (pm *Matcher) MarkPRPending(taskID, prURL string) error {
	m := pm.model
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasksByID[taskID]
	if !ok {
		return fmt.Errorf("pr_pending %s: %w", taskID, ErrTaskNotFound)
	}
	t.Status = TaskPRPending
	t.PRURL = prURL
	return nil
}

// CompleteTask transitions claimed/in_progress/pr_pending → complete and
// stamps CompletedAt. Must be called exactly once per task; a second call
// fails.
func (pm *Matcher) CompleteTask(taskID string) error {
	m := pm.model
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasksByID[taskID]
	if !ok {
		return fmt.Errorf("complete %s: %w", taskID, ErrTaskNotFound)
	}
	switch t.Status {
	case TaskClaimed, TaskInProgress, TaskBlocked, TaskPRPending:
	default:
		return fmt.Errorf("complete %s (status %s): %w", taskID, t.Status, ErrTaskNotAvailable)
	}

	now := time.Now()
	t.Status = TaskComplete
	t.AssignedAgent = ""
	t.CompletedAt = &now

	log.Info(log.CatPlan, "task complete", "task", taskID)
	return nil
}

// Stats summarizes the current status distribution.
func (pm *Matcher) Stats() TaskStats {
	m := pm.model
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s TaskStats
	for _, t := range m.tasksByID {
		s.Total++
		switch t.Status {
		case TaskAvailable:
			s.Available++
		case TaskClaimed:
			s.Claimed++
		case TaskInProgress:
			s.InProgress++
		case TaskBlocked:
			s.Blocked++
		case TaskPRPending:
			s.PRPending++
		case TaskComplete:
			s.Complete++
		}
	}
	return s
}

func (pm *Matcher) transition(taskID string, to TaskStatus, from ...TaskStatus) error {
	m := pm.model
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasksByID[taskID]
	if !ok {
		return fmt.Errorf("%s %s: %w", to, taskID, ErrTaskNotFound)
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%s %s (status %s): %w", to, taskID, t.Status, ErrTaskNotAvailable)
}
