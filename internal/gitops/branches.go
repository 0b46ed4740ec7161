package gitops

import (
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/orchestrate/internal/log"
)

// defaultRemote is where agent branches are fetched from and pushed to.
const defaultRemote = "origin"

// BranchRecord describes an agent branch the manager created.
type BranchRecord struct {
	Name       string    `json:"name"`
	AgentID    string    `json:"agentId"`
	TaskID     string    `json:"taskId"`
	BaseBranch string    `json:"baseBranch"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AgentBranchName returns the branch name for an agent working a task.
func AgentBranchName(agentID, taskID string) string {
	return fmt.Sprintf("agent/%s/%s", agentID, taskID)
}

// BranchManager creates and tracks per-agent work branches off the
// integration branch.
type BranchManager struct {
	git        GitExecutor
	baseBranch string

	mu      sync.Mutex
	records map[string]BranchRecord
}

// NewBranchManager creates a manager cutting branches from baseBranch.
func NewBranchManager(git GitExecutor, baseBranch string) *BranchManager {
	return &BranchManager{
		git:        git,
		baseBranch: baseBranch,
		records:    make(map[string]BranchRecord),
	}
}

// CreateAgentBranch creates agent/<agentId>/<taskId> from the freshest base
// available: origin/<base> when the remote has it, the local base otherwise.
// Idempotent when the branch already exists.
func (m *BranchManager) CreateAgentBranch(agentID, taskID string) (BranchRecord, error) {
	name := AgentBranchName(agentID, taskID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[agentID]; ok && rec.Name == name {
		return rec, nil
	}

	if !m.git.BranchExists(name) {
		if err := m.git.Fetch(defaultRemote); err != nil {
			log.Warn(log.CatGit, "fetch before branch creation failed", "remote", defaultRemote, "error", err)
		}

		startPoint := m.baseBranch
		if m.git.RemoteBranchExists(defaultRemote, m.baseBranch) {
			startPoint = defaultRemote + "/" + m.baseBranch
		} else if !m.git.BranchExists(m.baseBranch) {
			return BranchRecord{}, &BranchError{Branch: name, Op: "create", Err: fmt.Errorf("base branch %q not found", m.baseBranch)}
		}

		if err := m.git.CreateBranch(name, startPoint); err != nil {
			return BranchRecord{}, &BranchError{Branch: name, Op: "create", Err: err}
		}
	}

	rec := BranchRecord{
		Name:       name,
		AgentID:    agentID,
		TaskID:     taskID,
		BaseBranch: m.baseBranch,
		CreatedAt:  time.Now().UTC(),
	}
	m.records[agentID] = rec
	return rec, nil
}

// CheckoutBranch switches the working tree to the agent's branch.
func (m *BranchManager) CheckoutBranch(agentID string) error {
	rec, err := m.record(agentID)
	if err != nil {
		return err
	}
	if err := m.git.Checkout(rec.Name); err != nil {
		return &BranchError{Branch: rec.Name, Op: "checkout", Err: err}
	}
	return nil
}

// MergeBranch merges the agent's branch into target. An empty target merges
// into the base branch the manager was created with.
func (m *BranchManager) MergeBranch(agentID, target string) error {
	rec, err := m.record(agentID)
	if err != nil {
		return err
	}
	if target == "" {
		target = m.baseBranch
	}

	if err := m.git.Checkout(target); err != nil {
		return &BranchError{Branch: target, Op: "checkout", Err: err}
	}
	msg := fmt.Sprintf("Merge %s into %s", rec.Name, target)
	if err := m.git.Merge(rec.Name, msg); err != nil {
		return &BranchError{Branch: rec.Name, Op: "merge", Err: err}
	}
	return nil
}

// DeleteBranch removes the agent's branch and forgets its record.
func (m *BranchManager) DeleteBranch(agentID string, force bool) error {
	rec, err := m.record(agentID)
	if err != nil {
		return err
	}
	if err := m.git.DeleteBranch(rec.Name, force); err != nil {
		return &BranchError{Branch: rec.Name, Op: "delete", Err: err}
	}
	m.mu.Lock()
	delete(m.records, agentID)
	m.mu.Unlock()
	return nil
}

// PushBranch publishes the agent's branch to the default remote.
func (m *BranchManager) PushBranch(agentID string) error {
	rec, err := m.record(agentID)
	if err != nil {
		return err
	}
	if err := m.git.Push(defaultRemote, rec.Name); err != nil {
		return &BranchError{Branch: rec.Name, Op: "push", Err: err}
	}
	return nil
}

// GetCommits returns the most recent one-line commits on branch.
func (m *BranchManager) GetCommits(branch string, limit int) ([]string, error) {
	commits, err := m.git.Log(branch, limit)
	if err != nil {
		return nil, &BranchError{Branch: branch, Op: "log", Err: err}
	}
	return commits, nil
}

// GetChangedFiles returns paths that differ between base and branch.
func (m *BranchManager) GetChangedFiles(branch, base string) ([]string, error) {
	if base == "" {
		base = m.baseBranch
	}
	files, err := m.git.ChangedFiles(base, branch)
	if err != nil {
		return nil, &BranchError{Branch: branch, Op: "diff", Err: err}
	}
	return files, nil
}

// Record returns the branch record for an agent, if one exists.
func (m *BranchManager) Record(agentID string) (BranchRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	return rec, ok
}

func (m *BranchManager) record(agentID string) (BranchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[agentID]
	if !ok {
		return BranchRecord{}, &BranchError{Op: "lookup", Err: fmt.Errorf("no branch recorded for agent %q", agentID)}
	}
	return rec, nil
}
