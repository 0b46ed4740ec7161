package gitops

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor records git calls and serves canned branch state.
type fakeExecutor struct {
	branches       map[string]bool
	remoteBranches map[string]bool
	current        string
	calls          []string
	failMerge      bool
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		branches:       map[string]bool{"integration": true, "main": true},
		remoteBranches: map[string]bool{},
		current:        "main",
	}
}

func (f *fakeExecutor) IsGitRepo() bool                { return true }
func (f *fakeExecutor) CurrentBranch() (string, error) { return f.current, nil }
func (f *fakeExecutor) BranchExists(name string) bool  { return f.branches[name] }
func (f *fakeExecutor) RemoteBranchExists(remote, name string) bool {
	return f.remoteBranches[remote+"/"+name]
}

func (f *fakeExecutor) Fetch(remote string) error {
	f.calls = append(f.calls, "fetch "+remote)
	return nil
}

func (f *fakeExecutor) CreateBranch(name, startPoint string) error {
	f.calls = append(f.calls, "branch "+name+" "+startPoint)
	f.branches[name] = true
	return nil
}

func (f *fakeExecutor) Checkout(name string) error {
	f.calls = append(f.calls, "checkout "+name)
	if !f.branches[name] {
		return errors.New("no such branch")
	}
	f.current = name
	return nil
}

func (f *fakeExecutor) Merge(branch, message string) error {
	f.calls = append(f.calls, "merge "+branch)
	if f.failMerge {
		return errors.New("merge conflict")
	}
	return nil
}

func (f *fakeExecutor) DeleteBranch(name string, force bool) error {
	f.calls = append(f.calls, "delete "+name)
	delete(f.branches, name)
	return nil
}

func (f *fakeExecutor) Push(remote, branch string) error {
	f.calls = append(f.calls, "push "+remote+" "+branch)
	return nil
}

func (f *fakeExecutor) Log(ref string, limit int) ([]string, error) {
	return []string{"abc1234 initial commit"}, nil
}

func (f *fakeExecutor) ChangedFiles(base, branch string) ([]string, error) {
	return []string{"main.go"}, nil
}

func (f *fakeExecutor) StatusPorcelain() ([]string, error) {
	return []string{" M main.go"}, nil
}

func TestAgentBranchName(t *testing.T) {
	assert.Equal(t, "agent/developer-1/T001", AgentBranchName("developer-1", "T001"))
}

func TestCreateAgentBranchFromLocalBase(t *testing.T) {
	fake := newFakeExecutor()
	m := NewBranchManager(fake, "integration")

	rec, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	assert.Equal(t, "agent/developer-1/T001", rec.Name)
	assert.Equal(t, "integration", rec.BaseBranch)
	assert.True(t, fake.branches["agent/developer-1/T001"])
	assert.Contains(t, fake.calls, "branch agent/developer-1/T001 integration")
}

func TestCreateAgentBranchPrefersRemoteBase(t *testing.T) {
	fake := newFakeExecutor()
	fake.remoteBranches["origin/integration"] = true
	m := NewBranchManager(fake, "integration")

	_, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	assert.Contains(t, fake.calls, "branch agent/developer-1/T001 origin/integration")
}

func TestCreateAgentBranchIdempotent(t *testing.T) {
	fake := newFakeExecutor()
	m := NewBranchManager(fake, "integration")

	first, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	second, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Only one branch command was issued.
	count := 0
	for _, c := range fake.calls {
		if c == "branch agent/developer-1/T001 integration" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCreateAgentBranchMissingBase(t *testing.T) {
	fake := newFakeExecutor()
	delete(fake.branches, "integration")
	m := NewBranchManager(fake, "integration")

	_, err := m.CreateAgentBranch("developer-1", "T001")
	var branchErr *BranchError
	require.ErrorAs(t, err, &branchErr)
	assert.Equal(t, "create", branchErr.Op)
}

func TestMergeBranchIntoDefaultTarget(t *testing.T) {
	fake := newFakeExecutor()
	m := NewBranchManager(fake, "integration")

	_, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	require.NoError(t, m.MergeBranch("developer-1", ""))

	assert.Contains(t, fake.calls, "checkout integration")
	assert.Contains(t, fake.calls, "merge agent/developer-1/T001")
}

func TestMergeBranchFailure(t *testing.T) {
	fake := newFakeExecutor()
	fake.failMerge = true
	m := NewBranchManager(fake, "integration")

	_, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)

	var branchErr *BranchError
	require.ErrorAs(t, m.MergeBranch("developer-1", ""), &branchErr)
	assert.Equal(t, "merge", branchErr.Op)
}

func TestDeleteBranchForgetsRecord(t *testing.T) {
	fake := newFakeExecutor()
	m := NewBranchManager(fake, "integration")

	_, err := m.CreateAgentBranch("developer-1", "T001")
	require.NoError(t, err)
	require.NoError(t, m.DeleteBranch("developer-1", true))

	_, ok := m.Record("developer-1")
	assert.False(t, ok)
	assert.Error(t, m.CheckoutBranch("developer-1"))
}

func TestOpsWithoutRecordFail(t *testing.T) {
	m := NewBranchManager(newFakeExecutor(), "integration")
	assert.Error(t, m.CheckoutBranch("ghost"))
	assert.Error(t, m.MergeBranch("ghost", ""))
	assert.Error(t, m.PushBranch("ghost"))
}
