package ci

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubGit implements gitops.GitExecutor with canned branch state.
type stubGit struct {
	branches map[string]bool
	merged   []string
	current  string
}

func newStubGit(branches ...string) *stubGit {
	g := &stubGit{branches: map[string]bool{}, current: "main"}
	for _, b := range branches {
		g.branches[b] = true
	}
	return g
}

func (g *stubGit) IsGitRepo() bool                             { return true }
func (g *stubGit) CurrentBranch() (string, error)              { return g.current, nil }
func (g *stubGit) BranchExists(name string) bool               { return g.branches[name] }
func (g *stubGit) RemoteBranchExists(remote, name string) bool { return false }
func (g *stubGit) Fetch(remote string) error                   { return nil }
func (g *stubGit) CreateBranch(name, startPoint string) error  { g.branches[name] = true; return nil }
func (g *stubGit) DeleteBranch(name string, force bool) error  { delete(g.branches, name); return nil }
func (g *stubGit) Push(remote, branch string) error            { return nil }
func (g *stubGit) Log(ref string, limit int) ([]string, error) { return nil, nil }
func (g *stubGit) StatusPorcelain() ([]string, error)          { return nil, nil }
func (g *stubGit) ChangedFiles(base, branch string) ([]string, error) {
	return nil, nil
}

func (g *stubGit) Checkout(name string) error {
	if !g.branches[name] {
		return errors.New("no such branch")
	}
	g.current = name
	return nil
}

func (g *stubGit) Merge(branch, message string) error {
	g.merged = append(g.merged, branch+" into "+g.current)
	return nil
}

func newTestProvider(t *testing.T, git *stubGit) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(git, NewEventBus(0), t.TempDir())
	require.NoError(t, err)
	p.SetBuildDelay(10 * time.Millisecond)
	return p
}

func TestTriggerBuildLifecycle(t *testing.T) {
	git := newStubGit("integration")
	p := newTestProvider(t, git)

	var sink eventSink
	p.Subscribe(sink.handler, nil)

	runID, err := p.TriggerBuild(context.Background(), "integration")
	require.NoError(t, err)
	assert.Equal(t, int64(1), runID)

	status, err := p.WaitForBuild(context.Background(), runID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BuildSucceeded, status.State)
	require.NotNil(t, status.FinishedAt)

	require.Eventually(t, func() bool { return len(sink.types()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{BuildStarted, BuildSuccess}, sink.types())
}

func TestTriggerBuildUnknownBranch(t *testing.T) {
	p := newTestProvider(t, newStubGit("integration"))

	_, err := p.TriggerBuild(context.Background(), "ghost")
	var ciErr *CIError
	require.ErrorAs(t, err, &ciErr)
	assert.Equal(t, "triggerBuild", ciErr.Op)
}

func TestFailNextBuild(t *testing.T) {
	p := newTestProvider(t, newStubGit("integration"))
	p.FailNextBuild()

	runID, err := p.TriggerBuild(context.Background(), "integration")
	require.NoError(t, err)

	status, err := p.WaitForBuild(context.Background(), runID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, status.State)

	// The flag is one-shot.
	runID, err = p.TriggerBuild(context.Background(), "integration")
	require.NoError(t, err)
	status, err = p.WaitForBuild(context.Background(), runID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, BuildSucceeded, status.State)
}

func TestCreateAndMergePR(t *testing.T) {
	git := newStubGit("integration", "agent/developer-1/T001")
	p := newTestProvider(t, git)

	var sink eventSink
	p.Subscribe(sink.handler, &Filter{EventTypes: []EventType{PROpened, PRMerged}})

	info, err := p.CreatePR(context.Background(), PRRequest{
		Title:        "T001: scaffold",
		Body:         "adds the project skeleton",
		SourceBranch: "agent/developer-1/T001",
		TargetBranch: "integration",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, info.Number)
	assert.Equal(t, "local://pr/1", info.URL)
	assert.Equal(t, PROpen, info.State)

	require.NoError(t, p.MergePR(context.Background(), 1))
	assert.Equal(t, []string{"agent/developer-1/T001 into integration"}, git.merged)

	merged, err := p.GetPRStatus(1)
	require.NoError(t, err)
	assert.Equal(t, PRStateMerged, merged.State)
	assert.NotNil(t, merged.MergedAt)

	assert.Equal(t, []EventType{PROpened, PRMerged}, sink.types())

	// Merging again is a no-op.
	require.NoError(t, p.MergePR(context.Background(), 1))
	assert.Len(t, git.merged, 1)
}

func TestMergePRConcurrentStatusReads(t *testing.T) {
	git := newStubGit("integration", "agent/a/T001")
	p := newTestProvider(t, git)

	info, err := p.CreatePR(context.Background(), PRRequest{
		Title: "t", SourceBranch: "agent/a/T001", TargetBranch: "integration",
	})
	require.NoError(t, err)

	// Status reads overlap the merge; every record access stays locked.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, _ = p.GetPRStatus(info.Number)
		}
	}()

	require.NoError(t, p.MergePR(context.Background(), info.Number))
	<-done

	merged, err := p.GetPRStatus(info.Number)
	require.NoError(t, err)
	assert.Equal(t, PRStateMerged, merged.State)
}

func TestWaitForPRMerge(t *testing.T) {
	git := newStubGit("integration", "agent/a/T001")
	p := newTestProvider(t, git)

	info, err := p.CreatePR(context.Background(), PRRequest{
		Title: "t", SourceBranch: "agent/a/T001", TargetBranch: "integration",
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = p.MergePR(context.Background(), info.Number)
	}()

	merged, err := p.WaitForPRMerge(context.Background(), info.Number, time.Second)
	require.NoError(t, err)
	assert.Equal(t, PRStateMerged, merged.State)
}

func TestWaitForPRMergeTimeout(t *testing.T) {
	git := newStubGit("integration", "agent/a/T001")
	p := newTestProvider(t, git)

	info, err := p.CreatePR(context.Background(), PRRequest{
		Title: "t", SourceBranch: "agent/a/T001", TargetBranch: "integration",
	})
	require.NoError(t, err)

	_, err = p.WaitForPRMerge(context.Background(), info.Number, 50*time.Millisecond)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	// The PR is still open and a later wait can succeed.
	require.NoError(t, p.MergePR(context.Background(), info.Number))
	_, err = p.WaitForPRMerge(context.Background(), info.Number, time.Second)
	assert.NoError(t, err)
}

func TestPRNumberingSurvivesRestart(t *testing.T) {
	git := newStubGit("integration", "agent/a/T001", "agent/a/T002")
	stateDir := t.TempDir()

	p1, err := NewLocalProvider(git, NewEventBus(0), stateDir)
	require.NoError(t, err)
	first, err := p1.CreatePR(context.Background(), PRRequest{
		Title: "first", SourceBranch: "agent/a/T001", TargetBranch: "integration",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)

	// A new provider over the same state dir continues the numbering and
	// still knows the old PR.
	p2, err := NewLocalProvider(git, NewEventBus(0), stateDir)
	require.NoError(t, err)
	restored, err := p2.GetPRStatus(1)
	require.NoError(t, err)
	assert.Equal(t, "first", restored.Title)

	second, err := p2.CreatePR(context.Background(), PRRequest{
		Title: "second", SourceBranch: "agent/a/T002", TargetBranch: "integration",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Number)
}
