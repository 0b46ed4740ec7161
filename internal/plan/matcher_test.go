package plan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimLifecycle(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	require.NoError(t, matcher.ClaimTask("T001", "developer-1", "agent/developer-1/T001"))

	task, err := m.TaskByID("T001")
	require.NoError(t, err)
	assert.Equal(t, TaskClaimed, task.Status)
	assert.Equal(t, "developer-1", task.AssignedAgent)
	assert.Equal(t, "agent/developer-1/T001", task.Branch)
	assert.NotNil(t, task.ClaimedAt)

	// Claiming for another agent fails.
	err = matcher.ClaimTask("T001", "developer-2", "agent/developer-2/T001")
	assert.ErrorIs(t, err, ErrTaskAlreadyClaimed)

	require.NoError(t, matcher.CompleteTask("T001"))
	task, _ = m.TaskByID("T001")
	assert.Equal(t, TaskComplete, task.Status)
	assert.Empty(t, task.AssignedAgent)
	assert.NotNil(t, task.CompletedAt)

	// Completing twice fails: exactly-once contract.
	assert.ErrorIs(t, matcher.CompleteTask("T001"), ErrTaskNotAvailable)
}

func TestClaimUnmetDependencies(t *testing.T) {
	matcher := NewMatcher(NewModel(testPlan()))
	err := matcher.ClaimTask("T002", "developer-1", "b")
	assert.ErrorIs(t, err, ErrTaskNotAvailable)
}

func TestClaimUnknownTask(t *testing.T) {
	matcher := NewMatcher(NewModel(testPlan()))
	assert.ErrorIs(t, matcher.ClaimTask("T404", "a", "b"), ErrTaskNotFound)
	assert.ErrorIs(t, matcher.ReleaseTask("T404"), ErrTaskNotFound)
	assert.ErrorIs(t, matcher.CompleteTask("T404"), ErrTaskNotFound)
}

func TestReleaseReturnsTaskToPool(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	require.NoError(t, matcher.ClaimTask("T001", "developer-1", "br"))
	require.NoError(t, matcher.ReleaseTask("T001"))

	task, _ := m.TaskByID("T001")
	assert.Equal(t, TaskAvailable, task.Status)
	assert.Empty(t, task.AssignedAgent)
	assert.Nil(t, task.ClaimedAt)

	// Another agent can now claim it.
	require.NoError(t, matcher.ClaimTask("T001", "developer-2", "br2"))
}

func TestReleaseCompleteTaskFails(t *testing.T) {
	matcher := NewMatcher(NewModel(testPlan()))
	require.NoError(t, matcher.ClaimTask("T001", "a", "b"))
	require.NoError(t, matcher.CompleteTask("T001"))
	assert.Error(t, matcher.ReleaseTask("T001"))
}

func TestConcurrentClaimExactlyOneWins(t *testing.T) {
	matcher := NewMatcher(NewModel(testPlan()))

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = matcher.ClaimTask("T001", "agent", "br")
		}(i)
	}
	wg.Wait()

	// All goroutines claim for the same agent id; the CAS still admits only
	// status transitions from available, so exactly one succeeds.
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}

func TestStatusTransitions(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	require.NoError(t, matcher.ClaimTask("T001", "a", "b"))
	require.NoError(t, matcher.MarkInProgress("T001"))
	require.NoError(t, matcher.MarkBlocked("T001"))
	require.NoError(t, matcher.MarkPRPending("T001", "local://pr/1"))

	task, _ := m.TaskByID("T001")
	assert.Equal(t, TaskPRPending, task.Status)
	assert.Equal(t, "local://pr/1", task.PRURL)

	require.NoError(t, matcher.CompleteTask("T001"))
}

func TestStats(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	require.NoError(t, matcher.ClaimTask("T001", "a", "b"))
	require.NoError(t, matcher.ClaimTask("T003", "c", "d"))
	require.NoError(t, matcher.CompleteTask("T003"))

	s := matcher.Stats()
	assert.Equal(t, TaskStats{Total: 3, Available: 1, Claimed: 1, Complete: 1}, s)
}
