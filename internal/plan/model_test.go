package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() *ProjectPlan {
	return &ProjectPlan{
		Name: "demo",
		Milestones: []*Milestone{
			{ID: "M1", Title: "first cut", EpicIDs: []string{"E1"}},
		},
		Epics: []*Epic{
			{
				ID:          "E1",
				Title:       "core",
				MilestoneID: "M1",
				Stories: []*Story{
					{
						ID:     "S1",
						Title:  "setup",
						EpicID: "E1",
						Tasks: []*Task{
							{ID: "T001", Description: "scaffold project", Role: "developer"},
							{ID: "T002", Description: "add API layer", Role: "developer", Dependencies: []string{"T001"}},
							{ID: "T003", Description: "design mockups", Role: "designer"},
						},
					},
				},
			},
		},
		Personas: []*Persona{
			{ID: "P1", Role: "developer", InstructionTemplate: "You are a developer."},
			{ID: "P2", Role: "designer", InstructionTemplate: "You are a designer."},
		},
	}
}

func TestModelLookups(t *testing.T) {
	m := NewModel(testPlan())

	task, err := m.TaskByID("T002")
	require.NoError(t, err)
	assert.Equal(t, "add API layer", task.Description)
	assert.Equal(t, TaskAvailable, task.Status)

	_, err = m.TaskByID("T999")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.Len(t, m.TasksByRole("developer"), 2)
	assert.Len(t, m.TasksByRole("designer"), 1)
	assert.Len(t, m.AllTasks(), 3)
}

func TestAvailableTasksRespectDependencies(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	available := m.AvailableTasksForRole("developer")
	require.Len(t, available, 1)
	assert.Equal(t, "T001", available[0].ID)

	require.NoError(t, matcher.ClaimTask("T001", "developer-1", "agent/developer-1/T001"))
	require.NoError(t, matcher.CompleteTask("T001"))

	available = m.AvailableTasksForRole("developer")
	require.Len(t, available, 1)
	assert.Equal(t, "T002", available[0].ID)
}

func TestPersonaByRole(t *testing.T) {
	m := NewModel(testPlan())

	p, err := m.PersonaByRole("developer")
	require.NoError(t, err)
	assert.Equal(t, "P1", p.ID)

	_, err = m.PersonaByRole("qa")
	assert.ErrorIs(t, err, ErrPersonaNotFound)

	assert.Equal(t, []string{"developer", "designer"}, m.Roles())
}

func TestMilestoneCompletion(t *testing.T) {
	m := NewModel(testPlan())
	matcher := NewMatcher(m)

	assert.False(t, m.IsMilestoneComplete("M1"))
	assert.False(t, m.IsMilestoneComplete("M404"))

	for _, id := range []string{"T001", "T003"} {
		require.NoError(t, matcher.ClaimTask(id, "a", "b"))
		require.NoError(t, matcher.CompleteTask(id))
	}
	assert.False(t, m.IsMilestoneComplete("M1"), "T002 still open")

	require.NoError(t, matcher.ClaimTask("T002", "a", "b"))
	require.NoError(t, matcher.CompleteTask("T002"))
	assert.True(t, m.IsMilestoneComplete("M1"))

	m.MarkMilestoneComplete("M1", "local://pr/9")
	assert.True(t, m.Milestones()[0].Completed)
	assert.Equal(t, "local://pr/9", m.Milestones()[0].PRURL)
}

func TestEpicsForMilestone(t *testing.T) {
	m := NewModel(testPlan())
	epics := m.EpicsForMilestone("M1")
	require.Len(t, epics, 1)
	assert.Equal(t, "E1", epics[0].ID)
	assert.Nil(t, m.EpicsForMilestone("M404"))
}
