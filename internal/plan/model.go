package plan

import (
	"sync"
)

// Model is the in-memory query surface over a parsed plan. The graph
// structure is immutable after construction; task status fields mutate only
// through the Matcher. A single mutex serializes all mutation, shared with
// the Matcher in this package.
type Model struct {
	mu         sync.RWMutex
	plan       *ProjectPlan
	tasksByID  map[string]*Task
	epicsByID  map[string]*Epic
	milestones map[string]*Milestone
	personas   map[string]*Persona // keyed by role
}

// NewModel builds a Model over a validated plan. Tasks with no status are
// normalized to available.
func NewModel(p *ProjectPlan) *Model {
	m := &Model{
		plan:       p,
		tasksByID:  make(map[string]*Task),
		epicsByID:  make(map[string]*Epic),
		milestones: make(map[string]*Milestone),
		personas:   make(map[string]*Persona),
	}
	for _, epic := range p.Epics {
		m.epicsByID[epic.ID] = epic
		for _, story := range epic.Stories {
			for _, task := range story.Tasks {
				if task.Status == "" {
					task.Status = TaskAvailable
				}
				m.tasksByID[task.ID] = task
			}
		}
	}
	for _, ms := range p.Milestones {
		m.milestones[ms.ID] = ms
	}
	for _, persona := range p.Personas {
		m.personas[persona.Role] = persona
	}
	return m
}

// Plan returns the underlying plan root.
func (m *Model) Plan() *ProjectPlan { return m.plan }

// AllTasks returns a snapshot copy of every task.
func (m *Model) AllTasks() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := m.plan.AllTasks()
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out
}

// TaskByID returns a snapshot of the task, or ErrTaskNotFound.
func (m *Model) TaskByID(id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasksByID[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

// TasksByRole returns snapshots of all tasks requiring the given role.
func (m *Model) TasksByRole(role string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.plan.AllTasks() {
		if t.Role == role {
			out = append(out, *t)
		}
	}
	return out
}

// completedIDsLocked derives the set of complete task ids. Never stored;
// recomputed on demand from task status.
func (m *Model) completedIDsLocked() map[string]bool {
	done := make(map[string]bool)
	for id, t := range m.tasksByID {
		if t.Status == TaskComplete {
			done[id] = true
		}
	}
	return done
}

// availableLocked reports whether the task is available: status available
// and every dependency complete.
func (m *Model) availableLocked(t *Task, done map[string]bool) bool {
	if t.Status != TaskAvailable {
		return false
	}
	for _, dep := range t.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// AvailableTasksForRole returns snapshots of tasks that are available and
// require the given role, in document order.
func (m *Model) AvailableTasksForRole(role string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	done := m.completedIDsLocked()
	var out []Task
	for _, t := range m.plan.AllTasks() {
		if t.Role == role && m.availableLocked(t, done) {
			out = append(out, *t)
		}
	}
	return out
}

// PersonaByRole returns the persona declaring the role, or ErrPersonaNotFound.
func (m *Model) PersonaByRole(role string) (*Persona, error) {
	p, ok := m.personas[role]
	if !ok {
		return nil, ErrPersonaNotFound
	}
	return p, nil
}

// Roles returns every role declared by a persona, in plan order.
func (m *Model) Roles() []string {
	roles := make([]string, 0, len(m.plan.Personas))
	for _, p := range m.plan.Personas {
		roles = append(roles, p.Role)
	}
	return roles
}

// EpicsForMilestone returns the epics named by the milestone.
func (m *Model) EpicsForMilestone(milestoneID string) []*Epic {
	ms, ok := m.milestones[milestoneID]
	if !ok {
		return nil
	}
	var epics []*Epic
	for _, id := range ms.EpicIDs {
		if epic, ok := m.epicsByID[id]; ok {
			epics = append(epics, epic)
		}
	}
	return epics
}

// IsMilestoneComplete reports whether every task under the milestone's epics
// is complete.
func (m *Model) IsMilestoneComplete(milestoneID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.milestones[milestoneID]
	if !ok {
		return false
	}
	for _, epicID := range ms.EpicIDs {
		epic, ok := m.epicsByID[epicID]
		if !ok {
			continue
		}
		for _, story := range epic.Stories {
			for _, task := range story.Tasks {
				if task.Status != TaskComplete {
					return false
				}
			}
		}
	}
	return true
}

// Milestones returns the plan's milestones.
func (m *Model) Milestones() []*Milestone {
	return m.plan.Milestones
}

// MarkMilestoneComplete records the milestone as completed with its PR URL.
func (m *Model) MarkMilestoneComplete(milestoneID, prURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ms, ok := m.milestones[milestoneID]; ok {
		ms.Completed = true
		ms.PRURL = prURL
	}
}
