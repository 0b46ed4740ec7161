// Package plan holds the hierarchical project plan graph (milestones, epics,
// stories, tasks, personas), the in-memory query model over it, and the
// persona matcher that owns task claim transitions.
package plan

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskAvailable  TaskStatus = "available"
	TaskClaimed    TaskStatus = "claimed"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskPRPending  TaskStatus = "pr_pending"
	TaskComplete   TaskStatus = "complete"
)

// Task is the unit of claimable work.
// Invariants: CompletedAt is set iff Status is complete; AssignedAgent is set
// iff Status is one of claimed, in_progress, blocked, pr_pending.
type Task struct {
	ID            string     `json:"id" yaml:"id"`
	Description   string     `json:"description" yaml:"description"`
	Role          string     `json:"role" yaml:"role"`
	Status        TaskStatus `json:"status" yaml:"status,omitempty"`
	Dependencies  []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	AssignedAgent string     `json:"assignedAgent,omitempty" yaml:"assignedAgent,omitempty"`
	Branch        string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	PRURL         string     `json:"prUrl,omitempty" yaml:"prUrl,omitempty"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty" yaml:"claimedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// Story groups tasks under an epic with acceptance criteria.
type Story struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	EpicID             string   `json:"epicId" yaml:"epicId,omitempty"`
	Tasks              []*Task  `json:"tasks" yaml:"tasks"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty" yaml:"acceptanceCriteria,omitempty"`
}

// Epic groups stories, optionally under a milestone, with epic-level
// dependencies on other epics.
type Epic struct {
	ID           string   `json:"id" yaml:"id"`
	Title        string   `json:"title" yaml:"title"`
	Stories      []*Story `json:"stories" yaml:"stories"`
	MilestoneID  string   `json:"milestoneId,omitempty" yaml:"milestoneId,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Milestone is a completion gate over a set of epics. When every task under
// its epics is complete, the orchestrator raises the milestone PR.
type Milestone struct {
	ID        string   `json:"id" yaml:"id"`
	Title     string   `json:"title" yaml:"title"`
	EpicIDs   []string `json:"epicIds" yaml:"epicIds"`
	Completed bool     `json:"completed" yaml:"completed,omitempty"`
	PRURL     string   `json:"prUrl,omitempty" yaml:"prUrl,omitempty"`
}

// Persona declares a role-typed agent template. Tasks name a role; agents of
// that role are spawned from the persona's instruction template.
type Persona struct {
	ID                  string   `json:"id" yaml:"id"`
	Role                string   `json:"role" yaml:"role"`
	Capabilities        []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Constraints         []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	InstructionTemplate string   `json:"instructionTemplate" yaml:"instructionTemplate"`
}

// ProjectPlan is the root of the plan graph.
type ProjectPlan struct {
	Name       string       `json:"name" yaml:"name"`
	Milestones []*Milestone `json:"milestones,omitempty" yaml:"milestones,omitempty"`
	Epics      []*Epic      `json:"epics" yaml:"epics"`
	Personas   []*Persona   `json:"personas" yaml:"personas"`
}

// AllTasks returns every task in the plan in document order.
func (p *ProjectPlan) AllTasks() []*Task {
	var tasks []*Task
	for _, epic := range p.Epics {
		for _, story := range epic.Stories {
			tasks = append(tasks, story.Tasks...)
		}
	}
	return tasks
}

// TaskStats summarizes task statuses across the plan.
type TaskStats struct {
	Total      int `json:"total"`
	Available  int `json:"available"`
	Claimed    int `json:"claimed"`
	InProgress int `json:"inProgress"`
	Blocked    int `json:"blocked"`
	PRPending  int `json:"prPending"`
	Complete   int `json:"complete"`
}
