package gitops

import (
	"fmt"
	"strings"

	"github.com/zjrosen/orchestrate/internal/plan"
)

// InstructionInput is everything the generator folds into an agent's
// instruction file.
type InstructionInput struct {
	AgentID         string
	Persona         plan.Persona
	Task            plan.Task
	Branch          string
	CommFile        string
	SnapshotSummary string
}

// GenerateInstructions assembles the per-agent instruction file: persona
// template first, then the task assignment, then the recovered context from
// the latest snapshot. The agent reads this on every fresh spawn, so it is
// the only memory that survives a restart.
func GenerateInstructions(in InstructionInput) string {
	var b strings.Builder

	b.WriteString(strings.TrimSpace(in.Persona.InstructionTemplate))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Your assignment\n\n")
	fmt.Fprintf(&b, "- Agent id: %s\n", in.AgentID)
	fmt.Fprintf(&b, "- Task %s: %s\n", in.Task.ID, in.Task.Description)
	fmt.Fprintf(&b, "- Work on branch: %s\n", in.Branch)
	fmt.Fprintf(&b, "- Communications file: %s\n", in.CommFile)
	if len(in.Task.Dependencies) > 0 {
		fmt.Fprintf(&b, "- Depends on: %s\n", strings.Join(in.Task.Dependencies, ", "))
	}

	b.WriteString("\nUpdate your record in the communications file as you work. ")
	b.WriteString("When you reach a stopping point, set your breakpoint and lifecycleState there.\n")

	if in.SnapshotSummary != "" {
		b.WriteString("\n## Context from your previous session\n\n")
		b.WriteString(strings.TrimSpace(in.SnapshotSummary))
		b.WriteString("\n")
	}

	return b.String()
}
