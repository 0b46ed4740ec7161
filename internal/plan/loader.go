package plan

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a YAML plan file, validates it, and returns the
// plan root. Validation warnings are returned alongside a valid plan;
// validation errors fail the load.
func Load(path string) (*ProjectPlan, []string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied plan path
	if err != nil {
		return nil, nil, &ParseError{File: path, Err: err}
	}
	return Parse(data, path)
}

// Parse parses plan YAML. The name argument is used in error messages only.
func Parse(data []byte, name string) (*ProjectPlan, []string, error) {
	var p ProjectPlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		line := 0
		var typeErr *yaml.TypeError
		if ok := asYamlTypeError(err, &typeErr); ok && len(typeErr.Errors) > 0 {
			// yaml.TypeError messages embed "line N:"
			fmt.Sscanf(typeErr.Errors[0], "line %d:", &line)
		}
		return nil, nil, &ParseError{File: name, Line: line, Err: err}
	}

	warnings, errs := Validate(&p)
	if len(errs) > 0 {
		return nil, warnings, &ValidationError{Errors: errs, Warnings: warnings}
	}
	return &p, warnings, nil
}

func asYamlTypeError(err error, target **yaml.TypeError) bool {
	te, ok := err.(*yaml.TypeError)
	if ok {
		*target = te
	}
	return ok
}

// Validate checks structural rules over the plan: unique ids across all
// entity kinds, resolvable and acyclic task dependencies, resolvable epic
// references, and persona coverage of every task role (coverage gaps are
// warnings, not errors).
func Validate(p *ProjectPlan) (warnings, errs []string) {
	ids := make(map[string]string) // id -> kind
	addID := func(id, kind string) {
		if id == "" {
			errs = append(errs, fmt.Sprintf("%s with empty id", kind))
			return
		}
		if prev, dup := ids[id]; dup {
			errs = append(errs, fmt.Sprintf("duplicate id %q (%s and %s)", id, prev, kind))
			return
		}
		ids[id] = kind
	}

	roles := make(map[string]bool)
	for _, persona := range p.Personas {
		addID(persona.ID, "persona")
		if persona.Role == "" {
			errs = append(errs, fmt.Sprintf("persona %q has no role", persona.ID))
		}
		if roles[persona.Role] {
			errs = append(errs, fmt.Sprintf("duplicate persona role %q", persona.Role))
		}
		roles[persona.Role] = true
	}

	epicIDs := make(map[string]bool)
	for _, epic := range p.Epics {
		addID(epic.ID, "epic")
		epicIDs[epic.ID] = true
		for _, story := range epic.Stories {
			addID(story.ID, "story")
			for _, task := range story.Tasks {
				addID(task.ID, "task")
			}
		}
	}
	for _, ms := range p.Milestones {
		addID(ms.ID, "milestone")
		for _, epicID := range ms.EpicIDs {
			if !epicIDs[epicID] {
				errs = append(errs, fmt.Sprintf("milestone %q references unknown epic %q", ms.ID, epicID))
			}
		}
	}

	// Task-level checks need the full id set.
	tasks := p.AllTasks()
	taskIDs := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		taskIDs[t.ID] = true
	}
	for _, t := range tasks {
		if t.Role == "" {
			errs = append(errs, fmt.Sprintf("task %q has no role", t.ID))
		} else if !roles[t.Role] {
			warnings = append(warnings, fmt.Sprintf("task %q role %q has no persona", t.ID, t.Role))
		}
		for _, dep := range t.Dependencies {
			if !taskIDs[dep] {
				errs = append(errs, fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
		}
	}

	if cycle := findDependencyCycle(tasks); cycle != "" {
		errs = append(errs, fmt.Sprintf("dependency cycle involving task %q", cycle))
	}

	return warnings, errs
}

// findDependencyCycle returns the id of a task on a dependency cycle, or ""
// if the graph is acyclic. Standard three-color DFS.
func findDependencyCycle(tasks []*Task) string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.Dependencies
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, t := range tasks {
		if color[t.ID] == white {
			if hit := visit(t.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
