// Package orchestrator is the composition root: it spawns one lifecycle loop
// per agent, reacts to loop results, raises milestone PRs, and records every
// outcome in the run ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/orchestrate/internal/ci"
	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/config"
	"github.com/zjrosen/orchestrate/internal/gitops"
	"github.com/zjrosen/orchestrate/internal/infrastructure/sqlite"
	"github.com/zjrosen/orchestrate/internal/lifecycle"
	"github.com/zjrosen/orchestrate/internal/log"
	"github.com/zjrosen/orchestrate/internal/plan"
	"github.com/zjrosen/orchestrate/internal/supervisor"
)

// milestoneTargetBranch receives milestone PRs from the integration branch.
const milestoneTargetBranch = "main"

// Deps wires the orchestrator to the rest of the system. Ledger may be nil;
// runs then go unrecorded.
type Deps struct {
	Model     *plan.Model
	Matcher   *plan.Matcher
	Bus       *commbus.Bus
	Spawner   lifecycle.Spawner
	Provider  ci.CIProvider
	Branches  *gitops.BranchManager
	Workspace *gitops.Workspace
	Snapshots *lifecycle.Snapshotter
	Ledger    *sqlite.RunRepository
	Config    config.Config
	PlanPath  string
}

type agentEntry struct {
	instance *lifecycle.AgentInstance
	loop     *lifecycle.Loop
}

// Orchestrator owns the fleet of agent loops for one run.
type Orchestrator struct {
	deps    Deps
	runGUID string

	mu      sync.Mutex
	running bool
	active  map[string]*agentEntry
	roleSeq map[string]int
	results []lifecycle.LoopResult

	wg sync.WaitGroup
}

// New creates an orchestrator with a fresh run GUID.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		runGUID: uuid.NewString(),
		active:  make(map[string]*agentEntry),
		roleSeq: make(map[string]int),
	}
}

// RunGUID returns this run's ledger key.
func (o *Orchestrator) RunGUID() string { return o.runGUID }

// Start opens the ledger run and auto-spawns one agent per role, capped by
// MaxConcurrentAgents. Roles with no claimable task are skipped.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.running = true
	o.mu.Unlock()

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.CreateRun(o.runGUID, o.deps.PlanPath); err != nil {
			return fmt.Errorf("open ledger run: %w", err)
		}
	}
	log.Info(log.CatOrch, "run started", "run", o.runGUID, "plan", o.deps.PlanPath)

	for _, role := range o.deps.Model.Roles() {
		if o.activeCount() >= o.deps.Config.MaxConcurrentAgents {
			log.Warn(log.CatOrch, "concurrency cap reached during auto-spawn", "role", role)
			break
		}
		tasks := o.deps.Matcher.ClaimableTasks(role)
		if len(tasks) == 0 {
			continue
		}
		if _, err := o.SpawnAgent(ctx, role, tasks[0].ID); err != nil {
			log.ErrorErr(log.CatOrch, "auto-spawn failed", err, "role", role, "task", tasks[0].ID)
		}
	}
	return nil
}

func (o *Orchestrator) activeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// SpawnAgent claims the task, creates the agent branch, and launches a
// lifecycle loop for a new agent of the role. Returns the new agent id.
func (o *Orchestrator) SpawnAgent(ctx context.Context, role, taskID string) (string, error) {
	if _, err := o.deps.Model.PersonaByRole(role); err != nil {
		return "", err
	}
	if _, err := o.deps.Model.TaskByID(taskID); err != nil {
		return "", err
	}

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return "", fmt.Errorf("orchestrator not running")
	}
	if len(o.active) >= o.deps.Config.MaxConcurrentAgents {
		o.mu.Unlock()
		return "", fmt.Errorf("concurrency cap %d reached", o.deps.Config.MaxConcurrentAgents)
	}
	o.roleSeq[role]++
	agentID := fmt.Sprintf("%s-%d", role, o.roleSeq[role])
	o.mu.Unlock()

	branch := gitops.AgentBranchName(agentID, taskID)
	if err := o.deps.Matcher.ClaimTask(taskID, agentID, branch); err != nil {
		return "", err
	}
	if _, err := o.deps.Branches.CreateAgentBranch(agentID, taskID); err != nil {
		if relErr := o.deps.Matcher.ReleaseTask(taskID); relErr != nil {
			log.Warn(log.CatOrch, "release after branch failure failed", "task", taskID, "error", relErr)
		}
		return "", err
	}

	instance := lifecycle.NewAgentInstance(agentID, role, taskID, branch)
	loop := lifecycle.New(lifecycle.Deps{
		Agent:     instance,
		Model:     o.deps.Model,
		Matcher:   o.deps.Matcher,
		Bus:       o.deps.Bus,
		Spawner:   o.deps.Spawner,
		Provider:  o.deps.Provider,
		Branches:  o.deps.Branches,
		Workspace: o.deps.Workspace,
		Snapshots: o.deps.Snapshots,
		Config:    o.deps.Config,
	})

	o.mu.Lock()
	o.active[agentID] = &agentEntry{instance: instance, loop: loop}
	o.mu.Unlock()

	log.Info(log.CatOrch, "agent spawned", "agent", agentID, "role", role, "task", taskID)

	o.wg.Add(1)
	log.SafeGo("orchestrator.loop."+agentID, func() {
		defer o.wg.Done()
		res := loop.Run(ctx)
		o.onLoopResult(ctx, role, res)
	})
	return agentID, nil
}

// onLoopResult records the outcome, finishes bookkeeping for the agent, and
// spawns a replacement for the role when work remains.
func (o *Orchestrator) onLoopResult(ctx context.Context, role string, res lifecycle.LoopResult) {
	log.Info(log.CatOrch, "loop finished",
		"agent", res.AgentID, "task", res.TaskID, "result", string(res.Type),
		"retries", res.RetryCount, "spawns", res.SpawnCount)

	o.recordResult(res)

	// A PR result counts as completion only once the merge landed. An
	// unmerged PR (merge wait timed out, unparseable URL) leaves the task
	// pr_pending with its claim bound.
	completed := res.Type == lifecycle.ResultTaskComplete ||
		(res.Type == lifecycle.ResultPRCreated && res.Merged)

	switch {
	case completed:
		// The loop completes its own task; tolerate the duplicate here so
		// result handling works for loops that could not.
		if err := o.deps.Matcher.CompleteTask(res.TaskID); err != nil && !errors.Is(err, plan.ErrTaskNotAvailable) {
			log.Warn(log.CatOrch, "complete after loop failed", "task", res.TaskID, "error", err)
		}
		o.checkMilestones(ctx)
	case res.Type == lifecycle.ResultMaxRetries || res.Type == lifecycle.ResultError:
		// Free the claim so a future agent can pick the task up.
		if err := o.deps.Matcher.ReleaseTask(res.TaskID); err != nil && !errors.Is(err, plan.ErrTaskNotAvailable) {
			log.Warn(log.CatOrch, "release after failure failed", "task", res.TaskID, "error", err)
		}
	}

	o.mu.Lock()
	delete(o.active, res.AgentID)
	o.results = append(o.results, res)
	stillRunning := o.running
	o.mu.Unlock()

	// Replace only after a completed exit. A released task from a failed
	// loop would be reclaimed immediately and spin the same failure.
	if stillRunning && completed {
		o.replaceForRole(ctx, role)
	}
}

// replaceForRole spawns a fresh agent for the role if claimable work remains.
func (o *Orchestrator) replaceForRole(ctx context.Context, role string) {
	tasks := o.deps.Matcher.ClaimableTasks(role)
	if len(tasks) == 0 {
		return
	}
	if _, err := o.SpawnAgent(ctx, role, tasks[0].ID); err != nil {
		log.Warn(log.CatOrch, "replacement spawn failed", "role", role, "task", tasks[0].ID, "error", err)
	}
}

// checkMilestones raises an integration → main PR for every milestone that
// just completed.
func (o *Orchestrator) checkMilestones(ctx context.Context) {
	for _, m := range o.deps.Model.Milestones() {
		if m.Completed || !o.deps.Model.IsMilestoneComplete(m.ID) {
			continue
		}
		pr, err := o.deps.Provider.CreatePR(ctx, ci.PRRequest{
			Title:        fmt.Sprintf("Milestone %s: %s", m.ID, m.Title),
			Body:         fmt.Sprintf("All tasks for milestone %s are complete.", m.ID),
			SourceBranch: o.deps.Config.IntegrationBranch,
			TargetBranch: milestoneTargetBranch,
		})
		if err != nil {
			log.ErrorErr(log.CatOrch, "milestone PR failed", err, "milestone", m.ID)
			continue
		}
		o.deps.Model.MarkMilestoneComplete(m.ID, pr.URL)
		log.Info(log.CatOrch, "milestone PR opened", "milestone", m.ID, "pr", pr.URL)
	}
}

func (o *Orchestrator) recordResult(res lifecycle.LoopResult) {
	if o.deps.Ledger == nil {
		return
	}
	rec := sqlite.ResultRecord{
		RunGUID:    o.runGUID,
		AgentID:    res.AgentID,
		TaskID:     res.TaskID,
		ResultType: string(res.Type),
		RetryCount: res.RetryCount,
		SpawnCount: res.SpawnCount,
		PRURL:      res.PRURL,
		Merged:     res.Merged,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := o.deps.Ledger.RecordResult(rec); err != nil {
		log.ErrorErr(log.CatDB, "record loop result failed", err, "agent", res.AgentID)
	}
}

// WaitForCompletion blocks until every active loop has finished, then closes
// the ledger run. Progress is logged at the poll interval while waiting.
func (o *Orchestrator) WaitForCompletion() {
	done := make(chan struct{})
	log.SafeGo("orchestrator.progress", func() {
		ticker := time.NewTicker(o.deps.Config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				stats := o.deps.Matcher.Stats()
				log.Info(log.CatOrch, "run progress", "run", o.runGUID,
					"complete", stats.Complete, "total", stats.Total, "active", o.activeCount())
			}
		}
	})
	o.wg.Wait()
	close(done)
	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.FinishRun(o.runGUID); err != nil && !errors.Is(err, sqlite.ErrRunNotFound) {
			log.ErrorErr(log.CatDB, "finish ledger run failed", err, "run", o.runGUID)
		}
	}
	log.Info(log.CatOrch, "run finished", "run", o.runGUID)
}

// Stop halts new spawns, asks every loop to exit, terminates agent processes,
// and cleans the sandboxes.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	entries := make(map[string]*agentEntry, len(o.active))
	for id, e := range o.active {
		entries[id] = e
	}
	o.mu.Unlock()

	for id, e := range entries {
		e.loop.Shutdown()
		if err := o.deps.Spawner.Terminate(id, supervisor.DefaultTerminateTimeout); err != nil {
			log.Warn(log.CatOrch, "terminate on stop failed", "agent", id, "error", err)
		}
	}
	o.wg.Wait()

	if err := o.deps.Workspace.CleanupAll(); err != nil {
		log.Warn(log.CatOrch, "sandbox cleanup failed", "error", err)
	}

	o.mu.Lock()
	o.active = make(map[string]*agentEntry)
	o.mu.Unlock()
	log.Info(log.CatOrch, "orchestrator stopped", "run", o.runGUID)
}

// ActiveAgents returns the ids of agents with a running loop.
func (o *Orchestrator) ActiveAgents() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Results returns the loop outcomes collected so far.
func (o *Orchestrator) Results() []lifecycle.LoopResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]lifecycle.LoopResult, len(o.results))
	copy(out, o.results)
	return out
}
