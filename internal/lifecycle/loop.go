package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/orchestrate/internal/ci"
	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/config"
	"github.com/zjrosen/orchestrate/internal/gitops"
	"github.com/zjrosen/orchestrate/internal/log"
	"github.com/zjrosen/orchestrate/internal/plan"
	"github.com/zjrosen/orchestrate/internal/supervisor"
)

// prNumberPattern extracts the PR number from both hosted URLs
// (.../pull/7/...) and LocalProvider URLs (local://pr/7).
var prNumberPattern = regexp.MustCompile(`/(?:pull|pr)/(\d+)`)

// ProcessHandle is the part of a spawned process the loop needs.
type ProcessHandle interface {
	Done() <-chan struct{}
	Running() bool
	ExitedCleanly() bool
}

// Spawner launches and terminates agent processes. The supervisor provides
// the real implementation; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, spec supervisor.SpawnSpec) (ProcessHandle, error)
	Terminate(agentID string, timeout time.Duration) error
}

// SupervisorSpawner adapts a *supervisor.Supervisor to the Spawner interface.
type SupervisorSpawner struct {
	Supervisor *supervisor.Supervisor
}

func (s SupervisorSpawner) Spawn(ctx context.Context, spec supervisor.SpawnSpec) (ProcessHandle, error) {
	return s.Supervisor.Spawn(ctx, spec)
}

func (s SupervisorSpawner) Terminate(agentID string, timeout time.Duration) error {
	return s.Supervisor.Terminate(agentID, timeout)
}

// Deps wires one loop to the rest of the system.
type Deps struct {
	Agent     *AgentInstance
	Model     *plan.Model
	Matcher   *plan.Matcher
	Bus       *commbus.Bus
	Spawner   Spawner
	Provider  ci.CIProvider
	Branches  *gitops.BranchManager
	Workspace *gitops.Workspace
	Snapshots *Snapshotter
	Config    config.Config
}

// Loop supervises one agent through spawn, breakpoint, and dispatch cycles
// until a terminal result.
type Loop struct {
	deps Deps

	retryCount int
	spawnCount int
	shutdown   atomic.Bool
	tracer     trace.Tracer
}

// New creates a loop over the given dependencies.
func New(deps Deps) *Loop {
	return &Loop{
		deps:   deps,
		tracer: otel.Tracer("orchestrate/lifecycle"),
	}
}

// Shutdown asks the loop to exit at its next checkpoint.
func (l *Loop) Shutdown() { l.shutdown.Store(true) }

// RetryCount returns retries consumed so far.
func (l *Loop) RetryCount() int { return l.retryCount }

// SpawnCount returns processes spawned so far.
func (l *Loop) SpawnCount() int { return l.spawnCount }

// Run drives the agent until a terminal result. Every iteration spawns a
// fresh process; recovered context reaches it only through the instruction
// file and the communications document.
func (l *Loop) Run(ctx context.Context) LoopResult {
	agent := l.deps.Agent

	ctx, span := l.tracer.Start(ctx, "lifecycle.run", trace.WithAttributes(
		attribute.String("agent.id", agent.AgentID),
		attribute.String("agent.role", agent.Role),
		attribute.String("task.id", agent.TaskID()),
	))
	defer span.End()

	for {
		if l.stopped(ctx) {
			return l.result(ResultShutdown, nil)
		}

		proc, err := l.spawnOnce(ctx)
		if err != nil {
			log.ErrorErr(log.CatLoop, "spawn failed", err, "agent", agent.AgentID, "task", agent.TaskID())
			if res, done := l.errorCycle(ctx); done {
				return res
			}
			continue
		}

		bp, exited := l.awaitBreakpoint(ctx, proc)
		if l.stopped(ctx) {
			l.terminate()
			return l.result(ResultShutdown, nil)
		}

		if bp == nil {
			if exited {
				log.Warn(log.CatLoop, "process exited without breakpoint", "agent", agent.AgentID, "task", agent.TaskID())
			} else {
				log.Warn(log.CatLoop, "breakpoint wait timed out", "agent", agent.AgentID, "task", agent.TaskID())
			}
			l.terminate()
			if res, done := l.errorCycle(ctx); done {
				return res
			}
			continue
		}

		span.AddEvent("breakpoint", trace.WithAttributes(attribute.String("type", string(bp.Type))))
		log.Info(log.CatLoop, "breakpoint reached", "agent", agent.AgentID, "task", agent.TaskID(), "type", string(bp.Type))

		switch bp.Type {
		case commbus.BreakpointTaskComplete:
			if res, done := l.handleTaskComplete(); done {
				return res
			}
		case commbus.BreakpointBlocked:
			if res, done := l.handleBlocked(ctx, bp.BlockedOn); done {
				return res
			}
		case commbus.BreakpointPRCreated:
			if res, done := l.handlePRCreated(ctx, bp.PRURL); done {
				return res
			}
		default:
			l.terminate()
			err := &LifecycleError{AgentID: agent.AgentID, State: string(agent.State()), Err: fmt.Errorf("unknown breakpoint type %q", bp.Type)}
			return l.result(ResultError, err)
		}
	}
}

// spawnOnce captures a snapshot, prepares the sandbox, and launches a fresh
// process for the current task.
func (l *Loop) spawnOnce(ctx context.Context) (ProcessHandle, error) {
	agent := l.deps.Agent
	taskID := agent.TaskID()

	snap, err := l.deps.Snapshots.Capture(agent.AgentID, taskID, agent.Branch())
	if err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}

	task, err := l.deps.Model.TaskByID(taskID)
	if err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}
	persona, err := l.deps.Model.PersonaByRole(agent.Role)
	if err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}

	sandbox, err := l.deps.Workspace.CreateSandbox(agent.AgentID, false)
	if err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}

	instructions := gitops.GenerateInstructions(gitops.InstructionInput{
		AgentID:         agent.AgentID,
		Persona:         *persona,
		Task:            task,
		Branch:          agent.Branch(),
		CommFile:        l.deps.Config.CommFile,
		SnapshotSummary: snap.Summary,
	})
	if err := l.deps.Workspace.InjectInstructions(agent.AgentID, instructions); err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}

	proc, err := l.deps.Spawner.Spawn(ctx, supervisor.SpawnSpec{
		AgentID: agent.AgentID,
		Command: l.deps.Config.AgentCommand,
		WorkDir: sandbox,
		Prompt:  instructions,
		Env: []string{
			"ORCHESTRATION_COMM_FILE=" + l.deps.Config.CommFile,
			"ORCHESTRATION_AGENT_ID=" + agent.AgentID,
			"ORCHESTRATION_TASK_ID=" + taskID,
			"ORCHESTRATION_BRANCH=" + agent.Branch(),
		},
	})
	if err != nil {
		return nil, &AgentSpawnError{AgentID: agent.AgentID, TaskID: taskID, Err: err}
	}

	l.spawnCount++
	agent.SetState(commbus.StateWorking)
	if err := l.deps.Matcher.MarkInProgress(taskID); err != nil && !errors.Is(err, plan.ErrTaskNotAvailable) {
		log.Warn(log.CatLoop, "mark in progress failed", "task", taskID, "error", err)
	}
	return proc, nil
}

// awaitBreakpoint polls the agent's record until a breakpoint appears, the
// process dies, or the process timeout expires. A breakpoint is present iff
// the declared lifecycleState is a stopping state AND the breakpoint field
// is set.
func (l *Loop) awaitBreakpoint(ctx context.Context, proc ProcessHandle) (bp *commbus.Breakpoint, exited bool) {
	deadline := time.After(l.deps.Config.ProcessTimeout)
	ticker := time.NewTicker(l.deps.Config.BreakpointCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if bp := l.readBreakpoint(); bp != nil {
				return bp, false
			}
			if l.stopped(ctx) {
				return nil, false
			}
		case <-proc.Done():
			// The agent may have written its breakpoint just before exiting.
			return l.readBreakpoint(), true
		case <-deadline:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (l *Loop) readBreakpoint() *commbus.Breakpoint {
	rec, err := l.deps.Bus.GetAgent(l.deps.Agent.AgentID)
	if err != nil {
		log.ErrorErr(log.CatLoop, "breakpoint poll failed", err, "agent", l.deps.Agent.AgentID)
		return nil
	}
	if rec == nil || rec.Breakpoint == nil {
		return nil
	}
	switch rec.LifecycleState {
	case commbus.StateComplete, commbus.StateBlocked, commbus.StatePRPending:
		return rec.Breakpoint
	default:
		return nil
	}
}

// handleTaskComplete finishes the current task and moves to the next
// available one, or exits with TASK_COMPLETE when the role's queue is empty.
func (l *Loop) handleTaskComplete() (LoopResult, bool) {
	agent := l.deps.Agent
	l.terminate()

	if err := l.completeCurrentTask(); err != nil {
		return l.result(ResultError, err), true
	}
	l.clearBreakpoint()

	if l.advanceToNextTask() {
		return LoopResult{}, false
	}

	agent.SetState(commbus.StateComplete)
	if err := l.deps.Bus.UpdateField(agent.AgentID, "lifecycleState", string(commbus.StateComplete)); err != nil {
		log.Warn(log.CatLoop, "state write failed", "agent", agent.AgentID, "error", err)
	}
	return l.result(ResultTaskComplete, nil), true
}

// handleBlocked terminates the process and waits for the blocking tasks to
// resolve, waking on CI events or the retry interval.
func (l *Loop) handleBlocked(ctx context.Context, blockedOn []string) (LoopResult, bool) {
	agent := l.deps.Agent
	l.terminate()
	agent.SetState(commbus.StateBlocked)
	if err := l.deps.Matcher.MarkBlocked(agent.TaskID()); err != nil {
		log.Warn(log.CatLoop, "mark blocked failed", "task", agent.TaskID(), "error", err)
	}

	// Any CI event wakes the wait early; the blocker recheck decides.
	ciWake := make(chan struct{}, 1)
	sub := l.deps.Provider.Subscribe(func(ci.CIEvent) error {
		select {
		case ciWake <- struct{}{}:
		default:
		}
		return nil
	}, nil)
	defer l.deps.Provider.Unsubscribe(sub)

	for {
		if l.blockersResolved(blockedOn) {
			l.clearBreakpoint()
			agent.SetState(commbus.StateIdle)
			log.Info(log.CatLoop, "blockers resolved", "agent", agent.AgentID, "task", agent.TaskID())
			return LoopResult{}, false
		}
		if l.stopped(ctx) {
			return l.result(ResultShutdown, nil), true
		}

		select {
		case <-ciWake:
		case <-time.After(l.deps.Config.RetryInterval):
		case <-ctx.Done():
			return l.result(ResultShutdown, nil), true
		}

		l.retryCount++
		if l.retryCount >= l.deps.Config.MaxRetries {
			return l.result(ResultMaxRetries, nil), true
		}
	}
}

// handlePRCreated waits for the PR to merge. An unextractable PR number or
// an expired wait returns PR_CREATED unmerged; a merge completes the task
// and continues with the next one.
func (l *Loop) handlePRCreated(ctx context.Context, prURL string) (LoopResult, bool) {
	agent := l.deps.Agent
	l.terminate()
	agent.SetState(commbus.StatePRPending)
	if err := l.deps.Matcher.MarkPRPending(agent.TaskID(), prURL); err != nil {
		log.Warn(log.CatLoop, "mark pr pending failed", "task", agent.TaskID(), "error", err)
	}

	prNumber, ok := extractPRNumber(prURL)
	if !ok {
		log.Warn(log.CatLoop, "cannot extract PR number", "agent", agent.AgentID, "url", prURL)
		res := l.result(ResultPRCreated, nil)
		res.PRURL = prURL
		return res, true
	}

	if _, err := l.deps.Provider.WaitForPRMerge(ctx, prNumber, l.deps.Config.PRMergeTimeout); err != nil {
		log.Warn(log.CatLoop, "PR merge wait ended", "agent", agent.AgentID, "pr", prNumber, "error", err)
		res := l.result(ResultPRCreated, nil)
		res.PRURL = prURL
		return res, true
	}

	if err := l.completeCurrentTask(); err != nil {
		return l.result(ResultError, err), true
	}
	l.clearBreakpoint()

	if l.advanceToNextTask() {
		return LoopResult{}, false
	}

	agent.SetState(commbus.StateComplete)
	res := l.result(ResultPRCreated, nil)
	res.PRURL = prURL
	res.Merged = true
	return res, true
}

// errorCycle consumes one retry after a failed cycle. Returns the terminal
// MAX_RETRIES result once the budget is spent.
func (l *Loop) errorCycle(ctx context.Context) (LoopResult, bool) {
	l.retryCount++
	if l.retryCount >= l.deps.Config.MaxRetries {
		return l.result(ResultMaxRetries, nil), true
	}

	select {
	case <-time.After(l.deps.Config.RetryInterval):
	case <-ctx.Done():
		return l.result(ResultShutdown, nil), true
	}
	return LoopResult{}, false
}

// completeCurrentTask marks the task complete exactly once. A task already
// completed elsewhere is not an error here.
func (l *Loop) completeCurrentTask() error {
	taskID := l.deps.Agent.TaskID()
	err := l.deps.Matcher.CompleteTask(taskID)
	if err == nil || errors.Is(err, plan.ErrTaskNotAvailable) {
		return nil
	}
	return err
}

// advanceToNextTask claims the next available task for the role and
// reassigns the agent to it. Returns false when nothing is claimable.
func (l *Loop) advanceToNextTask() bool {
	agent := l.deps.Agent

	for _, task := range l.deps.Matcher.ClaimableTasks(agent.Role) {
		branchName := gitops.AgentBranchName(agent.AgentID, task.ID)
		if err := l.deps.Matcher.ClaimTask(task.ID, agent.AgentID, branchName); err != nil {
			// Raced with another loop; try the next candidate.
			continue
		}
		if _, err := l.deps.Branches.CreateAgentBranch(agent.AgentID, task.ID); err != nil {
			log.ErrorErr(log.CatLoop, "branch creation failed", err, "agent", agent.AgentID, "task", task.ID)
			if relErr := l.deps.Matcher.ReleaseTask(task.ID); relErr != nil {
				log.Warn(log.CatLoop, "release after branch failure failed", "task", task.ID, "error", relErr)
			}
			continue
		}
		agent.Reassign(task.ID, branchName)
		log.Info(log.CatLoop, "advanced to next task", "agent", agent.AgentID, "task", task.ID)
		return true
	}
	return false
}

// blockersResolved reports whether every blocking task is complete.
func (l *Loop) blockersResolved(ids []string) bool {
	for _, id := range ids {
		task, err := l.deps.Model.TaskByID(id)
		if err != nil || task.Status != plan.TaskComplete {
			return false
		}
	}
	return true
}

// clearBreakpoint consumes the agent's breakpoint after dispatch.
func (l *Loop) clearBreakpoint() {
	if err := l.deps.Bus.UpdateField(l.deps.Agent.AgentID, "breakpoint", nil); err != nil {
		log.Warn(log.CatLoop, "breakpoint clear failed", "agent", l.deps.Agent.AgentID, "error", err)
	}
}

func (l *Loop) terminate() {
	if err := l.deps.Spawner.Terminate(l.deps.Agent.AgentID, supervisor.DefaultTerminateTimeout); err != nil {
		log.Warn(log.CatLoop, "terminate failed", "agent", l.deps.Agent.AgentID, "error", err)
	}
}

func (l *Loop) stopped(ctx context.Context) bool {
	return l.shutdown.Load() || ctx.Err() != nil
}

func (l *Loop) result(t ResultType, err error) LoopResult {
	return LoopResult{
		Type:       t,
		AgentID:    l.deps.Agent.AgentID,
		TaskID:     l.deps.Agent.TaskID(),
		RetryCount: l.retryCount,
		SpawnCount: l.spawnCount,
		Err:        err,
	}
}

// extractPRNumber pulls the PR number out of a PR URL.
func extractPRNumber(url string) (int, bool) {
	m := prNumberPattern.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
