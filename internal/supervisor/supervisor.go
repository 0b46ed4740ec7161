package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zjrosen/orchestrate/internal/log"
	"github.com/zjrosen/orchestrate/internal/pubsub"
)

// DefaultTerminateTimeout is the grace period before a forced kill.
const DefaultTerminateTimeout = 5 * time.Second

// defaultBufferCapacity bounds the per-process output capture.
const defaultBufferCapacity = 1000

// SpawnSpec describes one agent process to launch.
type SpawnSpec struct {
	AgentID string
	Command []string // argv; Command[0] is the program
	WorkDir string
	Prompt  string   // written to stdin, then stdin is closed
	Env     []string // appended to the inherited environment
	// BufferCap overrides the output capture size when positive.
	BufferCap int
}

// Supervisor owns the agentId to process map. One supervisor serves all
// agents in the orchestrator.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*Process
	lines *pubsub.Broker[OutputLine]
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{
		procs: make(map[string]*Process),
		lines: pubsub.NewBroker[OutputLine](),
	}
}

// Lines returns per-line output notifications for all supervised processes.
func (s *Supervisor) Lines(ctx context.Context) <-chan pubsub.Event[OutputLine] {
	return s.lines.Subscribe(ctx)
}

// Spawn launches the agent process described by spec. A previous process
// for the same agent must have been terminated first.
func (s *Supervisor) Spawn(ctx context.Context, spec SpawnSpec) (*Process, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("spawn %s: empty command", spec.AgentID)
	}

	s.mu.Lock()
	if existing, ok := s.procs[spec.AgentID]; ok && existing.Running() {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %s: process already running", spec.AgentID)
	}
	s.mu.Unlock()

	//nolint:gosec // G204: command comes from configuration
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin: %w", spec.AgentID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout: %w", spec.AgentID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr: %w", spec.AgentID, err)
	}

	capacity := spec.BufferCap
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	proc := &Process{
		agentID: spec.AgentID,
		cmd:     cmd,
		output:  NewOutputBuffer(capacity),
		done:    make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: start: %w", spec.AgentID, err)
	}
	log.Info(log.CatProc, "agent process started", "agent", spec.AgentID, "pid", cmd.Process.Pid, "workdir", spec.WorkDir)

	log.SafeGo("supervisor.stdin", func() {
		if spec.Prompt != "" {
			_, _ = io.WriteString(stdin, spec.Prompt)
		}
		_ = stdin.Close()
	})
	log.SafeGo("supervisor.stdout", func() { proc.stream(stdout, "stdout", s.lines) })
	log.SafeGo("supervisor.stderr", func() { proc.stream(stderr, "stderr", s.lines) })
	log.SafeGo("supervisor.wait", proc.watch)

	s.mu.Lock()
	s.procs[spec.AgentID] = proc
	s.mu.Unlock()
	return proc, nil
}

// Get returns the process for an agent, if one exists.
func (s *Supervisor) Get(agentID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[agentID]
	return proc, ok
}

// Running reports whether the agent has a live process.
func (s *Supervisor) Running(agentID string) bool {
	proc, ok := s.Get(agentID)
	return ok && proc.Running()
}

// Terminate stops the agent's process: graceful signal first, forced kill
// after the timeout. A zero timeout uses DefaultTerminateTimeout. No-op if
// the agent has no live process.
func (s *Supervisor) Terminate(agentID string, timeout time.Duration) error {
	proc, ok := s.Get(agentID)
	if !ok || !proc.Running() {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTerminateTimeout
	}

	proc.markKilled()
	if err := gracefulSignal(proc.cmd); err != nil {
		log.Debug(log.CatProc, "graceful signal failed", "agent", agentID, "error", err)
	}

	select {
	case <-proc.done:
		return nil
	case <-time.After(timeout):
	}

	log.Warn(log.CatProc, "escalating to forced kill", "agent", agentID, "pid", proc.PID())
	if err := proc.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("terminate %s: kill: %w", agentID, err)
	}
	<-proc.done
	return nil
}

// TerminateAll stops every supervised process and waits for all of them.
func (s *Supervisor) TerminateAll(timeout time.Duration) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Terminate(id, timeout); err != nil {
				log.ErrorErr(log.CatProc, "terminate failed", err, "agent", id)
			}
		}(id)
	}
	wg.Wait()
}

// Remove forgets a terminated agent's process entry.
func (s *Supervisor) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, agentID)
}

// Close shuts the line broker down after all processes are stopped.
func (s *Supervisor) Close() {
	s.lines.Close()
}
