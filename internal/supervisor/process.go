// Package supervisor spawns and supervises black-box agent processes. Each
// process gets its prompt on stdin, streams stdout and stderr line-by-line
// into a bounded capture, and is terminated with a graceful-then-forced
// two-phase signal.
package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/zjrosen/orchestrate/internal/log"
	"github.com/zjrosen/orchestrate/internal/pubsub"
)

// OutputLine is one line of agent output, published per line as it arrives.
type OutputLine struct {
	AgentID string
	Stream  string // "stdout" or "stderr"
	Text    string
}

// Process is one spawned agent process under supervision.
type Process struct {
	agentID string
	cmd     *exec.Cmd
	output  *OutputBuffer
	done    chan struct{}

	mu      sync.Mutex
	waitErr error
	exited  bool
	killed  bool
}

// AgentID returns the owning agent's id.
func (p *Process) AgentID() string { return p.agentID }

// Output returns the bounded line capture.
func (p *Process) Output() *OutputBuffer { return p.output }

// PID returns the OS process id, or -1 before start.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Running reports whether the process is still alive and was not killed.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited && !p.killed
}

// Done returns a channel closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until exit and returns the process error, if any.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// ExitedCleanly reports whether the process exited on its own with code 0.
func (p *Process) ExitedCleanly() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited && !p.killed && p.waitErr == nil
}

// stream reads lines from r into the capture and publishes each one.
func (p *Process) stream(r io.Reader, name string, lines *pubsub.Broker[OutputLine]) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		text := scanner.Text()
		p.output.Write(text)
		lines.Publish(OutputLine{AgentID: p.agentID, Stream: name, Text: text})
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatProc, "scanner error", "agent", p.agentID, "stream", name, "error", err)
	}
}

// watch waits for exit and records the result.
func (p *Process) watch() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	if err != nil && !p.killed {
		p.waitErr = fmt.Errorf("agent process exited: %w", err)
	}
	p.mu.Unlock()

	close(p.done)
	log.Info(log.CatProc, "agent process exited", "agent", p.agentID, "error", err)
}

func (p *Process) markKilled() {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
}
