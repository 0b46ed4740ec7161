//go:build !windows

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnEchoAndCapture(t *testing.T) {
	s := New()
	defer s.Close()

	proc, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"sh", "-c", "echo hello; echo world >&2"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	require.NoError(t, proc.Wait())
	assert.True(t, proc.ExitedCleanly())
	assert.False(t, proc.Running())

	lines := proc.Output().Lines()
	assert.Contains(t, lines, "hello")
	assert.Contains(t, lines, "world")
}

func TestSpawnDeliversPrompt(t *testing.T) {
	s := New()
	defer s.Close()

	proc, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"cat"},
		WorkDir: t.TempDir(),
		Prompt:  "do the task\n",
	})
	require.NoError(t, err)
	require.NoError(t, proc.Wait())
	assert.Equal(t, []string{"do the task"}, proc.Output().Lines())
}

func TestSpawnPublishesLines(t *testing.T) {
	s := New()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := s.Lines(ctx)

	_, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"echo", "streamed"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	select {
	case ev := <-sub:
		assert.Equal(t, "developer-1", ev.Payload.AgentID)
		assert.Equal(t, "streamed", ev.Payload.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no output line published")
	}
}

func TestSpawnRejectsDuplicate(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"sleep", "5"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	defer func() { _ = s.Terminate("developer-1", time.Second) }()

	_, err = s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"echo", "again"},
		WorkDir: t.TempDir(),
	})
	assert.Error(t, err)
}

func TestTerminateGraceful(t *testing.T) {
	s := New()
	defer s.Close()

	proc, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"sleep", "30"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.True(t, proc.Running())

	start := time.Now()
	require.NoError(t, s.Terminate("developer-1", 2*time.Second))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, proc.Running())
	// A killed process is not a clean exit.
	assert.False(t, proc.ExitedCleanly())
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := New()
	defer s.Close()

	// The process traps SIGTERM, so only the forced kill stops it.
	proc, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "stubborn",
		Command: []string{"sh", "-c", "trap '' TERM; sleep 30"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Terminate("stubborn", 200*time.Millisecond))
	assert.False(t, proc.Running())
}

func TestTerminateAll(t *testing.T) {
	s := New()
	defer s.Close()

	for _, id := range []string{"a", "b"} {
		_, err := s.Spawn(context.Background(), SpawnSpec{
			AgentID: id,
			Command: []string{"sleep", "30"},
			WorkDir: t.TempDir(),
		})
		require.NoError(t, err)
	}

	s.TerminateAll(2 * time.Second)
	assert.False(t, s.Running("a"))
	assert.False(t, s.Running("b"))
}

func TestTerminateUnknownAgentIsNoop(t *testing.T) {
	s := New()
	defer s.Close()
	assert.NoError(t, s.Terminate("ghost", time.Second))
}

func TestEnvExtension(t *testing.T) {
	s := New()
	defer s.Close()

	proc, err := s.Spawn(context.Background(), SpawnSpec{
		AgentID: "developer-1",
		Command: []string{"sh", "-c", "echo $AGENT_ID"},
		WorkDir: t.TempDir(),
		Env:     []string{"AGENT_ID=developer-1"},
	})
	require.NoError(t, err)
	require.NoError(t, proc.Wait())
	assert.Equal(t, []string{"developer-1"}, proc.Output().Lines())
}
