package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/gitops"
	"github.com/zjrosen/orchestrate/internal/log"
)

// Snapshot is the written memory an agent restarts from: working tree
// state, recent commits, the full communications document, and a summary
// synthesized from the agent's own record.
type Snapshot struct {
	AgentID       string          `json:"agentId"`
	TaskID        string          `json:"taskId"`
	Timestamp     time.Time       `json:"timestamp"`
	Summary       string          `json:"summary"`
	FilesModified []string        `json:"filesModified"`
	Commits       []string        `json:"commits"`
	BusStateJSON  json.RawMessage `json:"busStateJSON"`
}

// Snapshotter captures and persists snapshots for one snapshot directory.
type Snapshotter struct {
	dir string
	git gitops.GitExecutor
	bus *commbus.Bus
}

// NewSnapshotter creates a snapshotter writing under dir.
func NewSnapshotter(dir string, git gitops.GitExecutor, bus *commbus.Bus) *Snapshotter {
	return &Snapshotter{dir: dir, git: git, bus: bus}
}

// Capture assembles a snapshot for the agent and persists it. Git failures
// degrade to empty file and commit lists rather than blocking the spawn.
func (s *Snapshotter) Capture(agentID, taskID, branch string) (*Snapshot, error) {
	snap := &Snapshot{
		AgentID:   agentID,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}

	if files, err := s.git.StatusPorcelain(); err == nil {
		snap.FilesModified = files
	} else {
		log.Warn(log.CatLoop, "snapshot: git status failed", "agent", agentID, "error", err)
	}
	if commits, err := s.git.Log(branch, 10); err == nil {
		snap.Commits = commits
	} else {
		log.Warn(log.CatLoop, "snapshot: git log failed", "agent", agentID, "branch", branch, "error", err)
	}

	doc, err := s.bus.ReadRaw()
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(doc); err == nil {
		snap.BusStateJSON = raw
	}

	rec := doc.Agents[agentID]
	snap.Summary = summarize(agentID, rec)
	// A record with no progress fields means the document was wiped or the
	// process restarted; fall back to the last persisted handoff.
	if !hasProgress(rec) {
		if prev, err := s.Latest(agentID, taskID); err == nil && prev != nil && prev.Summary != "" {
			snap.Summary = prev.Summary
		}
	}

	if err := s.save(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// save writes <dir>/<agentId>_<taskId>_<unixMs>.json.
func (s *Snapshotter) save(snap *Snapshot) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s_%d.json", snap.AgentID, snap.TaskID, snap.Timestamp.UnixMilli())
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	return nil
}

// Latest returns the most recent persisted snapshot for (agentID, taskID),
// or nil if none exists. Snapshots are append-only; the newest wins.
func (s *Snapshotter) Latest(agentID, taskID string) (*Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("%s_%s_", agentID, taskID)
	var names []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), prefix) && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	// Millisecond timestamps of equal digit count sort lexically.
	sort.Strings(names)

	data, err := os.ReadFile(filepath.Join(s.dir, names[len(names)-1])) //nolint:gosec // G304: our own dir
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func hasProgress(rec *commbus.AgentRecord) bool {
	return rec != nil && (rec.Done != "" || rec.WorkingOn != "" || rec.Next != "")
}

// summarize builds the human-readable handoff from the agent's record.
func summarize(agentID string, rec *commbus.AgentRecord) string {
	if rec == nil {
		return fmt.Sprintf("Agent %s is starting fresh; no prior record.", agentID)
	}

	var parts []string
	if rec.Done != "" {
		parts = append(parts, "Done so far: "+rec.Done+".")
	}
	if rec.WorkingOn != "" {
		parts = append(parts, "Was working on: "+rec.WorkingOn+".")
	}
	if rec.Next != "" {
		parts = append(parts, "Planned next: "+rec.Next+".")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Agent %s has no progress recorded yet.", agentID)
	}
	return strings.Join(parts, " ")
}
