package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// InstructionFileName is the per-agent instruction file written at the
// sandbox root. Agent programs read it on startup.
const InstructionFileName = "CLAUDE.md"

// Workspace manages per-agent sandbox directories under a common base.
// Sandboxes never overlap: each agent gets <base>/<agentId>.
type Workspace struct {
	baseDir string

	mu        sync.Mutex
	sandboxes map[string]string
}

// NewWorkspace creates a workspace rooted at baseDir.
func NewWorkspace(baseDir string) *Workspace {
	return &Workspace{
		baseDir:   baseDir,
		sandboxes: make(map[string]string),
	}
}

// CreateSandbox ensures the agent's sandbox directory exists and returns its
// path. With clean set, any previous contents are removed first.
func (w *Workspace) CreateSandbox(agentID string, clean bool) (string, error) {
	path := filepath.Join(w.baseDir, agentID)

	if clean {
		if err := os.RemoveAll(path); err != nil {
			return "", &WorkspaceError{AgentID: agentID, Path: path, Err: err}
		}
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", &WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}

	w.mu.Lock()
	w.sandboxes[agentID] = path
	w.mu.Unlock()
	return path, nil
}

// SandboxPath returns the agent's sandbox path, if one was created.
func (w *Workspace) SandboxPath(agentID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	path, ok := w.sandboxes[agentID]
	return path, ok
}

// InjectInstructions writes the agent's instruction file at the sandbox root.
func (w *Workspace) InjectInstructions(agentID, content string) error {
	return w.WriteFile(agentID, InstructionFileName, []byte(content))
}

// WriteFile writes a file relative to the agent's sandbox root, creating
// parent directories as needed.
func (w *Workspace) WriteFile(agentID, relPath string, data []byte) error {
	path, err := w.resolve(agentID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	return nil
}

// ReadFile reads a file relative to the agent's sandbox root.
func (w *Workspace) ReadFile(agentID, relPath string) ([]byte, error) {
	path, err := w.resolve(agentID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is sandbox-relative
	if err != nil {
		return nil, &WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	return data, nil
}

// CopyFilesToSandbox copies files into the sandbox, preserving their paths
// relative to srcRoot.
func (w *Workspace) CopyFilesToSandbox(agentID, srcRoot string, relPaths []string) error {
	for _, rel := range relPaths {
		src := filepath.Join(srcRoot, rel)
		data, err := os.ReadFile(src) //nolint:gosec // G304: paths come from the caller
		if err != nil {
			return &WorkspaceError{AgentID: agentID, Path: src, Err: err}
		}
		if err := w.WriteFile(agentID, rel, data); err != nil {
			return err
		}
	}
	return nil
}

// CleanupSandbox removes the agent's sandbox directory.
func (w *Workspace) CleanupSandbox(agentID string) error {
	w.mu.Lock()
	path, ok := w.sandboxes[agentID]
	delete(w.sandboxes, agentID)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return &WorkspaceError{AgentID: agentID, Path: path, Err: err}
	}
	return nil
}

// CleanupAll removes every tracked sandbox, returning the first error.
func (w *Workspace) CleanupAll() error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.sandboxes))
	for id := range w.sandboxes {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := w.CleanupSandbox(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// resolve maps a sandbox-relative path to an absolute one, rejecting
// escapes above the sandbox root.
func (w *Workspace) resolve(agentID, relPath string) (string, error) {
	w.mu.Lock()
	root, ok := w.sandboxes[agentID]
	w.mu.Unlock()
	if !ok {
		return "", &WorkspaceError{AgentID: agentID, Path: relPath, Err: fmt.Errorf("no sandbox for agent %q", agentID)}
	}

	path := filepath.Join(root, relPath)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", &WorkspaceError{AgentID: agentID, Path: relPath, Err: fmt.Errorf("path escapes sandbox")}
	}
	return path, nil
}
