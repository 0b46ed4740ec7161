package gitops

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Compile-time check that RealExecutor implements GitExecutor.
var _ GitExecutor = (*RealExecutor)(nil)

// RealExecutor implements GitExecutor by executing actual git commands.
type RealExecutor struct {
	workDir string
}

// NewRealExecutor creates an executor bound to the given repository directory.
func NewRealExecutor(workDir string) *RealExecutor {
	return &RealExecutor{workDir: workDir}
}

// runGit executes a git command and returns an error if it fails.
func (e *RealExecutor) runGit(args ...string) error {
	_, err := e.runGitOutput(args...)
	return err
}

// runGitOutput executes a git command and returns stdout and any error.
func (e *RealExecutor) runGitOutput(args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.Command("git", args...)
	if e.workDir != "" {
		cmd.Dir = e.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			return "", parseGitError(stderrStr, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to specific error types.
func parseGitError(stderr string, originalErr error) error {
	if strings.Contains(strings.ToLower(stderr), "not a git repository") {
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo checks if the working directory is inside a git repository.
func (e *RealExecutor) IsGitRepo() bool {
	return e.runGit("rev-parse", "--git-dir") == nil
}

// CurrentBranch returns the name of the current branch.
func (e *RealExecutor) CurrentBranch() (string, error) {
	out, err := e.runGitOutput("branch", "--show-current")
	if err == nil && out != "" {
		return out, nil
	}

	// Fallback: parse symbolic-ref
	out, err = e.runGitOutput("symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch: %w", err)
	}
	return out, nil
}

// BranchExists checks if a local branch with the given name exists.
func (e *RealExecutor) BranchExists(name string) bool {
	return e.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

// RemoteBranchExists checks for a remote tracking ref.
func (e *RealExecutor) RemoteBranchExists(remote, name string) bool {
	return e.runGit("show-ref", "--verify", "--quiet", "refs/remotes/"+remote+"/"+name) == nil
}

// Fetch updates tracking refs for the named remote. A repository without
// that remote is treated as local-only and returns nil.
func (e *RealExecutor) Fetch(remote string) error {
	if e.runGit("remote", "get-url", remote) != nil {
		return nil
	}
	return e.runGit("fetch", remote)
}

// CreateBranch creates name at startPoint without switching to it.
func (e *RealExecutor) CreateBranch(name, startPoint string) error {
	args := []string{"branch", name}
	if startPoint != "" {
		args = append(args, startPoint)
	}
	return e.runGit(args...)
}

// Checkout switches the working tree to the named branch.
func (e *RealExecutor) Checkout(name string) error {
	return e.runGit("checkout", name)
}

// Merge merges branch into the current branch, always recording a merge
// commit so the agent's work stays attributable on the first-parent line.
func (e *RealExecutor) Merge(branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	return e.runGit(args...)
}

// DeleteBranch removes a local branch.
func (e *RealExecutor) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return e.runGit("branch", flag, name)
}

// Push publishes branch to the named remote.
func (e *RealExecutor) Push(remote, branch string) error {
	return e.runGit("push", "-u", remote, branch)
}

// Log returns one-line commit subjects for ref, newest first. An empty
// repository yields an empty slice.
func (e *RealExecutor) Log(ref string, limit int) ([]string, error) {
	args := []string{"log", "--oneline", "-n", strconv.Itoa(limit)}
	if ref != "" {
		args = append(args, ref)
	}
	out, err := e.runGitOutput(args...)
	if err != nil {
		if strings.Contains(err.Error(), "does not have any commits") {
			return nil, nil
		}
		return nil, err
	}
	return splitLines(out), nil
}

// ChangedFiles returns paths that differ between base and branch.
func (e *RealExecutor) ChangedFiles(base, branch string) ([]string, error) {
	out, err := e.runGitOutput("diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StatusPorcelain returns the working tree status, one entry per line.
func (e *RealExecutor) StatusPorcelain() ([]string, error) {
	out, err := e.runGitOutput("status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for line := range strings.SplitSeq(out, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
