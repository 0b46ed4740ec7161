// Package gitops manages agent branches and per-agent sandbox workspaces.
// Git access goes through the GitExecutor interface so branch and merge
// logic can be tested without a real repository.
package gitops

// GitExecutor defines the git operations the branch manager needs.
// This abstraction allows for easy testing with mock implementations.
type GitExecutor interface {
	IsGitRepo() bool
	CurrentBranch() (string, error)
	BranchExists(name string) bool
	RemoteBranchExists(remote, name string) bool
	// Fetch updates remote tracking refs. A missing remote is not an error;
	// the caller falls back to local refs.
	Fetch(remote string) error
	// CreateBranch creates name at startPoint without checking it out.
	CreateBranch(name, startPoint string) error
	Checkout(name string) error
	// Merge merges branch into the current branch with a merge commit.
	Merge(branch, message string) error
	DeleteBranch(name string, force bool) error
	Push(remote, branch string) error
	// Log returns one-line commit subjects for ref, newest first.
	Log(ref string, limit int) ([]string, error)
	// ChangedFiles returns paths that differ between base and branch.
	ChangedFiles(base, branch string) ([]string, error)
	// StatusPorcelain returns the working tree status, one entry per line.
	StatusPorcelain() ([]string, error)
}
