// Package ci defines the CI provider abstraction, its event bus, and a
// local reference provider that fabricates builds and PRs over a real git
// repository.
package ci

import "time"

// EventType classifies a CI event.
type EventType string

const (
	BuildStarted       EventType = "build_started"
	BuildSuccess       EventType = "build_success"
	BuildFailure       EventType = "build_failure"
	BuildCancelled     EventType = "build_cancelled"
	PROpened           EventType = "pr_opened"
	PRClosed           EventType = "pr_closed"
	PRMerged           EventType = "pr_merged"
	PRReviewRequested  EventType = "pr_review_requested"
	PRApproved         EventType = "pr_approved"
	PRChangesRequested EventType = "pr_changes_requested"
)

// CIEvent is an immutable notification emitted by a provider.
type CIEvent struct {
	Type      EventType         `json:"eventType"`
	Timestamp time.Time         `json:"timestamp"`
	Branch    string            `json:"branch,omitempty"`
	RunID     int64             `json:"runId,omitempty"`
	PRNumber  int               `json:"prNumber,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// BuildState is the lifecycle state of a build run.
type BuildState string

const (
	BuildPending   BuildState = "pending"
	BuildRunning   BuildState = "running"
	BuildSucceeded BuildState = "success"
	BuildFailed    BuildState = "failure"
)

// Terminal reports whether the build has finished.
func (s BuildState) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

// BuildStatus describes one build run.
type BuildStatus struct {
	RunID      int64      `json:"runId"`
	Branch     string     `json:"branch"`
	State      BuildState `json:"state"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	PROpen        PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)

// PRInfo describes a pull request.
type PRInfo struct {
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	SourceBranch string     `json:"sourceBranch"`
	TargetBranch string     `json:"targetBranch"`
	State        PRState    `json:"state"`
	URL          string     `json:"url"`
	CreatedAt    time.Time  `json:"createdAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
}

// PRRequest is the input to CreatePR.
type PRRequest struct {
	Title        string
	Body         string
	SourceBranch string
	TargetBranch string
}
