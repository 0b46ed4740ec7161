package ci

import (
	"context"
	"time"
)

// CIProvider abstracts a CI system: builds, pull requests, and event
// subscription. Wait operations return TimeoutError on expiry without
// dequeuing the run or PR, so callers may retry.
type CIProvider interface {
	TriggerBuild(ctx context.Context, branch string) (int64, error)
	GetBuildStatus(runID int64) (BuildStatus, error)
	WaitForBuild(ctx context.Context, runID int64, timeout time.Duration) (BuildStatus, error)

	CreatePR(ctx context.Context, req PRRequest) (PRInfo, error)
	GetPRStatus(prNumber int) (PRInfo, error)
	MergePR(ctx context.Context, prNumber int) error
	WaitForPRMerge(ctx context.Context, prNumber int, timeout time.Duration) (PRInfo, error)

	Subscribe(h Handler, filter *Filter) *Subscription
	Unsubscribe(sub *Subscription)
}
