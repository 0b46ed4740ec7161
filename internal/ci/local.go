package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/zjrosen/orchestrate/internal/gitops"
	"github.com/zjrosen/orchestrate/internal/log"
)

const (
	localProviderName = "local"

	// defaultBuildDelay is how long a fabricated build stays RUNNING.
	defaultBuildDelay = 100 * time.Millisecond

	// waitPollInterval paces WaitForBuild and WaitForPRMerge.
	waitPollInterval = 20 * time.Millisecond
)

// prRecord is the on-disk PR descriptor: PRInfo plus the body.
type prRecord struct {
	PRInfo
	Body string `json:"body"`
}

// Compile-time check that LocalProvider implements CIProvider.
var _ CIProvider = (*LocalProvider)(nil)

// LocalProvider is the reference CIProvider. Builds are fabricated with a
// fixed brief delay; PRs are real git merges. PR descriptors are persisted
// to the state directory as pr-<number>.json, so numbering survives a
// process restart.
type LocalProvider struct {
	git      gitops.GitExecutor
	bus      *EventBus
	stateDir string

	buildDelay time.Duration
	builds     *cache.Cache

	mu       sync.Mutex
	nextRun  int64
	nextPR   int
	prs      map[int]*prRecord
	failNext bool
}

// NewLocalProvider creates a provider over the given repository and state
// directory. Existing PR descriptors are loaded so numbering continues
// where the previous process stopped.
func NewLocalProvider(git gitops.GitExecutor, bus *EventBus, stateDir string) (*LocalProvider, error) {
	p := &LocalProvider{
		git:        git,
		bus:        bus,
		stateDir:   stateDir,
		buildDelay: defaultBuildDelay,
		builds:     cache.New(cache.NoExpiration, cache.NoExpiration),
		prs:        make(map[int]*prRecord),
	}
	if err := p.restore(); err != nil {
		return nil, err
	}
	return p, nil
}

// SetBuildDelay overrides the fabricated build duration. Tests use this to
// keep waits short.
func (p *LocalProvider) SetBuildDelay(d time.Duration) { p.buildDelay = d }

// FailNextBuild makes the next triggered build finish as a failure.
func (p *LocalProvider) FailNextBuild() {
	p.mu.Lock()
	p.failNext = true
	p.mu.Unlock()
}

// Events exposes the provider's event bus.
func (p *LocalProvider) Events() *EventBus { return p.bus }

// restore loads persisted PR descriptors from the state directory.
func (p *LocalProvider) restore() error {
	entries, err := os.ReadDir(p.stateDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return &CIError{Provider: localProviderName, Op: "restore", Err: err}
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "pr-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.stateDir, name)) //nolint:gosec // G304: state dir is ours
		if err != nil {
			return &CIError{Provider: localProviderName, Op: "restore", Err: err}
		}
		var rec prRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Warn(log.CatCI, "skipping unreadable PR descriptor", "file", name, "error", err)
			continue
		}
		p.prs[rec.Number] = &rec
		if rec.Number > p.nextPR {
			p.nextPR = rec.Number
		}
	}
	return nil
}

// TriggerBuild verifies the branch and starts a fabricated build. The
// build transitions RUNNING to a terminal state after the build delay, and
// every transition emits a CI event.
func (p *LocalProvider) TriggerBuild(ctx context.Context, branch string) (int64, error) {
	if !p.git.BranchExists(branch) {
		return 0, &CIError{Provider: localProviderName, Op: "triggerBuild", Err: fmt.Errorf("branch %q not found", branch)}
	}

	p.mu.Lock()
	p.nextRun++
	runID := p.nextRun
	fail := p.failNext
	p.failNext = false
	p.mu.Unlock()

	status := BuildStatus{
		RunID:     runID,
		Branch:    branch,
		State:     BuildRunning,
		StartedAt: time.Now().UTC(),
	}
	p.builds.Set(buildKey(runID), status, cache.NoExpiration)
	p.bus.Emit(CIEvent{Type: BuildStarted, Branch: branch, RunID: runID})

	delay := p.buildDelay
	log.SafeGo("ci.build", func() {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}

		done := time.Now().UTC()
		status.FinishedAt = &done
		eventType := BuildSuccess
		status.State = BuildSucceeded
		if fail {
			eventType = BuildFailure
			status.State = BuildFailed
		}
		p.builds.Set(buildKey(runID), status, cache.NoExpiration)
		p.bus.Emit(CIEvent{Type: eventType, Branch: branch, RunID: runID})
	})

	return runID, nil
}

// GetBuildStatus returns the current status of a run.
func (p *LocalProvider) GetBuildStatus(runID int64) (BuildStatus, error) {
	v, ok := p.builds.Get(buildKey(runID))
	if !ok {
		return BuildStatus{}, &CIError{Provider: localProviderName, Op: "getBuildStatus", Err: fmt.Errorf("unknown run %d", runID)}
	}
	return v.(BuildStatus), nil
}

// WaitForBuild polls until the run finishes or the timeout expires.
func (p *LocalProvider) WaitForBuild(ctx context.Context, runID int64, timeout time.Duration) (BuildStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := p.GetBuildStatus(runID)
		if err != nil {
			return BuildStatus{}, err
		}
		if status.State.Terminal() {
			return status, nil
		}
		if time.Now().After(deadline) {
			return BuildStatus{}, &TimeoutError{Op: "waitForBuild", Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return BuildStatus{}, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// CreatePR registers a pull request for a source branch. The descriptor is
// persisted before the pr_opened event is emitted.
func (p *LocalProvider) CreatePR(ctx context.Context, req PRRequest) (PRInfo, error) {
	if !p.git.BranchExists(req.SourceBranch) {
		return PRInfo{}, &CIError{Provider: localProviderName, Op: "createPR", Err: fmt.Errorf("branch %q not found", req.SourceBranch)}
	}

	p.mu.Lock()
	p.nextPR++
	number := p.nextPR
	rec := &prRecord{
		PRInfo: PRInfo{
			Number:       number,
			Title:        req.Title,
			SourceBranch: req.SourceBranch,
			TargetBranch: req.TargetBranch,
			State:        PROpen,
			URL:          fmt.Sprintf("local://pr/%d", number),
			CreatedAt:    time.Now().UTC(),
		},
		Body: req.Body,
	}
	p.prs[number] = rec
	p.mu.Unlock()

	if err := p.persist(rec); err != nil {
		return PRInfo{}, err
	}

	p.bus.Emit(CIEvent{Type: PROpened, Branch: req.SourceBranch, PRNumber: number})
	return rec.PRInfo, nil
}

// GetPRStatus returns the PR descriptor.
func (p *LocalProvider) GetPRStatus(prNumber int) (PRInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.prs[prNumber]
	if !ok {
		return PRInfo{}, &CIError{Provider: localProviderName, Op: "getPRStatus", Err: fmt.Errorf("unknown PR %d", prNumber)}
	}
	return rec.PRInfo, nil
}

// MergePR performs a real git merge of the PR's source branch into its
// target, updates the persisted descriptor, and emits pr_merged.
func (p *LocalProvider) MergePR(ctx context.Context, prNumber int) error {
	p.mu.Lock()
	rec, ok := p.prs[prNumber]
	if !ok {
		p.mu.Unlock()
		return &CIError{Provider: localProviderName, Op: "mergePR", Err: fmt.Errorf("unknown PR %d", prNumber)}
	}
	if rec.State == PRStateMerged {
		p.mu.Unlock()
		return nil
	}
	info := rec.PRInfo
	p.mu.Unlock()

	if err := p.git.Checkout(info.TargetBranch); err != nil {
		return &CIError{Provider: localProviderName, Op: "mergePR", Err: err}
	}
	msg := fmt.Sprintf("Merge PR #%d: %s", prNumber, info.Title)
	if err := p.git.Merge(info.SourceBranch, msg); err != nil {
		return &CIError{Provider: localProviderName, Op: "mergePR", Err: err}
	}

	now := time.Now().UTC()
	p.mu.Lock()
	rec.State = PRStateMerged
	rec.MergedAt = &now
	snapshot := *rec
	p.mu.Unlock()

	if err := p.persist(&snapshot); err != nil {
		return err
	}

	p.bus.Emit(CIEvent{Type: PRMerged, Branch: info.SourceBranch, PRNumber: prNumber})
	return nil
}

// WaitForPRMerge polls until the PR merges or the timeout expires.
func (p *LocalProvider) WaitForPRMerge(ctx context.Context, prNumber int, timeout time.Duration) (PRInfo, error) {
	deadline := time.Now().Add(timeout)
	for {
		info, err := p.GetPRStatus(prNumber)
		if err != nil {
			return PRInfo{}, err
		}
		if info.State == PRStateMerged {
			return info, nil
		}
		if time.Now().After(deadline) {
			return PRInfo{}, &TimeoutError{Op: "waitForPRMerge", Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return PRInfo{}, ctx.Err()
		case <-time.After(waitPollInterval):
		}
	}
}

// Subscribe registers a handler on the provider's event bus.
func (p *LocalProvider) Subscribe(h Handler, filter *Filter) *Subscription {
	return p.bus.Subscribe(h, filter)
}

// Unsubscribe removes a subscription.
func (p *LocalProvider) Unsubscribe(sub *Subscription) {
	p.bus.Unsubscribe(sub)
}

// persist writes the PR descriptor to <stateDir>/pr-<number>.json with a
// temp-file rename.
func (p *LocalProvider) persist(rec *prRecord) error {
	if err := os.MkdirAll(p.stateDir, 0o750); err != nil {
		return &CIError{Provider: localProviderName, Op: "persist", Err: err}
	}

	p.mu.Lock()
	data, err := json.MarshalIndent(rec, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return &CIError{Provider: localProviderName, Op: "persist", Err: err}
	}

	path := filepath.Join(p.stateDir, fmt.Sprintf("pr-%d.json", rec.Number))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &CIError{Provider: localProviderName, Op: "persist", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &CIError{Provider: localProviderName, Op: "persist", Err: err}
	}
	return nil
}

func buildKey(runID int64) string {
	return strconv.FormatInt(runID, 10)
}
