package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orchestrate/internal/ci"
	"github.com/zjrosen/orchestrate/internal/commbus"
	"github.com/zjrosen/orchestrate/internal/gitops"
	"github.com/zjrosen/orchestrate/internal/infrastructure/sqlite"
	"github.com/zjrosen/orchestrate/internal/lifecycle"
	"github.com/zjrosen/orchestrate/internal/orchestrator"
	"github.com/zjrosen/orchestrate/internal/plan"
	"github.com/zjrosen/orchestrate/internal/supervisor"
	"github.com/zjrosen/orchestrate/internal/tracing"
)

var planPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator against a project plan",
	RunE:  runOrchestrator,
}

func init() {
	runCmd.Flags().StringVarP(&planPath, "plan", "p", "plan.yaml", "project plan file")
	rootCmd.AddCommand(runCmd)
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	projectPlan, warnings, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		fmt.Printf("plan warning: %s\n", w)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	git := gitops.NewRealExecutor(cfg.RepoDir)
	if !git.IsGitRepo() {
		return fmt.Errorf("not a git repository: %s", cfg.RepoDir)
	}

	db, err := sqlite.NewDB(filepath.Join(cfg.StateDir, "orchestrate.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	provider, err := ci.NewLocalProvider(git, ci.NewEventBus(cfg.EventHistoryLimit), cfg.StateDir)
	if err != nil {
		return err
	}

	bus := commbus.New(cfg.CommFile)
	sup := supervisor.New()
	defer sup.Close()

	model := plan.NewModel(projectPlan)
	matcher := plan.NewMatcher(model)

	orch := orchestrator.New(orchestrator.Deps{
		Model:     model,
		Matcher:   matcher,
		Bus:       bus,
		Spawner:   lifecycle.SupervisorSpawner{Supervisor: sup},
		Provider:  provider,
		Branches:  gitops.NewBranchManager(git, cfg.IntegrationBranch),
		Workspace: gitops.NewWorkspace(cfg.SandboxBaseDir),
		Snapshots: lifecycle.NewSnapshotter(cfg.SnapshotDir, git, bus),
		Ledger:    db.Runs(),
		Config:    cfg,
		PlanPath:  planPath,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Run %s started with plan %s\n", orch.RunGUID(), planPath)

	go func() {
		<-ctx.Done()
		fmt.Println("\nShutting down...")
		orch.Stop()
	}()

	orch.WaitForCompletion()

	stats := matcher.Stats()
	fmt.Printf("Run %s finished: %d/%d tasks complete\n", orch.RunGUID(), stats.Complete, stats.Total)
	for _, res := range orch.Results() {
		line := fmt.Sprintf("  %s %s: %s (spawns %d, retries %d)",
			res.AgentID, res.TaskID, res.Type, res.SpawnCount, res.RetryCount)
		if res.PRURL != "" {
			line += " pr=" + res.PRURL
		}
		fmt.Println(line)
	}
	if stats.Complete < stats.Total {
		return fmt.Errorf("%d tasks unfinished", stats.Total-stats.Complete)
	}
	return nil
}
