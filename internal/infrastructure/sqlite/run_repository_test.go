package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "state", "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewDBCreatesDirectoryAndSchema(t *testing.T) {
	db := newTestDB(t)

	var name string
	err := db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='loop_results'",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "loop_results", name)
}

func TestCreateAndFinishRun(t *testing.T) {
	repo := newTestDB(t).Runs()

	require.NoError(t, repo.CreateRun("run-1", "plan.yaml"))

	run, err := repo.FindRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "plan.yaml", run.PlanPath)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, repo.FinishRun("run-1"))
	run, err = repo.FindRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, run.FinishedAt)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestFinishUnknownRun(t *testing.T) {
	repo := newTestDB(t).Runs()
	assert.ErrorIs(t, repo.FinishRun("ghost"), ErrRunNotFound)
}

func TestFindUnknownRun(t *testing.T) {
	repo := newTestDB(t).Runs()
	_, err := repo.FindRun("ghost")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRecordAndListResults(t *testing.T) {
	repo := newTestDB(t).Runs()
	require.NoError(t, repo.CreateRun("run-1", "plan.yaml"))
	require.NoError(t, repo.CreateRun("run-2", "plan.yaml"))

	require.NoError(t, repo.RecordResult(ResultRecord{
		RunGUID:    "run-1",
		AgentID:    "developer-1",
		TaskID:     "T001",
		ResultType: "task_complete",
		RetryCount: 0,
		SpawnCount: 2,
	}))
	require.NoError(t, repo.RecordResult(ResultRecord{
		RunGUID:    "run-1",
		AgentID:    "developer-2",
		TaskID:     "T002",
		ResultType: "pr_created",
		SpawnCount: 1,
		PRURL:      "local://pr/1",
		Merged:     true,
	}))
	require.NoError(t, repo.RecordResult(ResultRecord{
		RunGUID:    "run-2",
		AgentID:    "developer-1",
		TaskID:     "T001",
		ResultType: "max_retries",
		RetryCount: 3,
		SpawnCount: 3,
		Error:      "blockers unresolved",
	}))

	records, err := repo.ListResults("run-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "developer-1", records[0].AgentID)
	assert.Equal(t, "task_complete", records[0].ResultType)
	assert.Empty(t, records[0].PRURL)
	assert.Equal(t, "local://pr/1", records[1].PRURL)
	assert.True(t, records[1].Merged)

	records, err = repo.ListResults("run-2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "max_retries", records[0].ResultType)
	assert.Equal(t, 3, records[0].RetryCount)
	assert.Equal(t, "blockers unresolved", records[0].Error)
}

func TestListRunsNewestFirst(t *testing.T) {
	repo := newTestDB(t).Runs()
	require.NoError(t, repo.CreateRun("run-1", "plan.yaml"))
	require.NoError(t, repo.CreateRun("run-2", "plan.yaml"))

	runs, err := repo.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].GUID)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	db1, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db1.Runs().CreateRun("run-1", "plan.yaml"))
	require.NoError(t, db1.Close())

	db2, err := NewDB(path)
	require.NoError(t, err)
	defer db2.Close()

	run, err := db2.Runs().FindRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "plan.yaml", run.PlanPath)
}
