package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound reports a lookup for a run GUID the ledger has never seen.
var ErrRunNotFound = errors.New("run not found")

const resultColumns = `run_guid, agent_id, task_id, result_type, retry_count, spawn_count, pr_url, merged, error, recorded_at`

// RunRepository reads and writes the run ledger.
type RunRepository struct {
	db *sql.DB
}

func newRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun records the start of an orchestration run.
func (r *RunRepository) CreateRun(guid, planPath string) error {
	_, err := r.db.Exec(
		`INSERT INTO runs (guid, plan_path, started_at) VALUES (?, ?, ?)`,
		guid, planPath, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the run's finish time.
func (r *RunRepository) FinishRun(guid string) error {
	res, err := r.db.Exec(
		`UPDATE runs SET finished_at = ? WHERE guid = ?`,
		time.Now().Unix(), guid,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// FindRun retrieves a run by GUID.
func (r *RunRepository) FindRun(guid string) (Run, error) {
	row := r.db.QueryRow(
		`SELECT id, guid, plan_path, started_at, finished_at FROM runs WHERE guid = ?`,
		guid,
	)
	var m runModel
	err := row.Scan(&m.ID, &m.GUID, &m.PlanPath, &m.StartedAt, &m.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run: %w", err)
	}
	return m.toRun(), nil
}

// ListRuns returns all runs, newest first.
func (r *RunRepository) ListRuns() ([]Run, error) {
	rows, err := r.db.Query(
		`SELECT id, guid, plan_path, started_at, finished_at FROM runs ORDER BY started_at DESC, id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var m runModel
		if err := rows.Scan(&m.ID, &m.GUID, &m.PlanPath, &m.StartedAt, &m.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, m.toRun())
	}
	return runs, rows.Err()
}

// RecordResult appends a loop outcome to the ledger.
func (r *RunRepository) RecordResult(rec ResultRecord) error {
	var prURL, errMsg *string
	if rec.PRURL != "" {
		prURL = &rec.PRURL
	}
	if rec.Error != "" {
		errMsg = &rec.Error
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err := r.db.Exec(
		`INSERT INTO loop_results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunGUID, rec.AgentID, rec.TaskID, rec.ResultType,
		rec.RetryCount, rec.SpawnCount, prURL, rec.Merged, errMsg, recordedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert loop result: %w", err)
	}
	return nil
}

// ListResults returns all loop outcomes for a run in recording order.
func (r *RunRepository) ListResults(runGUID string) ([]ResultRecord, error) {
	rows, err := r.db.Query(
		`SELECT `+resultColumns+` FROM loop_results WHERE run_guid = ? ORDER BY id`,
		runGUID,
	)
	if err != nil {
		return nil, fmt.Errorf("list loop results: %w", err)
	}
	defer rows.Close()

	var records []ResultRecord
	for rows.Next() {
		var m resultModel
		err := rows.Scan(
			&m.RunGUID, &m.AgentID, &m.TaskID, &m.ResultType,
			&m.RetryCount, &m.SpawnCount, &m.PRURL, &m.Merged, &m.Error, &m.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan loop result: %w", err)
		}
		records = append(records, m.toRecord())
	}
	return records, rows.Err()
}
