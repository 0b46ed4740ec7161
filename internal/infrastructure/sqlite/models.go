package sqlite

import "time"

// Run is one orchestration run of a plan.
type Run struct {
	GUID       string
	PlanPath   string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// ResultRecord is the persisted outcome of one agent lifecycle loop.
type ResultRecord struct {
	RunGUID    string
	AgentID    string
	TaskID     string
	ResultType string
	RetryCount int
	SpawnCount int
	PRURL      string
	Merged     bool
	Error      string
	RecordedAt time.Time
}

// runModel maps the runs table row. Timestamps are Unix seconds.
type runModel struct {
	ID         int64
	GUID       string
	PlanPath   string
	StartedAt  int64
	FinishedAt *int64
}

func (m *runModel) toRun() Run {
	r := Run{
		GUID:      m.GUID,
		PlanPath:  m.PlanPath,
		StartedAt: time.Unix(m.StartedAt, 0),
	}
	if m.FinishedAt != nil {
		t := time.Unix(*m.FinishedAt, 0)
		r.FinishedAt = &t
	}
	return r
}

// resultModel maps the loop_results table row.
type resultModel struct {
	ID         int64
	RunGUID    string
	AgentID    string
	TaskID     string
	ResultType string
	RetryCount int
	SpawnCount int
	PRURL      *string
	Merged     bool
	Error      *string
	RecordedAt int64
}

func (m *resultModel) toRecord() ResultRecord {
	rec := ResultRecord{
		RunGUID:    m.RunGUID,
		AgentID:    m.AgentID,
		TaskID:     m.TaskID,
		ResultType: m.ResultType,
		RetryCount: m.RetryCount,
		SpawnCount: m.SpawnCount,
		Merged:     m.Merged,
		RecordedAt: time.Unix(m.RecordedAt, 0),
	}
	if m.PRURL != nil {
		rec.PRURL = *m.PRURL
	}
	if m.Error != nil {
		rec.Error = *m.Error
	}
	return rec
}
