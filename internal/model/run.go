package model

import (
	"time"

	"github.com/sells-group/health-report/internal/resilience"
)

// RunStatus is the terminal (or pending) state of a workflow run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s != RunStatusPending && s != ""
}

// Stage names used in error records and cache entries.
const (
	StageResolve = "dataset.resolve"
	StageMap     = "dataset.map"
	StageRefine  = "dataset.refine"
	StageExpand  = "news.expand"
	StageSearch  = "news.search"
	StageFetch   = "news.fetch"
	StageEval    = "news.evaluate"
	StageJoin    = "join"
	StageReport  = "report"
	StageRetain  = "report.retain"
)

// Branch names.
const (
	BranchDataset = "dataset"
	BranchNews    = "news"
)

// ErrorRecord captures one failure observed during a run. Records are
// additive: they are appended, never rewritten.
type ErrorRecord struct {
	Stage    string          `json:"stage"`
	TaskID   string          `json:"task_id,omitempty"`
	Kind     resilience.Kind `json:"kind"`
	Detail   string          `json:"detail"`
	Terminal bool            `json:"terminal"`
	At       time.Time       `json:"at"`
}

// NewErrorRecord classifies err and stamps it with the current time.
func NewErrorRecord(stage, taskID string, err error, terminal bool) ErrorRecord {
	return ErrorRecord{
		Stage:    stage,
		TaskID:   taskID,
		Kind:     resilience.KindOf(err),
		Detail:   err.Error(),
		Terminal: terminal,
		At:       time.Now().UTC(),
	}
}

// WorkflowState is the shared record threaded through a run. Each branch
// owns exactly one slot; the join builds the merged view once.
type WorkflowState struct {
	RunID        string         `json:"run_id"`
	StartedAt    time.Time      `json:"started_at"`
	Topic        string         `json:"topic"`
	LookbackDays int            `json:"lookback_days,omitempty"`
	Dataset      *DatasetResult `json:"dataset,omitempty"`
	News         *NewsResult    `json:"news,omitempty"`
	Errors       []ErrorRecord  `json:"errors"`
	Status       RunStatus      `json:"status"`
}

// RunReport is what a finished run hands back to its caller.
type RunReport struct {
	RunID    string         `json:"run_id"`
	Topic    string         `json:"topic"`
	Status   RunStatus      `json:"status"`
	Artifact string         `json:"artifact,omitempty"`
	Metrics  *Metrics       `json:"metrics,omitempty"`
	Dataset  *DatasetResult `json:"dataset,omitempty"`
	News     *NewsSummary   `json:"news,omitempty"`
	Errors   []ErrorRecord  `json:"errors"`
	Started  time.Time      `json:"started_at"`
	Duration time.Duration  `json:"duration_ns"`
}
