package model

import (
	"sort"
	"time"
)

// RunState is the lifecycle of a pipeline run.
type RunState string

const (
	RunPlanned   RunState = "planned"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
)

// TaskStatus is the final status of one task in a run.
type TaskStatus string

const (
	StatusPersisted      TaskStatus = "persisted"
	StatusParseFailed    TaskStatus = "parse_failed"
	StatusFetchFailed    TaskStatus = "fetch_failed"
	StatusFetchExhausted TaskStatus = "fetch_exhausted"
	StatusPersistFailed  TaskStatus = "persist_failed"
	StatusCancelled      TaskStatus = "cancelled"
)

// TaskResult is the final outcome of one task.
type TaskResult struct {
	RequestKey string        `json:"request_key"`
	Status     TaskStatus    `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
}

// RunReport aggregates every task outcome of one run. It is built by the
// orchestrator and must not be modified after Complete.
type RunReport struct {
	RunID      string    `json:"run_id"`
	State      RunState  `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Planned        int `json:"planned"`
	Succeeded      int `json:"succeeded"`
	ParseFailed    int `json:"parse_failed"`
	FetchFailed    int `json:"fetch_failed"`
	FetchExhausted int `json:"fetch_failed_retryable_exhausted"`
	Persisted      int `json:"persisted"`
	PersistFailed  int `json:"persist_failed"`
	Cancelled      int `json:"cancelled"`

	FailedKeys    []string     `json:"failed_keys"`
	CancelledKeys []string     `json:"cancelled_keys,omitempty"`
	Results       []TaskResult `json:"results"`
}

// NewRunReport starts a report in the Planned state.
func NewRunReport(runID string, planned int) *RunReport {
	return &RunReport{
		RunID:   runID,
		State:   RunPlanned,
		Planned: planned,
		Results: make([]TaskResult, 0, planned),
	}
}

// Start moves the report to Running.
func (r *RunReport) Start(at time.Time) {
	r.State = RunRunning
	r.StartedAt = at
}

// Add folds one task result into the counters.
func (r *RunReport) Add(res TaskResult) {
	if r.State == RunCompleted {
		return
	}
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusPersisted:
		r.Succeeded++
		r.Persisted++
		return
	case StatusPersistFailed:
		r.Succeeded++
		r.PersistFailed++
	case StatusParseFailed:
		r.ParseFailed++
	case StatusFetchFailed:
		r.FetchFailed++
	case StatusFetchExhausted:
		r.FetchExhausted++
	case StatusCancelled:
		r.Cancelled++
		r.CancelledKeys = append(r.CancelledKeys, res.RequestKey)
		return
	}
	r.FailedKeys = append(r.FailedKeys, res.RequestKey)
}

// Complete freezes the report.
func (r *RunReport) Complete(at time.Time) {
	sort.Strings(r.FailedKeys)
	sort.Strings(r.CancelledKeys)
	sort.Slice(r.Results, func(i, j int) bool { return r.Results[i].RequestKey < r.Results[j].RequestKey })
	r.FinishedAt = at
	r.State = RunCompleted
}

// Failures returns the number of tasks that ended in any failure status.
func (r *RunReport) Failures() int {
	return r.ParseFailed + r.FetchFailed + r.FetchExhausted + r.PersistFailed
}

// Degraded reports whether anything other than a clean persist happened.
// It is a convenience for callers; the pipeline itself never judges a run.
func (r *RunReport) Degraded() bool {
	return r.Failures() > 0 || r.Cancelled > 0
}

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
