package core

import (
	"time"
)

// Stage identifies where in the pipeline a run currently is, or where it
// stopped. Stages always execute in order; no stage starts before the
// previous stage's full output is available.
type Stage string

const (
	StageInit   Stage = "init"
	StageFetch  Stage = "fetch"
	StageFilter Stage = "filter"
	StageDedup  Stage = "dedup"
	StageNotify Stage = "notify"
	StageCommit Stage = "commit"
	StageDone   Stage = "done"
)

// RunStatus represents the terminal state of a run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted means every new posting was notified and committed.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusPartial means some notifications failed; the successfully
	// delivered subset was committed and the rest stays eligible for the
	// next run.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed means the run aborted without committing state.
	RunStatusFailed RunStatus = "failed"
)

// RunError is a single error record kept on the run result, in the order
// errors occurred.
type RunError struct {
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RunResult aggregates the statistics of one pipeline execution. It is
// created fresh each run and never carried across runs.
type RunResult struct {
	Profile       string         `json:"profile"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
	Status        RunStatus      `json:"status"`
	Stage         Stage          `json:"stage"`
	FetchedCount  int            `json:"fetched_count"`
	FilteredCount int            `json:"filtered_count"`
	NewCount      int            `json:"new_count"`
	NotifiedCount int            `json:"notified_count"`
	DropReasons   map[string]int `json:"drop_reasons,omitempty"`
	Errors        []RunError     `json:"errors,omitempty"`
}

// RecordError appends an error record for the given stage.
func (r *RunResult) RecordError(stage Stage, err error) {
	if err == nil {
		return
	}
	r.Errors = append(r.Errors, RunError{
		Stage:      stage,
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	})
}

// ErrorSummary returns up to max error messages for operator-facing output.
func (r *RunResult) ErrorSummary(max int) []string {
	if max <= 0 || max > len(r.Errors) {
		max = len(r.Errors)
	}
	out := make([]string, 0, max)
	for _, e := range r.Errors[:max] {
		out = append(out, string(e.Stage)+": "+e.Message)
	}
	return out
}
