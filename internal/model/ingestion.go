package model

import (
	"time"
)

// Trigger records what started an ingestion run.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
	TriggerAPI    Trigger = "api"
)

// RunOutcome is the aggregate or per-source result of an ingestion run.
type RunOutcome string

const (
	OutcomeRunning   RunOutcome = "running"
	OutcomeSuccess   RunOutcome = "success"
	OutcomePartial   RunOutcome = "partial"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeCancelled RunOutcome = "cancelled"
	OutcomeSkipped   RunOutcome = "skipped"
)

// SourceCounts accumulates per-source ingestion counters.
type SourceCounts struct {
	Fetched   int `json:"fetched"`
	New       int `json:"new"`
	Updated   int `json:"updated"`
	Duplicate int `json:"duplicate"`
	Rejected  int `json:"rejected"`
	Conflicts int `json:"conflicts"`
}

// Add sums o into c.
func (c *SourceCounts) Add(o SourceCounts) {
	c.Fetched += o.Fetched
	c.New += o.New
	c.Updated += o.Updated
	c.Duplicate += o.Duplicate
	c.Rejected += o.Rejected
	c.Conflicts += o.Conflicts
}

// SourceResult is the outcome of one source branch within a run.
type SourceResult struct {
	Outcome  RunOutcome   `json:"outcome"`
	Counts   SourceCounts `json:"counts"`
	Pages    int          `json:"pages"`
	Attempts int          `json:"attempts"`
	Cursor   string       `json:"cursor,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// IngestionRun is one execution of the ingestion pipeline. It is created at
// start, threaded through the orchestrator, and immutable once FinishedAt is set.
type IngestionRun struct {
	ID         string                  `json:"id"`
	Trigger    Trigger                 `json:"trigger"`
	Outcome    RunOutcome              `json:"outcome"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	Sources    map[Origin]SourceResult `json:"sources"`
	Error      string                  `json:"error,omitempty"`
}

// Closed reports whether the run has been finalized.
func (r *IngestionRun) Closed() bool {
	return r.FinishedAt != nil
}

// Duration returns the wall time of a closed run, or zero.
func (r *IngestionRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Totals sums the counters across all sources.
func (r *IngestionRun) Totals() SourceCounts {
	var t SourceCounts
	for _, s := range r.Sources {
		t.Add(s.Counts)
	}
	return t
}

// AggregateOutcome derives the run outcome from per-source outcomes. The
// run fails only when every source failed outright; any other failure,
// including a source that stopped after committing pages, is partial.
func AggregateOutcome(sources map[Origin]SourceResult) RunOutcome {
	if len(sources) == 0 {
		return OutcomeFailed
	}
	failed, partial, cancelled := 0, 0, 0
	for _, s := range sources {
		switch s.Outcome {
		case OutcomeFailed:
			failed++
		case OutcomePartial:
			partial++
		case OutcomeCancelled:
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return OutcomeCancelled
	case failed == len(sources):
		return OutcomeFailed
	case failed > 0, partial > 0:
		return OutcomePartial
	default:
		return OutcomeSuccess
	}
}

// RunStats summarizes ingestion history.
type RunStats struct {
	Total           int                `json:"total"`
	ByOutcome       map[RunOutcome]int `json:"by_outcome"`
	CasesCreated    int                `json:"cases_created"`
	CasesUpdated    int                `json:"cases_updated"`
	AvgDurationSecs float64            `json:"avg_duration_secs"`
	LastSuccessAt   *time.Time         `json:"last_success_at,omitempty"`
}
