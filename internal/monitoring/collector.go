// Package monitoring watches ingestion health and sends alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jurishealth/internal/model"
)

// Snapshot summarizes ingestion runs over a lookback window.
type Snapshot struct {
	LookbackHours int                      `json:"lookback_hours"`
	Runs          int                      `json:"runs"`
	ByOutcome     map[model.RunOutcome]int `json:"by_outcome"`
	Finished      int                      `json:"finished"`
	Failed        int                      `json:"failed"`
	FailRate      float64                  `json:"fail_rate"`
	CasesCreated  int                      `json:"cases_created"`
	LastSuccessAt *time.Time               `json:"last_success_at,omitempty"`
	CollectedAt   time.Time                `json:"collected_at"`
}

// RunStatser is the store method the collector reads.
type RunStatser interface {
	RunStats(ctx context.Context, since time.Time) (*model.RunStats, error)
}

// Collector gathers a Snapshot from the run history.
type Collector struct {
	store RunStatser
	now   func() time.Time
}

// NewCollector creates a Collector over st.
func NewCollector(st RunStatser) *Collector {
	return &Collector{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Collect summarizes runs started in the last lookbackHours.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now()
	stats, err := c.store.RunStats(ctx, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: run stats")
	}

	snap := &Snapshot{
		LookbackHours: lookbackHours,
		Runs:          stats.Total,
		ByOutcome:     stats.ByOutcome,
		CasesCreated:  stats.CasesCreated,
		LastSuccessAt: stats.LastSuccessAt,
		CollectedAt:   now,
	}
	for outcome, n := range stats.ByOutcome {
		switch outcome {
		case model.OutcomeSuccess, model.OutcomePartial:
			snap.Finished += n
		case model.OutcomeFailed:
			snap.Finished += n
			snap.Failed += n
		}
	}
	if snap.Finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Finished)
	}
	return snap, nil
}
