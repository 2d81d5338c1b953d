//go:build !integration

package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jurishealth/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	done := now.Add(90 * time.Second)
	runs := []model.IngestionRun{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Trigger:    model.TriggerCron,
			Outcome:    model.OutcomePartial,
			StartedAt:  now,
			FinishedAt: &done,
			Sources: map[model.Origin]model.SourceResult{
				model.OriginCourtScraper: {Outcome: model.OutcomeSuccess, Counts: model.SourceCounts{New: 3, Updated: 1}},
				model.OriginJudicialAPI:  {Outcome: model.OutcomeFailed, Counts: model.SourceCounts{Rejected: 2}},
			},
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Trigger:   model.TriggerManual,
			Outcome:   model.OutcomeRunning,
			StartedAt: now.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "TRIGGER")
	assert.Contains(t, output, "OUTCOME")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "partial")
	assert.Contains(t, output, "cron")
	assert.Contains(t, output, "1m30s")
	assert.Contains(t, output, "2024-01-15 08:00")
	assert.Contains(t, output, "running")
}

func TestFormatRunStats(t *testing.T) {
	last := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	stats := &model.RunStats{
		Total: 5,
		ByOutcome: map[model.RunOutcome]int{
			model.OutcomeSuccess: 3,
			model.OutcomeFailed:  2,
		},
		CasesCreated:    12,
		CasesUpdated:    4,
		AvgDurationSecs: 42.5,
		LastSuccessAt:   &last,
	}

	var buf bytes.Buffer
	formatRunStats(&buf, stats)

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "5")
	assert.Contains(t, output, "success:")
	assert.Contains(t, output, "failed:")
	assert.Contains(t, output, "12")
	assert.Contains(t, output, "42.5s")
	assert.Contains(t, output, "2024-01-15T09:00:00Z")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("failed:")), bytes.Index(buf.Bytes(), []byte("success:")))
}

func TestFormatRunStats_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &model.RunStats{ByOutcome: map[model.RunOutcome]int{}})

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.NotContains(t, output, "Avg duration")
	assert.NotContains(t, output, "Last success")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}

func TestRunExit(t *testing.T) {
	tests := []struct {
		outcome model.RunOutcome
		code    int
	}{
		{model.OutcomeSuccess, 0},
		{model.OutcomePartial, 2},
		{model.OutcomeFailed, 1},
		{model.OutcomeCancelled, 1},
		{model.OutcomeSkipped, 3},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			err := runExit(&model.IngestionRun{Outcome: tt.outcome})
			if tt.code == 0 {
				assert.NoError(t, err)
				return
			}
			var ee *exitError
			require.True(t, errors.As(err, &ee))
			assert.Equal(t, tt.code, ee.code)
		})
	}
}

func TestFormatCasesList(t *testing.T) {
	seen := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	cases := []model.Case{{
		ID:              "0f1e2d3c-0000-0000-0000-000000000000",
		CanonicalNumber: "C2024001",
		Status:          model.CaseStatusBidding,
		Specialties:     []model.Specialty{"cardiology", "oncology"},
		City:            "Sao Paulo",
		FirstSeenAt:     seen,
	}}

	var buf bytes.Buffer
	formatCasesList(&buf, cases)

	output := buf.String()
	assert.Contains(t, output, "0f1e2d3c")
	assert.Contains(t, output, "C2024001")
	assert.Contains(t, output, "bidding")
	assert.Contains(t, output, "cardiology,oncology")
	assert.Contains(t, output, "Sao Paulo")
	assert.Contains(t, output, "2024-01-15 08:00")
}
