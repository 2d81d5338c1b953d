// Package store persists cases, bids, awards and ingestion history.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jurishealth/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrRunClosed is returned when closing an ingestion run twice.
	ErrRunClosed = eris.New("store: ingestion run already closed")
)

// CaseFilter specifies criteria for listing cases.
type CaseFilter struct {
	Status    model.CaseStatus `json:"status,omitempty"`
	Specialty model.Specialty  `json:"specialty,omitempty"`
	City      string           `json:"city,omitempty"`
	CourtCode string           `json:"court_code,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// BidFilter specifies criteria for listing bids.
type BidFilter struct {
	CaseID     string          `json:"case_id,omitempty"`
	HospitalID string          `json:"hospital_id,omitempty"`
	Status     model.BidStatus `json:"status,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing ingestion runs.
type RunFilter struct {
	Outcome model.RunOutcome `json:"outcome,omitempty"`
	Trigger model.Trigger    `json:"trigger,omitempty"`
	Since   time.Time        `json:"since,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}

// Store defines the persistence interface for cases, bids and ingestion.
type Store interface {
	// Cases
	GetCase(ctx context.Context, id string) (*model.Case, error)
	GetCaseByNumber(ctx context.Context, canonicalNumber string) (*model.Case, error)
	// InsertCase reports false when a case with the same canonical number
	// already exists; nothing is written in that case.
	InsertCase(ctx context.Context, c *model.Case) (bool, error)
	// UpdateCaseFields writes the source-derived fields and last_updated_at.
	// It never writes status.
	UpdateCaseFields(ctx context.Context, c *model.Case) error
	ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error)
	// ListDueForExpiry returns open or bidding cases first seen at or before cutoff.
	ListDueForExpiry(ctx context.Context, cutoff time.Time) ([]model.Case, error)
	// ListExpiredBefore returns expired cases whose expiry was audited at or before cutoff.
	ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]model.Case, error)

	// Conflicts. RecordConflict keeps the first row for a given case, field,
	// incoming value and origin; repeats are ignored.
	RecordConflict(ctx context.Context, c *model.Conflict) error
	ListConflicts(ctx context.Context, caseID string, limit int) ([]model.Conflict, error)

	// WithCaseLock runs fn in a transaction holding an exclusive lock on the
	// case row. Any error from fn rolls the transaction back. Returns
	// ErrNotFound when the case does not exist.
	WithCaseLock(ctx context.Context, caseID string, fn func(tx CaseTx) error) error

	// Bids and awards
	GetBid(ctx context.Context, id string) (*model.Bid, error)
	ListBids(ctx context.Context, filter BidFilter) ([]model.Bid, error)
	GetAward(ctx context.Context, caseID string) (*model.Award, error)
	ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error)

	// Ingestion runs
	CreateRun(ctx context.Context, run *model.IngestionRun) error
	CloseRun(ctx context.Context, run *model.IngestionRun) error
	GetRun(ctx context.Context, id string) (*model.IngestionRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error)
	RunStats(ctx context.Context, since time.Time) (*model.RunStats, error)

	// Resume cursors
	SaveCursor(ctx context.Context, origin model.Origin, cursor string) error
	// LoadCursor returns "" when no cursor is saved.
	LoadCursor(ctx context.Context, origin model.Origin) (string, error)
	ClearCursor(ctx context.Context, origin model.Origin) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// CaseTx is the view of one locked case inside WithCaseLock.
type CaseTx interface {
	// Case returns the locked case. SetStatus keeps it current.
	Case() *model.Case
	Bids(ctx context.Context) ([]model.Bid, error)
	ActiveBids(ctx context.Context) ([]model.Bid, error)
	// GetBid returns ErrNotFound when the bid is not on this case.
	GetBid(ctx context.Context, bidID string) (*model.Bid, error)
	InsertBid(ctx context.Context, b *model.Bid) error
	SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error
	// SetStatus fails with model.ErrIllegalTransition for pairs outside the
	// transition table.
	SetStatus(ctx context.Context, to model.CaseStatus, at time.Time) error
	InsertAward(ctx context.Context, a *model.Award) error
	GetAward(ctx context.Context) (*model.Award, error)
	DeleteAward(ctx context.Context) error
	InsertAudit(ctx context.Context, e *model.AuditEntry) error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// summarizeRuns folds closed runs into RunStats.
func summarizeRuns(runs []model.IngestionRun) *model.RunStats {
	st := &model.RunStats{ByOutcome: make(map[model.RunOutcome]int)}
	var total time.Duration
	closed := 0
	for i := range runs {
		r := &runs[i]
		st.Total++
		st.ByOutcome[r.Outcome]++
		t := r.Totals()
		st.CasesCreated += t.New
		st.CasesUpdated += t.Updated
		if r.Closed() {
			total += r.Duration()
			closed++
		}
		if r.Outcome == model.OutcomeSuccess && r.FinishedAt != nil {
			if st.LastSuccessAt == nil || r.FinishedAt.After(*st.LastSuccessAt) {
				ts := *r.FinishedAt
				st.LastSuccessAt = &ts
			}
		}
	}
	if closed > 0 {
		st.AvgDurationSecs = total.Seconds() / float64(closed)
	}
	return st
}

func specialtiesToStrings(in []model.Specialty) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func stringsToSpecialties(in []string) []model.Specialty {
	out := make([]model.Specialty, len(in))
	for i, s := range in {
		out[i] = model.Specialty(s)
	}
	slices.Sort(out)
	return out
}

func originsToStrings(in []model.Origin) []string {
	out := make([]string, len(in))
	for i, o := range in {
		out[i] = string(o)
	}
	return out
}

func stringsToOrigins(in []string) []model.Origin {
	out := make([]model.Origin, len(in))
	for i, s := range in {
		out[i] = model.Origin(s)
	}
	slices.Sort(out)
	return out
}

// dateOnly truncates a filing date to its calendar day in UTC.
func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
