package dedup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/normalize"
	"github.com/sells-group/jurishealth/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	t0 = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
)

func ptr[T any](v T) *T { return &v }

func candidate(origin model.Origin) normalize.Candidate {
	return normalize.Candidate{
		CanonicalNumber: "C2024001",
		Court:           "Tribunal de Justiça de Minas Gerais",
		CourtCode:       "TJMG",
		City:            "Belo Horizonte",
		CityCode:        "3106200",
		Specialties:     []model.Specialty{model.SpecialtyMedication},
		EstimatedValue:  ptr(int64(4500000)),
		FilingDate:      ptr(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)),
		Origin:          origin,
	}
}

func TestDecide_New(t *testing.T) {
	d := Decide(nil, candidate(model.OriginCourtScraper), t0)
	assert.Equal(t, KindNew, d.Kind)
	assert.Equal(t, model.CaseStatusOpen, d.Case.Status)
	assert.Equal(t, t0, d.Case.FirstSeenAt)
}

func TestDecide_Duplicate(t *testing.T) {
	existing := candidate(model.OriginCourtScraper).NewCase("id-1", t0)
	existing.Status = model.CaseStatusBidding

	d := Decide(existing, candidate(model.OriginCourtScraper), t1)
	assert.Equal(t, KindDuplicate, d.Kind)
	assert.False(t, d.Changed)
	assert.Equal(t, t1, d.Case.LastUpdatedAt)
	assert.Equal(t, t0, d.Case.FirstSeenAt)
	assert.Equal(t, model.CaseStatusBidding, d.Case.Status)
	// input untouched
	assert.Equal(t, t0, existing.LastUpdatedAt)
}

func TestDecide_ConfirmAddsOriginAndSpecialty(t *testing.T) {
	existing := candidate(model.OriginCourtScraper).NewCase("id-1", t0)
	cand := candidate(model.OriginJudicialAPI)
	cand.Specialties = []model.Specialty{model.SpecialtyChemotherapy}

	d := Decide(existing, cand, t1)
	assert.Equal(t, KindConfirm, d.Kind)
	assert.Equal(t, []model.Origin{model.OriginCourtScraper, model.OriginJudicialAPI}, d.Case.OriginSources)
	assert.Equal(t, []model.Specialty{model.SpecialtyChemotherapy, model.SpecialtyMedication}, d.Case.Specialties)
}

func TestDecide_FillsNullFields(t *testing.T) {
	sparse := candidate(model.OriginCourtScraper)
	sparse.EstimatedValue = nil
	sparse.FilingDate = nil
	sparse.CourtCode = ""
	sparse.CityCode = ""
	existing := sparse.NewCase("id-1", t0)

	d := Decide(existing, candidate(model.OriginCourtScraper), t1)
	assert.Equal(t, KindConfirm, d.Kind)
	require.NotNil(t, d.Case.EstimatedValue)
	assert.Equal(t, int64(4500000), *d.Case.EstimatedValue)
	require.NotNil(t, d.Case.FilingDate)
	assert.Equal(t, "TJMG", d.Case.CourtCode)
	assert.Equal(t, "3106200", d.Case.CityCode)
}

func TestDecide_UnclassifiedReplacedByRealSpecialty(t *testing.T) {
	vague := candidate(model.OriginCourtScraper)
	vague.Specialties = []model.Specialty{model.SpecialtyUnclassified}
	existing := vague.NewCase("id-1", t0)

	d := Decide(existing, candidate(model.OriginCourtScraper), t1)
	assert.Equal(t, KindConfirm, d.Kind)
	assert.Equal(t, []model.Specialty{model.SpecialtyMedication}, d.Case.Specialties)

	// and the reverse adds nothing
	d = Decide(d.Case, vague, t1)
	assert.Equal(t, KindDuplicate, d.Kind)
}

func TestDecide_ConflictKeepsExisting(t *testing.T) {
	existing := candidate(model.OriginCourtScraper).NewCase("id-1", t0)
	cand := candidate(model.OriginJudicialAPI)
	cand.EstimatedValue = ptr(int64(5000000))
	cand.FilingDate = ptr(time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))

	d := Decide(existing, cand, t1)
	assert.Equal(t, KindConflict, d.Kind)
	assert.True(t, d.Changed) // new origin still merged
	assert.Equal(t, int64(4500000), *d.Case.EstimatedValue)
	assert.Equal(t, "2024-01-10", d.Case.FilingDate.Format("2006-01-02"))
	require.Len(t, d.Conflicts, 2)
	assert.Equal(t, FieldConflict{Field: FieldEstimatedValue, Existing: "4500000", Incoming: "5000000"}, d.Conflicts[0])
	assert.Equal(t, FieldFilingDate, d.Conflicts[1].Field)
}

func TestDecision_Count(t *testing.T) {
	var c model.SourceCounts
	Decision{Kind: KindNew}.Count(&c)
	Decision{Kind: KindConfirm}.Count(&c)
	Decision{Kind: KindDuplicate}.Count(&c)
	Decision{Kind: KindConflict, Changed: true}.Count(&c)
	Decision{Kind: KindConflict}.Count(&c)
	assert.Equal(t, model.SourceCounts{New: 1, Updated: 2, Duplicate: 2, Conflicts: 2}, c)
}

func newSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "dedup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestApply_Idempotent(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	clock := t0
	d := New(st, WithClock(func() time.Time { return clock }))

	first, err := d.Apply(ctx, candidate(model.OriginCourtScraper))
	require.NoError(t, err)
	assert.Equal(t, KindNew, first.Kind)

	before, err := st.GetCaseByNumber(ctx, "C2024001")
	require.NoError(t, err)

	clock = t1
	second, err := d.Apply(ctx, candidate(model.OriginCourtScraper))
	require.NoError(t, err)
	assert.Equal(t, KindDuplicate, second.Kind)

	after, err := st.GetCaseByNumber(ctx, "C2024001")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, t1.Equal(after.LastUpdatedAt))
	after.LastUpdatedAt = before.LastUpdatedAt
	assert.Equal(t, before, after)

	cases, err := st.ListCases(ctx, store.CaseFilter{})
	require.NoError(t, err)
	assert.Len(t, cases, 1)
}

func TestApply_ConflictRecorded(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	d := New(st, WithClock(func() time.Time { return t0 }))

	_, err := d.Apply(ctx, candidate(model.OriginCourtScraper))
	require.NoError(t, err)

	cand := candidate(model.OriginJudicialAPI)
	cand.EstimatedValue = ptr(int64(9900000))
	dec, err := d.Apply(ctx, cand)
	require.NoError(t, err)
	assert.Equal(t, KindConflict, dec.Kind)

	got, err := st.GetCaseByNumber(ctx, "C2024001")
	require.NoError(t, err)
	assert.Equal(t, int64(4500000), *got.EstimatedValue)
	assert.Len(t, got.OriginSources, 2)

	conflicts, err := st.ListConflicts(ctx, got.ID, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "9900000", conflicts[0].Incoming)
	assert.Equal(t, model.OriginJudicialAPI, conflicts[0].Origin)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) GetCaseByNumber(ctx context.Context, n string) (*model.Case, error) {
	args := m.Called(ctx, n)
	c, _ := args.Get(0).(*model.Case)
	return c, args.Error(1)
}

func (m *mockStore) InsertCase(ctx context.Context, c *model.Case) (bool, error) {
	args := m.Called(ctx, c)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) UpdateCaseFields(ctx context.Context, c *model.Case) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockStore) RecordConflict(ctx context.Context, c *model.Conflict) error {
	return m.Called(ctx, c).Error(0)
}

func TestApply_InsertRaceRedecides(t *testing.T) {
	st := &mockStore{}
	winner := candidate(model.OriginCourtScraper).NewCase("winner", t0)

	st.On("GetCaseByNumber", mock.Anything, "C2024001").Return(nil, store.ErrNotFound).Once()
	st.On("InsertCase", mock.Anything, mock.Anything).Return(false, nil).Once()
	st.On("GetCaseByNumber", mock.Anything, "C2024001").Return(winner, nil).Once()
	st.On("UpdateCaseFields", mock.Anything, mock.MatchedBy(func(c *model.Case) bool {
		return c.ID == "winner" && len(c.OriginSources) == 2
	})).Return(nil).Once()

	d := New(st, WithClock(func() time.Time { return t1 }))
	dec, err := d.Apply(context.Background(), candidate(model.OriginJudicialAPI))
	require.NoError(t, err)
	assert.Equal(t, KindConfirm, dec.Kind)
	st.AssertExpectations(t)
}
