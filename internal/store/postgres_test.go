package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/jurishealth/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var pgCaseCols = []string{"id", "canonical_number", "court", "court_code", "city", "city_code",
	"specialties", "estimated_value", "filing_date", "first_seen_at", "last_updated_at", "origin_sources", "status"}

func pgCaseRow(rows *pgxmock.Rows, id, status string) *pgxmock.Rows {
	value := int64(1500000)
	return rows.AddRow(id, "C2024001", "Tribunal de Justiça de Minas Gerais", "TJMG", "Belo Horizonte", "3106200",
		[]string{"medication"}, &value, (*time.Time)(nil), t0, t0, []string{"judicial_api"}, status)
}

func TestPostgresStore_GetCase_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM cases WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCase(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get case")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCaseByNumber(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM cases WHERE canonical_number = \$1`).
		WithArgs("C2024001").
		WillReturnRows(pgCaseRow(pgxmock.NewRows(pgCaseCols), "case-1", "open"))

	c, err := s.GetCaseByNumber(context.Background(), "C2024001")
	require.NoError(t, err)
	assert.Equal(t, "case-1", c.ID)
	assert.Equal(t, []model.Specialty{model.SpecialtyMedication}, c.Specialties)
	assert.Equal(t, []model.Origin{model.OriginJudicialAPI}, c.OriginSources)
	require.NotNil(t, c.EstimatedValue)
	assert.Equal(t, int64(1500000), *c.EstimatedValue)
	assert.Nil(t, c.FilingDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// anyArgs matches n positional arguments of any value.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_InsertCase_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cases .+ ON CONFLICT \(canonical_number\) DO NOTHING`).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.InsertCase(context.Background(), testCase("C2024001"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCaseFields_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	c := testCase("C2024001")
	args := append(anyArgs(9), c.ID)
	mock.ExpectExec(`UPDATE cases SET court`).
		WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateCaseFields(context.Background(), c)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithCaseLock_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM cases WHERE id = \$1 FOR UPDATE`).
		WithArgs("case-1").
		WillReturnRows(pgCaseRow(pgxmock.NewRows(pgCaseCols), "case-1", "open"))
	mock.ExpectExec(`UPDATE cases SET status = \$1`).
		WithArgs("bidding", pgxmock.AnyArg(), "case-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WithCaseLock(context.Background(), "case-1", func(tx CaseTx) error {
		return tx.SetStatus(context.Background(), model.CaseStatusBidding, t0)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithCaseLock_RollbackOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("case-1").
		WillReturnRows(pgCaseRow(pgxmock.NewRows(pgCaseCols), "case-1", "open"))
	mock.ExpectRollback()

	err := s.WithCaseLock(context.Background(), "case-1", func(tx CaseTx) error {
		// open -> awarded is not in the table; nothing reaches the database
		return tx.SetStatus(context.Background(), model.CaseStatusAwarded, t0)
	})
	assert.True(t, errors.Is(err, model.ErrIllegalTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_WithCaseLock_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.WithCaseLock(context.Background(), "missing", func(CaseTx) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseRun_AlreadyClosed(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	finished := t0.Add(time.Minute)
	run := &model.IngestionRun{ID: "run-1", Outcome: model.OutcomeSuccess, StartedAt: t0, FinishedAt: &finished}

	mock.ExpectExec(`UPDATE ingestion_runs SET .+ WHERE id = \$5 AND finished_at IS NULL`).
		WithArgs("success", finished, pgxmock.AnyArg(), "", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM ingestion_runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "trigger", "outcome", "started_at", "finished_at", "sources", "error"}).
			AddRow("run-1", "manual", "success", t0, &finished, []byte(`{}`), ""))

	err := s.CloseRun(context.Background(), run)
	assert.True(t, errors.Is(err, ErrRunClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordConflict_IgnoresRepeat(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	conflict := &model.Conflict{
		ID: "conf-2", CaseID: "case-1", CanonicalNumber: "C2024001", Field: "court",
		Existing: "TJMG", Incoming: "TJSP", Origin: model.OriginJudicialAPI, DetectedAt: t0,
	}

	mock.ExpectExec(`INSERT INTO case_conflicts .+ ON CONFLICT \(case_id, field, incoming_value, origin\) DO NOTHING`).
		WithArgs("conf-2", "case-1", "C2024001", "court", "TJMG", "TJSP", "judicial_api", t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.RecordConflict(context.Background(), conflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseRun_RequiresFinishedAt(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	err := s.CloseRun(context.Background(), &model.IngestionRun{ID: "run-1"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Cursor(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT cursor FROM ingestion_cursors`).
		WithArgs("court_scraper").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`ON CONFLICT \(origin\) DO UPDATE`).
		WithArgs("court_scraper", "pagina=2").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT cursor FROM ingestion_cursors`).
		WithArgs("court_scraper").
		WillReturnRows(pgxmock.NewRows([]string{"cursor"}).AddRow("pagina=2"))

	ctx := context.Background()
	cur, err := s.LoadCursor(ctx, model.OriginCourtScraper)
	require.NoError(t, err)
	assert.Empty(t, cur)

	require.NoError(t, s.SaveCursor(ctx, model.OriginCourtScraper, "pagina=2"))

	cur, err = s.LoadCursor(ctx, model.OriginCourtScraper)
	require.NoError(t, err)
	assert.Equal(t, "pagina=2", cur)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCases_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM cases WHERE true AND status = \$1 AND \$2 = ANY\(specialties\) ORDER BY first_seen_at DESC LIMIT \$3`).
		WithArgs("bidding", "medication", 100).
		WillReturnRows(pgCaseRow(pgxmock.NewRows(pgCaseCols), "case-1", "bidding"))

	cases, err := s.ListCases(context.Background(), CaseFilter{Status: model.CaseStatusBidding, Specialty: model.SpecialtyMedication})
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, model.CaseStatusBidding, cases[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
