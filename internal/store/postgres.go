package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jurishealth/internal/db"
	"github.com/sells-group/jurishealth/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying pool, shared with the ingestion run lock.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// pgQuerier is satisfied by both the pool and a pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	caseColumns  = `id, canonical_number, court, court_code, city, city_code, specialties, estimated_value, filing_date, first_seen_at, last_updated_at, origin_sources, status`
	bidColumns   = `id, case_id, hospital_id, amount, notes, status, submitted_at`
	awardColumns = `id, case_id, bid_id, hospital_id, amount, payer_entity, notes, awarded_by, awarded_at`
	auditColumns = `id, case_id, action, actor_id, actor_role, reason, from_status, to_status, detail, at`
	runColumns   = `id, trigger, outcome, started_at, finished_at, sources, error`
)

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool)
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Cases ---

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	c, err := scanPGCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	return c, eris.Wrapf(err, "postgres: get case %s", id)
}

func (s *PostgresStore) GetCaseByNumber(ctx context.Context, canonicalNumber string) (*model.Case, error) {
	c, err := scanPGCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE canonical_number = $1`, canonicalNumber))
	return c, eris.Wrapf(err, "postgres: get case by number %s", canonicalNumber)
}

func (s *PostgresStore) InsertCase(ctx context.Context, c *model.Case) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cases (`+caseColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (canonical_number) DO NOTHING`,
		c.ID, c.CanonicalNumber, c.Court, c.CourtCode, c.City, c.CityCode,
		specialtiesToStrings(c.Specialties), c.EstimatedValue, dateOnly(c.FilingDate),
		c.FirstSeenAt, c.LastUpdatedAt, originsToStrings(c.OriginSources), string(c.Status),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert case %s", c.CanonicalNumber)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateCaseFields(ctx context.Context, c *model.Case) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET court = $1, court_code = $2, city = $3, city_code = $4, specialties = $5,
		 estimated_value = $6, filing_date = $7, origin_sources = $8, last_updated_at = $9
		 WHERE id = $10`,
		c.Court, c.CourtCode, c.City, c.CityCode, specialtiesToStrings(c.Specialties),
		c.EstimatedValue, dateOnly(c.FilingDate), originsToStrings(c.OriginSources), c.LastUpdatedAt,
		c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "case %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Specialty != "" {
		query += fmt.Sprintf(` AND $%d = ANY(specialties)`, argIdx)
		args = append(args, string(filter.Specialty))
		argIdx++
	}
	if filter.City != "" {
		query += fmt.Sprintf(` AND lower(city) = lower($%d)`, argIdx)
		args = append(args, filter.City)
		argIdx++
	}
	if filter.CourtCode != "" {
		query += fmt.Sprintf(` AND court_code = $%d`, argIdx)
		args = append(args, filter.CourtCode)
		argIdx++
	}
	query += ` ORDER BY first_seen_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryCases(ctx, query, args...)
}

func (s *PostgresStore) ListDueForExpiry(ctx context.Context, cutoff time.Time) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE status IN ('open', 'bidding') AND first_seen_at <= $1
		 ORDER BY first_seen_at`,
		cutoff,
	)
}

func (s *PostgresStore) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases c
		 WHERE c.status = 'expired' AND EXISTS (
		   SELECT 1 FROM case_audit a WHERE a.case_id = c.id AND a.action = 'expire' AND a.at <= $1)
		 ORDER BY c.first_seen_at`,
		cutoff,
	)
}

func (s *PostgresStore) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		c, err := scanPGCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func scanPGCase(row pgx.Row) (*model.Case, error) {
	var (
		c           model.Case
		specialties []string
		origins     []string
		status      string
	)
	err := row.Scan(&c.ID, &c.CanonicalNumber, &c.Court, &c.CourtCode, &c.City, &c.CityCode,
		&specialties, &c.EstimatedValue, &c.FilingDate, &c.FirstSeenAt, &c.LastUpdatedAt,
		&origins, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan case")
	}
	c.Specialties = stringsToSpecialties(specialties)
	c.OriginSources = stringsToOrigins(origins)
	c.Status = model.CaseStatus(status)
	return &c, nil
}

// --- Conflicts ---

func (s *PostgresStore) RecordConflict(ctx context.Context, c *model.Conflict) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO case_conflicts (id, case_id, canonical_number, field, existing_value, incoming_value, origin, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (case_id, field, incoming_value, origin) DO NOTHING`,
		c.ID, c.CaseID, c.CanonicalNumber, c.Field, c.Existing, c.Incoming, string(c.Origin), c.DetectedAt,
	)
	return eris.Wrapf(err, "postgres: record conflict on %s", c.CanonicalNumber)
}

func (s *PostgresStore) ListConflicts(ctx context.Context, caseID string, limit int) ([]model.Conflict, error) {
	query := `SELECT id, case_id, canonical_number, field, existing_value, incoming_value, origin, detected_at
		 FROM case_conflicts`
	args := []any{}
	if caseID != "" {
		query += ` WHERE case_id = $1`
		args = append(args, caseID)
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, listLimit(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var origin string
		if err := rows.Scan(&c.ID, &c.CaseID, &c.CanonicalNumber, &c.Field, &c.Existing, &c.Incoming, &origin, &c.DetectedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		c.Origin = model.Origin(origin)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list conflicts iterate")
}

// --- Case lock ---

func (s *PostgresStore) WithCaseLock(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin case tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	c, err := scanPGCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1 FOR UPDATE`, caseID))
	if err != nil {
		return eris.Wrapf(err, "postgres: lock case %s", caseID)
	}

	if err := fn(&pgCaseTx{q: tx, c: c}); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit case %s", caseID)
}

type pgCaseTx struct {
	q pgQuerier
	c *model.Case
}

func (t *pgCaseTx) Case() *model.Case { return t.c }

func (t *pgCaseTx) Bids(ctx context.Context) ([]model.Bid, error) {
	return queryPGBids(ctx, t.q, `SELECT `+bidColumns+` FROM bids WHERE case_id = $1 ORDER BY submitted_at`, t.c.ID)
}

func (t *pgCaseTx) ActiveBids(ctx context.Context) ([]model.Bid, error) {
	return queryPGBids(ctx, t.q, `SELECT `+bidColumns+` FROM bids WHERE case_id = $1 AND status = 'active' ORDER BY submitted_at`, t.c.ID)
}

func (t *pgCaseTx) GetBid(ctx context.Context, bidID string) (*model.Bid, error) {
	b, err := scanPGBid(t.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1 AND case_id = $2`, bidID, t.c.ID))
	return b, eris.Wrapf(err, "postgres: get bid %s", bidID)
}

func (t *pgCaseTx) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.CaseID, b.HospitalID, b.Amount, b.Notes, string(b.Status), b.SubmittedAt,
	)
	return eris.Wrapf(err, "postgres: insert bid on case %s", b.CaseID)
}

func (t *pgCaseTx) SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE bids SET status = $1 WHERE id = $2 AND case_id = $3`, string(status), bidID, t.c.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set bid %s status", bidID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "bid %s", bidID)
	}
	return nil
}

func (t *pgCaseTx) SetStatus(ctx context.Context, to model.CaseStatus, at time.Time) error {
	if err := model.CheckTransition(t.c.Status, to); err != nil {
		return err
	}
	if _, err := t.q.Exec(ctx, `UPDATE cases SET status = $1, last_updated_at = $2 WHERE id = $3`, string(to), at, t.c.ID); err != nil {
		return eris.Wrapf(err, "postgres: set case %s status", t.c.ID)
	}
	t.c.Status = to
	t.c.LastUpdatedAt = at
	return nil
}

func (t *pgCaseTx) InsertAward(ctx context.Context, a *model.Award) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO awards (`+awardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.CaseID, a.BidID, a.HospitalID, a.Amount, a.PayerEntity, a.Notes, a.AwardedBy, a.AwardedAt,
	)
	return eris.Wrapf(err, "postgres: insert award on case %s", a.CaseID)
}

func (t *pgCaseTx) GetAward(ctx context.Context) (*model.Award, error) {
	a, err := scanPGAward(t.q.QueryRow(ctx, `SELECT `+awardColumns+` FROM awards WHERE case_id = $1`, t.c.ID))
	return a, eris.Wrapf(err, "postgres: get award for case %s", t.c.ID)
}

func (t *pgCaseTx) DeleteAward(ctx context.Context) error {
	_, err := t.q.Exec(ctx, `DELETE FROM awards WHERE case_id = $1`, t.c.ID)
	return eris.Wrapf(err, "postgres: delete award for case %s", t.c.ID)
}

func (t *pgCaseTx) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO case_audit (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.CaseID, string(e.Action), e.ActorID, string(e.ActorRole), e.Reason,
		string(e.FromStatus), string(e.ToStatus), nullJSON(e.Detail), e.At,
	)
	return eris.Wrapf(err, "postgres: insert audit on case %s", e.CaseID)
}

// --- Bids, awards, audit ---

func (s *PostgresStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	b, err := scanPGBid(s.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id))
	return b, eris.Wrapf(err, "postgres: get bid %s", id)
}

func (s *PostgresStore) ListBids(ctx context.Context, filter BidFilter) ([]model.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE true`
	args := []any{}
	argIdx := 1
	if filter.CaseID != "" {
		query += fmt.Sprintf(` AND case_id = $%d`, argIdx)
		args = append(args, filter.CaseID)
		argIdx++
	}
	if filter.HospitalID != "" {
		query += fmt.Sprintf(` AND hospital_id = $%d`, argIdx)
		args = append(args, filter.HospitalID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY submitted_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	return queryPGBids(ctx, s.pool, query, args...)
}

func (s *PostgresStore) GetAward(ctx context.Context, caseID string) (*model.Award, error) {
	a, err := scanPGAward(s.pool.QueryRow(ctx, `SELECT `+awardColumns+` FROM awards WHERE case_id = $1`, caseID))
	return a, eris.Wrapf(err, "postgres: get award for case %s", caseID)
}

func (s *PostgresStore) ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+auditColumns+` FROM case_audit WHERE case_id = $1 ORDER BY at`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit for case %s", caseID)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                          model.AuditEntry
			action, role, fromSt, toSt string
			detail                     []byte
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &action, &e.ActorID, &role, &e.Reason, &fromSt, &toSt, &detail, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		e.Action = model.AuditAction(action)
		e.ActorRole = model.Role(role)
		e.FromStatus = model.CaseStatus(fromSt)
		e.ToStatus = model.CaseStatus(toSt)
		if len(detail) > 0 {
			e.Detail = json.RawMessage(detail)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func queryPGBids(ctx context.Context, q pgQuerier, query string, args ...any) ([]model.Bid, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list bids")
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanPGBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, eris.Wrap(rows.Err(), "postgres: list bids iterate")
}

func scanPGBid(row pgx.Row) (*model.Bid, error) {
	var b model.Bid
	var status string
	if err := row.Scan(&b.ID, &b.CaseID, &b.HospitalID, &b.Amount, &b.Notes, &status, &b.SubmittedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan bid")
	}
	b.Status = model.BidStatus(status)
	return &b, nil
}

func scanPGAward(row pgx.Row) (*model.Award, error) {
	var a model.Award
	err := row.Scan(&a.ID, &a.CaseID, &a.BidID, &a.HospitalID, &a.Amount, &a.PayerEntity, &a.Notes, &a.AwardedBy, &a.AwardedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan award")
	}
	return &a, nil
}

func nullJSON(d json.RawMessage) any {
	if len(d) == 0 {
		return nil
	}
	return []byte(d)
}

// --- Ingestion runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run sources")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, string(run.Trigger), string(run.Outcome), run.StartedAt, run.FinishedAt, sources, run.Error,
	)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) CloseRun(ctx context.Context, run *model.IngestionRun) error {
	if run.FinishedAt == nil {
		return eris.Errorf("postgres: close run %s without finished_at", run.ID)
	}
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run sources")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_runs SET outcome = $1, finished_at = $2, sources = $3, error = $4
		 WHERE id = $5 AND finished_at IS NULL`,
		string(run.Outcome), *run.FinishedAt, sources, run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: close run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return eris.Wrapf(ErrRunClosed, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.IngestionRun, error) {
	r, err := scanPGRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, id))
	return r, eris.Wrapf(err, "postgres: get run %s", id)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Outcome != "" {
		query += fmt.Sprintf(` AND outcome = $%d`, argIdx)
		args = append(args, string(filter.Outcome))
		argIdx++
	}
	if filter.Trigger != "" {
		query += fmt.Sprintf(` AND trigger = $%d`, argIdx)
		args = append(args, string(filter.Trigger))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		r, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RunStats(ctx context.Context, since time.Time) (*model.RunStats, error) {
	runs, err := s.ListRuns(ctx, RunFilter{Since: since, Limit: 10000})
	if err != nil {
		return nil, err
	}
	return summarizeRuns(runs), nil
}

func scanPGRun(row pgx.Row) (*model.IngestionRun, error) {
	var (
		r                model.IngestionRun
		trigger, outcome string
		sources          []byte
	)
	if err := row.Scan(&r.ID, &trigger, &outcome, &r.StartedAt, &r.FinishedAt, &sources, &r.Error); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	r.Trigger = model.Trigger(trigger)
	r.Outcome = model.RunOutcome(outcome)
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &r.Sources); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run sources")
		}
	}
	return &r, nil
}

// --- Cursors ---

func (s *PostgresStore) SaveCursor(ctx context.Context, origin model.Origin, cursor string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_cursors (origin, cursor, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (origin) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		string(origin), cursor,
	)
	return eris.Wrapf(err, "postgres: save cursor %s", origin)
}

func (s *PostgresStore) LoadCursor(ctx context.Context, origin model.Origin) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `SELECT cursor FROM ingestion_cursors WHERE origin = $1`, string(origin)).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cursor, eris.Wrapf(err, "postgres: load cursor %s", origin)
}

func (s *PostgresStore) ClearCursor(ctx context.Context, origin model.Origin) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ingestion_cursors WHERE origin = $1`, string(origin))
	return eris.Wrapf(err, "postgres: clear cursor %s", origin)
}
