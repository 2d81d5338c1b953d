package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/jurishealth/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. A single
// connection serializes every writer, which is what makes WithCaseLock
// exclusive.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Transactions begin IMMEDIATE so a case lock takes the write lock up front.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_txlock=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so string comparison in
// SQL matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cases (
	id               TEXT PRIMARY KEY,
	canonical_number TEXT NOT NULL UNIQUE,
	court            TEXT NOT NULL DEFAULT '',
	court_code       TEXT NOT NULL DEFAULT '',
	city             TEXT NOT NULL DEFAULT '',
	city_code        TEXT NOT NULL DEFAULT '',
	specialties      TEXT NOT NULL DEFAULT '[]',
	estimated_value  INTEGER,
	filing_date      TEXT,
	first_seen_at    TEXT NOT NULL,
	last_updated_at  TEXT NOT NULL,
	origin_sources   TEXT NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL DEFAULT 'open'
		CHECK (status IN ('open', 'bidding', 'awarded', 'expired', 'closed'))
);

CREATE INDEX IF NOT EXISTS idx_cases_status_first_seen ON cases(status, first_seen_at);
CREATE INDEX IF NOT EXISTS idx_cases_city ON cases(city);

CREATE TABLE IF NOT EXISTS case_conflicts (
	id               TEXT PRIMARY KEY,
	case_id          TEXT NOT NULL REFERENCES cases(id),
	canonical_number TEXT NOT NULL,
	field            TEXT NOT NULL,
	existing_value   TEXT NOT NULL,
	incoming_value   TEXT NOT NULL,
	origin           TEXT NOT NULL,
	detected_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_conflicts_case_id ON case_conflicts(case_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_case_conflicts_observation
	ON case_conflicts(case_id, field, incoming_value, origin);

CREATE TABLE IF NOT EXISTS bids (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL REFERENCES cases(id),
	hospital_id  TEXT NOT NULL,
	amount       INTEGER NOT NULL CHECK (amount > 0),
	notes        TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL DEFAULT 'active'
		CHECK (status IN ('active', 'withdrawn', 'losing', 'winning')),
	submitted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bids_case_id ON bids(case_id);
CREATE INDEX IF NOT EXISTS idx_bids_hospital_status ON bids(hospital_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS uq_bids_active_hospital_case
	ON bids(case_id, hospital_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS awards (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL UNIQUE REFERENCES cases(id),
	bid_id       TEXT NOT NULL REFERENCES bids(id),
	hospital_id  TEXT NOT NULL,
	amount       INTEGER NOT NULL,
	payer_entity TEXT NOT NULL DEFAULT '',
	notes        TEXT NOT NULL DEFAULT '',
	awarded_by   TEXT NOT NULL,
	awarded_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS case_audit (
	id          TEXT PRIMARY KEY,
	case_id     TEXT NOT NULL REFERENCES cases(id),
	action      TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	actor_role  TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	detail      TEXT,
	at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_case_audit_case_id ON case_audit(case_id, at);

CREATE TABLE IF NOT EXISTS ingestion_runs (
	id          TEXT PRIMARY KEY,
	trigger     TEXT NOT NULL DEFAULT 'manual',
	outcome     TEXT NOT NULL DEFAULT 'running',
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	sources     TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at);

CREATE TABLE IF NOT EXISTS ingestion_cursors (
	origin     TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Cases ---

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	c, err := scanSQLiteCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, id))
	return c, eris.Wrapf(err, "sqlite: get case %s", id)
}

func (s *SQLiteStore) GetCaseByNumber(ctx context.Context, canonicalNumber string) (*model.Case, error) {
	c, err := scanSQLiteCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE canonical_number = ?`, canonicalNumber))
	return c, eris.Wrapf(err, "sqlite: get case by number %s", canonicalNumber)
}

func (s *SQLiteStore) InsertCase(ctx context.Context, c *model.Case) (bool, error) {
	specialties, origins, err := caseArrays(c)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (canonical_number) DO NOTHING`,
		c.ID, c.CanonicalNumber, c.Court, c.CourtCode, c.City, c.CityCode,
		specialties, c.EstimatedValue, fmtDate(c.FilingDate),
		fmtTime(c.FirstSeenAt), fmtTime(c.LastUpdatedAt), origins, string(c.Status),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert case %s", c.CanonicalNumber)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) UpdateCaseFields(ctx context.Context, c *model.Case) error {
	specialties, origins, err := caseArrays(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET court = ?, court_code = ?, city = ?, city_code = ?, specialties = ?,
		 estimated_value = ?, filing_date = ?, origin_sources = ?, last_updated_at = ?
		 WHERE id = ?`,
		c.Court, c.CourtCode, c.City, c.CityCode, specialties,
		c.EstimatedValue, fmtDate(c.FilingDate), origins, fmtTime(c.LastUpdatedAt),
		c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	return checkRowsAffected(res, "case", c.ID)
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Specialty != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(cases.specialties) WHERE json_each.value = ?)`
		args = append(args, string(filter.Specialty))
	}
	if filter.City != "" {
		query += ` AND lower(city) = lower(?)`
		args = append(args, filter.City)
	}
	if filter.CourtCode != "" {
		query += ` AND court_code = ?`
		args = append(args, filter.CourtCode)
	}
	query += ` ORDER BY first_seen_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}
	return s.queryCases(ctx, query, args...)
}

func (s *SQLiteStore) ListDueForExpiry(ctx context.Context, cutoff time.Time) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE status IN ('open', 'bidding') AND first_seen_at <= ?
		 ORDER BY first_seen_at`,
		fmtTime(cutoff),
	)
}

func (s *SQLiteStore) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]model.Case, error) {
	return s.queryCases(ctx,
		`SELECT `+caseColumns+` FROM cases c
		 WHERE c.status = 'expired' AND EXISTS (
		   SELECT 1 FROM case_audit a WHERE a.case_id = c.id AND a.action = 'expire' AND a.at <= ?)
		 ORDER BY c.first_seen_at`,
		fmtTime(cutoff),
	)
}

func (s *SQLiteStore) queryCases(ctx context.Context, query string, args ...any) ([]model.Case, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		c, err := scanSQLiteCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

func caseArrays(c *model.Case) (string, string, error) {
	specialties, err := json.Marshal(specialtiesToStrings(c.Specialties))
	if err != nil {
		return "", "", eris.Wrap(err, "sqlite: marshal specialties")
	}
	origins, err := json.Marshal(originsToStrings(c.OriginSources))
	if err != nil {
		return "", "", eris.Wrap(err, "sqlite: marshal origins")
	}
	return string(specialties), string(origins), nil
}

func fmtDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format("2006-01-02")
}

func scanSQLiteCase(row scannable) (*model.Case, error) {
	var (
		c                     model.Case
		specialties, origins  string
		status                string
		value                 sql.NullInt64
		filing                sql.NullString
		firstSeen, lastUpdate string
	)
	err := row.Scan(&c.ID, &c.CanonicalNumber, &c.Court, &c.CourtCode, &c.City, &c.CityCode,
		&specialties, &value, &filing, &firstSeen, &lastUpdate, &origins, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan case")
	}

	var sp, or []string
	if err := json.Unmarshal([]byte(specialties), &sp); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal specialties")
	}
	if err := json.Unmarshal([]byte(origins), &or); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal origins")
	}
	c.Specialties = stringsToSpecialties(sp)
	c.OriginSources = stringsToOrigins(or)
	c.Status = model.CaseStatus(status)

	if value.Valid {
		v := value.Int64
		c.EstimatedValue = &v
	}
	if filing.Valid {
		d, err := time.Parse("2006-01-02", filing.String)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: parse filing date")
		}
		c.FilingDate = &d
	}
	if c.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, err
	}
	if c.LastUpdatedAt, err = parseTime(lastUpdate); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Conflicts ---

func (s *SQLiteStore) RecordConflict(ctx context.Context, c *model.Conflict) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO case_conflicts (id, case_id, canonical_number, field, existing_value, incoming_value, origin, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (case_id, field, incoming_value, origin) DO NOTHING`,
		c.ID, c.CaseID, c.CanonicalNumber, c.Field, c.Existing, c.Incoming, string(c.Origin), fmtTime(c.DetectedAt),
	)
	return eris.Wrapf(err, "sqlite: record conflict on %s", c.CanonicalNumber)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, caseID string, limit int) ([]model.Conflict, error) {
	query := `SELECT id, case_id, canonical_number, field, existing_value, incoming_value, origin, detected_at
		 FROM case_conflicts`
	var args []any
	if caseID != "" {
		query += ` WHERE case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, listLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var out []model.Conflict
	for rows.Next() {
		var c model.Conflict
		var origin, detected string
		if err := rows.Scan(&c.ID, &c.CaseID, &c.CanonicalNumber, &c.Field, &c.Existing, &c.Incoming, &origin, &detected); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		c.Origin = model.Origin(origin)
		if c.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list conflicts iterate")
}

// --- Case lock ---

// WithCaseLock holds the only connection for the duration of fn, so no
// other writer can interleave. fn must not call back into the store.
func (s *SQLiteStore) WithCaseLock(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin case tx")
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanSQLiteCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = ?`, caseID))
	if err != nil {
		return eris.Wrapf(err, "sqlite: lock case %s", caseID)
	}

	if err := fn(&sqliteCaseTx{q: tx, c: c}); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit case %s", caseID)
}

type sqliteCaseTx struct {
	q sqlQuerier
	c *model.Case
}

func (t *sqliteCaseTx) Case() *model.Case { return t.c }

func (t *sqliteCaseTx) Bids(ctx context.Context) ([]model.Bid, error) {
	return querySQLiteBids(ctx, t.q, `SELECT `+bidColumns+` FROM bids WHERE case_id = ? ORDER BY submitted_at`, t.c.ID)
}

func (t *sqliteCaseTx) ActiveBids(ctx context.Context) ([]model.Bid, error) {
	return querySQLiteBids(ctx, t.q, `SELECT `+bidColumns+` FROM bids WHERE case_id = ? AND status = 'active' ORDER BY submitted_at`, t.c.ID)
}

func (t *sqliteCaseTx) GetBid(ctx context.Context, bidID string) (*model.Bid, error) {
	b, err := scanSQLiteBid(t.q.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ? AND case_id = ?`, bidID, t.c.ID))
	return b, eris.Wrapf(err, "sqlite: get bid %s", bidID)
}

func (t *sqliteCaseTx) InsertBid(ctx context.Context, b *model.Bid) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO bids (`+bidColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.CaseID, b.HospitalID, b.Amount, b.Notes, string(b.Status), fmtTime(b.SubmittedAt),
	)
	return eris.Wrapf(err, "sqlite: insert bid on case %s", b.CaseID)
}

func (t *sqliteCaseTx) SetBidStatus(ctx context.Context, bidID string, status model.BidStatus) error {
	res, err := t.q.ExecContext(ctx, `UPDATE bids SET status = ? WHERE id = ? AND case_id = ?`, string(status), bidID, t.c.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set bid %s status", bidID)
	}
	return checkRowsAffected(res, "bid", bidID)
}

func (t *sqliteCaseTx) SetStatus(ctx context.Context, to model.CaseStatus, at time.Time) error {
	if err := model.CheckTransition(t.c.Status, to); err != nil {
		return err
	}
	if _, err := t.q.ExecContext(ctx, `UPDATE cases SET status = ?, last_updated_at = ? WHERE id = ?`, string(to), fmtTime(at), t.c.ID); err != nil {
		return eris.Wrapf(err, "sqlite: set case %s status", t.c.ID)
	}
	t.c.Status = to
	t.c.LastUpdatedAt = at
	return nil
}

func (t *sqliteCaseTx) InsertAward(ctx context.Context, a *model.Award) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO awards (`+awardColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CaseID, a.BidID, a.HospitalID, a.Amount, a.PayerEntity, a.Notes, a.AwardedBy, fmtTime(a.AwardedAt),
	)
	return eris.Wrapf(err, "sqlite: insert award on case %s", a.CaseID)
}

func (t *sqliteCaseTx) GetAward(ctx context.Context) (*model.Award, error) {
	a, err := scanSQLiteAward(t.q.QueryRowContext(ctx, `SELECT `+awardColumns+` FROM awards WHERE case_id = ?`, t.c.ID))
	return a, eris.Wrapf(err, "sqlite: get award for case %s", t.c.ID)
}

func (t *sqliteCaseTx) DeleteAward(ctx context.Context) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM awards WHERE case_id = ?`, t.c.ID)
	return eris.Wrapf(err, "sqlite: delete award for case %s", t.c.ID)
}

func (t *sqliteCaseTx) InsertAudit(ctx context.Context, e *model.AuditEntry) error {
	var detail any
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO case_audit (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CaseID, string(e.Action), e.ActorID, string(e.ActorRole), e.Reason,
		string(e.FromStatus), string(e.ToStatus), detail, fmtTime(e.At),
	)
	return eris.Wrapf(err, "sqlite: insert audit on case %s", e.CaseID)
}

// --- Bids, awards, audit ---

func (s *SQLiteStore) GetBid(ctx context.Context, id string) (*model.Bid, error) {
	b, err := scanSQLiteBid(s.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = ?`, id))
	return b, eris.Wrapf(err, "sqlite: get bid %s", id)
}

func (s *SQLiteStore) ListBids(ctx context.Context, filter BidFilter) ([]model.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE 1=1`
	var args []any
	if filter.CaseID != "" {
		query += ` AND case_id = ?`
		args = append(args, filter.CaseID)
	}
	if filter.HospitalID != "" {
		query += ` AND hospital_id = ?`
		args = append(args, filter.HospitalID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY submitted_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	return querySQLiteBids(ctx, s.db, query, args...)
}

func (s *SQLiteStore) GetAward(ctx context.Context, caseID string) (*model.Award, error) {
	a, err := scanSQLiteAward(s.db.QueryRowContext(ctx, `SELECT `+awardColumns+` FROM awards WHERE case_id = ?`, caseID))
	return a, eris.Wrapf(err, "sqlite: get award for case %s", caseID)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM case_audit WHERE case_id = ? ORDER BY at`, caseID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit for case %s", caseID)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                              model.AuditEntry
			action, role, fromSt, toSt, at string
			detail                         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CaseID, &action, &e.ActorID, &role, &e.Reason, &fromSt, &toSt, &detail, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		e.Action = model.AuditAction(action)
		e.ActorRole = model.Role(role)
		e.FromStatus = model.CaseStatus(fromSt)
		e.ToStatus = model.CaseStatus(toSt)
		if detail.Valid {
			e.Detail = json.RawMessage(detail.String)
		}
		if e.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func querySQLiteBids(ctx context.Context, q sqlQuerier, query string, args ...any) ([]model.Bid, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list bids")
	}
	defer rows.Close()

	var bids []model.Bid
	for rows.Next() {
		b, err := scanSQLiteBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, *b)
	}
	return bids, eris.Wrap(rows.Err(), "sqlite: list bids iterate")
}

func scanSQLiteBid(row scannable) (*model.Bid, error) {
	var b model.Bid
	var status, submitted string
	err := row.Scan(&b.ID, &b.CaseID, &b.HospitalID, &b.Amount, &b.Notes, &status, &submitted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan bid")
	}
	b.Status = model.BidStatus(status)
	if b.SubmittedAt, err = parseTime(submitted); err != nil {
		return nil, err
	}
	return &b, nil
}

func scanSQLiteAward(row scannable) (*model.Award, error) {
	var a model.Award
	var awarded string
	err := row.Scan(&a.ID, &a.CaseID, &a.BidID, &a.HospitalID, &a.Amount, &a.PayerEntity, &a.Notes, &a.AwardedBy, &awarded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan award")
	}
	if a.AwardedAt, err = parseTime(awarded); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Ingestion runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.IngestionRun) error {
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run sources")
	}
	var finished any
	if run.FinishedAt != nil {
		finished = fmtTime(*run.FinishedAt)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), string(run.Outcome), fmtTime(run.StartedAt), finished, string(sources), run.Error,
	)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) CloseRun(ctx context.Context, run *model.IngestionRun) error {
	if run.FinishedAt == nil {
		return eris.Errorf("sqlite: close run %s without finished_at", run.ID)
	}
	sources, err := json.Marshal(run.Sources)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run sources")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_runs SET outcome = ?, finished_at = ?, sources = ?, error = ?
		 WHERE id = ? AND finished_at IS NULL`,
		string(run.Outcome), fmtTime(*run.FinishedAt), string(sources), run.Error, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: close run %s", run.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return eris.Wrapf(ErrRunClosed, "run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.IngestionRun, error) {
	r, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = ?`, id))
	return r, eris.Wrapf(err, "sqlite: get run %s", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.IngestionRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingestion_runs WHERE 1=1`
	var args []any
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.Trigger != "" {
		query += ` AND trigger = ?`
		args = append(args, string(filter.Trigger))
	}
	if !filter.Since.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, fmtTime(filter.Since))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.IngestionRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) RunStats(ctx context.Context, since time.Time) (*model.RunStats, error) {
	runs, err := s.ListRuns(ctx, RunFilter{Since: since, Limit: 10000})
	if err != nil {
		return nil, err
	}
	return summarizeRuns(runs), nil
}

func scanSQLiteRun(row scannable) (*model.IngestionRun, error) {
	var (
		r                         model.IngestionRun
		trigger, outcome, started string
		sources                   string
		finished                  sql.NullString
	)
	err := row.Scan(&r.ID, &trigger, &outcome, &started, &finished, &sources, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	r.Trigger = model.Trigger(trigger)
	r.Outcome = model.RunOutcome(outcome)
	if r.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if finished.Valid {
		t, err := parseTime(finished.String)
		if err != nil {
			return nil, err
		}
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(sources), &r.Sources); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run sources")
	}
	return &r, nil
}

// --- Cursors ---

func (s *SQLiteStore) SaveCursor(ctx context.Context, origin model.Origin, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_cursors (origin, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (origin) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		string(origin), cursor, fmtTime(time.Now()),
	)
	return eris.Wrapf(err, "sqlite: save cursor %s", origin)
}

func (s *SQLiteStore) LoadCursor(ctx context.Context, origin model.Origin) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM ingestion_cursors WHERE origin = ?`, string(origin)).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, eris.Wrapf(err, "sqlite: load cursor %s", origin)
}

func (s *SQLiteStore) ClearCursor(ctx context.Context, origin model.Origin) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingestion_cursors WHERE origin = ?`, string(origin))
	return eris.Wrapf(err, "sqlite: clear cursor %s", origin)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
