package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/use-agent/planscout/models"

	_ "modernc.org/sqlite"
)

// SQLiteSchema creates the application and run-log tables.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	site TEXT NOT NULL,
	external_id TEXT NOT NULL,
	title TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	submitted_at TEXT,
	source_url TEXT NOT NULL DEFAULT '',
	matched_keywords TEXT NOT NULL DEFAULT '[]',
	scraped_at TEXT NOT NULL,
	UNIQUE (site, external_id)
);
CREATE INDEX IF NOT EXISTS idx_applications_submitted ON applications(submitted_at);
CREATE TABLE IF NOT EXISTS scraping_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	site TEXT NOT NULL,
	keyword TEXT NOT NULL,
	status TEXT NOT NULL,
	records_found INTEGER NOT NULL,
	records_new INTEGER NOT NULL,
	records_known INTEGER NOT NULL,
	parse_errors INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scraping_logs_run ON scraping_logs(run_id);
`

const sqliteDate = "2006-01-02"

// sqliteTime is fixed width, so text order matches time order. Values are
// always stored in UTC.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite stores records in a SQLite database via modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open sqlite", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return wrap("pragma", err)
	}
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return wrap("apply schema", err)
	}
	return nil
}

func (s *SQLite) Exists(ctx context.Context, site, externalID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM applications WHERE site = ? AND external_id = ?`,
		site, externalID).Scan(&n)
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

func (s *SQLite) Insert(ctx context.Context, rec models.CandidateRecord) error {
	kw, err := json.Marshal(nonNil(rec.MatchedKeywords))
	if err != nil {
		return wrap("encode keywords", err)
	}
	scraped := rec.ScrapedAt
	if scraped.IsZero() {
		scraped = time.Now().UTC()
	}
	var submitted sql.NullString
	if !rec.SubmittedAt.IsZero() {
		submitted = sql.NullString{String: rec.SubmittedAt.Format(sqliteDate), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO applications
			(site, external_id, title, address, status, submitted_at, source_url, matched_keywords, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site, external_id) DO NOTHING`,
		rec.Site, rec.ExternalID, rec.Title, rec.Address, rec.Status,
		submitted, rec.SourceURL, string(kw), scraped.UTC().Format(sqliteTime))
	if err != nil {
		return wrap("insert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("insert", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLite) LogOutcome(ctx context.Context, o models.RunOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scraping_logs
			(run_id, site, keyword, status, records_found, records_new, records_known,
			 parse_errors, attempts, last_error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, o.Site, o.Keyword, string(o.Status), o.RecordsFound, o.RecordsNew, o.RecordsKnown,
		o.ParseErrors, o.Attempts, o.LastError, o.StartedAt.UTC().Format(sqliteTime),
		o.Duration.Milliseconds())
	if err != nil {
		return wrap("log outcome", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, f models.RecordFilter) ([]models.CandidateRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.Site != "" {
		where = append(where, "site = ?")
		args = append(args, f.Site)
	}
	if f.Keyword != "" {
		kw, _ := json.Marshal(f.Keyword)
		where = append(where, "matched_keywords LIKE ?")
		args = append(args, "%"+string(kw)+"%")
	}
	if !f.From.IsZero() {
		where = append(where, "submitted_at >= ?")
		args = append(args, f.From.Format(sqliteDate))
	}
	if !f.To.IsZero() {
		where = append(where, "submitted_at <= ?")
		args = append(args, f.To.Format(sqliteDate))
	}

	q := `SELECT site, external_id, title, address, status, submitted_at, source_url, matched_keywords, scraped_at
		FROM applications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scraped_at DESC, id DESC LIMIT ?"
	args = append(args, listLimit(f))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var out []models.CandidateRecord
	for rows.Next() {
		var (
			r         models.CandidateRecord
			submitted sql.NullString
			kw        string
			scraped   string
		)
		if err := rows.Scan(&r.Site, &r.ExternalID, &r.Title, &r.Address, &r.Status,
			&submitted, &r.SourceURL, &kw, &scraped); err != nil {
			return nil, wrap("scan", err)
		}
		if submitted.Valid {
			r.SubmittedAt, _ = time.Parse(sqliteDate, submitted.String)
		}
		if err := json.Unmarshal([]byte(kw), &r.MatchedKeywords); err != nil {
			return nil, wrap("decode keywords", err)
		}
		r.ScrapedAt, _ = time.Parse(sqliteTime, scraped)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for maintenance queries.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Close() error { return s.db.Close() }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
