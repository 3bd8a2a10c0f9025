package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/use-agent/planscout/models"
)

// PostgresSchema mirrors SQLiteSchema with native types.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS applications (
	id BIGSERIAL PRIMARY KEY,
	site TEXT NOT NULL,
	external_id TEXT NOT NULL,
	title TEXT NOT NULL,
	address TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	submitted_at DATE,
	source_url TEXT NOT NULL DEFAULT '',
	matched_keywords TEXT[] NOT NULL DEFAULT '{}',
	scraped_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (site, external_id)
);
CREATE INDEX IF NOT EXISTS idx_applications_submitted ON applications(submitted_at);
CREATE TABLE IF NOT EXISTS scraping_logs (
	id BIGSERIAL PRIMARY KEY,
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
	started_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scraping_logs_run ON scraping_logs(run_id);
`

// Postgres stores records through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeConfiguration, "parse postgres dsn", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap("ping postgres", err)
	}
	if _, err := pool.Exec(ctx, PostgresSchema); err != nil {
		pool.Close()
		return nil, wrap("apply schema", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Exists(ctx context.Context, site, externalID string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applications WHERE site = $1 AND external_id = $2)`,
		site, externalID).Scan(&ok)
	if err != nil {
		return false, wrap("exists", err)
	}
	return ok, nil
}

func (p *Postgres) Insert(ctx context.Context, rec models.CandidateRecord) error {
	scraped := rec.ScrapedAt
	if scraped.IsZero() {
		scraped = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO applications
			(site, external_id, title, address, status, submitted_at, source_url, matched_keywords, scraped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (site, external_id) DO NOTHING`,
		rec.Site, rec.ExternalID, rec.Title, rec.Address, rec.Status,
		pgtype.Date{Time: rec.SubmittedAt, Valid: !rec.SubmittedAt.IsZero()},
		rec.SourceURL, nonNil(rec.MatchedKeywords), scraped)
	if err != nil {
		return wrap("insert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *Postgres) LogOutcome(ctx context.Context, o models.RunOutcome) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scraping_logs
			(run_id, site, keyword, status, records_found, records_new, records_known,
			 parse_errors, attempts, last_error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.RunID, o.Site, o.Keyword, string(o.Status), o.RecordsFound, o.RecordsNew, o.RecordsKnown,
		o.ParseErrors, o.Attempts, o.LastError, o.StartedAt, o.Duration.Milliseconds())
	if err != nil {
		return wrap("log outcome", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, f models.RecordFilter) ([]models.CandidateRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Site != "" {
		where = append(where, "site = "+arg(f.Site))
	}
	if f.Keyword != "" {
		where = append(where, arg(f.Keyword)+" = ANY(matched_keywords)")
	}
	if !f.From.IsZero() {
		where = append(where, "submitted_at >= "+arg(pgtype.Date{Time: f.From, Valid: true}))
	}
	if !f.To.IsZero() {
		where = append(where, "submitted_at <= "+arg(pgtype.Date{Time: f.To, Valid: true}))
	}

	q := `SELECT site, external_id, title, address, status, submitted_at, source_url, matched_keywords, scraped_at
		FROM applications`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scraped_at DESC, id DESC LIMIT " + arg(listLimit(f))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap("list", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CandidateRecord, error) {
		var (
			r         models.CandidateRecord
			submitted pgtype.Date
		)
		err := row.Scan(&r.Site, &r.ExternalID, &r.Title, &r.Address, &r.Status,
			&submitted, &r.SourceURL, &r.MatchedKeywords, &r.ScrapedAt)
		if submitted.Valid {
			r.SubmittedAt = submitted.Time
		}
		return r, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap("list", err)
	}
	return out, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
