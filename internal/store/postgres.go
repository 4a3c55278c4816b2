package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fundscope/crawler-cli/internal/db"
	"github.com/fundscope/crawler-cli/internal/model"
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

// NewPostgresWithPool wraps an existing pool, used by tests and subsystems
// that manage their own pool lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	url            TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'queued',
	depth          INT NOT NULL DEFAULT 0,
	seed_url       TEXT NOT NULL DEFAULT '',
	quality_score  INT NOT NULL DEFAULT 50,
	needs_rescrape BOOLEAN NOT NULL DEFAULT false,
	last_error     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS records (
	url                TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	funding_amount_min DOUBLE PRECISION NOT NULL DEFAULT 0,
	funding_amount_max DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency           TEXT NOT NULL DEFAULT '',
	deadline           TIMESTAMPTZ,
	open_deadline      BOOLEAN NOT NULL DEFAULT false,
	contact_email      TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	funding_types      TEXT[] NOT NULL DEFAULT '{}',
	program_focus      TEXT[] NOT NULL DEFAULT '{}',
	region             TEXT NOT NULL DEFAULT '',
	is_overview        BOOLEAN NOT NULL DEFAULT false,
	metadata           JSONB,
	fetched_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id                BIGSERIAL PRIMARY KEY,
	record_url        TEXT NOT NULL REFERENCES records(url) ON DELETE CASCADE,
	category          TEXT NOT NULL,
	type              TEXT NOT NULL,
	value             TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	meaningfulness    INT NOT NULL DEFAULT 0,
	extraction_method TEXT NOT NULL DEFAULT 'model'
);

CREATE TABLE IF NOT EXISTS classification_outcomes (
	url               TEXT PRIMARY KEY,
	predicted_label   TEXT NOT NULL,
	predicted_quality INT NOT NULL DEFAULT 0,
	actual_positive   BOOLEAN NOT NULL DEFAULT false,
	actual_quality    INT NOT NULL DEFAULT 0,
	was_correct       BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS url_patterns (
	id               BIGSERIAL PRIMARY KEY,
	host             TEXT NOT NULL,
	pattern_type     TEXT NOT NULL,
	pattern          TEXT NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	usage_count      INT NOT NULL DEFAULT 0,
	success_rate     DOUBLE PRECISION NOT NULL DEFAULT 0,
	learned_from_url TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (host, pattern_type, pattern)
);

CREATE TABLE IF NOT EXISTS dynamic_patterns (
	id            TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	regex         TEXT NOT NULL,
	institution   TEXT NOT NULL DEFAULT 'general',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	success_count INT NOT NULL DEFAULT 0,
	failure_count INT NOT NULL DEFAULT 0,
	examples      TEXT[] NOT NULL DEFAULT '{}',
	last_used_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quality_rules (
	funding_type           TEXT PRIMARY KEY,
	required_fields        TEXT[] NOT NULL DEFAULT '{}',
	optional_fields        TEXT[] NOT NULL DEFAULT '{}',
	typical_values         JSONB,
	completeness_threshold INT NOT NULL DEFAULT 0,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS requirement_patterns (
	category           TEXT PRIMARY KEY,
	generic_values     TEXT[] NOT NULL DEFAULT '{}',
	duplicate_patterns JSONB,
	typical_values     TEXT[] NOT NULL DEFAULT '{}',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_score ON jobs(status, quality_score DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_updated_at ON jobs(updated_at);
CREATE INDEX IF NOT EXISTS idx_records_fetched_at ON records(fetched_at);
CREATE INDEX IF NOT EXISTS idx_fields_record_url ON extracted_fields(record_url);
CREATE INDEX IF NOT EXISTS idx_fields_category ON extracted_fields(category);
CREATE INDEX IF NOT EXISTS idx_fields_type ON extracted_fields(type);
CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON classification_outcomes(created_at);
CREATE INDEX IF NOT EXISTS idx_url_patterns_host_type ON url_patterns(host, pattern_type);
CREATE INDEX IF NOT EXISTS idx_dynamic_patterns_category ON dynamic_patterns(category);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ===== Jobs =====

// EnqueueJob inserts or re-arms a job. On conflict the status resets to
// queued and the quality score is only ever raised, so repeated discovery of
// the same good URL never degrades its priority.
func (s *PostgresStore) EnqueueJob(ctx context.Context, url string, depth int, seedURL string, quality int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (url, status, depth, seed_url, quality_score, created_at, updated_at)
		VALUES ($1, 'queued', $2, $3, $4, now(), now())
		ON CONFLICT (url) DO UPDATE SET
			status = 'queued',
			quality_score = GREATEST(jobs.quality_score, EXCLUDED.quality_score),
			updated_at = now()`,
		url, depth, seedURL, quality,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: enqueue job %s", url)
	}
	return nil
}

const jobColumns = `url, status, depth, seed_url, quality_score, needs_rescrape, COALESCE(last_error, ''), created_at, updated_at`

// ClaimJobs atomically claims up to limit queued jobs, highest quality first.
// URLs already present as a record are skipped unless flagged for re-scrape,
// which guarantees at most one successful fetch per URL.
func (s *PostgresStore) ClaimJobs(ctx context.Context, limit int) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		UPDATE jobs SET status = 'processing', updated_at = now()
		WHERE url IN (
			SELECT j.url FROM jobs j
			WHERE j.status = 'queued'
			  AND (j.needs_rescrape OR NOT EXISTS (SELECT 1 FROM records r WHERE r.url = j.url))
			ORDER BY j.quality_score DESC, j.created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobColumns),
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// CompleteJob marks a job done. A fresh fetch attempt clears last_error and
// the re-scrape flag.
func (s *PostgresStore) CompleteJob(ctx context.Context, url string, quality int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'done',
			quality_score = GREATEST(quality_score, $2),
			needs_rescrape = false,
			last_error = NULL,
			updated_at = now()
		WHERE url = $1`,
		url, quality,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job not found: %s", url)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, url, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', last_error = $2, updated_at = now()
		WHERE url = $1`,
		url, errMsg,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", url)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: job not found: %s", url)
	}
	return nil
}

// RequeueFailed re-arms up to limit failed jobs with a score boost.
func (s *PostgresStore) RequeueFailed(ctx context.Context, boost, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued',
			quality_score = LEAST(100, quality_score + $1),
			updated_at = now()
		WHERE url IN (
			SELECT url FROM jobs WHERE status = 'failed'
			ORDER BY updated_at ASC LIMIT $2
		)`,
		boost, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue failed jobs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) MarkNeedsRescrape(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET needs_rescrape = true, updated_at = now() WHERE url = ANY($1)`,
		urls,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark needs rescrape")
	}
	return tag.RowsAffected(), nil
}

// RequeueRescrape re-arms up to limit jobs flagged for re-scraping, raising
// their quality score to at least floor.
func (s *PostgresStore) RequeueRescrape(ctx context.Context, floor, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = 'queued',
			quality_score = LEAST(100, GREATEST(quality_score, $1)),
			updated_at = now()
		WHERE url IN (
			SELECT url FROM jobs
			WHERE needs_rescrape AND status IN ('done', 'failed')
			ORDER BY quality_score DESC LIMIT $2
		)`,
		floor, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue rescrape jobs")
	}
	return tag.RowsAffected(), nil
}

// AdjustQueuedScores shifts the score of queued jobs whose URL contains the
// given substring, clamped to [0, maxScore].
func (s *PostgresStore) AdjustQueuedScores(ctx context.Context, urlSubstring string, delta, maxScore int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET quality_score = LEAST($3, GREATEST(0, quality_score + $2)),
			updated_at = now()
		WHERE status = 'queued' AND url ILIKE '%' || $1 || '%'`,
		urlSubstring, delta, maxScore,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: adjust queued scores for %q", urlSubstring)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: queue stats")
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue stats")
		}
		switch model.JobStatus(status) {
		case model.JobStatusQueued:
			stats.Queued = n
		case model.JobStatusProcessing:
			stats.Processing = n
		case model.JobStatusDone:
			stats.Done = n
		case model.JobStatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) JobOutcomes(ctx context.Context, since time.Time) ([]model.JobOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, status, quality_score, updated_at FROM jobs
		WHERE status IN ('done', 'failed') AND updated_at >= $1`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job outcomes")
	}
	defer rows.Close()

	var outcomes []model.JobOutcome
	for rows.Next() {
		var o model.JobOutcome
		if err := rows.Scan(&o.URL, &o.Status, &o.QualityScore, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job outcome")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) JobExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: job exists")
	}
	return exists, nil
}

// ===== Records =====

func (s *PostgresStore) UpsertRecord(ctx context.Context, rec *model.Record) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record metadata")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (url, title, description, funding_amount_min, funding_amount_max,
			currency, deadline, open_deadline, contact_email, contact_phone,
			funding_types, program_focus, region, is_overview, metadata, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			funding_amount_min = EXCLUDED.funding_amount_min,
			funding_amount_max = EXCLUDED.funding_amount_max,
			currency = EXCLUDED.currency,
			deadline = EXCLUDED.deadline,
			open_deadline = EXCLUDED.open_deadline,
			contact_email = EXCLUDED.contact_email,
			contact_phone = EXCLUDED.contact_phone,
			funding_types = EXCLUDED.funding_types,
			program_focus = EXCLUDED.program_focus,
			region = EXCLUDED.region,
			is_overview = EXCLUDED.is_overview,
			metadata = EXCLUDED.metadata,
			fetched_at = EXCLUDED.fetched_at`,
		rec.URL, rec.Title, rec.Description, rec.FundingAmountMin, rec.FundingAmountMax,
		rec.Currency, rec.Deadline, rec.OpenDeadline, rec.ContactEmail, rec.ContactPhone,
		rec.FundingTypes, rec.ProgramFocus, rec.Region, rec.IsOverview, metadata, rec.FetchedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert record %s", rec.URL)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, url string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT url, title, description, funding_amount_min, funding_amount_max,
			currency, deadline, open_deadline, contact_email, contact_phone,
			funding_types, program_focus, region, is_overview, metadata, fetched_at
		FROM records WHERE url = $1`,
		url,
	)

	var rec model.Record
	var metadata []byte
	err := row.Scan(&rec.URL, &rec.Title, &rec.Description, &rec.FundingAmountMin, &rec.FundingAmountMax,
		&rec.Currency, &rec.Deadline, &rec.OpenDeadline, &rec.ContactEmail, &rec.ContactPhone,
		&rec.FundingTypes, &rec.ProgramFocus, &rec.Region, &rec.IsOverview, &metadata, &rec.FetchedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", url)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal record metadata")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) ThinRecordURLs(ctx context.Context, maxFields, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.url FROM records r
		LEFT JOIN extracted_fields f ON f.record_url = r.url
		WHERE NOT r.is_overview
		GROUP BY r.url
		HAVING COUNT(f.id) < $1
		ORDER BY r.fetched_at ASC
		LIMIT $2`,
		maxFields, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: thin record urls")
	}
	defer rows.Close()

	return scanStrings(rows)
}

func (s *PostgresStore) RecordFieldCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.url, COUNT(f.id) FROM records r
		LEFT JOIN extracted_fields f ON f.record_url = r.url
		WHERE r.fetched_at >= $1
		GROUP BY r.url`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: record field counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var url string
		var n int
		if err := rows.Scan(&url, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field count")
		}
		counts[url] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) RecordURLsByTitleKeywords(ctx context.Context, keywords []string, limit int) ([]string, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []any
	for i, kw := range keywords {
		conditions = append(conditions, fmt.Sprintf("title ILIKE $%d", i+1))
		args = append(args, "%"+kw+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT url FROM records WHERE %s ORDER BY fetched_at DESC LIMIT $%d`,
		strings.Join(conditions, " OR "), len(args),
	)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: records by title keywords")
	}
	defer rows.Close()

	return scanStrings(rows)
}

func (s *PostgresStore) RegionCounts(ctx context.Context, minQuality int) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(NULLIF(r.region, ''), 'Other'), COUNT(*)
		FROM records r
		JOIN jobs j ON j.url = r.url
		WHERE j.quality_score >= $1
		GROUP BY 1`,
		minQuality,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: region counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var region string
		var n int
		if err := rows.Scan(&region, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan region count")
		}
		counts[region] = n
	}
	return counts, rows.Err()
}

// ===== Extracted fields =====

// ReplaceFields swaps the full field set of a record inside one transaction.
func (s *PostgresStore) ReplaceFields(ctx context.Context, recordURL string, fields []model.ExtractedField) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace fields: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM extracted_fields WHERE record_url = $1`, recordURL); err != nil {
		return eris.Wrapf(err, "postgres: replace fields: delete for %s", recordURL)
	}

	if len(fields) > 0 {
		rows := make([][]any, len(fields))
		for i, f := range fields {
			rows[i] = []any{recordURL, f.Category, f.Type, f.Value, f.Confidence, f.Meaningfulness, string(f.Method)}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"extracted_fields"},
			[]string{"record_url", "category", "type", "value", "confidence", "meaningfulness", "extraction_method"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: replace fields: COPY for %s", recordURL)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace fields: commit")
}

func (s *PostgresStore) CountFields(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM extracted_fields`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count fields")
	}
	return n, nil
}

func (s *PostgresStore) FieldCorpus(ctx context.Context, limit int) ([]model.ExtractedField, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_url, category, type, value, confidence, meaningfulness, extraction_method
		FROM extracted_fields ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field corpus")
	}
	defer rows.Close()

	var fields []model.ExtractedField
	for rows.Next() {
		var f model.ExtractedField
		if err := rows.Scan(&f.ID, &f.RecordURL, &f.Category, &f.Type, &f.Value,
			&f.Confidence, &f.Meaningfulness, &f.Method); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (s *PostgresStore) DeleteJunkFields(ctx context.Context, minLen int, stopValues []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM extracted_fields
		WHERE length(trim(value)) < $1 OR lower(trim(value)) = ANY($2)`,
		minLen, stopValues,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete junk fields")
	}
	return tag.RowsAffected(), nil
}

// DeleteFieldsOfThinRecords removes fields belonging to overview pages and
// to records with fewer than minFields fields total.
func (s *PostgresStore) DeleteFieldsOfThinRecords(ctx context.Context, minFields int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM extracted_fields
		WHERE record_url IN (SELECT url FROM records WHERE is_overview)
		   OR record_url IN (
			SELECT record_url FROM extracted_fields
			GROUP BY record_url HAVING COUNT(*) < $1
		)`,
		minFields,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete fields of thin records")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RemapFieldCategories(ctx context.Context, remaps []CategoryRemap) (int64, error) {
	if len(remaps) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: remap categories: begin tx")
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, rm := range remaps {
		tag, err := tx.Exec(ctx, `
			UPDATE extracted_fields SET category = $3
			WHERE category = $1 AND type = $2`,
			rm.FromCategory, rm.Type, rm.ToCategory,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: remap %s/%s", rm.FromCategory, rm.Type)
		}
		total += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: remap categories: commit")
	}
	return total, nil
}

func (s *PostgresStore) FieldTypeCoverage(ctx context.Context, types []string, since time.Time) (map[string]float64, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE fetched_at >= $1`, since,
	).Scan(&total)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field type coverage: count records")
	}

	coverage := make(map[string]float64, len(types))
	for _, t := range types {
		coverage[t] = 0
	}
	if total == 0 {
		return coverage, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT f.type, COUNT(DISTINCT f.record_url)
		FROM extracted_fields f
		JOIN records r ON r.url = f.record_url
		WHERE r.fetched_at >= $1 AND f.type = ANY($2)
		GROUP BY f.type`,
		since, types,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field type coverage")
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan coverage")
		}
		coverage[t] = float64(n) / float64(total) * 100
	}
	return coverage, rows.Err()
}

func (s *PostgresStore) FieldPresenceByFundingType(ctx context.Context) (map[string]TypePresence, error) {
	presence := make(map[string]TypePresence)

	rows, err := s.pool.Query(ctx, `
		SELECT ft, COUNT(*) FROM records r, unnest(r.funding_types) AS ft GROUP BY ft`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field presence: record counts")
	}
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan funding type count")
		}
		presence[ft] = TypePresence{RecordCount: n, TypeCounts: make(map[string]int)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: field presence iterate")
	}

	rows, err = s.pool.Query(ctx, `
		SELECT ft, f.type, COUNT(DISTINCT f.record_url)
		FROM records r, unnest(r.funding_types) AS ft
		JOIN extracted_fields f ON f.record_url = r.url
		GROUP BY ft, f.type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: field presence: type counts")
	}
	defer rows.Close()

	for rows.Next() {
		var ft, fieldType string
		var n int
		if err := rows.Scan(&ft, &fieldType, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan type presence")
		}
		if p, ok := presence[ft]; ok {
			p.TypeCounts[fieldType] = n
		}
	}
	return presence, rows.Err()
}

// ===== Classification outcomes =====

func (s *PostgresStore) UpsertOutcome(ctx context.Context, o *model.ClassificationOutcome) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO classification_outcomes
			(url, predicted_label, predicted_quality, actual_positive, actual_quality, was_correct, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (url) DO UPDATE SET
			predicted_label = EXCLUDED.predicted_label,
			predicted_quality = EXCLUDED.predicted_quality,
			actual_positive = EXCLUDED.actual_positive,
			actual_quality = EXCLUDED.actual_quality,
			was_correct = EXCLUDED.was_correct,
			created_at = now()`,
		o.URL, string(o.PredictedLabel), o.PredictedQuality, o.ActualPositive, o.ActualQuality, o.WasCorrect,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert outcome %s", o.URL)
	}
	return nil
}

func (s *PostgresStore) OutcomeStats(ctx context.Context) (*AccuracyReport, error) {
	var r AccuracyReport
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE was_correct),
			COUNT(*) FILTER (WHERE predicted_label IN ('yes', 'maybe') AND NOT actual_positive),
			COUNT(*) FILTER (WHERE predicted_label = 'no' AND actual_positive)
		FROM classification_outcomes`,
	).Scan(&r.Total, &r.Correct, &r.FalsePositives, &r.FalseNegatives)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: outcome stats")
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Total) * 100
	}
	return &r, nil
}

func (s *PostgresStore) RecentMistakes(ctx context.Context, limit int) ([]model.ClassificationOutcome, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, predicted_label, predicted_quality, actual_positive, actual_quality, was_correct, created_at
		FROM classification_outcomes
		WHERE NOT was_correct
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent mistakes")
	}
	defer rows.Close()

	var outcomes []model.ClassificationOutcome
	for rows.Next() {
		var o model.ClassificationOutcome
		if err := rows.Scan(&o.URL, &o.PredictedLabel, &o.PredictedQuality,
			&o.ActualPositive, &o.ActualQuality, &o.WasCorrect, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outcome")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *PostgresStore) DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM classification_outcomes WHERE created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete outcomes")
	}
	return tag.RowsAffected(), nil
}

// ===== URL patterns =====

// UpsertURLPattern inserts a pattern, or reinforces an existing one: the
// confidence only ever grows and the usage count increments. Decay is an
// explicit maintenance action, never a side effect of a single observation.
func (s *PostgresStore) UpsertURLPattern(ctx context.Context, p *model.URLPattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO url_patterns
			(host, pattern_type, pattern, confidence, usage_count, success_rate, learned_from_url, reason)
		VALUES ($1, $2, $3, $4, 1, $5, $6, $7)
		ON CONFLICT (host, pattern_type, pattern) DO UPDATE SET
			confidence = GREATEST(url_patterns.confidence, EXCLUDED.confidence),
			usage_count = url_patterns.usage_count + 1,
			success_rate = EXCLUDED.success_rate`,
		p.Host, string(p.PatternType), p.Pattern, p.Confidence, p.SuccessRate, p.LearnedFromURL, p.Reason,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert url pattern %s %s", p.Host, p.Pattern)
	}
	return nil
}

const urlPatternColumns = `id, host, pattern_type, pattern, confidence, usage_count, success_rate, learned_from_url, reason, created_at`

func (s *PostgresStore) ListURLPatterns(ctx context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM url_patterns
		WHERE host = $1 AND pattern_type = $2 AND confidence > $3
		ORDER BY confidence DESC, usage_count DESC`, urlPatternColumns),
		host, string(ptype), minConfidence,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list url patterns for %s", host)
	}
	defer rows.Close()

	return scanURLPatterns(rows)
}

func (s *PostgresStore) AllURLPatterns(ctx context.Context) ([]model.URLPattern, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM url_patterns ORDER BY host, pattern_type, confidence DESC`, urlPatternColumns,
	))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: all url patterns")
	}
	defer rows.Close()

	return scanURLPatterns(rows)
}

func (s *PostgresStore) DeleteURLPattern(ctx context.Context, host string, ptype model.PatternType, pattern string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM url_patterns WHERE host = $1 AND pattern_type = $2 AND pattern = $3`,
		host, string(ptype), pattern,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete url pattern %s %s", host, pattern)
	}
	return tag.RowsAffected(), nil
}

// CleanURLPatterns removes low-confidence, rarely used patterns.
func (s *PostgresStore) CleanURLPatterns(ctx context.Context, maxConfidence float64, minUsage int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM url_patterns WHERE confidence < $1 AND usage_count < $2`,
		maxConfidence, minUsage,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clean url patterns")
	}
	return tag.RowsAffected(), nil
}

// ===== Dynamic patterns =====

func (s *PostgresStore) LoadDynamicPatterns(ctx context.Context) ([]model.DynamicPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, category, regex, institution, confidence, success_count, failure_count,
			examples, last_used_at, created_at
		FROM dynamic_patterns
		ORDER BY confidence DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load dynamic patterns")
	}
	defer rows.Close()

	var patterns []model.DynamicPattern
	for rows.Next() {
		var p model.DynamicPattern
		if err := rows.Scan(&p.ID, &p.Category, &p.Regex, &p.Institution, &p.Confidence,
			&p.SuccessCount, &p.FailureCount, &p.Examples, &p.LastUsedAt, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dynamic pattern")
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// SaveDynamicPatterns persists the engine's working set via bulk upsert.
func (s *PostgresStore) SaveDynamicPatterns(ctx context.Context, patterns []model.DynamicPattern) error {
	if len(patterns) == 0 {
		return nil
	}

	rows := make([][]any, len(patterns))
	for i, p := range patterns {
		rows[i] = []any{
			p.ID, p.Category, p.Regex, p.Institution, p.Confidence,
			p.SuccessCount, p.FailureCount, p.Examples, p.LastUsedAt, p.CreatedAt,
		}
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "dynamic_patterns",
		Columns: []string{
			"id", "category", "regex", "institution", "confidence",
			"success_count", "failure_count", "examples", "last_used_at", "created_at",
		},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: save dynamic patterns")
}

func (s *PostgresStore) DeleteDynamicPatterns(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM dynamic_patterns WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete dynamic patterns")
	}
	return tag.RowsAffected(), nil
}

// ===== Learned rules =====

func (s *PostgresStore) UpsertQualityRule(ctx context.Context, r *model.QualityRule) error {
	typical, err := json.Marshal(r.TypicalValues)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal typical values")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO quality_rules
			(funding_type, required_fields, optional_fields, typical_values, completeness_threshold, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (funding_type) DO UPDATE SET
			required_fields = EXCLUDED.required_fields,
			optional_fields = EXCLUDED.optional_fields,
			typical_values = EXCLUDED.typical_values,
			completeness_threshold = EXCLUDED.completeness_threshold,
			updated_at = now()`,
		r.FundingType, r.RequiredFields, r.OptionalFields, typical, r.CompletenessThreshold,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert quality rule %s", r.FundingType)
	}
	return nil
}

func (s *PostgresStore) ListQualityRules(ctx context.Context) ([]model.QualityRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT funding_type, required_fields, optional_fields, typical_values, completeness_threshold, updated_at
		FROM quality_rules ORDER BY funding_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list quality rules")
	}
	defer rows.Close()

	var rules []model.QualityRule
	for rows.Next() {
		var r model.QualityRule
		var typical []byte
		if err := rows.Scan(&r.FundingType, &r.RequiredFields, &r.OptionalFields,
			&typical, &r.CompletenessThreshold, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quality rule")
		}
		if len(typical) > 0 {
			if err := json.Unmarshal(typical, &r.TypicalValues); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal typical values")
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) UpsertRequirementPattern(ctx context.Context, p *model.RequirementPattern) error {
	dupes, err := json.Marshal(p.DuplicatePatterns)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal duplicate patterns")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO requirement_patterns
			(category, generic_values, duplicate_patterns, typical_values, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (category) DO UPDATE SET
			generic_values = EXCLUDED.generic_values,
			duplicate_patterns = EXCLUDED.duplicate_patterns,
			typical_values = EXCLUDED.typical_values,
			updated_at = now()`,
		p.Category, p.GenericValues, dupes, p.TypicalValues,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert requirement pattern %s", p.Category)
	}
	return nil
}

func (s *PostgresStore) GetRequirementPattern(ctx context.Context, category string) (*model.RequirementPattern, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT category, generic_values, duplicate_patterns, typical_values, updated_at
		FROM requirement_patterns WHERE category = $1`,
		category,
	)

	p, err := scanRequirementPattern(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get requirement pattern %s", category)
	}
	return p, nil
}

func (s *PostgresStore) ListRequirementPatterns(ctx context.Context) ([]model.RequirementPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, generic_values, duplicate_patterns, typical_values, updated_at
		FROM requirement_patterns ORDER BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requirement patterns")
	}
	defer rows.Close()

	var patterns []model.RequirementPattern
	for rows.Next() {
		p, err := scanRequirementPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan requirement pattern")
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// ===== helpers =====

type scannable interface {
	Scan(dest ...any) error
}

func scanRequirementPattern(row scannable) (*model.RequirementPattern, error) {
	var p model.RequirementPattern
	var dupes []byte
	if err := row.Scan(&p.Category, &p.GenericValues, &dupes, &p.TypicalValues, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(dupes) > 0 {
		if err := json.Unmarshal(dupes, &p.DuplicatePatterns); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanJobs(rows pgx.Rows) ([]model.Job, error) {
	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.URL, &j.Status, &j.Depth, &j.SeedURL, &j.QualityScore,
			&j.NeedsRescrape, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanURLPatterns(rows pgx.Rows) ([]model.URLPattern, error) {
	var patterns []model.URLPattern
	for rows.Next() {
		var p model.URLPattern
		if err := rows.Scan(&p.ID, &p.Host, &p.PatternType, &p.Pattern, &p.Confidence,
			&p.UsageCount, &p.SuccessRate, &p.LearnedFromURL, &p.Reason, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan url pattern")
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, "postgres: scan string")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
