package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fundscope/crawler-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite, for local and
// offline runs. List-valued columns are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sdb}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	url            TEXT PRIMARY KEY,
	status         TEXT NOT NULL DEFAULT 'queued',
	depth          INTEGER NOT NULL DEFAULT 0,
	seed_url       TEXT NOT NULL DEFAULT '',
	quality_score  INTEGER NOT NULL DEFAULT 50,
	needs_rescrape INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS records (
	url                TEXT PRIMARY KEY,
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	funding_amount_min REAL NOT NULL DEFAULT 0,
	funding_amount_max REAL NOT NULL DEFAULT 0,
	currency           TEXT NOT NULL DEFAULT '',
	deadline           DATETIME,
	open_deadline      INTEGER NOT NULL DEFAULT 0,
	contact_email      TEXT NOT NULL DEFAULT '',
	contact_phone      TEXT NOT NULL DEFAULT '',
	funding_types      TEXT NOT NULL DEFAULT '[]',
	program_focus      TEXT NOT NULL DEFAULT '[]',
	region             TEXT NOT NULL DEFAULT '',
	is_overview        INTEGER NOT NULL DEFAULT 0,
	metadata           TEXT,
	fetched_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	record_url        TEXT NOT NULL REFERENCES records(url) ON DELETE CASCADE,
	category          TEXT NOT NULL,
	type              TEXT NOT NULL,
	value             TEXT NOT NULL,
	confidence        REAL NOT NULL DEFAULT 0,
	meaningfulness    INTEGER NOT NULL DEFAULT 0,
	extraction_method TEXT NOT NULL DEFAULT 'model'
);

CREATE TABLE IF NOT EXISTS classification_outcomes (
	url               TEXT PRIMARY KEY,
	predicted_label   TEXT NOT NULL,
	predicted_quality INTEGER NOT NULL DEFAULT 0,
	actual_positive   INTEGER NOT NULL DEFAULT 0,
	actual_quality    INTEGER NOT NULL DEFAULT 0,
	was_correct       INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS url_patterns (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	host             TEXT NOT NULL,
	pattern_type     TEXT NOT NULL,
	pattern          TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	usage_count      INTEGER NOT NULL DEFAULT 0,
	success_rate     REAL NOT NULL DEFAULT 0,
	learned_from_url TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (host, pattern_type, pattern)
);

CREATE TABLE IF NOT EXISTS dynamic_patterns (
	id            TEXT PRIMARY KEY,
	category      TEXT NOT NULL,
	regex         TEXT NOT NULL,
	institution   TEXT NOT NULL DEFAULT 'general',
	confidence    REAL NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	examples      TEXT NOT NULL DEFAULT '[]',
	last_used_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS quality_rules (
	funding_type           TEXT PRIMARY KEY,
	required_fields        TEXT NOT NULL DEFAULT '[]',
	optional_fields        TEXT NOT NULL DEFAULT '[]',
	typical_values         TEXT,
	completeness_threshold INTEGER NOT NULL DEFAULT 0,
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS requirement_patterns (
	category           TEXT PRIMARY KEY,
	generic_values     TEXT NOT NULL DEFAULT '[]',
	duplicate_patterns TEXT,
	typical_values     TEXT NOT NULL DEFAULT '[]',
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_score ON jobs(status, quality_score DESC);
CREATE INDEX IF NOT EXISTS idx_fields_record_url ON extracted_fields(record_url);
CREATE INDEX IF NOT EXISTS idx_fields_type ON extracted_fields(type);
CREATE INDEX IF NOT EXISTS idx_url_patterns_host_type ON url_patterns(host, pattern_type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ===== Jobs =====

func (s *SQLiteStore) EnqueueJob(ctx context.Context, url string, depth int, seedURL string, quality int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (url, status, depth, seed_url, quality_score, created_at, updated_at)
		VALUES (?, 'queued', ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT (url) DO UPDATE SET
			status = 'queued',
			quality_score = MAX(jobs.quality_score, excluded.quality_score),
			updated_at = datetime('now')`,
		url, depth, seedURL, quality,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: enqueue job %s", url)
	}
	return nil
}

// ClaimJobs selects and claims queued jobs in one transaction. SQLite has no
// SKIP LOCKED; the single-writer WAL model makes select-then-update safe.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, limit int) ([]model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT j.url, j.status, j.depth, j.seed_url, j.quality_score, j.needs_rescrape,
			COALESCE(j.last_error, ''), j.created_at, j.updated_at
		FROM jobs j
		WHERE j.status = 'queued'
		  AND (j.needs_rescrape OR NOT EXISTS (SELECT 1 FROM records r WHERE r.url = j.url))
		ORDER BY j.quality_score DESC, j.created_at ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs: select")
	}

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.URL, &j.Status, &j.Depth, &j.SeedURL, &j.QualityScore,
			&j.NeedsRescrape, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs iterate")
	}

	for i := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'processing', updated_at = datetime('now') WHERE url = ?`,
			jobs[i].URL,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim job %s", jobs[i].URL)
		}
		jobs[i].Status = model.JobStatusProcessing
	}

	return jobs, eris.Wrap(tx.Commit(), "sqlite: claim jobs: commit")
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, url string, quality int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'done',
			quality_score = MAX(quality_score, ?),
			needs_rescrape = 0,
			last_error = NULL,
			updated_at = datetime('now')
		WHERE url = ?`,
		quality, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", url)
	}
	return checkRowsAffected(res, "job", url)
}

func (s *SQLiteStore) FailJob(ctx context.Context, url, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', last_error = ?, updated_at = datetime('now')
		WHERE url = ?`,
		errMsg, url,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", url)
	}
	return checkRowsAffected(res, "job", url)
}

func (s *SQLiteStore) RequeueFailed(ctx context.Context, boost, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued',
			quality_score = MIN(100, quality_score + ?),
			updated_at = datetime('now')
		WHERE url IN (
			SELECT url FROM jobs WHERE status = 'failed'
			ORDER BY updated_at ASC LIMIT ?
		)`,
		boost, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue failed jobs")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) MarkNeedsRescrape(ctx context.Context, urls []string) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`UPDATE jobs SET needs_rescrape = 1, updated_at = datetime('now') WHERE url IN (%s)`,
		placeholders(len(urls)),
	)
	res, err := s.db.ExecContext(ctx, query, toAnySlice(urls)...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark needs rescrape")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) RequeueRescrape(ctx context.Context, floor, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued',
			quality_score = MIN(100, MAX(quality_score, ?)),
			updated_at = datetime('now')
		WHERE url IN (
			SELECT url FROM jobs
			WHERE needs_rescrape AND status IN ('done', 'failed')
			ORDER BY quality_score DESC LIMIT ?
		)`,
		floor, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue rescrape jobs")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) AdjustQueuedScores(ctx context.Context, urlSubstring string, delta, maxScore int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET quality_score = MIN(?, MAX(0, quality_score + ?)),
			updated_at = datetime('now')
		WHERE status = 'queued' AND lower(url) LIKE '%' || lower(?) || '%'`,
		maxScore, delta, urlSubstring,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: adjust queued scores for %q", urlSubstring)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: queue stats")
	}
	defer rows.Close()

	stats := &model.QueueStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue stats")
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

func (s *SQLiteStore) JobOutcomes(ctx context.Context, since time.Time) ([]model.JobOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, status, quality_score, updated_at FROM jobs
		WHERE status IN ('done', 'failed') AND updated_at >= ?`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job outcomes")
	}
	defer rows.Close()

	var outcomes []model.JobOutcome
	for rows.Next() {
		var o model.JobOutcome
		if err := rows.Scan(&o.URL, &o.Status, &o.QualityScore, &o.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job outcome")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *SQLiteStore) JobExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobs WHERE url = ?)`, url,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: job exists")
	}
	return exists, nil
}

// ===== Records =====

func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *model.Record) error {
	fundingTypes, err := json.Marshal(rec.FundingTypes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal funding types")
	}
	programFocus, err := json.Marshal(rec.ProgramFocus)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal program focus")
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (url, title, description, funding_amount_min, funding_amount_max,
			currency, deadline, open_deadline, contact_email, contact_phone,
			funding_types, program_focus, region, is_overview, metadata, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			funding_amount_min = excluded.funding_amount_min,
			funding_amount_max = excluded.funding_amount_max,
			currency = excluded.currency,
			deadline = excluded.deadline,
			open_deadline = excluded.open_deadline,
			contact_email = excluded.contact_email,
			contact_phone = excluded.contact_phone,
			funding_types = excluded.funding_types,
			program_focus = excluded.program_focus,
			region = excluded.region,
			is_overview = excluded.is_overview,
			metadata = excluded.metadata,
			fetched_at = excluded.fetched_at`,
		rec.URL, rec.Title, rec.Description, rec.FundingAmountMin, rec.FundingAmountMax,
		rec.Currency, rec.Deadline, rec.OpenDeadline, rec.ContactEmail, rec.ContactPhone,
		string(fundingTypes), string(programFocus), rec.Region, rec.IsOverview, string(metadata), rec.FetchedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert record %s", rec.URL)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, url string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, title, description, funding_amount_min, funding_amount_max,
			currency, deadline, open_deadline, contact_email, contact_phone,
			funding_types, program_focus, region, is_overview, metadata, fetched_at
		FROM records WHERE url = ?`,
		url,
	)

	var rec model.Record
	var fundingTypes, programFocus string
	var metadata sql.NullString
	err := row.Scan(&rec.URL, &rec.Title, &rec.Description, &rec.FundingAmountMin, &rec.FundingAmountMax,
		&rec.Currency, &rec.Deadline, &rec.OpenDeadline, &rec.ContactEmail, &rec.ContactPhone,
		&fundingTypes, &programFocus, &rec.Region, &rec.IsOverview, &metadata, &rec.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", url)
	}

	if err := json.Unmarshal([]byte(fundingTypes), &rec.FundingTypes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal funding types")
	}
	if err := json.Unmarshal([]byte(programFocus), &rec.ProgramFocus); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal program focus")
	}
	if metadata.Valid && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &rec.Metadata); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) ThinRecordURLs(ctx context.Context, maxFields, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.url FROM records r
		LEFT JOIN extracted_fields f ON f.record_url = r.url
		WHERE NOT r.is_overview
		GROUP BY r.url
		HAVING COUNT(f.id) < ?
		ORDER BY r.fetched_at ASC
		LIMIT ?`,
		maxFields, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: thin record urls")
	}
	defer rows.Close()

	return scanStringRows(rows)
}

func (s *SQLiteStore) RecordFieldCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.url, COUNT(f.id) FROM records r
		LEFT JOIN extracted_fields f ON f.record_url = r.url
		WHERE r.fetched_at >= ?
		GROUP BY r.url`,
		since,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: record field counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var url string
		var n int
		if err := rows.Scan(&url, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field count")
		}
		counts[url] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) RecordURLsByTitleKeywords(ctx context.Context, keywords []string, limit int) ([]string, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	var conditions []string
	var args []any
	for _, kw := range keywords {
		conditions = append(conditions, "lower(title) LIKE '%' || lower(?) || '%'")
		args = append(args, kw)
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT url FROM records WHERE %s ORDER BY fetched_at DESC LIMIT ?`,
		strings.Join(conditions, " OR "),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: records by title keywords")
	}
	defer rows.Close()

	return scanStringRows(rows)
}

func (s *SQLiteStore) RegionCounts(ctx context.Context, minQuality int) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN r.region = '' THEN 'Other' ELSE r.region END, COUNT(*)
		FROM records r
		JOIN jobs j ON j.url = r.url
		WHERE j.quality_score >= ?
		GROUP BY 1`,
		minQuality,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: region counts")
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var region string
		var n int
		if err := rows.Scan(&region, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan region count")
		}
		counts[region] = n
	}
	return counts, rows.Err()
}

// ===== Extracted fields =====

func (s *SQLiteStore) ReplaceFields(ctx context.Context, recordURL string, fields []model.ExtractedField) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace fields: begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM extracted_fields WHERE record_url = ?`, recordURL,
	); err != nil {
		return eris.Wrapf(err, "sqlite: replace fields: delete for %s", recordURL)
	}

	for _, f := range fields {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO extracted_fields
				(record_url, category, type, value, confidence, meaningfulness, extraction_method)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			recordURL, f.Category, f.Type, f.Value, f.Confidence, f.Meaningfulness, string(f.Method),
		); err != nil {
			return eris.Wrapf(err, "sqlite: replace fields: insert for %s", recordURL)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace fields: commit")
}

func (s *SQLiteStore) CountFields(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extracted_fields`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count fields")
	}
	return n, nil
}

func (s *SQLiteStore) FieldCorpus(ctx context.Context, limit int) ([]model.ExtractedField, error) {
	if limit <= 0 {
		limit = 10000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_url, category, type, value, confidence, meaningfulness, extraction_method
		FROM extracted_fields ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field corpus")
	}
	defer rows.Close()

	var fields []model.ExtractedField
	for rows.Next() {
		var f model.ExtractedField
		if err := rows.Scan(&f.ID, &f.RecordURL, &f.Category, &f.Type, &f.Value,
			&f.Confidence, &f.Meaningfulness, &f.Method); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		fields = append(fields, f)
	}
	return fields, rows.Err()
}

func (s *SQLiteStore) DeleteJunkFields(ctx context.Context, minLen int, stopValues []string) (int64, error) {
	// An empty IN () list is a syntax error in sqlite.
	stopClause := ""
	if len(stopValues) > 0 {
		stopClause = fmt.Sprintf(" OR lower(trim(value)) IN (%s)", placeholders(len(stopValues)))
	}
	query := fmt.Sprintf(`
		DELETE FROM extracted_fields
		WHERE length(trim(value)) < ?%s`,
		stopClause,
	)
	args := append([]any{minLen}, toAnySlice(stopValues)...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete junk fields")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) DeleteFieldsOfThinRecords(ctx context.Context, minFields int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM extracted_fields
		WHERE record_url IN (SELECT url FROM records WHERE is_overview)
		   OR record_url IN (
			SELECT record_url FROM extracted_fields
			GROUP BY record_url HAVING COUNT(*) < ?
		)`,
		minFields,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete fields of thin records")
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) RemapFieldCategories(ctx context.Context, remaps []CategoryRemap) (int64, error) {
	if len(remaps) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: remap categories: begin tx")
	}
	defer tx.Rollback()

	var total int64
	for _, rm := range remaps {
		res, err := tx.ExecContext(ctx, `
			UPDATE extracted_fields SET category = ?
			WHERE category = ? AND type = ?`,
			rm.ToCategory, rm.FromCategory, rm.Type,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: remap %s/%s", rm.FromCategory, rm.Type)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: remap rows affected")
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: remap categories: commit")
	}
	return total, nil
}

func (s *SQLiteStore) FieldTypeCoverage(ctx context.Context, types []string, since time.Time) (map[string]float64, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE fetched_at >= ?`, since,
	).Scan(&total)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field type coverage: count records")
	}

	coverage := make(map[string]float64, len(types))
	for _, t := range types {
		coverage[t] = 0
	}
	if total == 0 {
		return coverage, nil
	}

	query := fmt.Sprintf(`
		SELECT f.type, COUNT(DISTINCT f.record_url)
		FROM extracted_fields f
		JOIN records r ON r.url = f.record_url
		WHERE r.fetched_at >= ? AND f.type IN (%s)
		GROUP BY f.type`,
		placeholders(len(types)),
	)
	args := append([]any{since}, toAnySlice(types)...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field type coverage")
	}
	defer rows.Close()

	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan coverage")
		}
		coverage[t] = float64(n) / float64(total) * 100
	}
	return coverage, rows.Err()
}

func (s *SQLiteStore) FieldPresenceByFundingType(ctx context.Context) (map[string]TypePresence, error) {
	presence := make(map[string]TypePresence)

	rows, err := s.db.QueryContext(ctx, `
		SELECT je.value, COUNT(*)
		FROM records r, json_each(r.funding_types) je
		GROUP BY je.value`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field presence: record counts")
	}
	for rows.Next() {
		var ft string
		var n int
		if err := rows.Scan(&ft, &n); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan funding type count")
		}
		presence[ft] = TypePresence{RecordCount: n, TypeCounts: make(map[string]int)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: field presence iterate")
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT je.value, f.type, COUNT(DISTINCT f.record_url)
		FROM records r, json_each(r.funding_types) je
		JOIN extracted_fields f ON f.record_url = r.url
		GROUP BY je.value, f.type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: field presence: type counts")
	}
	defer rows.Close()

	for rows.Next() {
		var ft, fieldType string
		var n int
		if err := rows.Scan(&ft, &fieldType, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan type presence")
		}
		if p, ok := presence[ft]; ok {
			p.TypeCounts[fieldType] = n
		}
	}
	return presence, rows.Err()
}

// ===== Classification outcomes =====

func (s *SQLiteStore) UpsertOutcome(ctx context.Context, o *model.ClassificationOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classification_outcomes
			(url, predicted_label, predicted_quality, actual_positive, actual_quality, was_correct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (url) DO UPDATE SET
			predicted_label = excluded.predicted_label,
			predicted_quality = excluded.predicted_quality,
			actual_positive = excluded.actual_positive,
			actual_quality = excluded.actual_quality,
			was_correct = excluded.was_correct,
			created_at = datetime('now')`,
		o.URL, string(o.PredictedLabel), o.PredictedQuality, o.ActualPositive, o.ActualQuality, o.WasCorrect,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert outcome %s", o.URL)
	}
	return nil
}

func (s *SQLiteStore) OutcomeStats(ctx context.Context) (*AccuracyReport, error) {
	var r AccuracyReport
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN was_correct THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN predicted_label IN ('yes', 'maybe') AND NOT actual_positive THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN predicted_label = 'no' AND actual_positive THEN 1 ELSE 0 END), 0)
		FROM classification_outcomes`,
	).Scan(&r.Total, &r.Correct, &r.FalsePositives, &r.FalseNegatives)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: outcome stats")
	}
	if r.Total > 0 {
		r.Accuracy = float64(r.Correct) / float64(r.Total) * 100
	}
	return &r, nil
}

func (s *SQLiteStore) RecentMistakes(ctx context.Context, limit int) ([]model.ClassificationOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, predicted_label, predicted_quality, actual_positive, actual_quality, was_correct, created_at
		FROM classification_outcomes
		WHERE NOT was_correct
		ORDER BY created_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent mistakes")
	}
	defer rows.Close()

	var outcomes []model.ClassificationOutcome
	for rows.Next() {
		var o model.ClassificationOutcome
		if err := rows.Scan(&o.URL, &o.PredictedLabel, &o.PredictedQuality,
			&o.ActualPositive, &o.ActualQuality, &o.WasCorrect, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outcome")
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

func (s *SQLiteStore) DeleteOutcomesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM classification_outcomes WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete outcomes")
	}
	return rowsAffected(res)
}

// ===== URL patterns =====

func (s *SQLiteStore) UpsertURLPattern(ctx context.Context, p *model.URLPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO url_patterns
			(host, pattern_type, pattern, confidence, usage_count, success_rate, learned_from_url, reason)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (host, pattern_type, pattern) DO UPDATE SET
			confidence = MAX(url_patterns.confidence, excluded.confidence),
			usage_count = url_patterns.usage_count + 1,
			success_rate = excluded.success_rate`,
		p.Host, string(p.PatternType), p.Pattern, p.Confidence, p.SuccessRate, p.LearnedFromURL, p.Reason,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert url pattern %s %s", p.Host, p.Pattern)
	}
	return nil
}

func (s *SQLiteStore) ListURLPatterns(ctx context.Context, host string, ptype model.PatternType, minConfidence float64) ([]model.URLPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, pattern_type, pattern, confidence, usage_count, success_rate,
			learned_from_url, reason, created_at
		FROM url_patterns
		WHERE host = ? AND pattern_type = ? AND confidence > ?
		ORDER BY confidence DESC, usage_count DESC`,
		host, string(ptype), minConfidence,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list url patterns for %s", host)
	}
	defer rows.Close()

	return scanURLPatternRows(rows)
}

func (s *SQLiteStore) AllURLPatterns(ctx context.Context) ([]model.URLPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, host, pattern_type, pattern, confidence, usage_count, success_rate,
			learned_from_url, reason, created_at
		FROM url_patterns ORDER BY host, pattern_type, confidence DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: all url patterns")
	}
	defer rows.Close()

	return scanURLPatternRows(rows)
}

func (s *SQLiteStore) DeleteURLPattern(ctx context.Context, host string, ptype model.PatternType, pattern string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM url_patterns WHERE host = ? AND pattern_type = ? AND pattern = ?`,
		host, string(ptype), pattern,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete url pattern %s %s", host, pattern)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) CleanURLPatterns(ctx context.Context, maxConfidence float64, minUsage int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM url_patterns WHERE confidence < ? AND usage_count < ?`,
		maxConfidence, minUsage,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clean url patterns")
	}
	return rowsAffected(res)
}

// ===== Dynamic patterns =====

func (s *SQLiteStore) LoadDynamicPatterns(ctx context.Context) ([]model.DynamicPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, regex, institution, confidence, success_count, failure_count,
			examples, last_used_at, created_at
		FROM dynamic_patterns
		ORDER BY confidence DESC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load dynamic patterns")
	}
	defer rows.Close()

	var patterns []model.DynamicPattern
	for rows.Next() {
		var p model.DynamicPattern
		var examples string
		if err := rows.Scan(&p.ID, &p.Category, &p.Regex, &p.Institution, &p.Confidence,
			&p.SuccessCount, &p.FailureCount, &examples, &p.LastUsedAt, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dynamic pattern")
		}
		if err := json.Unmarshal([]byte(examples), &p.Examples); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal examples")
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func (s *SQLiteStore) SaveDynamicPatterns(ctx context.Context, patterns []model.DynamicPattern) error {
	if len(patterns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save dynamic patterns: begin tx")
	}
	defer tx.Rollback()

	for _, p := range patterns {
		examples, err := json.Marshal(p.Examples)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal examples")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dynamic_patterns
				(id, category, regex, institution, confidence, success_count, failure_count,
				examples, last_used_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				category = excluded.category,
				regex = excluded.regex,
				institution = excluded.institution,
				confidence = excluded.confidence,
				success_count = excluded.success_count,
				failure_count = excluded.failure_count,
				examples = excluded.examples,
				last_used_at = excluded.last_used_at`,
			p.ID, p.Category, p.Regex, p.Institution, p.Confidence,
			p.SuccessCount, p.FailureCount, string(examples), p.LastUsedAt, p.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save dynamic pattern %s", p.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: save dynamic patterns: commit")
}

func (s *SQLiteStore) DeleteDynamicPatterns(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(
		`DELETE FROM dynamic_patterns WHERE id IN (%s)`, placeholders(len(ids)),
	)
	res, err := s.db.ExecContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete dynamic patterns")
	}
	return rowsAffected(res)
}

// ===== Learned rules =====

func (s *SQLiteStore) UpsertQualityRule(ctx context.Context, r *model.QualityRule) error {
	required, err := json.Marshal(r.RequiredFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal required fields")
	}
	optional, err := json.Marshal(r.OptionalFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal optional fields")
	}
	typical, err := json.Marshal(r.TypicalValues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal typical values")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO quality_rules
			(funding_type, required_fields, optional_fields, typical_values, completeness_threshold, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (funding_type) DO UPDATE SET
			required_fields = excluded.required_fields,
			optional_fields = excluded.optional_fields,
			typical_values = excluded.typical_values,
			completeness_threshold = excluded.completeness_threshold,
			updated_at = datetime('now')`,
		r.FundingType, string(required), string(optional), string(typical), r.CompletenessThreshold,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert quality rule %s", r.FundingType)
	}
	return nil
}

func (s *SQLiteStore) ListQualityRules(ctx context.Context) ([]model.QualityRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT funding_type, required_fields, optional_fields, typical_values, completeness_threshold, updated_at
		FROM quality_rules ORDER BY funding_type`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list quality rules")
	}
	defer rows.Close()

	var rules []model.QualityRule
	for rows.Next() {
		var r model.QualityRule
		var required, optional string
		var typical sql.NullString
		if err := rows.Scan(&r.FundingType, &required, &optional, &typical,
			&r.CompletenessThreshold, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quality rule")
		}
		if err := json.Unmarshal([]byte(required), &r.RequiredFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal required fields")
		}
		if err := json.Unmarshal([]byte(optional), &r.OptionalFields); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal optional fields")
		}
		if typical.Valid && typical.String != "null" {
			if err := json.Unmarshal([]byte(typical.String), &r.TypicalValues); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal typical values")
			}
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) UpsertRequirementPattern(ctx context.Context, p *model.RequirementPattern) error {
	generic, err := json.Marshal(p.GenericValues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal generic values")
	}
	dupes, err := json.Marshal(p.DuplicatePatterns)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal duplicate patterns")
	}
	typical, err := json.Marshal(p.TypicalValues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal typical values")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requirement_patterns
			(category, generic_values, duplicate_patterns, typical_values, updated_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT (category) DO UPDATE SET
			generic_values = excluded.generic_values,
			duplicate_patterns = excluded.duplicate_patterns,
			typical_values = excluded.typical_values,
			updated_at = datetime('now')`,
		p.Category, string(generic), string(dupes), string(typical),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert requirement pattern %s", p.Category)
	}
	return nil
}

func (s *SQLiteStore) GetRequirementPattern(ctx context.Context, category string) (*model.RequirementPattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT category, generic_values, duplicate_patterns, typical_values, updated_at
		FROM requirement_patterns WHERE category = ?`,
		category,
	)

	p, err := scanSQLiteRequirementPattern(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get requirement pattern %s", category)
	}
	return p, nil
}

func (s *SQLiteStore) ListRequirementPatterns(ctx context.Context) ([]model.RequirementPattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, generic_values, duplicate_patterns, typical_values, updated_at
		FROM requirement_patterns ORDER BY category`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requirement patterns")
	}
	defer rows.Close()

	var patterns []model.RequirementPattern
	for rows.Next() {
		p, err := scanSQLiteRequirementPattern(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requirement pattern")
		}
		patterns = append(patterns, *p)
	}
	return patterns, rows.Err()
}

// ===== helpers =====

func scanSQLiteRequirementPattern(row scannable) (*model.RequirementPattern, error) {
	var p model.RequirementPattern
	var generic, typical string
	var dupes sql.NullString
	if err := row.Scan(&p.Category, &generic, &dupes, &typical, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(generic), &p.GenericValues); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(typical), &p.TypicalValues); err != nil {
		return nil, err
	}
	if dupes.Valid && dupes.String != "null" {
		if err := json.Unmarshal([]byte(dupes.String), &p.DuplicatePatterns); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan string")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanURLPatternRows(rows *sql.Rows) ([]model.URLPattern, error) {
	var patterns []model.URLPattern
	for rows.Next() {
		var p model.URLPattern
		if err := rows.Scan(&p.ID, &p.Host, &p.PatternType, &p.Pattern, &p.Confidence,
			&p.UsageCount, &p.SuccessRate, &p.LearnedFromURL, &p.Reason, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan url pattern")
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "rows affected")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
